package main

import (
	"context"
	"testing"

	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

func TestCanEditUserSelf(tt *testing.T) {
	testSetup()
	mustCreateUser("alice", "alice@netsblox.org")

	sess := &session{Username: "alice"}
	if _, err := canEditUser(context.Background(), sess, "Alice"); err != nil {
		tt.Errorf("self edit refused: %v", err)
	}
}

func TestCanEditUserStranger(tt *testing.T) {
	testSetup()
	mustCreateUser("alice", "alice@netsblox.org")
	mustCreateUser("bob", "bob@netsblox.org")

	sess := &session{Username: "bob"}
	_, err := canEditUser(context.Background(), sess, "alice")
	if err == nil {
		tt.Fatal("stranger edit allowed")
	}
	if toAPIError(err).Kind != "Forbidden" {
		tt.Errorf("error kind = %q, want Forbidden", toAPIError(err).Kind)
	}
}

func TestCanEditUserGroupOwner(tt *testing.T) {
	testSetup()
	ctx := context.Background()

	owner := mustCreateUser("owner", "owner@netsblox.org")
	group := &t.Group{Id: "g1", Owner: owner.Username, Name: "class"}
	if err := store.Groups.Create(ctx, group); err != nil {
		tt.Fatal(err)
	}
	member := mustCreateUser("member", "member@netsblox.org")
	if err := store.Users.Update(ctx, member.Username, map[string]any{"groupId": group.Id}); err != nil {
		tt.Fatal(err)
	}

	sess := &session{Username: "owner"}
	if _, err := canEditUser(ctx, sess, "member"); err != nil {
		tt.Errorf("group owner refused: %v", err)
	}
}

func TestCanEditUserAdmin(tt *testing.T) {
	testSetup()
	mustCreateUser("alice", "alice@netsblox.org")

	sess := &session{Username: "root", Role: t.RoleAdmin}
	if _, err := canEditUser(context.Background(), sess, "alice"); err != nil {
		tt.Errorf("admin refused: %v", err)
	}
}

func TestCanViewProjectPublic(tt *testing.T) {
	testSetup()
	ctx := context.Background()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := makeProject(tt, "alice", "game")
	if _, err := setProjectPublic(ctx, &editProject{metadata: metadata}, true); err != nil {
		tt.Fatal(err)
	}

	// Even without a session, a public project is visible.
	if _, err := canViewProject(ctx, nil, metadata.Id); err != nil {
		tt.Errorf("public project hidden: %v", err)
	}
}

func TestCanViewProjectHidden(tt *testing.T) {
	testSetup()
	ctx := context.Background()

	mustCreateUser("alice", "alice@netsblox.org")
	mustCreateUser("bob", "bob@netsblox.org")
	metadata := makeProject(tt, "alice", "game")

	// Hidden projects are NotFound to strangers, not Forbidden.
	sess := &session{Username: "bob"}
	_, err := canViewProject(ctx, sess, metadata.Id)
	if err == nil {
		tt.Fatal("hidden project visible to stranger")
	}
	if toAPIError(err).Kind != "NotFound" {
		tt.Errorf("error kind = %q, want NotFound", toAPIError(err).Kind)
	}
}

func TestCanEditProjectCollaborator(tt *testing.T) {
	testSetup()
	ctx := context.Background()

	mustCreateUser("alice", "alice@netsblox.org")
	mustCreateUser("bob", "bob@netsblox.org")
	metadata := makeProject(tt, "alice", "game")
	if _, err := store.Projects.AddCollaborator(ctx, metadata.Id, "bob"); err != nil {
		tt.Fatal(err)
	}
	invalidateProjectCache(metadata.Id)

	sess := &session{Username: "bob"}
	if _, err := canEditProject(ctx, sess, metadata.Id); err != nil {
		tt.Errorf("collaborator refused: %v", err)
	}
	// Collaborators still may not delete.
	if _, err := canDeleteProject(ctx, sess, metadata.Id); err == nil {
		tt.Error("collaborator allowed to delete")
	}
}

func TestModeratorWitness(tt *testing.T) {
	testSetup()

	if _, err := canModerateLibraries(&session{Username: "mod", Role: t.RoleModerator}); err != nil {
		tt.Errorf("moderator refused: %v", err)
	}
	if _, err := canModerateLibraries(&session{Username: "user"}); err == nil {
		tt.Error("plain user allowed to moderate")
	}
	if _, err := canModerateLibraries(nil); err == nil {
		tt.Error("anonymous allowed to moderate")
	}
}
