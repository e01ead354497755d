package main

import (
	"context"
	"testing"
	"time"

	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

func setStateFrame(projectId, roleId string) *clientFrame {
	return &clientFrame{
		Type: frameSetClientState,
		State: &clientState{
			Browser: &browserState{ProjectId: projectId, RoleId: roleId},
		},
	}
}

func TestSetClientStateRefusedForStranger(tt *testing.T) {
	testSetup()

	mustCreateUser("alice", "alice@netsblox.org")
	mustCreateUser("mallory", "mallory@netsblox.org")
	metadata := makeProject(tt, "alice", "private")
	roleId := soleRoleId(metadata)

	// Neither an anonymous client nor an unrelated account may take a seat.
	anon := newTestClient("")
	anon.dispatch(setStateFrame(metadata.Id, roleId))
	if len(globals.topology.occupantsOf(metadata.Id, roleId)) != 0 {
		tt.Fatal("anonymous client was seated in a private project")
	}

	mallory := newTestClient("mallory")
	mallory.dispatch(setStateFrame(metadata.Id, roleId))
	if len(globals.topology.occupantsOf(metadata.Id, roleId)) != 0 {
		tt.Fatal("unrelated account was seated in a private project")
	}
}

func TestSetClientStateOwner(tt *testing.T) {
	testSetup()

	mustCreateUser("alice", "alice@netsblox.org")
	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)

	c := newTestClient("alice")
	c.dispatch(setStateFrame(metadata.Id, roleId))

	occupants := globals.topology.occupantsOf(metadata.Id, roleId)
	if len(occupants) != 1 || occupants[0] != c.id {
		tt.Fatalf("occupants = %v, want [%s]", occupants, c.id)
	}
}

func TestSetClientStateGuestOwner(tt *testing.T) {
	testSetup()
	ctx := context.Background()

	// Guest projects are owned by the client ID; only that client may seat.
	guest := newTestClient("")
	metadata, err := createProject(ctx, guest.id, &newProjectRequest{})
	if err != nil {
		tt.Fatal(err)
	}
	roleId := soleRoleId(metadata)

	guest.dispatch(setStateFrame(metadata.Id, roleId))
	if len(globals.topology.occupantsOf(metadata.Id, roleId)) != 1 {
		tt.Fatal("guest owner refused a seat in its own project")
	}

	other := newTestClient("")
	other.dispatch(setStateFrame(metadata.Id, roleId))
	if len(globals.topology.occupantsOf(metadata.Id, roleId)) != 1 {
		tt.Fatal("another guest was seated in a foreign guest project")
	}
}

func TestSetClientStateOccupantInvite(tt *testing.T) {
	testSetup()
	ctx := context.Background()

	mustCreateUser("alice", "alice@netsblox.org")
	mustCreateUser("bob", "bob@netsblox.org")
	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)

	// Without the invite, bob is refused.
	bob := newTestClient("bob")
	bob.dispatch(setStateFrame(metadata.Id, roleId))
	if len(globals.topology.occupantsOf(metadata.Id, roleId)) != 0 {
		tt.Fatal("invitee was seated before receiving the invite")
	}

	inv := &t.OccupantInvite{
		ProjectId: metadata.Id,
		RoleId:    roleId,
		Sender:    "alice",
		Recipient: "bob",
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Invites.CreateOccupant(ctx, inv); err != nil {
		tt.Fatal(err)
	}

	bob.dispatch(setStateFrame(metadata.Id, roleId))
	if len(globals.topology.occupantsOf(metadata.Id, roleId)) != 1 {
		tt.Fatal("invite holder refused a seat")
	}

	// Taking the seat consumed the invite.
	if _, err := store.Invites.GetOccupant(ctx, metadata.Id, "bob"); err != t.ErrNotFound {
		tt.Error("occupant invite survived acceptance")
	}
}

func TestSetClientStateCollaborator(tt *testing.T) {
	testSetup()
	ctx := context.Background()

	mustCreateUser("alice", "alice@netsblox.org")
	mustCreateUser("bob", "bob@netsblox.org")
	metadata := makeProject(tt, "alice", "game")
	roleId := soleRoleId(metadata)
	if _, err := store.Projects.AddCollaborator(ctx, metadata.Id, "bob"); err != nil {
		tt.Fatal(err)
	}
	invalidateProjectCache(metadata.Id)

	bob := newTestClient("bob")
	bob.dispatch(setStateFrame(metadata.Id, roleId))
	if len(globals.topology.occupantsOf(metadata.Id, roleId)) != 1 {
		tt.Fatal("collaborator refused a seat")
	}
}

func TestSetClientStateExternalUnchecked(tt *testing.T) {
	testSetup()

	// External registrations carry no project, so no seat witness applies.
	c := newTestClient("")
	c.dispatch(&clientFrame{
		Type: frameSetClientState,
		State: &clientState{
			External: &externalState{Address: "bot@Somewhere", AppId: "SomeApp"},
		},
	})
	if _, ok := globals.topology.externalLookup("someapp", "bot@Somewhere"); !ok {
		tt.Fatal("external registration refused")
	}
}
