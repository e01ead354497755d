/******************************************************************************
 *
 *  Description :
 *
 *  HTTP handlers for project metadata, role content and collaboration.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// handleProjectCreate implements POST /projects. Unauthenticated clients get
// a project owned by their client ID.
func handleProjectCreate(wrt http.ResponseWriter, req *http.Request) {
	// An empty body creates a default untitled project.
	var body newProjectRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}

	owner := ""
	if sess, err := sessionFromRequest(req); err == nil && sess.Username != "" {
		owner = sess.Username
	} else if body.ClientId != "" && isValidClientId(body.ClientId) {
		owner = body.ClientId
	} else {
		owner = NewClientId()
	}

	metadata, err := createProject(req.Context(), owner, &body)
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusCreated, metadata)
}

// handleProjectGet implements GET /projects/id/{projectId}.
func handleProjectGet(wrt http.ResponseWriter, req *http.Request) {
	sess, _ := sessionFromRequest(req)
	witness, err := canViewProject(req.Context(), sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, witness.metadata)
}

// handleProjectsByOwner implements GET /projects/user/{owner}.
func handleProjectsByOwner(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	owner := chi.URLParam(req, "owner")
	if _, err := canViewUser(ctx, sess, owner); err != nil {
		writeError(wrt, err)
		return
	}

	projects, err := store.Projects.ByOwner(ctx, foldName(owner))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, projects)
}

// handleProjectsShared implements GET /projects/shared/{user}.
func handleProjectsShared(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	user := chi.URLParam(req, "user")
	if _, err := canViewUser(ctx, sess, user); err != nil {
		writeError(wrt, err)
		return
	}

	projects, err := store.Projects.SharedWith(ctx, foldName(user))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, projects)
}

type patchProjectRequest struct {
	Name   string `json:"name,omitempty"`
	State  string `json:"state,omitempty"`
	Public *bool  `json:"public,omitempty"`
}

// handleProjectPatch implements PATCH /projects/id/{projectId}: rename,
// publish and lifecycle-state changes.
func handleProjectPatch(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditProject(ctx, sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	var body patchProjectRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}

	metadata := witness.metadata
	if body.Name != "" && body.Name != metadata.Name {
		if metadata, err = renameProject(ctx, witness, body.Name); err != nil {
			writeError(wrt, err)
			return
		}
		witness.metadata = metadata
	}
	if body.Public != nil && *body.Public != metadata.Public {
		if metadata, err = setProjectPublic(ctx, witness, *body.Public); err != nil {
			writeError(wrt, err)
			return
		}
		witness.metadata = metadata
	}
	if body.State != "" {
		state, err := t.ParseSaveState(body.State)
		if err != nil {
			writeError(wrt, errBadRequest("invalid state"))
			return
		}
		if metadata, err = setProjectState(ctx, witness, state); err != nil {
			writeError(wrt, err)
			return
		}
	}

	writeJSON(wrt, http.StatusOK, metadata)
}

// handleProjectDelete implements DELETE /projects/id/{projectId}.
func handleProjectDelete(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canDeleteProject(ctx, sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	if err := deleteProjectAction(ctx, witness); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleProjectLatest implements GET /projects/id/{projectId}/latest.
func handleProjectLatest(wrt http.ResponseWriter, req *http.Request) {
	sess, _ := sessionFromRequest(req)
	ctx := req.Context()
	witness, err := canViewProject(ctx, sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	project, err := latestProject(ctx, witness.metadata)
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, project)
}

// handleRoleLatest implements GET /projects/id/{projectId}/{roleId}/latest.
func handleRoleLatest(wrt http.ResponseWriter, req *http.Request) {
	sess, _ := sessionFromRequest(req)
	ctx := req.Context()
	witness, err := canViewProject(ctx, sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	data, err := latestRole(ctx, witness.metadata, chi.URLParam(req, "roleId"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, data)
}

// handleRoleSave implements POST /projects/id/{projectId}/{roleId}.
func handleRoleSave(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditProject(ctx, sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	var data t.RoleData
	if err := json.NewDecoder(req.Body).Decode(&data); err != nil {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}

	metadata, err := saveRole(ctx, witness, chi.URLParam(req, "roleId"), &data)
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, metadata)
}

// handleCollaboratorInvite implements
// POST /projects/id/{projectId}/collaborators/invite/{user}.
func handleCollaboratorInvite(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditProject(ctx, sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	recipient := foldName(chi.URLParam(req, "user"))
	if _, err := store.Users.Get(ctx, recipient); err != nil {
		writeError(wrt, err)
		return
	}
	if witness.metadata.HasCollaborator(recipient) {
		writeError(wrt, errConflict("already a collaborator"))
		return
	}

	inv := &t.CollaborationInvite{
		Id:        uuid.NewString(),
		ProjectId: witness.metadata.Id,
		Sender:    sess.Username,
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Invites.CreateCollab(ctx, inv); err != nil {
		if err == t.ErrDuplicate {
			writeError(wrt, errConflict("invite already pending"))
			return
		}
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusCreated, inv)
}

type respondRequest struct {
	Response string `json:"response"`
}

// handleCollaborationRespond implements
// POST /collaboration-invites/{id}/respond. Accepting adds the collaborator
// and deletes the invite.
func handleCollaborationRespond(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()

	inv, err := store.Invites.GetCollab(ctx, chi.URLParam(req, "id"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := canEditUser(ctx, sess, inv.Recipient); err != nil {
		writeError(wrt, err)
		return
	}

	var body respondRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}

	if body.Response == "accept" {
		metadata, err := store.Projects.AddCollaborator(ctx, inv.ProjectId, inv.Recipient)
		if err != nil {
			writeError(wrt, err)
			return
		}
		invalidateProjectCache(metadata.Id)
		updateProjectCache(metadata)
		globals.topology.sendRoomState(metadata)
	}
	if err := store.Invites.DeleteCollab(ctx, inv.Id); err != nil && err != t.ErrNotFound {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleCollaborationInvitesList implements GET /collaboration-invites/user/{user}.
func handleCollaborationInvitesList(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	user := chi.URLParam(req, "user")
	if _, err := canViewUser(ctx, sess, user); err != nil {
		writeError(wrt, err)
		return
	}
	invites, err := store.Invites.CollabFor(ctx, foldName(user))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, invites)
}

// handleCollaboratorsList implements GET /projects/id/{projectId}/collaborators.
func handleCollaboratorsList(wrt http.ResponseWriter, req *http.Request) {
	sess, _ := sessionFromRequest(req)
	witness, err := canViewProject(req.Context(), sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	collaborators := witness.metadata.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	writeJSON(wrt, http.StatusOK, collaborators)
}

// handleCollaboratorRemove implements
// DELETE /projects/id/{projectId}/collaborators/{user}.
func handleCollaboratorRemove(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditProject(ctx, sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	user := foldName(chi.URLParam(req, "user"))
	if !witness.metadata.HasCollaborator(user) {
		writeError(wrt, errNotFound())
		return
	}
	metadata, err := store.Projects.RemoveCollaborator(ctx, witness.metadata.Id, user)
	if err != nil {
		writeError(wrt, err)
		return
	}
	invalidateProjectCache(metadata.Id)
	updateProjectCache(metadata)
	globals.topology.sendRoomState(metadata)
	writeJSON(wrt, http.StatusOK, metadata)
}
