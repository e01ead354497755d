/******************************************************************************
 *
 *  Description :
 *
 *  HTTP handlers for group management.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

type newGroupRequest struct {
	Name string `json:"name"`
}

// handleGroupCreate implements POST /groups.
func handleGroupCreate(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if sess.Username == "" {
		writeError(wrt, errForbidden())
		return
	}

	var body newGroupRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(wrt, errBadRequest("name is required"))
		return
	}

	group := &t.Group{
		Id:    uuid.NewString(),
		Owner: sess.Username,
		Name:  body.Name,
	}
	if err := store.Groups.Create(req.Context(), group); err != nil {
		if err == t.ErrDuplicate {
			writeError(wrt, errConflict("group name already taken"))
			return
		}
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusCreated, group)
}

// handleGroupsList implements GET /groups: the session user's own groups.
func handleGroupsList(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	groups, err := store.Groups.ByOwner(req.Context(), sess.Username)
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, groups)
}

// handleGroupGet implements GET /groups/{id}.
func handleGroupGet(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	witness, err := canEditGroup(req.Context(), sess, chi.URLParam(req, "id"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, witness.group)
}

// handleGroupPatch implements PATCH /groups/{id}: rename.
func handleGroupPatch(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditGroup(ctx, sess, chi.URLParam(req, "id"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	var body newGroupRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(wrt, errBadRequest("name is required"))
		return
	}

	if err := store.Groups.Update(ctx, witness.group.Id, map[string]any{
		"name": body.Name,
	}); err != nil {
		writeError(wrt, err)
		return
	}
	witness.group.Name = body.Name
	writeJSON(wrt, http.StatusOK, witness.group)
}

// handleGroupDelete implements DELETE /groups/{id}. Members are detached and
// group-owned service-host authorizations removed.
func handleGroupDelete(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditGroup(ctx, sess, chi.URLParam(req, "id"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	if err := store.Groups.Delete(ctx, witness.group.Id); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleGroupMembers implements GET /groups/{id}/members.
func handleGroupMembers(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditGroup(ctx, sess, chi.URLParam(req, "id"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	members, err := store.Groups.Members(ctx, witness.group.Id)
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, members)
}
