/******************************************************************************
 *
 *  Description :
 *
 *  HTTP handlers for community libraries and their moderation.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// handleLibrariesCommunity implements GET /libraries/community.
func handleLibrariesCommunity(wrt http.ResponseWriter, req *http.Request) {
	libs, err := store.Libraries.Community(req.Context())
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, libs)
}

// handleLibrariesPending implements GET /libraries/mod/pending.
func handleLibrariesPending(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := canModerateLibraries(sess); err != nil {
		writeError(wrt, err)
		return
	}
	libs, err := store.Libraries.Pending(req.Context())
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, libs)
}

// handleLibrariesByUser implements GET /libraries/user/{user}.
func handleLibrariesByUser(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	user := chi.URLParam(req, "user")
	if _, err := canViewUser(req.Context(), sess, user); err != nil {
		writeError(wrt, err)
		return
	}
	libs, err := store.Libraries.ByOwner(req.Context(), foldName(user))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, libs)
}

// handleLibraryGet implements GET /libraries/user/{user}/{name}.
func handleLibraryGet(wrt http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	owner := foldName(chi.URLParam(req, "user"))
	name := chi.URLParam(req, "name")

	lib, err := store.Libraries.Get(ctx, owner, name)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if lib.State != t.LibraryPublic {
		sess, err := sessionFromRequest(req)
		if err != nil {
			writeError(wrt, err)
			return
		}
		if _, err := canEditLibrary(ctx, sess, owner); err != nil {
			writeError(wrt, err)
			return
		}
	}
	writeJSON(wrt, http.StatusOK, map[string]string{"blocks": lib.Blocks})
}

type saveLibraryRequest struct {
	Blocks string `json:"blocks"`
	Notes  string `json:"notes"`
}

// handleLibrarySave implements POST /libraries/user/{user}/{name}.
func handleLibrarySave(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditLibrary(ctx, sess, chi.URLParam(req, "user"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	name := chi.URLParam(req, "name")
	if !validName(name) {
		writeError(wrt, errBadRequest("invalid library name"))
		return
	}

	var body saveLibraryRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}

	// Saving an already-public library sends it back through review.
	state := t.LibraryPrivate
	if existing, err := store.Libraries.Get(ctx, witness.owner, name); err == nil &&
		existing.State != t.LibraryPrivate {
		state = t.LibraryPendingApproval
	}

	lib := &t.Library{
		Owner:   witness.owner,
		Name:    name,
		Blocks:  body.Blocks,
		Notes:   body.Notes,
		State:   state,
		Updated: time.Now().UTC(),
	}
	if err := store.Libraries.Upsert(ctx, lib); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, lib)
}

// handleLibraryDelete implements DELETE /libraries/user/{user}/{name}.
func handleLibraryDelete(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditLibrary(ctx, sess, chi.URLParam(req, "user"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	if err := store.Libraries.Delete(ctx, witness.owner, chi.URLParam(req, "name")); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleLibraryPublish implements POST /libraries/user/{user}/{name}/publish.
// Content flagged by the profanity predicate parks in pendingApproval.
func handleLibraryPublish(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditLibrary(ctx, sess, chi.URLParam(req, "user"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	lib, err := store.Libraries.Get(ctx, witness.owner, chi.URLParam(req, "name"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	if globals.profanity(lib.Name) || globals.profanity(lib.Blocks) || globals.profanity(lib.Notes) {
		lib.State = t.LibraryPendingApproval
	} else {
		lib.State = t.LibraryPublic
	}
	lib.Updated = time.Now().UTC()
	if err := store.Libraries.Upsert(ctx, lib); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, lib)
}

// handleLibraryApprove implements
// POST /libraries/community/{owner}/{name}/approve.
func handleLibraryApprove(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := canModerateLibraries(sess); err != nil {
		writeError(wrt, err)
		return
	}

	ctx := req.Context()
	lib, err := store.Libraries.Get(ctx, foldName(chi.URLParam(req, "owner")), chi.URLParam(req, "name"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	if lib.State != t.LibraryPendingApproval {
		writeError(wrt, errConflict("library is not awaiting review"))
		return
	}
	lib.State = t.LibraryPublic
	lib.Updated = time.Now().UTC()
	if err := store.Libraries.Upsert(ctx, lib); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, lib)
}
