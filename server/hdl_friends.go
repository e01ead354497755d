/******************************************************************************
 *
 *  Description :
 *
 *  HTTP handlers for the social graph: friend invites, edges and blocks.
 *  Blocks supersede friendship; a reverse invite auto-accepts both.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// friendsOf lists confirmed friend names of a user.
func friendsOf(ctx context.Context, username string) ([]string, error) {
	edges, err := store.Friends.EdgesOf(ctx, username)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, edge := range edges {
		if edge.State == t.EdgeFriends {
			names = append(names, edge.Other(username))
		}
	}
	return names, nil
}

// handleFriendsList implements GET /friends/{user}.
func handleFriendsList(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	user := chi.URLParam(req, "user")
	witness, err := canViewUser(req.Context(), sess, user)
	if err != nil {
		writeError(wrt, err)
		return
	}

	names, err := friendsOf(req.Context(), witness.username)
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, names)
}

// handleFriendsOnline implements GET /friends/{user}/online.
func handleFriendsOnline(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	user := chi.URLParam(req, "user")
	witness, err := canViewUser(req.Context(), sess, user)
	if err != nil {
		writeError(wrt, err)
		return
	}

	names, err := friendsOf(req.Context(), witness.username)
	if err != nil {
		writeError(wrt, err)
		return
	}
	online := globals.topology.onlineUsers(names)
	if online == nil {
		online = []string{}
	}
	writeJSON(wrt, http.StatusOK, online)
}

// handleFriendInvite implements POST /friends/{user}/invite/{other}.
// A pending reverse invite auto-accepts both sides.
func handleFriendInvite(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditUser(ctx, sess, chi.URLParam(req, "user"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	sender := witness.username
	recipient := foldName(chi.URLParam(req, "other"))

	if sender == recipient {
		writeError(wrt, errBadRequest("cannot befriend yourself"))
		return
	}
	if _, err := store.Users.Get(ctx, recipient); err != nil {
		writeError(wrt, err)
		return
	}

	if edge, err := store.Friends.GetEdge(ctx, sender, recipient); err == nil {
		if edge.State == t.EdgeBlocked {
			writeError(wrt, errForbidden())
			return
		}
		writeError(wrt, errConflict("already friends"))
		return
	} else if err != t.ErrNotFound {
		writeError(wrt, err)
		return
	}

	// A reverse invite means both sides want it: accept.
	if _, err := store.Friends.GetInvite(ctx, recipient, sender); err == nil {
		if err := store.Friends.DeleteInvite(ctx, recipient, sender); err != nil && err != t.ErrNotFound {
			writeError(wrt, err)
			return
		}
		edge := &t.FriendEdge{A: sender, B: recipient, State: t.EdgeFriends, CreatedAt: time.Now().UTC()}
		if err := store.Friends.UpsertEdge(ctx, edge); err != nil {
			writeError(wrt, err)
			return
		}
		writeJSON(wrt, http.StatusOK, edge)
		return
	}

	inv := &t.FriendInvite{Sender: sender, Recipient: recipient, CreatedAt: time.Now().UTC()}
	if err := store.Friends.CreateInvite(ctx, inv); err != nil {
		if err == t.ErrDuplicate {
			writeError(wrt, errBadRequest("invite already pending"))
			return
		}
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusCreated, inv)
}

// handleFriendInvitesList implements GET /friends/{user}/invites.
func handleFriendInvitesList(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	witness, err := canViewUser(req.Context(), sess, chi.URLParam(req, "user"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	invites, err := store.Friends.InvitesFor(req.Context(), witness.username)
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, invites)
}

// handleFriendRespond implements POST /friends/{user}/respond/{inviter}.
func handleFriendRespond(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditUser(ctx, sess, chi.URLParam(req, "user"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	recipient := witness.username
	inviter := foldName(chi.URLParam(req, "inviter"))

	var body respondRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}

	if err := store.Friends.DeleteInvite(ctx, inviter, recipient); err != nil {
		writeError(wrt, err)
		return
	}

	if body.Response == "accept" {
		edge := &t.FriendEdge{A: inviter, B: recipient, State: t.EdgeFriends, CreatedAt: time.Now().UTC()}
		if err := store.Friends.UpsertEdge(ctx, edge); err != nil {
			writeError(wrt, err)
			return
		}
		writeJSON(wrt, http.StatusOK, edge)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleUnfriend implements DELETE /friends/{user}/{other}.
func handleUnfriend(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditUser(ctx, sess, chi.URLParam(req, "user"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	other := foldName(chi.URLParam(req, "other"))

	edge, err := store.Friends.GetEdge(ctx, witness.username, other)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if edge.State == t.EdgeBlocked && edge.A != witness.username {
		// Only the blocker removes a block.
		writeError(wrt, errForbidden())
		return
	}
	if err := store.Friends.DeleteEdge(ctx, witness.username, other); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleBlock implements POST /friends/{user}/block/{other}. The block
// replaces any friendship on the pair.
func handleBlock(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	witness, err := canEditUser(ctx, sess, chi.URLParam(req, "user"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	other := foldName(chi.URLParam(req, "other"))
	if other == witness.username {
		writeError(wrt, errBadRequest("cannot block yourself"))
		return
	}

	// Pending invites in either direction die with the block.
	if err := store.Friends.DeleteInvite(ctx, witness.username, other); err != nil && err != t.ErrNotFound {
		writeError(wrt, err)
		return
	}
	if err := store.Friends.DeleteInvite(ctx, other, witness.username); err != nil && err != t.ErrNotFound {
		writeError(wrt, err)
		return
	}

	edge := &t.FriendEdge{A: witness.username, B: other, State: t.EdgeBlocked, CreatedAt: time.Now().UTC()}
	if err := store.Friends.UpsertEdge(ctx, edge); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, edge)
}
