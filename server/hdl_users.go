/******************************************************************************
 *
 *  Description :
 *
 *  HTTP handlers for account management: signup, login, bans, linked
 *  accounts and password maintenance.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/netsblox/cloud/server/logs"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

type newUserRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
	GroupId      string `json:"groupId,omitempty"`
	Role         string `json:"role,omitempty"`
}

// handleUserCreate implements POST /users/create.
func handleUserCreate(wrt http.ResponseWriter, req *http.Request) {
	if err := ensureNotTorExit(req); err != nil {
		writeError(wrt, err)
		return
	}
	if !globals.signupThrottle.allow(remoteIP(req)) {
		writeError(wrt, errRateLimited())
		return
	}

	var body newUserRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}

	username := foldName(body.Username)
	email := strings.TrimSpace(body.Email)
	if username == "" || email == "" || body.PasswordHash == "" {
		writeError(wrt, errBadRequest("username, email and passwordHash are required"))
		return
	}
	if !validAccountName(username) || globals.profanity(username) {
		writeError(wrt, errBadRequest("invalid username"))
		return
	}

	ctx := req.Context()
	if banned, err := store.Users.IsBanned(ctx, username, email); err != nil {
		writeError(wrt, err)
		return
	} else if banned {
		writeError(wrt, errForbidden())
		return
	}

	role := t.RoleUser
	groupId := ""
	if body.Role != "" || body.GroupId != "" {
		// Privileged fields require a witness over the affected account set.
		sess, err := sessionFromRequest(req)
		if err != nil {
			writeError(wrt, err)
			return
		}
		if body.Role != "" {
			if _, err := requireAdmin(sess); err != nil {
				writeError(wrt, err)
				return
			}
			role = t.ParseUserRole(body.Role)
		}
		if body.GroupId != "" {
			if _, err := canEditGroup(ctx, sess, body.GroupId); err != nil {
				writeError(wrt, err)
				return
			}
			groupId = body.GroupId
		}
	}

	// The canonical email must be unique across non-banned accounts.
	if others, err := store.Users.GetByEmail(ctx, email); err != nil {
		writeError(wrt, err)
		return
	} else if len(others) > 0 {
		writeError(wrt, errConflict("email already registered"))
		return
	}

	salt := newSalt()
	user := &t.User{
		Username:  username,
		Email:     email,
		Salt:      salt,
		Hash:      hashPassword(salt, body.PasswordHash),
		Role:      role,
		GroupId:   groupId,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Users.Create(ctx, user); err != nil {
		if err == t.ErrDuplicate {
			writeError(wrt, errConflict("username already taken"))
			return
		}
		writeError(wrt, err)
		return
	}

	statsInc("UsersCreatedTotal", 1)
	writeJSON(wrt, http.StatusCreated, user)
}

type loginRequest struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
	// ClientId links the login to an already-connected websocket.
	ClientId string `json:"clientId,omitempty"`
}

// handleUserLogin implements POST /users/login.
func handleUserLogin(wrt http.ResponseWriter, req *http.Request) {
	if err := ensureNotTorExit(req); err != nil {
		writeError(wrt, err)
		return
	}

	var body loginRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}
	username := foldName(body.Username)

	if !globals.loginThrottle.allow(username + "/" + remoteIP(req)) {
		writeError(wrt, errRateLimited())
		return
	}

	ctx := req.Context()
	user, err := store.Users.Get(ctx, username)
	if err != nil {
		if err == t.ErrNotFound {
			writeError(wrt, errUnauthorized())
			return
		}
		writeError(wrt, err)
		return
	}
	if banned, err := store.Users.IsBanned(ctx, user.Username, user.Email); err != nil {
		writeError(wrt, err)
		return
	} else if banned {
		writeError(wrt, errForbidden())
		return
	}

	if hashPassword(user.Salt, body.PasswordHash) != user.Hash {
		writeError(wrt, errUnauthorized())
		return
	}

	if err := issueSession(wrt, user.Username); err != nil {
		writeError(wrt, err)
		return
	}

	// Tag the connected client so the overlay can address the user by name.
	if body.ClientId != "" {
		if c := globals.clientStore.Get(body.ClientId); c != nil {
			c.username = user.Username
			globals.topology.setUsername(c.id, user.Username)
		}
	}

	logs.Info.Println("users: login", user.Username)
	writeJSON(wrt, http.StatusOK, user)
}

// handleUserLogout implements POST /users/logout.
func handleUserLogout(wrt http.ResponseWriter, req *http.Request) {
	clearSession(wrt)
	writeJSON(wrt, http.StatusOK, nil)
}

// handleUserGet implements GET /users/{name}.
func handleUserGet(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	name := chi.URLParam(req, "name")
	if _, err := canViewUser(req.Context(), sess, name); err != nil {
		writeError(wrt, err)
		return
	}

	user, err := store.Users.Get(req.Context(), foldName(name))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, user)
}

type passwordRequest struct {
	PasswordHash string `json:"passwordHash"`
	// Token completes an emailed reset.
	Token string `json:"token,omitempty"`
}

// handleUserPassword implements POST /users/{name}/password. With a session
// witness it changes the password; with a one-time token it completes a
// reset; otherwise it mails a reset token.
func handleUserPassword(wrt http.ResponseWriter, req *http.Request) {
	name := foldName(chi.URLParam(req, "name"))
	ctx := req.Context()

	// An empty body is a reset request.
	var body passwordRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}

	applyPassword := func() error {
		salt := newSalt()
		return store.Users.Update(ctx, name, map[string]any{
			"salt": salt,
			"hash": hashPassword(salt, body.PasswordHash),
		})
	}

	if body.Token != "" {
		if body.PasswordHash == "" {
			writeError(wrt, errBadRequest("passwordHash is required"))
			return
		}
		if _, err := store.Users.TakePasswordToken(ctx, name, body.Token); err != nil {
			writeError(wrt, errForbidden())
			return
		}
		if err := applyPassword(); err != nil {
			writeError(wrt, err)
			return
		}
		writeJSON(wrt, http.StatusOK, nil)
		return
	}

	if sess, err := sessionFromRequest(req); err == nil {
		if _, err := canEditUser(ctx, sess, name); err != nil {
			writeError(wrt, err)
			return
		}
		if body.PasswordHash == "" {
			writeError(wrt, errBadRequest("passwordHash is required"))
			return
		}
		if err := applyPassword(); err != nil {
			writeError(wrt, err)
			return
		}
		writeJSON(wrt, http.StatusOK, nil)
		return
	}

	// No credentials at all: issue a reset token by email.
	if !globals.resetThrottle.allow(name) {
		writeError(wrt, errRateLimited())
		return
	}
	user, err := store.Users.Get(ctx, name)
	if err != nil {
		// Do not reveal whether the account exists.
		writeJSON(wrt, http.StatusOK, nil)
		return
	}
	tok := &t.PasswordToken{
		Username:  name,
		Secret:    newToken(),
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Users.SetPasswordToken(ctx, tok); err != nil {
		writeError(wrt, err)
		return
	}
	link := globals.publicUrl + "/users/" + name + "/password?token=" + tok.Secret
	if err := globals.mailer.SendPasswordReset(user.Email, name, link); err != nil {
		logs.Err.Println("users: failed to send reset email", name, err)
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleUserBan implements POST /users/{name}/ban.
func handleUserBan(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := requireAdmin(sess); err != nil {
		writeError(wrt, err)
		return
	}

	ctx := req.Context()
	name := foldName(chi.URLParam(req, "name"))
	user, err := store.Users.Get(ctx, name)
	if err != nil {
		writeError(wrt, err)
		return
	}

	ban := &t.BannedAccount{
		Username: user.Username,
		Email:    user.Email,
		BannedAt: time.Now().UTC(),
	}
	if err := store.Users.Ban(ctx, ban); err != nil {
		writeError(wrt, err)
		return
	}

	globals.resolver.invalidateUser(name)
	writeJSON(wrt, http.StatusOK, ban)
}

// handleUserUnban implements POST /users/{name}/unban.
func handleUserUnban(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := requireAdmin(sess); err != nil {
		writeError(wrt, err)
		return
	}

	name := foldName(chi.URLParam(req, "name"))
	if err := store.Users.Unban(req.Context(), name); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleUserDelete implements DELETE /users/{name}. The account's resolver
// entries are invalidated and its websockets closed.
func handleUserDelete(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	name := chi.URLParam(req, "name")
	witness, err := canEditUser(ctx, sess, name)
	if err != nil {
		writeError(wrt, err)
		return
	}

	if err := store.Users.Delete(ctx, witness.username); err != nil {
		writeError(wrt, err)
		return
	}

	globals.resolver.invalidateUser(witness.username)
	writeJSON(wrt, http.StatusOK, nil)
}

type linkRequest struct {
	Strategy string `json:"strategy"`
	Id       string `json:"id"`
}

// handleUserLink implements POST /users/{name}/link.
func handleUserLink(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	name := chi.URLParam(req, "name")
	witness, err := canEditUser(ctx, sess, name)
	if err != nil {
		writeError(wrt, err)
		return
	}

	var body linkRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Strategy == "" || body.Id == "" {
		writeError(wrt, errBadRequest("strategy and id are required"))
		return
	}

	// One account per linked login.
	if other, err := store.Users.GetByLinked(ctx, body.Strategy, body.Id); err == nil &&
		other.Username != witness.username {
		writeError(wrt, errConflict("account already linked"))
		return
	}

	user, err := store.Users.Get(ctx, witness.username)
	if err != nil {
		writeError(wrt, err)
		return
	}
	for _, linked := range user.Linked {
		if linked.Strategy == body.Strategy && linked.Id == body.Id {
			writeJSON(wrt, http.StatusOK, user)
			return
		}
	}
	user.Linked = append(user.Linked, t.LinkedAccount{Strategy: body.Strategy, Id: body.Id})
	if err := store.Users.Update(ctx, witness.username, map[string]any{
		"linkedAccounts": user.Linked,
	}); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, user)
}

// handleUserUnlink implements DELETE /users/{name}/link/{strategy}/{id}.
func handleUserUnlink(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	name := chi.URLParam(req, "name")
	witness, err := canEditUser(ctx, sess, name)
	if err != nil {
		writeError(wrt, err)
		return
	}

	strategy := chi.URLParam(req, "strategy")
	id := chi.URLParam(req, "id")

	user, err := store.Users.Get(ctx, witness.username)
	if err != nil {
		writeError(wrt, err)
		return
	}
	var remaining []t.LinkedAccount
	for _, linked := range user.Linked {
		if linked.Strategy == strategy && linked.Id == id {
			continue
		}
		remaining = append(remaining, linked)
	}
	if len(remaining) == len(user.Linked) {
		writeError(wrt, errNotFound())
		return
	}
	if err := store.Users.Update(ctx, witness.username, map[string]any{
		"linkedAccounts": remaining,
	}); err != nil {
		writeError(wrt, err)
		return
	}
	user.Linked = remaining
	writeJSON(wrt, http.StatusOK, user)
}

var accountNameRegex = nameRegex

// validAccountName restricts usernames to the same character set as project
// names, sans spaces.
func validAccountName(name string) bool {
	return len(name) >= 3 && len(name) <= 32 &&
		accountNameRegex.MatchString(name) && !strings.Contains(name, " ")
}
