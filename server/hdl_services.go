/******************************************************************************
 *
 *  Description :
 *
 *  HTTP handlers for service hosts: per-user and per-group host lists,
 *  privileged host authorizations and service settings.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

func userScope(username string) t.ServiceHostScope {
	return t.ServiceHostScope{Username: username}
}

func groupScope(groupId string) t.ServiceHostScope {
	return t.ServiceHostScope{GroupId: groupId}
}

// handleUserHostsGet implements GET /services/hosts/user/{user}.
func handleUserHostsGet(wrt http.ResponseWriter, req *http.Request) {
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
	hosts, err := store.Hosts.ForScope(req.Context(), userScope(foldName(user)))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, hosts)
}

// handleUserHostsSet implements POST /services/hosts/user/{user}.
func handleUserHostsSet(wrt http.ResponseWriter, req *http.Request) {
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

	var hosts []t.ServiceHost
	if err := json.NewDecoder(req.Body).Decode(&hosts); err != nil {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}
	if err := store.Hosts.SetForScope(ctx, userScope(witness.username), hosts); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, hosts)
}

// handleGroupHostsGet implements GET /services/hosts/group/{id}.
func handleGroupHostsGet(wrt http.ResponseWriter, req *http.Request) {
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
	hosts, err := store.Hosts.ForScope(req.Context(), groupScope(witness.group.Id))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, hosts)
}

// handleGroupHostsSet implements POST /services/hosts/group/{id}.
func handleGroupHostsSet(wrt http.ResponseWriter, req *http.Request) {
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

	var hosts []t.ServiceHost
	if err := json.NewDecoder(req.Body).Decode(&hosts); err != nil {
		writeError(wrt, errBadRequest("invalid request body"))
		return
	}
	if err := store.Hosts.SetForScope(ctx, groupScope(witness.group.Id), hosts); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, hosts)
}

type authorizeHostRequest struct {
	Id     string `json:"id"`
	Url    string `json:"url"`
	Public bool   `json:"public"`
}

// handleHostAuthorize implements POST /services/hosts/authorized. The
// returned secret is presented by the host in X-Authorization.
func handleHostAuthorize(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := requireAdmin(sess); err != nil {
		writeError(wrt, err)
		return
	}

	var body authorizeHostRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Id == "" || body.Url == "" {
		writeError(wrt, errBadRequest("id and url are required"))
		return
	}

	host := &t.AuthorizedServiceHost{
		Id:     body.Id,
		Url:    body.Url,
		Secret: newToken(),
		Public: body.Public,
	}
	if err := store.Hosts.Authorize(req.Context(), host); err != nil {
		if err == t.ErrDuplicate {
			writeError(wrt, errConflict("host already authorized"))
			return
		}
		writeError(wrt, err)
		return
	}
	// The secret is returned exactly once.
	writeJSON(wrt, http.StatusCreated, map[string]string{"id": host.Id, "secret": host.Secret})
}

// handleHostsAuthorizedList implements GET /services/hosts/authorized.
func handleHostsAuthorizedList(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := requireAdmin(sess); err != nil {
		writeError(wrt, err)
		return
	}
	hosts, err := store.Hosts.ListAuthorized(req.Context())
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, hosts)
}

// handleHostDeauthorize implements DELETE /services/hosts/authorized/{id}.
func handleHostDeauthorize(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	hostId := chi.URLParam(req, "id")
	if _, err := canManageHost(sess, hostId); err != nil {
		writeError(wrt, err)
		return
	}
	if err := store.Hosts.Deauthorize(req.Context(), hostId); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleUserSettingsGet implements GET /services/settings/user/{user}/{host}.
func handleUserSettingsGet(wrt http.ResponseWriter, req *http.Request) {
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

	user, err := store.Users.Get(ctx, witness.username)
	if err != nil {
		writeError(wrt, err)
		return
	}

	// The user's own entry wins; the group entry is the fallback.
	hostId := chi.URLParam(req, "host")
	settings := user.ServiceSettings[hostId]
	if settings == "" && user.GroupId != "" {
		if group, err := store.Groups.Get(ctx, user.GroupId); err == nil {
			settings = group.ServiceSettings[hostId]
		}
	}

	wrt.Header().Set("Content-Type", "application/json")
	if settings == "" {
		settings = "null"
	}
	wrt.Write([]byte(settings))
}

// handleUserSettingsSet implements POST /services/settings/user/{user}/{host}.
func handleUserSettingsSet(wrt http.ResponseWriter, req *http.Request) {
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

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(wrt, errBadRequest("unreadable body"))
		return
	}

	if err := store.Users.Update(ctx, witness.username, map[string]any{
		"serviceSettings." + chi.URLParam(req, "host"): string(body),
	}); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleUserSettingsDelete implements
// DELETE /services/settings/user/{user}/{host}.
func handleUserSettingsDelete(wrt http.ResponseWriter, req *http.Request) {
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
	if err := store.Users.Update(ctx, witness.username, map[string]any{
		"serviceSettings." + chi.URLParam(req, "host"): "",
	}); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

// handleGroupSettingsSet implements POST /services/settings/group/{id}/{host}.
func handleGroupSettingsSet(wrt http.ResponseWriter, req *http.Request) {
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

	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(wrt, errBadRequest("unreadable body"))
		return
	}

	if err := store.Groups.Update(ctx, witness.group.Id, map[string]any{
		"serviceSettings." + chi.URLParam(req, "host"): string(body),
	}); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}
