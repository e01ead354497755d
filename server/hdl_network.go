/******************************************************************************
 *
 *  Description :
 *
 *  HTTP handlers for the network overlay: room state, external clients,
 *  occupant invites, eviction, traces and service-host messaging.
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

// handleRoomState implements GET /network/id/{projectId}.
func handleRoomState(wrt http.ResponseWriter, req *http.Request) {
	sess, _ := sessionFromRequest(req)
	witness, err := canViewProject(req.Context(), sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, globals.topology.roomStateOf(witness.metadata))
}

// handleExternalClients implements GET /network: the connected external
// clients.
func handleExternalClients(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := requireAdmin(sess); err != nil {
		writeError(wrt, err)
		return
	}
	clients := globals.topology.externalClients()
	if clients == nil {
		clients = []externalClientInfo{}
	}
	writeJSON(wrt, http.StatusOK, clients)
}

// handleClientState implements GET /network/clients/{clientId}/state.
func handleClientState(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := requireAppLevel(sess); err != nil {
		writeError(wrt, err)
		return
	}

	clientId := chi.URLParam(req, "clientId")
	if globals.clientStore.Get(clientId) == nil {
		writeError(wrt, errNotFound())
		return
	}
	writeJSON(wrt, http.StatusOK, &clientInfo{
		Username: globals.topology.usernameOf(clientId),
		State:    globals.topology.clientStateOf(clientId),
	})
}

type occupantInviteRequest struct {
	Username string `json:"username"`
	RoleId   string `json:"roleId"`
}

// handleOccupantInvite implements POST /network/id/{projectId}/occupants/invite.
func handleOccupantInvite(wrt http.ResponseWriter, req *http.Request) {
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

	var body occupantInviteRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Username == "" {
		writeError(wrt, errBadRequest("username and roleId are required"))
		return
	}
	recipient := foldName(body.Username)
	if _, ok := witness.metadata.Roles[body.RoleId]; !ok {
		writeError(wrt, errNotFound())
		return
	}
	if _, err := store.Users.Get(ctx, recipient); err != nil {
		writeError(wrt, err)
		return
	}

	inv := &t.OccupantInvite{
		ProjectId: witness.metadata.Id,
		RoleId:    body.RoleId,
		Sender:    sess.Username,
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Invites.CreateOccupant(ctx, inv); err != nil {
		writeError(wrt, err)
		return
	}

	globals.topology.sendToUser(recipient, &serverFrame{
		Type: frameRoomInvite,
		Invite: &occupantInviteMsg{
			ProjectId:   inv.ProjectId,
			RoleId:      inv.RoleId,
			ProjectName: witness.metadata.Name,
			Inviter:     sess.Username,
		},
	})
	writeJSON(wrt, http.StatusCreated, inv)
}

// handleEvict implements POST /network/clients/{clientId}/evict. Permitted
// for admins and for anyone holding edit rights over the client's user or
// occupied project.
func handleEvict(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	ctx := req.Context()
	clientId := chi.URLParam(req, "clientId")

	allowed := sess.isAdmin()
	if !allowed {
		if username := globals.topology.usernameOf(clientId); username != "" {
			_, err := canEditUser(ctx, sess, username)
			allowed = err == nil
		}
	}
	if !allowed {
		if state := globals.topology.clientStateOf(clientId); state != nil && state.Browser != nil {
			_, err := canEditProject(ctx, sess, state.Browser.ProjectId)
			allowed = err == nil
		}
	}
	if !allowed {
		writeError(wrt, errForbidden())
		return
	}

	globals.topology.evict(clientId)
	writeJSON(wrt, http.StatusOK, nil)
}

// handleTraceStart implements POST /network/id/{projectId}/trace.
func handleTraceStart(wrt http.ResponseWriter, req *http.Request) {
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
	trace, err := startTrace(ctx, witness)
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusCreated, trace)
}

// handleTraceStop implements POST /network/id/{projectId}/trace/{traceId}/stop.
func handleTraceStop(wrt http.ResponseWriter, req *http.Request) {
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
	trace, err := stopTrace(ctx, witness, chi.URLParam(req, "traceId"))
	if err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, trace)
}

// handleTraceGet implements GET /network/id/{projectId}/trace/{traceId}.
func handleTraceGet(wrt http.ResponseWriter, req *http.Request) {
	sess, _ := sessionFromRequest(req)
	ctx := req.Context()
	witness, err := canViewProject(ctx, sess, chi.URLParam(req, "projectId"))
	if err != nil {
		writeError(wrt, err)
		return
	}

	traceId := chi.URLParam(req, "traceId")
	found := false
	for _, trace := range witness.metadata.Traces {
		if trace.Id == traceId {
			found = true
			break
		}
	}
	if !found {
		writeError(wrt, errNotFound())
		return
	}

	messages, err := store.Messages.ForTrace(ctx, witness.metadata.Id, traceId)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if messages == nil {
		messages = []t.RecordedMessage{}
	}
	writeJSON(wrt, http.StatusOK, messages)
}

// handleTraceDelete implements DELETE /network/id/{projectId}/trace/{traceId}.
func handleTraceDelete(wrt http.ResponseWriter, req *http.Request) {
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
	if err := deleteTrace(ctx, witness, chi.URLParam(req, "traceId")); err != nil {
		writeError(wrt, err)
		return
	}
	writeJSON(wrt, http.StatusOK, nil)
}

type sendMessageRequest struct {
	Address string          `json:"address"`
	MsgType string          `json:"msgType"`
	Content json.RawMessage `json:"content"`
}

// handleSendMessage implements POST /network/messages: message injection by
// authorized service hosts.
func handleSendMessage(wrt http.ResponseWriter, req *http.Request) {
	sess, err := sessionFromRequest(req)
	if err != nil {
		writeError(wrt, err)
		return
	}
	if _, err := requireAppLevel(sess); err != nil {
		writeError(wrt, err)
		return
	}

	var body sendMessageRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Address == "" {
		writeError(wrt, errBadRequest("address is required"))
		return
	}

	ctx := req.Context()
	// Service hosts act with app-level authority: no group filtering.
	ident := &senderIdentity{isAdmin: true, groups: map[string]bool{}}
	clients, err := globals.resolver.resolve(ctx, ident, body.Address)
	if err != nil {
		writeError(wrt, err)
		return
	}

	frame := &serverFrame{
		Type:            frameMessage,
		TargetAddresses: []string{body.Address},
		MsgType:         body.MsgType,
		Content:         body.Content,
	}
	for _, rcpt := range clients {
		globals.topology.send(rcpt.clientId, frame)
	}
	writeJSON(wrt, http.StatusOK, map[string]int{"recipients": len(clients)})
}

// handleConfiguration implements GET /configuration: client bootstrap data.
func handleConfiguration(wrt http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	var username string
	var hosts []t.ServiceHost
	if sess, err := sessionFromRequest(req); err == nil && sess.Username != "" {
		username = sess.Username
		if user, err := store.Users.Get(ctx, sess.Username); err == nil {
			hosts, _ = store.Hosts.ForScope(ctx, userScope(user.Username))
			if user.GroupId != "" {
				groupHosts, _ := store.Hosts.ForScope(ctx, groupScope(user.GroupId))
				hosts = append(hosts, groupHosts...)
			}
		}
	}
	if hosts == nil {
		hosts = []t.ServiceHost{}
	}

	writeJSON(wrt, http.StatusOK, map[string]any{
		"clientId":      NewClientId(),
		"username":      username,
		"servicesHosts": hosts,
		"cloudUrl":      globals.publicUrl,
	})
}
