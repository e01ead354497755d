/******************************************************************************
 *
 *  Description :
 *
 *  The topology: a process-wide registry of connected clients, their declared
 *  states, and the live occupancy of projects (rooms). Mutations bump a
 *  per-project sequence number which the resolver cache keys off.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/netsblox/cloud/server/logs"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// room is the live occupancy view of one project.
type room struct {
	projectId string
	// occupants per role.
	occupants map[string]map[string]bool
}

func newRoom(projectId string) *room {
	return &room{
		projectId: projectId,
		occupants: make(map[string]map[string]bool),
	}
}

func (r *room) add(roleId, clientId string) {
	if r.occupants[roleId] == nil {
		r.occupants[roleId] = make(map[string]bool)
	}
	r.occupants[roleId][clientId] = true
}

func (r *room) remove(roleId, clientId string) {
	if occ := r.occupants[roleId]; occ != nil {
		delete(occ, clientId)
		if len(occ) == 0 {
			delete(r.occupants, roleId)
		}
	}
}

func (r *room) empty() bool {
	return len(r.occupants) == 0
}

func (r *room) clientIds() []string {
	var ids []string
	for _, occ := range r.occupants {
		for id := range occ {
			ids = append(ids, id)
		}
	}
	return ids
}

// Topology owns the concurrency-safe view of who is connected where.
type Topology struct {
	lock sync.RWMutex

	// Declared state per client; absent means Unknown.
	states map[string]*clientState
	// Username per client, for clients with an authenticated session.
	usernames map[string]string

	// Live rooms by project ID.
	rooms map[string]*room
	// External clients: appId -> address string -> clientId.
	external map[string]map[string]string

	// Monotonic per-project sequence numbers. Retained after room teardown so
	// stale resolver entries never validate against a recycled counter.
	seqs map[string]int64
}

// NewTopology initializes an empty topology.
func NewTopology() *Topology {
	return &Topology{
		states:    make(map[string]*clientState),
		usernames: make(map[string]string),
		rooms:     make(map[string]*room),
		external:  make(map[string]map[string]string),
		seqs:      make(map[string]int64),
	}
}

// connect registers a just-accepted client in Unknown state.
func (tp *Topology) connect(c *Client) {
	tp.lock.Lock()
	if c.username != "" {
		tp.usernames[c.id] = c.username
	}
	tp.lock.Unlock()

	statsSet("LiveClients", int64(globals.clientStore.Count()))
}

// seq returns the current sequence number for a project.
func (tp *Topology) seq(projectId string) int64 {
	tp.lock.RLock()
	defer tp.lock.RUnlock()
	return tp.seqs[projectId]
}

// bump advances a project's sequence number. Callers must hold the lock.
func (tp *Topology) bump(projectId string) int64 {
	tp.seqs[projectId]++
	return tp.seqs[projectId]
}

// setState moves a client into a Browser or External state, updating room
// occupancy. Browser states require the seat witness minted for the same
// project and role. It may transition the project back from Transient and
// triggers room-state notifications for rooms it touched.
func (tp *Topology) setState(clientId string, state *clientState, seat *occupyRole) {
	c := globals.clientStore.Get(clientId)
	if c == nil {
		return
	}
	if state.Browser != nil && (seat == nil ||
		seat.projectId != state.Browser.ProjectId || seat.roleId != state.Browser.RoleId) {
		logs.Warn.Println("topology: set-client-state without a seat witness", clientId)
		return
	}

	tp.lock.Lock()
	prevProject := tp.detachLocked(clientId)

	var joinedProject string
	switch {
	case state.Browser != nil:
		rm := tp.rooms[state.Browser.ProjectId]
		if rm == nil {
			rm = newRoom(state.Browser.ProjectId)
			tp.rooms[state.Browser.ProjectId] = rm
		}
		rm.add(state.Browser.RoleId, clientId)
		tp.bump(state.Browser.ProjectId)
		joinedProject = state.Browser.ProjectId

	case state.External != nil:
		appId := normalizeAppId(state.External.AppId)
		if tp.external[appId] == nil {
			tp.external[appId] = make(map[string]string)
		}
		// Registered verbatim; the resolver reassembles the target string
		// before the lookup.
		tp.external[appId][state.External.Address] = clientId
	}

	tp.states[clientId] = state
	if c.username != "" {
		tp.usernames[clientId] = c.username
	}
	tp.lock.Unlock()

	globals.resolver.invalidateClient(clientId)

	ctx, cancel := workerContext()
	defer cancel()

	if joinedProject != "" {
		// Reopening cancels the inactivity timer.
		if _, err := store.Projects.SetState(ctx, joinedProject,
			[]t.SaveState{t.StateTransient}, t.StateCreated, nil); err != nil && err != t.ErrNotFound {
			logs.Err.Println("topology: failed to reopen project", joinedProject, err)
		}
		// Taking a seat consumes any outstanding occupant invites for it.
		if c.username != "" {
			if err := store.Invites.CloseOccupant(ctx, joinedProject, c.username); err != nil {
				logs.Warn.Println("topology: failed to close occupant invites", err)
			}
		}
		invalidateProjectCache(joinedProject)
		tp.sendRoomStateFor(ctx, joinedProject)
	}
	if prevProject != "" && prevProject != joinedProject {
		tp.sendRoomStateFor(ctx, prevProject)
	}
}

// detachLocked removes the client's current occupancy or external
// registration. Returns the project the client left, if any.
func (tp *Topology) detachLocked(clientId string) string {
	state := tp.states[clientId]
	delete(tp.states, clientId)
	if state == nil {
		return ""
	}

	if state.Browser != nil {
		if rm := tp.rooms[state.Browser.ProjectId]; rm != nil {
			rm.remove(state.Browser.RoleId, clientId)
			tp.bump(state.Browser.ProjectId)
			if rm.empty() {
				delete(tp.rooms, state.Browser.ProjectId)
			}
		}
		return state.Browser.ProjectId
	}

	if state.External != nil {
		appId := normalizeAppId(state.External.AppId)
		if net := tp.external[appId]; net != nil {
			for addr, id := range net {
				if id == clientId {
					delete(net, addr)
				}
			}
			if len(net) == 0 {
				delete(tp.external, appId)
			}
		}
	}
	return ""
}

// disconnect removes the client from the topology and applies the lifecycle
// consequences of the close reason.
func (tp *Topology) disconnect(clientId string, reason disconnectReason) {
	tp.lock.Lock()
	state := tp.states[clientId]
	var projectId string
	var emptied bool
	if state != nil && state.Browser != nil {
		projectId = state.Browser.ProjectId
	}
	tp.detachLocked(clientId)
	delete(tp.usernames, clientId)
	if projectId != "" {
		emptied = tp.rooms[projectId] == nil
	}
	tp.lock.Unlock()

	globals.resolver.invalidateClient(clientId)
	statsSet("LiveClients", int64(globals.clientStore.Count()))

	if projectId == "" {
		return
	}

	ctx, cancel := workerContext()
	defer cancel()

	switch reason {
	case reasonBroken:
		// A broken socket marks the project resumable.
		if _, err := store.Projects.SetState(ctx, projectId,
			[]t.SaveState{t.StateCreated, t.StateTransient}, t.StateBroken, nil); err != nil &&
			err != t.ErrNotFound {
			logs.Err.Println("topology: failed to mark project broken", projectId, err)
		}
		invalidateProjectCache(projectId)

	case reasonAway:
		if emptied {
			deleteAt := time.Now().UTC().Add(globals.inactivityTimeout)
			if _, err := store.Projects.SetState(ctx, projectId,
				[]t.SaveState{t.StateCreated}, t.StateTransient, &deleteAt); err != nil &&
				err != t.ErrNotFound {
				logs.Err.Println("topology: failed to mark project transient", projectId, err)
			}
			invalidateProjectCache(projectId)
		}
	}

	if !emptied {
		tp.sendRoomStateFor(ctx, projectId)
	}
}

// send enqueues a frame on the client's outbound channel. A full queue drops
// the client, converting slow consumers into reconnection events.
func (tp *Topology) send(clientId string, frame *serverFrame) {
	c := globals.clientStore.Get(clientId)
	if c == nil {
		return
	}
	if !c.queueOut(frame) {
		logs.Warn.Println("topology: dropping slow client", clientId)
		select {
		case c.stop <- nil:
		default:
		}
	}
}

// broadcastRoom delivers a frame to every occupant of a project.
func (tp *Topology) broadcastRoom(projectId string, frame *serverFrame) {
	tp.lock.RLock()
	var ids []string
	if rm := tp.rooms[projectId]; rm != nil {
		ids = rm.clientIds()
	}
	tp.lock.RUnlock()

	for _, id := range ids {
		tp.send(id, frame)
	}
}

// occupantsOf lists the clients seated at a role.
func (tp *Topology) occupantsOf(projectId, roleId string) []string {
	tp.lock.RLock()
	defer tp.lock.RUnlock()

	rm := tp.rooms[projectId]
	if rm == nil {
		return nil
	}
	var ids []string
	for id := range rm.occupants[roleId] {
		ids = append(ids, id)
	}
	return ids
}

// occupiedRoles lists role IDs with at least one occupant.
func (tp *Topology) occupiedRoles(projectId string) []string {
	tp.lock.RLock()
	defer tp.lock.RUnlock()

	rm := tp.rooms[projectId]
	if rm == nil {
		return nil
	}
	var roles []string
	for roleId := range rm.occupants {
		roles = append(roles, roleId)
	}
	return roles
}

// externalLookup finds the external client registered under the literal
// address for an app. Role/project comparison is the caller's concern; the
// registered key is matched case-insensitively except for the owner segment.
func (tp *Topology) externalLookup(appId, appString string) (string, bool) {
	tp.lock.RLock()
	defer tp.lock.RUnlock()

	net := tp.external[normalizeAppId(appId)]
	if net == nil {
		return "", false
	}
	if id, ok := net[appString]; ok {
		return id, true
	}
	// Case-insensitive on the address part, case-sensitive on the owner.
	wantAddr, wantOwner := splitAppString(appString)
	for key, id := range net {
		addr, owner := splitAppString(key)
		if owner == wantOwner && equalFold(addr, wantAddr) {
			return id, true
		}
	}
	return "", false
}

// externalClients lists all connected external clients.
func (tp *Topology) externalClients() []externalClientInfo {
	tp.lock.RLock()
	defer tp.lock.RUnlock()

	var out []externalClientInfo
	for id, state := range tp.states {
		if state.External != nil {
			out = append(out, externalClientInfo{
				Username: tp.usernames[id],
				Address:  state.External.Address,
				AppId:    state.External.AppId,
			})
		}
	}
	return out
}

// onlineUsers filters usernames to those with at least one live client. An
// empty filter returns all online usernames.
func (tp *Topology) onlineUsers(fromNames []string) []string {
	tp.lock.RLock()
	online := make(map[string]bool)
	for _, name := range tp.usernames {
		online[name] = true
	}
	tp.lock.RUnlock()

	if fromNames == nil {
		var all []string
		for name := range online {
			all = append(all, name)
		}
		return all
	}
	var filtered []string
	for _, name := range fromNames {
		if online[name] {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// clientStateOf returns a client's declared state, or nil for Unknown.
func (tp *Topology) clientStateOf(clientId string) *clientState {
	tp.lock.RLock()
	defer tp.lock.RUnlock()
	return tp.states[clientId]
}

// setUsername tags a client after a login on an already-open socket.
func (tp *Topology) setUsername(clientId, username string) {
	tp.lock.Lock()
	if username == "" {
		delete(tp.usernames, clientId)
	} else {
		tp.usernames[clientId] = username
	}
	tp.lock.Unlock()

	globals.resolver.invalidateClient(clientId)
}

// usernameOf returns the username tagging a client, or empty.
func (tp *Topology) usernameOf(clientId string) string {
	tp.lock.RLock()
	defer tp.lock.RUnlock()
	return tp.usernames[clientId]
}

// clientsOfUser lists the live clients tagged with a username.
func (tp *Topology) clientsOfUser(username string) []string {
	tp.lock.RLock()
	defer tp.lock.RUnlock()

	var ids []string
	for id, name := range tp.usernames {
		if name == username {
			ids = append(ids, id)
		}
	}
	return ids
}

// roomStateOf builds the live view of a project from its metadata. Roles
// without occupants are listed empty.
func (tp *Topology) roomStateOf(metadata *t.ProjectMetadata) *roomState {
	tp.lock.RLock()
	defer tp.lock.RUnlock()

	roles := make(map[string]roleState)
	rm := tp.rooms[metadata.Id]
	for roleId, role := range metadata.Roles {
		rs := roleState{Name: role.Name, Occupants: []occupantState{}}
		if rm != nil {
			for clientId := range rm.occupants[roleId] {
				name := tp.usernames[clientId]
				if name == "" {
					name = "guest"
				}
				rs.Occupants = append(rs.Occupants, occupantState{ClientId: clientId, Name: name})
			}
		}
		roles[roleId] = rs
	}

	collaborators := metadata.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}

	return &roomState{
		Id:            metadata.Id,
		Owner:         metadata.Owner,
		Name:          metadata.Name,
		Roles:         roles,
		Collaborators: collaborators,
		Version:       tp.seqs[metadata.Id],
	}
}

// sendRoomStateFor broadcasts the room's current state to its occupants and
// to external clients registered by the same users.
func (tp *Topology) sendRoomStateFor(ctx context.Context, projectId string) {
	metadata, err := cachedProjectGet(ctx, projectId)
	if err != nil {
		if err != t.ErrNotFound {
			logs.Err.Println("topology: cannot load metadata for room state", projectId, err)
		}
		return
	}
	tp.sendRoomState(metadata)
}

// sendRoomState pushes the room state built from the given metadata. The
// room changed, so resolver entries naming the project are stale.
func (tp *Topology) sendRoomState(metadata *t.ProjectMetadata) {
	globals.resolver.invalidateProject(metadata.Id)

	state := tp.roomStateOf(metadata)
	frame := roomStateFrame(state)

	tp.broadcastRoom(metadata.Id, frame)

	// Room-state also reaches external clients registered by the owner or a
	// collaborator of the project.
	interested := append([]string{metadata.Owner}, metadata.Collaborators...)
	tp.lock.RLock()
	var externalIds []string
	for id, st := range tp.states {
		if st.External == nil {
			continue
		}
		name := tp.usernames[id]
		for _, want := range interested {
			if name == want {
				externalIds = append(externalIds, id)
				break
			}
		}
	}
	tp.lock.RUnlock()

	for _, id := range externalIds {
		tp.send(id, frame)
	}
}

// sendToUser delivers a frame to every client tagged with the username.
func (tp *Topology) sendToUser(username string, frame *serverFrame) {
	for _, id := range tp.clientsOfUser(username) {
		tp.send(id, frame)
	}
}

// evict sends an eviction control frame, then disconnects.
func (tp *Topology) evict(clientId string) {
	c := globals.clientStore.Get(clientId)
	if c == nil {
		return
	}
	// Route the eviction frame through the stop channel so it is written
	// ahead of the close even when the send queue is backed up.
	data, _ := json.Marshal(evictFrame())
	select {
	case c.stop <- data:
	default:
	}
	c.cleanUp(reasonEvicted)
}

// closeClientsOf force-closes every client tagged with the username. Used
// when the account is deleted mid-session.
func (tp *Topology) closeClientsOf(username string) {
	for _, id := range tp.clientsOfUser(username) {
		tp.evict(id)
	}
}
