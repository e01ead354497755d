/******************************************************************************
 *
 *  Description :
 *
 *  Shared test fixtures: an in-memory store adapter, an in-memory blob
 *  handler and initialization of the process globals.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/netsblox/cloud/server/logs"
	"github.com/netsblox/cloud/server/mail"
	"github.com/netsblox/cloud/server/media"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
	"golang.org/x/time/rate"
)

// memAdapter is an in-memory store adapter for tests.
type memAdapter struct {
	lock sync.Mutex
	open bool

	users      map[string]*t.User
	banned     map[string]*t.BannedAccount
	groups     map[string]*t.Group
	projects   map[string]*t.ProjectMetadata
	edges      []*t.FriendEdge
	frInvites  map[string]*t.FriendInvite
	collabs    map[string]*t.CollaborationInvite
	occupants  []*t.OccupantInvite
	libraries  map[string]*t.Library
	hosts      map[string][]t.ServiceHost
	authorized map[string]*t.AuthorizedServiceHost
	recorded   []t.RecordedMessage
	tokens     map[string]*t.PasswordToken
}

func newMemAdapter() *memAdapter {
	return &memAdapter{
		users:      make(map[string]*t.User),
		banned:     make(map[string]*t.BannedAccount),
		groups:     make(map[string]*t.Group),
		projects:   make(map[string]*t.ProjectMetadata),
		frInvites:  make(map[string]*t.FriendInvite),
		collabs:    make(map[string]*t.CollaborationInvite),
		libraries:  make(map[string]*t.Library),
		hosts:      make(map[string][]t.ServiceHost),
		authorized: make(map[string]*t.AuthorizedServiceHost),
		tokens:     make(map[string]*t.PasswordToken),
	}
}

func (a *memAdapter) Open(ctx context.Context, jsonconf json.RawMessage) error {
	a.open = true
	return nil
}
func (a *memAdapter) Close(ctx context.Context) error { a.open = false; return nil }
func (a *memAdapter) IsOpen() bool                    { return a.open }
func (a *memAdapter) GetName() string                 { return "mem" }
func (a *memAdapter) CreateDb(ctx context.Context, reset bool) error {
	return nil
}
func (a *memAdapter) SetTTLs(occupantInvite, passwordToken, recordedMessage time.Duration) {}

func copyProject(p *t.ProjectMetadata) *t.ProjectMetadata {
	cp := *p
	cp.Roles = make(map[string]t.RoleMetadata, len(p.Roles))
	for id, role := range p.Roles {
		cp.Roles[id] = role
	}
	cp.Collaborators = append([]string(nil), p.Collaborators...)
	cp.Traces = append([]t.NetworkTrace(nil), p.Traces...)
	return &cp
}

func (a *memAdapter) UserCreate(ctx context.Context, user *t.User) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.users[user.Username]; ok {
		return t.ErrDuplicate
	}
	cp := *user
	a.users[user.Username] = &cp
	return nil
}

func (a *memAdapter) UserGet(ctx context.Context, username string) (*t.User, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	user, ok := a.users[username]
	if !ok {
		return nil, t.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (a *memAdapter) UserGetByEmail(ctx context.Context, email string) ([]t.User, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.User
	for _, user := range a.users {
		if user.Email == email {
			out = append(out, *user)
		}
	}
	return out, nil
}

func (a *memAdapter) UserGetByLinked(ctx context.Context, strategy, id string) (*t.User, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, user := range a.users {
		for _, linked := range user.Linked {
			if linked.Strategy == strategy && linked.Id == id {
				cp := *user
				return &cp, nil
			}
		}
	}
	return nil, t.ErrNotFound
}

func (a *memAdapter) UserUpdate(ctx context.Context, username string, update map[string]any) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	user, ok := a.users[username]
	if !ok {
		return t.ErrNotFound
	}
	for key, value := range update {
		switch key {
		case "salt":
			user.Salt = value.(string)
		case "hash":
			user.Hash = value.(string)
		case "groupId":
			user.GroupId = value.(string)
		case "linkedAccounts":
			user.Linked, _ = value.([]t.LinkedAccount)
		case "role":
			user.Role = value.(t.UserRole)
		}
	}
	return nil
}

func (a *memAdapter) UserDelete(ctx context.Context, username string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.users[username]; !ok {
		return t.ErrNotFound
	}
	delete(a.users, username)
	var kept []*t.FriendEdge
	for _, edge := range a.edges {
		if !edge.Touches(username) {
			kept = append(kept, edge)
		}
	}
	a.edges = kept
	return nil
}

func (a *memAdapter) UserList(ctx context.Context, groupId string) ([]t.User, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.User
	for _, user := range a.users {
		if groupId == "" || user.GroupId == groupId {
			out = append(out, *user)
		}
	}
	return out, nil
}

func (a *memAdapter) BanCreate(ctx context.Context, ban *t.BannedAccount) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.banned[ban.Username] = ban
	return nil
}

func (a *memAdapter) BanDelete(ctx context.Context, username string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.banned[username]; !ok {
		return t.ErrNotFound
	}
	delete(a.banned, username)
	return nil
}

func (a *memAdapter) BanCheck(ctx context.Context, username, email string) (bool, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, ban := range a.banned {
		if ban.Username == username || ban.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (a *memAdapter) GroupCreate(ctx context.Context, group *t.Group) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, g := range a.groups {
		if g.Owner == group.Owner && g.Name == group.Name {
			return t.ErrDuplicate
		}
	}
	cp := *group
	a.groups[group.Id] = &cp
	return nil
}

func (a *memAdapter) GroupGet(ctx context.Context, id string) (*t.Group, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	group, ok := a.groups[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	cp := *group
	return &cp, nil
}

func (a *memAdapter) GroupsByOwner(ctx context.Context, owner string) ([]t.Group, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.Group
	for _, group := range a.groups {
		if group.Owner == owner {
			out = append(out, *group)
		}
	}
	return out, nil
}

func (a *memAdapter) GroupUpdate(ctx context.Context, id string, update map[string]any) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	group, ok := a.groups[id]
	if !ok {
		return t.ErrNotFound
	}
	if name, ok := update["name"]; ok {
		group.Name = name.(string)
	}
	return nil
}

func (a *memAdapter) GroupDelete(ctx context.Context, id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.groups[id]; !ok {
		return t.ErrNotFound
	}
	delete(a.groups, id)
	for _, user := range a.users {
		if user.GroupId == id {
			user.GroupId = ""
		}
	}
	return nil
}

func (a *memAdapter) ProjectCreate(ctx context.Context, p *t.ProjectMetadata) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, existing := range a.projects {
		if existing.Owner == p.Owner && existing.Name == p.Name {
			return t.ErrDuplicate
		}
	}
	a.projects[p.Id] = copyProject(p)
	return nil
}

func (a *memAdapter) ProjectGet(ctx context.Context, id string) (*t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	p, ok := a.projects[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	return copyProject(p), nil
}

func (a *memAdapter) ProjectGetByName(ctx context.Context, owner, name string) (*t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, p := range a.projects {
		if p.Owner == owner && p.Name == name {
			return copyProject(p), nil
		}
	}
	return nil, t.ErrNotFound
}

func (a *memAdapter) ProjectsByOwner(ctx context.Context, owner string) ([]t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.ProjectMetadata
	for _, p := range a.projects {
		if p.Owner == owner {
			out = append(out, *copyProject(p))
		}
	}
	return out, nil
}

func (a *memAdapter) ProjectsSharedWith(ctx context.Context, username string) ([]t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.ProjectMetadata
	for _, p := range a.projects {
		if p.HasCollaborator(username) {
			out = append(out, *copyProject(p))
		}
	}
	return out, nil
}

func (a *memAdapter) ProjectUpdate(ctx context.Context, id string, prevUpdated time.Time,
	update map[string]any) (*t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	p, ok := a.projects[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	if !p.Updated.Equal(prevUpdated) {
		return nil, t.ErrRevisionMismatch
	}
	for key, value := range update {
		switch {
		case key == "name":
			p.Name = value.(string)
		case key == "public":
			p.Public = value.(bool)
		case key == "updated":
			p.Updated = value.(time.Time)
		case key == "networkTraces":
			p.Traces = append([]t.NetworkTrace(nil), value.([]t.NetworkTrace)...)
		case len(key) > 6 && key[:6] == "roles.":
			p.Roles[key[6:]] = *value.(*t.RoleMetadata)
		}
	}
	return copyProject(p), nil
}

func (a *memAdapter) ProjectSetState(ctx context.Context, id string, fromStates []t.SaveState,
	to t.SaveState, deleteAt *time.Time) (*t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	p, ok := a.projects[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	if len(fromStates) > 0 {
		matched := false
		for _, s := range fromStates {
			if p.State == s {
				matched = true
				break
			}
		}
		if !matched {
			return nil, t.ErrNotFound
		}
	}
	p.State = to
	p.DeleteAt = deleteAt
	return copyProject(p), nil
}

func (a *memAdapter) ProjectAddCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	p, ok := a.projects[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	if !p.HasCollaborator(username) {
		p.Collaborators = append(p.Collaborators, username)
	}
	return copyProject(p), nil
}

func (a *memAdapter) ProjectRemoveCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	p, ok := a.projects[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	var kept []string
	for _, c := range p.Collaborators {
		if c != username {
			kept = append(kept, c)
		}
	}
	p.Collaborators = kept
	return copyProject(p), nil
}

func (a *memAdapter) ProjectDelete(ctx context.Context, id string) (*t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	p, ok := a.projects[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	delete(a.projects, id)
	return copyProject(p), nil
}

func (a *memAdapter) ProjectsExpired(ctx context.Context, now time.Time) ([]t.ProjectMetadata, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.ProjectMetadata
	for _, p := range a.projects {
		if p.State == t.StateTransient && p.DeleteAt != nil && !p.DeleteAt.After(now) {
			out = append(out, *copyProject(p))
		}
	}
	return out, nil
}

func (a *memAdapter) ProjectBlobKeys(ctx context.Context) (map[string]bool, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	keys := make(map[string]bool)
	for _, p := range a.projects {
		for _, role := range p.Roles {
			keys[role.CodeKey] = true
			keys[role.MediaKey] = true
		}
	}
	return keys, nil
}

func samePair(edge *t.FriendEdge, x, y string) bool {
	return (edge.A == x && edge.B == y) || (edge.A == y && edge.B == x)
}

func (a *memAdapter) FriendEdgeUpsert(ctx context.Context, edge *t.FriendEdge) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	var kept []*t.FriendEdge
	for _, e := range a.edges {
		if !samePair(e, edge.A, edge.B) {
			kept = append(kept, e)
		}
	}
	cp := *edge
	a.edges = append(kept, &cp)
	return nil
}

func (a *memAdapter) FriendEdgeGet(ctx context.Context, x, y string) (*t.FriendEdge, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, e := range a.edges {
		if samePair(e, x, y) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, t.ErrNotFound
}

func (a *memAdapter) FriendEdgeDelete(ctx context.Context, x, y string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	var kept []*t.FriendEdge
	removed := false
	for _, e := range a.edges {
		if samePair(e, x, y) {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	a.edges = kept
	if !removed {
		return t.ErrNotFound
	}
	return nil
}

func (a *memAdapter) FriendEdgesOf(ctx context.Context, username string) ([]t.FriendEdge, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.FriendEdge
	for _, e := range a.edges {
		if e.Touches(username) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (a *memAdapter) FriendInviteCreate(ctx context.Context, inv *t.FriendInvite) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	key := inv.Sender + "/" + inv.Recipient
	if _, ok := a.frInvites[key]; ok {
		return t.ErrDuplicate
	}
	cp := *inv
	a.frInvites[key] = &cp
	return nil
}

func (a *memAdapter) FriendInviteGet(ctx context.Context, sender, recipient string) (*t.FriendInvite, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	inv, ok := a.frInvites[sender+"/"+recipient]
	if !ok {
		return nil, t.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (a *memAdapter) FriendInviteDelete(ctx context.Context, sender, recipient string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	key := sender + "/" + recipient
	if _, ok := a.frInvites[key]; !ok {
		return t.ErrNotFound
	}
	delete(a.frInvites, key)
	return nil
}

func (a *memAdapter) FriendInvitesFor(ctx context.Context, recipient string) ([]t.FriendInvite, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.FriendInvite
	for _, inv := range a.frInvites {
		if inv.Recipient == recipient {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (a *memAdapter) CollabInviteCreate(ctx context.Context, inv *t.CollaborationInvite) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, existing := range a.collabs {
		if existing.ProjectId == inv.ProjectId && existing.Recipient == inv.Recipient {
			return t.ErrDuplicate
		}
	}
	cp := *inv
	a.collabs[inv.Id] = &cp
	return nil
}

func (a *memAdapter) CollabInviteGet(ctx context.Context, id string) (*t.CollaborationInvite, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	inv, ok := a.collabs[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (a *memAdapter) CollabInvitesForProject(ctx context.Context, projectId string) ([]t.CollaborationInvite, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.CollaborationInvite
	for _, inv := range a.collabs {
		if inv.ProjectId == projectId {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (a *memAdapter) CollabInvitesFor(ctx context.Context, recipient string) ([]t.CollaborationInvite, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.CollaborationInvite
	for _, inv := range a.collabs {
		if inv.Recipient == recipient {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (a *memAdapter) CollabInviteDelete(ctx context.Context, id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.collabs[id]; !ok {
		return t.ErrNotFound
	}
	delete(a.collabs, id)
	return nil
}

func (a *memAdapter) OccupantInviteCreate(ctx context.Context, inv *t.OccupantInvite) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	cp := *inv
	a.occupants = append(a.occupants, &cp)
	return nil
}

func (a *memAdapter) OccupantInviteGet(ctx context.Context, projectId, recipient string) (*t.OccupantInvite, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, inv := range a.occupants {
		if inv.ProjectId == projectId && inv.Recipient == recipient {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, t.ErrNotFound
}

func (a *memAdapter) OccupantInvitesClose(ctx context.Context, projectId, recipient string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	var kept []*t.OccupantInvite
	for _, inv := range a.occupants {
		if inv.ProjectId == projectId && inv.Recipient == recipient {
			continue
		}
		kept = append(kept, inv)
	}
	a.occupants = kept
	return nil
}

func (a *memAdapter) LibraryUpsert(ctx context.Context, lib *t.Library) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	cp := *lib
	a.libraries[lib.Owner+"/"+lib.Name] = &cp
	return nil
}

func (a *memAdapter) LibraryGet(ctx context.Context, owner, name string) (*t.Library, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	lib, ok := a.libraries[owner+"/"+name]
	if !ok {
		return nil, t.ErrNotFound
	}
	cp := *lib
	return &cp, nil
}

func (a *memAdapter) librariesWhere(match func(*t.Library) bool) []t.Library {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.Library
	for _, lib := range a.libraries {
		if match(lib) {
			out = append(out, *lib)
		}
	}
	return out
}

func (a *memAdapter) LibrariesByOwner(ctx context.Context, owner string) ([]t.Library, error) {
	return a.librariesWhere(func(lib *t.Library) bool { return lib.Owner == owner }), nil
}

func (a *memAdapter) LibrariesCommunity(ctx context.Context) ([]t.Library, error) {
	return a.librariesWhere(func(lib *t.Library) bool { return lib.State == t.LibraryPublic }), nil
}

func (a *memAdapter) LibrariesPending(ctx context.Context) ([]t.Library, error) {
	return a.librariesWhere(func(lib *t.Library) bool { return lib.State == t.LibraryPendingApproval }), nil
}

func (a *memAdapter) LibraryDelete(ctx context.Context, owner, name string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	key := owner + "/" + name
	if _, ok := a.libraries[key]; !ok {
		return t.ErrNotFound
	}
	delete(a.libraries, key)
	return nil
}

func scopeKey(scope t.ServiceHostScope) string {
	if scope.GroupId != "" {
		return "g/" + scope.GroupId
	}
	return "u/" + scope.Username
}

func (a *memAdapter) ServiceHostsSet(ctx context.Context, scope t.ServiceHostScope, hosts []t.ServiceHost) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.hosts[scopeKey(scope)] = append([]t.ServiceHost(nil), hosts...)
	return nil
}

func (a *memAdapter) ServiceHostsGet(ctx context.Context, scope t.ServiceHostScope) ([]t.ServiceHost, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]t.ServiceHost(nil), a.hosts[scopeKey(scope)]...), nil
}

func (a *memAdapter) AuthorizedHostCreate(ctx context.Context, host *t.AuthorizedServiceHost) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.authorized[host.Id]; ok {
		return t.ErrDuplicate
	}
	cp := *host
	a.authorized[host.Id] = &cp
	return nil
}

func (a *memAdapter) AuthorizedHostGet(ctx context.Context, id string) (*t.AuthorizedServiceHost, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	host, ok := a.authorized[id]
	if !ok {
		return nil, t.ErrNotFound
	}
	cp := *host
	return &cp, nil
}

func (a *memAdapter) AuthorizedHostList(ctx context.Context) ([]t.AuthorizedServiceHost, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.AuthorizedServiceHost
	for _, host := range a.authorized {
		out = append(out, *host)
	}
	return out, nil
}

func (a *memAdapter) AuthorizedHostDelete(ctx context.Context, id string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.authorized[id]; !ok {
		return t.ErrNotFound
	}
	delete(a.authorized, id)
	return nil
}

func (a *memAdapter) RecordedMessageInsert(ctx context.Context, msgs []t.RecordedMessage) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.recorded = append(a.recorded, msgs...)
	return nil
}

func (a *memAdapter) RecordedMessagesGet(ctx context.Context, projectId, traceId string) ([]t.RecordedMessage, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	var out []t.RecordedMessage
	for _, msg := range a.recorded {
		if msg.ProjectId == projectId && msg.TraceId == traceId {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (a *memAdapter) RecordedMessagesDelete(ctx context.Context, projectId, traceId string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	var kept []t.RecordedMessage
	for _, msg := range a.recorded {
		if msg.ProjectId == projectId && msg.TraceId == traceId {
			continue
		}
		kept = append(kept, msg)
	}
	a.recorded = kept
	return nil
}

func (a *memAdapter) PasswordTokenCreate(ctx context.Context, tok *t.PasswordToken) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	cp := *tok
	a.tokens[tok.Username] = &cp
	return nil
}

func (a *memAdapter) PasswordTokenTake(ctx context.Context, username, secret string) (*t.PasswordToken, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	tok, ok := a.tokens[username]
	if !ok || tok.Secret != secret {
		return nil, t.ErrNotFound
	}
	delete(a.tokens, username)
	cp := *tok
	return &cp, nil
}

// memMedia is an in-memory blob handler for tests.
type memMedia struct {
	lock  sync.Mutex
	blobs map[string][]byte
}

func (m *memMedia) Init(jsconf string) error {
	m.blobs = make(map[string][]byte)
	return nil
}

func (m *memMedia) Put(ctx context.Context, key string, in io.Reader) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.blobs[key] = data
	return nil
}

func (m *memMedia) Get(ctx context.Context, key string) ([]byte, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, t.ErrNotFound
	}
	return data, nil
}

func (m *memMedia) Delete(ctx context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *memMedia) List(ctx context.Context) ([]string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	var keys []string
	for key := range m.blobs {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *memMedia) has(key string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.blobs[key]
	return ok
}

var testAdapter = newMemAdapter()
var testMedia = &memMedia{}
var setupOnce sync.Once

// testSetup initializes the store and globals once per test binary and
// resets the mutable state between tests.
func testSetup() {
	setupOnce.Do(func() {
		logs.Init()
		store.RegisterAdapter("mem", testAdapter)
		media.RegisterHandler("mem", testMedia)
		if err := store.Open(context.Background(),
			json.RawMessage(`{"use_adapter": "mem"}`), store.TTLs{}); err != nil {
			panic(err)
		}
		if err := store.UseMediaHandler("mem", ""); err != nil {
			panic(err)
		}

		globals.sessionSecret = []byte("test-secret")
		globals.sessionMaxAge = time.Hour
		globals.inactivityTimeout = 15 * time.Minute
		globals.roleFetchTimeout = 100 * time.Millisecond
		globals.outboundQueue = 16
		globals.mailer = mail.NullMailer{}
		globals.profanity = noProfanityFilter
		globals.signupThrottle = newThrottle(rate.Inf, 1)
		globals.loginThrottle = newThrottle(rate.Inf, 1)
		globals.resetThrottle = newThrottle(rate.Inf, 1)
		globals.orphanSightings = make(map[string]time.Time)
	})

	// Fresh in-memory state for each test.
	fresh := newMemAdapter()
	fresh.open = true
	testAdapter.lock.Lock()
	testAdapter.users = fresh.users
	testAdapter.banned = fresh.banned
	testAdapter.groups = fresh.groups
	testAdapter.projects = fresh.projects
	testAdapter.edges = nil
	testAdapter.frInvites = fresh.frInvites
	testAdapter.collabs = fresh.collabs
	testAdapter.occupants = nil
	testAdapter.libraries = fresh.libraries
	testAdapter.hosts = fresh.hosts
	testAdapter.authorized = fresh.authorized
	testAdapter.recorded = nil
	testAdapter.tokens = fresh.tokens
	testAdapter.lock.Unlock()

	testMedia.lock.Lock()
	testMedia.blobs = make(map[string][]byte)
	testMedia.lock.Unlock()

	globals.clientStore = NewClientStore()
	globals.topology = NewTopology()
	globals.resolver = NewResolver(64)
	globals.router = NewRouter()
	globals.projectCache = newLRUCache(64)
}

// newTestClient registers a connected client without a real websocket.
func newTestClient(username string) *Client {
	c := &Client{
		id:       NewClientId(),
		username: username,
		send:     make(chan any, globals.outboundQueue),
		stop:     make(chan any, 1),
	}
	globals.clientStore.lock.Lock()
	globals.clientStore.clients[c.id] = c
	globals.clientStore.lock.Unlock()
	globals.topology.connect(c)
	return c
}

// drainFrames decodes everything queued on a client's send channel.
func drainFrames(c *Client) []serverFrame {
	var frames []serverFrame
	for {
		select {
		case raw := <-c.send:
			var frame serverFrame
			if err := json.Unmarshal(raw.([]byte), &frame); err == nil {
				frames = append(frames, frame)
			}
		default:
			return frames
		}
	}
}

func mustCreateUser(username, email string) *t.User {
	ctx := context.Background()
	user := &t.User{
		Username:  username,
		Email:     email,
		Salt:      "salt",
		Hash:      hashPassword("salt", "secret"),
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Users.Create(ctx, user); err != nil {
		panic(err)
	}
	return user
}
