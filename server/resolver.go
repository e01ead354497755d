/******************************************************************************
 *
 *  Description :
 *
 *  The address resolver: expands overlay addresses into live client sessions.
 *  Resolutions are memoised keyed by (address, sender group set); every
 *  cached entry carries the topology sequence numbers of the projects it
 *  names and is discarded when any of them advances.
 *
 *****************************************************************************/

package main

import (
	"context"
	"sort"
	"strings"

	"github.com/netsblox/cloud/server/logs"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// browserAddr is a resolved browser target before occupancy expansion.
type browserAddr struct {
	projectId string
	roleId    string
}

// resolvedClient is one concrete delivery target.
type resolvedClient struct {
	clientId string
	appId    string
}

// resolverEntry is a memoised resolution.
type resolverEntry struct {
	addrs []browserAddr
	// Topology seq per involved project at resolution time.
	seqs map[string]int64
	// Client IDs involved in the entry (external resolutions).
	clientIds []string
}

// Resolver translates addresses into client sessions.
type Resolver struct {
	cache *lruCache
}

// NewResolver initializes a resolver with a bounded cache.
func NewResolver(cacheSize int) *Resolver {
	return &Resolver{cache: newLRUCache(cacheSize)}
}

// invalidateProject discards cached resolutions naming the project.
func (rs *Resolver) invalidateProject(projectId string) {
	rs.cache.removeIf(func(_ string, value any) bool {
		entry := value.(*resolverEntry)
		_, ok := entry.seqs[projectId]
		return ok
	})
}

// invalidateClient discards cached resolutions involving the client.
func (rs *Resolver) invalidateClient(clientId string) {
	rs.cache.removeIf(func(_ string, value any) bool {
		entry := value.(*resolverEntry)
		for _, id := range entry.clientIds {
			if id == clientId {
				return true
			}
		}
		return false
	})
}

// invalidateUser discards cached resolutions whose key names the username
// and force-closes the user's websockets. Applied when an account is deleted
// mid-session.
func (rs *Resolver) invalidateUser(username string) {
	rs.cache.removeIf(func(key string, _ any) bool {
		return strings.Contains(key, "@"+username)
	})
	globals.topology.closeClientsOf(username)
}

// senderIdentity is what resolution needs to know about the message origin.
type senderIdentity struct {
	clientId string
	username string
	isAdmin  bool
	// Groups the sender belongs to or owns.
	groups map[string]bool
}

// identityFor builds the sender identity for a connected client.
func identityFor(ctx context.Context, c *Client) *senderIdentity {
	ident := &senderIdentity{
		clientId: c.id,
		username: c.username,
		groups:   make(map[string]bool),
	}
	if c.username == "" {
		return ident
	}

	user, err := store.Users.Get(ctx, c.username)
	if err != nil {
		if err != t.ErrNotFound {
			logs.Warn.Println("resolver: cannot load sender", c.username, err)
		}
		return ident
	}
	ident.isAdmin = user.Role == t.RoleAdmin
	if user.GroupId != "" {
		ident.groups[user.GroupId] = true
	}
	owned, err := store.Groups.ByOwner(ctx, c.username)
	if err == nil {
		for _, g := range owned {
			ident.groups[g.Id] = true
		}
	}
	return ident
}

// groupsKey canonicalizes the sender's group set for cache keying.
func (s *senderIdentity) groupsKey() string {
	if len(s.groups) == 0 {
		return "-"
	}
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// resolve expands an address into delivery targets for the sender. Targets
// the sender may not reach are skipped silently.
func (rs *Resolver) resolve(ctx context.Context, sender *senderIdentity, addrStr string) ([]resolvedClient, error) {
	addr, err := parseAddress(addrStr)
	if err != nil {
		return nil, err
	}

	var out []resolvedClient
	for _, appId := range addr.AppIds {
		if appId == defaultAppId {
			clients, err := rs.resolveBrowser(ctx, sender, addr, addrStr)
			if err != nil {
				return nil, err
			}
			out = append(out, clients...)
		} else {
			if id, ok := globals.topology.externalLookup(appId, addr.appString()); ok {
				out = append(out, resolvedClient{clientId: id, appId: appId})
			}
		}
	}
	return out, nil
}

// resolveBrowser resolves the default-app part of an address to occupants.
func (rs *Resolver) resolveBrowser(ctx context.Context, sender *senderIdentity,
	addr *clientAddress, raw string) ([]resolvedClient, error) {

	addrs, err := rs.browserAddrs(ctx, sender, addr, raw)
	if err != nil || len(addrs) == 0 {
		return nil, err
	}

	projectId := addrs[0].projectId
	metadata, err := cachedProjectGet(ctx, projectId)
	if err != nil {
		if err == t.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	roleTag, _ := addr.roleAndProject()
	var out []resolvedClient
	appendRole := func(roleId string) {
		for _, clientId := range globals.topology.occupantsOf(projectId, roleId) {
			if roleTag == roleOthers && clientId == sender.clientId {
				continue
			}
			if rs.recipientAllowed(ctx, sender, metadata, clientId) {
				out = append(out, resolvedClient{clientId: clientId, appId: defaultAppId})
			}
		}
	}

	switch roleTag {
	case roleEveryone, roleOthers, roleWildcard, "":
		for _, roleId := range globals.topology.occupiedRoles(projectId) {
			appendRole(roleId)
		}
	default:
		for _, a := range addrs {
			appendRole(a.roleId)
		}
	}
	return out, nil
}

// browserAddrs maps the address to (project, role) pairs, through the cache.
func (rs *Resolver) browserAddrs(ctx context.Context, sender *senderIdentity,
	addr *clientAddress, raw string) ([]browserAddr, error) {

	key := raw + "|" + sender.groupsKey()
	if cached, ok := rs.cache.get(key); ok {
		entry := cached.(*resolverEntry)
		fresh := true
		for projectId, seq := range entry.seqs {
			if globals.topology.seq(projectId) != seq {
				fresh = false
				break
			}
		}
		if fresh {
			return entry.addrs, nil
		}
		rs.cache.remove(key)
	}

	addrs, err := rs.browserAddrsFromDb(ctx, addr)
	if err != nil {
		return nil, err
	}

	if len(addrs) > 0 {
		entry := &resolverEntry{addrs: addrs, seqs: make(map[string]int64)}
		for _, a := range addrs {
			entry.seqs[a.projectId] = globals.topology.seq(a.projectId)
		}
		rs.cache.put(key, entry)
	}
	return addrs, nil
}

// browserAddrsFromDb locates the project and maps role names to role IDs.
func (rs *Resolver) browserAddrsFromDb(ctx context.Context, addr *clientAddress) ([]browserAddr, error) {
	roleTag, projectTag := addr.roleAndProject()

	var metadata *t.ProjectMetadata
	var err error
	if looksLikeId(projectTag) {
		metadata, err = cachedProjectGet(ctx, projectTag)
	} else {
		metadata, err = store.Projects.GetByName(ctx, foldName(addr.Owner), projectTag)
	}
	if err != nil {
		if err == t.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	switch roleTag {
	case "", roleEveryone, roleOthers, roleWildcard:
		var addrs []browserAddr
		for roleId := range metadata.Roles {
			addrs = append(addrs, browserAddr{projectId: metadata.Id, roleId: roleId})
		}
		return addrs, nil
	}

	for roleId, role := range metadata.Roles {
		if equalFold(role.Name, roleTag) {
			return []browserAddr{{projectId: metadata.Id, roleId: roleId}}, nil
		}
	}
	return nil, nil
}

// recipientAllowed checks that the sender may reach the recipient: the sender
// is an admin or the recipient's own user, the recipient is a guest or in no
// group, the sender shares the recipient's group, or the project is public
// and the sender is authenticated.
func (rs *Resolver) recipientAllowed(ctx context.Context, sender *senderIdentity,
	metadata *t.ProjectMetadata, clientId string) bool {

	if sender.isAdmin {
		return true
	}

	name := globals.topology.usernameOf(clientId)
	if name == "" {
		// Guests are not members of any group.
		return true
	}
	if name == sender.username {
		return true
	}

	user, err := store.Users.Get(ctx, name)
	if err != nil || user.GroupId == "" {
		return true
	}
	if sender.groups[user.GroupId] {
		return true
	}
	// Members of a closed group only hear from the group, unless the project
	// is shared publicly with an authenticated sender.
	return metadata.Public && sender.username != ""
}

// reverseResolve derives the canonical address of a client from its state.
func (rs *Resolver) reverseResolve(ctx context.Context, clientId string) string {
	state := globals.topology.clientStateOf(clientId)
	if state == nil {
		return ""
	}

	if state.External != nil {
		return state.External.Address + " #" + normalizeAppId(state.External.AppId)
	}

	metadata, err := cachedProjectGet(ctx, state.Browser.ProjectId)
	if err != nil {
		return ""
	}
	role, ok := metadata.Roles[state.Browser.RoleId]
	if !ok {
		return ""
	}
	return role.Name + "@" + metadata.Name + "@" + metadata.Owner + " #NetsBlox"
}
