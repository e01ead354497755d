/******************************************************************************
 *
 *  Description :
 *
 *  Authentication and the permission witness model. Every mutating handler
 *  consumes a witness value proving the caller may act on a named resource;
 *  witnesses are minted only here, from (session, target).
 *
 *****************************************************************************/

package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
	"golang.org/x/time/rate"
)

const sessionCookie = "netsblox"

// session is the authenticated identity attached to a request.
type session struct {
	Username string
	Role     t.UserRole
	// Host is set instead of Username when the caller authenticated with a
	// service-host shared secret.
	Host *t.AuthorizedServiceHost
}

func (s *session) isAdmin() bool {
	return s != nil && s.Role == t.RoleAdmin
}

func (s *session) isModerator() bool {
	return s != nil && (s.Role == t.RoleModerator || s.Role == t.RoleAdmin)
}

type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// issueSession sets a signed session cookie for the username.
func issueSession(wrt http.ResponseWriter, username string) error {
	now := time.Now().UTC()
	claims := &sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(globals.sessionMaxAge)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(globals.sessionSecret)
	if err != nil {
		return err
	}

	http.SetCookie(wrt, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(globals.sessionMaxAge / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// clearSession expires the session cookie.
func clearSession(wrt http.ResponseWriter) {
	http.SetCookie(wrt, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// sessionFromRequest authenticates a request. Precedence: session cookie,
// then the shared-secret host header.
func sessionFromRequest(req *http.Request) (*session, error) {
	if cookie, err := req.Cookie(sessionCookie); err == nil {
		claims := &sessionClaims{}
		token, err := jwt.ParseWithClaims(cookie.Value, claims, func(*jwt.Token) (any, error) {
			return globals.sessionSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			return nil, errUnauthorized()
		}

		ctx, cancel := workerContext()
		defer cancel()
		user, err := store.Users.Get(ctx, foldName(claims.Username))
		if err != nil {
			return nil, errUnauthorized()
		}
		return &session{Username: user.Username, Role: user.Role}, nil
	}

	if header := req.Header.Get("X-Authorization"); header != "" {
		hostId, secret, found := strings.Cut(header, ":")
		if !found {
			return nil, errUnauthorized()
		}
		ctx, cancel := workerContext()
		defer cancel()
		host, err := store.Hosts.GetAuthorized(ctx, hostId)
		if err != nil || host.Secret != secret {
			return nil, errUnauthorized()
		}
		return &session{Host: host}, nil
	}

	return nil, errUnauthorized()
}

// Witnesses. Each type proves, by construction, that the holder's request
// was authorized for the named resource. The unexported fields keep them
// unforgeable outside this file's constructors.

type editUser struct {
	username string
}

type editProject struct {
	metadata *t.ProjectMetadata
}

type viewProject struct {
	metadata *t.ProjectMetadata
}

type deleteProject struct {
	metadata *t.ProjectMetadata
}

type editGroup struct {
	group *t.Group
}

type editLibrary struct {
	owner string
}

type moderateLibrary struct {
	moderator string
}

type manageHost struct {
	hostId string
}

type adminWitness struct {
	username string
}

type appLevel struct {
	host *t.AuthorizedServiceHost
}

// canEditUser is issued iff the session user is the target, an admin, an
// authorized service host, or the owner of a group containing the target.
func canEditUser(ctx context.Context, sess *session, username string) (*editUser, error) {
	if sess == nil {
		return nil, errUnauthorized()
	}
	username = foldName(username)
	if sess.isAdmin() || sess.Username == username {
		return &editUser{username: username}, nil
	}
	if sess.Host != nil {
		// An authorized host edits on behalf of its users.
		return &editUser{username: username}, nil
	}

	user, err := store.Users.Get(ctx, username)
	if err != nil {
		if err == t.ErrNotFound {
			return nil, errNotFound()
		}
		return nil, err
	}
	if user.GroupId != "" {
		group, err := store.Groups.Get(ctx, user.GroupId)
		if err == nil && group.Owner == sess.Username {
			return &editUser{username: username}, nil
		}
	}
	return nil, errForbidden()
}

// canViewUser mirrors canEditUser; the view set is currently the same.
func canViewUser(ctx context.Context, sess *session, username string) (*editUser, error) {
	return canEditUser(ctx, sess, username)
}

// canEditProject is issued iff the session user is the owner, a
// collaborator, or an admin.
func canEditProject(ctx context.Context, sess *session, projectId string) (*editProject, error) {
	if sess == nil {
		return nil, errUnauthorized()
	}
	metadata, err := cachedProjectGet(ctx, projectId)
	if err != nil {
		if err == t.ErrNotFound {
			return nil, errNotFound()
		}
		return nil, err
	}
	if sess.isAdmin() || metadata.Owner == sess.Username || metadata.HasCollaborator(sess.Username) {
		return &editProject{metadata: metadata}, nil
	}
	return nil, errForbidden()
}

// canViewProject: edit rights, or the project is public, or the session user
// holds a pending collaboration invite for it.
func canViewProject(ctx context.Context, sess *session, projectId string) (*viewProject, error) {
	if edit, err := canEditProject(ctx, sess, projectId); err == nil {
		return &viewProject{metadata: edit.metadata}, nil
	}
	metadata, err := cachedProjectGet(ctx, projectId)
	if err != nil {
		if err == t.ErrNotFound {
			return nil, errNotFound()
		}
		return nil, err
	}
	if metadata.Public {
		return &viewProject{metadata: metadata}, nil
	}
	if sess != nil && sess.Username != "" {
		invites, err := store.Invites.CollabFor(ctx, sess.Username)
		if err == nil {
			for _, inv := range invites {
				if inv.ProjectId == projectId {
					return &viewProject{metadata: metadata}, nil
				}
			}
		}
	}
	if sess == nil {
		return nil, errUnauthorized()
	}
	// Hidden projects 404 rather than 403.
	return nil, errNotFound()
}

// canDeleteProject: owner or admin only; collaborators may not delete.
func canDeleteProject(ctx context.Context, sess *session, projectId string) (*deleteProject, error) {
	if sess == nil {
		return nil, errUnauthorized()
	}
	metadata, err := cachedProjectGet(ctx, projectId)
	if err != nil {
		if err == t.ErrNotFound {
			return nil, errNotFound()
		}
		return nil, err
	}
	if sess.isAdmin() || metadata.Owner == sess.Username {
		return &deleteProject{metadata: metadata}, nil
	}
	return nil, errForbidden()
}

// systemDeleteProject is minted by the background sweeper, which acts with
// system authority.
func systemDeleteProject(metadata *t.ProjectMetadata) *deleteProject {
	return &deleteProject{metadata: metadata}
}

// canEditGroup is issued iff the session user owns the group or is an admin.
func canEditGroup(ctx context.Context, sess *session, groupId string) (*editGroup, error) {
	if sess == nil {
		return nil, errUnauthorized()
	}
	group, err := store.Groups.Get(ctx, groupId)
	if err != nil {
		if err == t.ErrNotFound {
			return nil, errNotFound()
		}
		return nil, err
	}
	if sess.isAdmin() || group.Owner == sess.Username {
		return &editGroup{group: group}, nil
	}
	return nil, errForbidden()
}

// canEditLibrary is issued iff the session user owns the library collection
// or is an admin.
func canEditLibrary(ctx context.Context, sess *session, owner string) (*editLibrary, error) {
	if sess == nil {
		return nil, errUnauthorized()
	}
	owner = foldName(owner)
	if sess.isAdmin() || sess.Username == owner {
		return &editLibrary{owner: owner}, nil
	}
	return nil, errForbidden()
}

// canModerateLibraries is issued for moderators and admins.
func canModerateLibraries(sess *session) (*moderateLibrary, error) {
	if sess == nil {
		return nil, errUnauthorized()
	}
	if sess.isModerator() {
		return &moderateLibrary{moderator: sess.Username}, nil
	}
	return nil, errForbidden()
}

// canManageHost is issued for admins and for the host itself.
func canManageHost(sess *session, hostId string) (*manageHost, error) {
	if sess == nil {
		return nil, errUnauthorized()
	}
	if sess.isAdmin() {
		return &manageHost{hostId: hostId}, nil
	}
	if sess.Host != nil && sess.Host.Id == hostId {
		return &manageHost{hostId: hostId}, nil
	}
	return nil, errForbidden()
}

// requireAdmin is issued for admins only.
func requireAdmin(sess *session) (*adminWitness, error) {
	if sess == nil {
		return nil, errUnauthorized()
	}
	if sess.isAdmin() {
		return &adminWitness{username: sess.Username}, nil
	}
	return nil, errForbidden()
}

// occupyRole proves a client may take a seat at a role of a project.
type occupyRole struct {
	projectId string
	roleId    string
}

// canOccupyRole is issued iff the client owns the project (guest projects
// are owned by the client ID), holds edit rights over it, or holds a live
// occupant invite for it. The invite overrides the edit-rights gate; taking
// the seat is best-effort once the recipient holds it.
func canOccupyRole(ctx context.Context, c *Client, state *browserState) (*occupyRole, error) {
	metadata, err := cachedProjectGet(ctx, state.ProjectId)
	if err != nil {
		if err == t.ErrNotFound {
			return nil, errNotFound()
		}
		return nil, err
	}

	witness := &occupyRole{projectId: state.ProjectId, roleId: state.RoleId}
	if metadata.Owner == c.id {
		return witness, nil
	}
	if c.username == "" {
		return nil, errForbidden()
	}

	if _, err := store.Invites.GetOccupant(ctx, state.ProjectId, c.username); err == nil {
		return witness, nil
	} else if err != t.ErrNotFound {
		return nil, err
	}

	user, err := store.Users.Get(ctx, c.username)
	if err != nil {
		if err == t.ErrNotFound {
			return nil, errForbidden()
		}
		return nil, err
	}
	sess := &session{Username: user.Username, Role: user.Role}
	if _, err := canEditProject(ctx, sess, state.ProjectId); err != nil {
		return nil, err
	}
	return witness, nil
}

// requireAppLevel is issued for authorized service hosts, granting address
// resolution, message sending and identity reads.
func requireAppLevel(sess *session) (*appLevel, error) {
	if sess == nil {
		return nil, errUnauthorized()
	}
	if sess.Host != nil {
		return &appLevel{host: sess.Host}, nil
	}
	if sess.isAdmin() {
		return &appLevel{host: nil}, nil
	}
	return nil, errForbidden()
}

// Throttling of credential guessing and signup abuse.

type throttle struct {
	lock     sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newThrottle(r rate.Limit, burst int) *throttle {
	return &throttle{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (th *throttle) allow(key string) bool {
	th.lock.Lock()
	lim := th.limiters[key]
	if lim == nil {
		lim = rate.NewLimiter(th.rate, th.burst)
		th.limiters[key] = lim
	}
	th.lock.Unlock()
	return lim.Allow()
}

// remoteIP extracts the peer address for throttle keying.
func remoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// ensureNotTorExit refuses requests from Tor exit nodes when so configured.
// The denier itself is a pluggable predicate.
func ensureNotTorExit(req *http.Request) error {
	if globals.torDenier != nil && globals.torDenier(remoteIP(req)) {
		return errForbidden()
	}
	return nil
}
