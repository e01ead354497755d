// Package adapter contains the interfaces to be implemented by the database
// adapter.
package adapter

import (
	"context"
	"encoding/json"
	"time"

	t "github.com/netsblox/cloud/server/store/types"
)

// Adapter is the interface implemented by a document database backend.
type Adapter interface {
	// Open and configure the adapter.
	Open(ctx context.Context, jsonconf json.RawMessage) error
	// Close the adapter.
	Close(ctx context.Context) error
	// IsOpen checks if the adapter is ready for use.
	IsOpen() bool
	// GetName returns the adapter name.
	GetName() string
	// CreateDb creates the required collections and indexes.
	CreateDb(ctx context.Context, reset bool) error
	// SetTTLs configures the store-enforced expirations.
	SetTTLs(occupantInvite, passwordToken, recordedMessage time.Duration)

	// Users.

	// UserCreate inserts a new account; t.ErrDuplicate on username collision
	// with a live account. Email uniqueness and bans are not checked here.
	UserCreate(ctx context.Context, user *t.User) error
	// UserGet fetches an account by case-folded username.
	UserGet(ctx context.Context, username string) (*t.User, error)
	// UserGetByEmail returns all accounts registered to an email address.
	UserGetByEmail(ctx context.Context, email string) ([]t.User, error)
	// UserGetByLinked finds the account with a linked (strategy, id) login.
	UserGetByLinked(ctx context.Context, strategy, id string) (*t.User, error)
	// UserUpdate applies a partial update to an account.
	UserUpdate(ctx context.Context, username string, update map[string]any) error
	// UserDelete removes the account and its friend edges.
	UserDelete(ctx context.Context, username string) error
	// UserList returns members of a group, or all accounts if groupId is empty.
	UserList(ctx context.Context, groupId string) ([]t.User, error)

	// Banned accounts.

	// BanCreate records a ban keyed by both username and email.
	BanCreate(ctx context.Context, ban *t.BannedAccount) error
	// BanDelete lifts a ban.
	BanDelete(ctx context.Context, username string) error
	// BanCheck reports whether the username or email is banned.
	BanCheck(ctx context.Context, username, email string) (bool, error)

	// Groups.

	// GroupCreate inserts a group; t.ErrDuplicate on (owner, name) collision.
	GroupCreate(ctx context.Context, group *t.Group) error
	// GroupGet fetches a group by id.
	GroupGet(ctx context.Context, id string) (*t.Group, error)
	// GroupsByOwner lists groups owned by a user.
	GroupsByOwner(ctx context.Context, owner string) ([]t.Group, error)
	// GroupUpdate applies a partial update.
	GroupUpdate(ctx context.Context, id string, update map[string]any) error
	// GroupDelete removes the group, nulls members' groupId and drops the
	// group's service-host registrations.
	GroupDelete(ctx context.Context, id string) error

	// Projects.

	// ProjectCreate inserts project metadata.
	ProjectCreate(ctx context.Context, p *t.ProjectMetadata) error
	// ProjectGet fetches metadata by opaque id.
	ProjectGet(ctx context.Context, id string) (*t.ProjectMetadata, error)
	// ProjectGetByName fetches metadata by (owner, name).
	ProjectGetByName(ctx context.Context, owner, name string) (*t.ProjectMetadata, error)
	// ProjectsByOwner lists all projects of an owner.
	ProjectsByOwner(ctx context.Context, owner string) ([]t.ProjectMetadata, error)
	// ProjectsSharedWith lists projects with the user as a collaborator.
	ProjectsSharedWith(ctx context.Context, username string) ([]t.ProjectMetadata, error)
	// ProjectUpdate applies a partial update conditioned on the previous
	// `updated` timestamp; t.ErrRevisionMismatch if it lost the race.
	ProjectUpdate(ctx context.Context, id string, prevUpdated time.Time, update map[string]any) (*t.ProjectMetadata, error)
	// ProjectSetState moves the lifecycle state; fromStates restricts which
	// source states the transition applies to (empty slice: any).
	ProjectSetState(ctx context.Context, id string, fromStates []t.SaveState, to t.SaveState, deleteAt *time.Time) (*t.ProjectMetadata, error)
	// ProjectAddCollaborator conditionally inserts into the collaborator set.
	ProjectAddCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error)
	// ProjectRemoveCollaborator removes from the collaborator set.
	ProjectRemoveCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error)
	// ProjectDelete removes metadata and returns it for blob cleanup.
	ProjectDelete(ctx context.Context, id string) (*t.ProjectMetadata, error)
	// ProjectsExpired lists Transient projects whose deleteAt elapsed.
	ProjectsExpired(ctx context.Context, now time.Time) ([]t.ProjectMetadata, error)
	// ProjectBlobKeys lists all blob keys referenced by any metadata.
	ProjectBlobKeys(ctx context.Context) (map[string]bool, error)

	// Friends.

	// FriendEdgeUpsert writes an edge, replacing any edge on the same pair.
	FriendEdgeUpsert(ctx context.Context, edge *t.FriendEdge) error
	// FriendEdgeGet fetches the edge on a pair in either orientation.
	FriendEdgeGet(ctx context.Context, a, b string) (*t.FriendEdge, error)
	// FriendEdgeDelete removes the edge on a pair.
	FriendEdgeDelete(ctx context.Context, a, b string) error
	// FriendEdgesOf lists all edges touching a user.
	FriendEdgesOf(ctx context.Context, username string) ([]t.FriendEdge, error)
	// FriendInviteCreate inserts an invite; t.ErrDuplicate when pending.
	FriendInviteCreate(ctx context.Context, inv *t.FriendInvite) error
	// FriendInviteGet fetches a pending invite.
	FriendInviteGet(ctx context.Context, sender, recipient string) (*t.FriendInvite, error)
	// FriendInviteDelete removes a pending invite.
	FriendInviteDelete(ctx context.Context, sender, recipient string) error
	// FriendInvitesFor lists invites addressed to a user.
	FriendInvitesFor(ctx context.Context, recipient string) ([]t.FriendInvite, error)

	// Collaboration invites.

	// CollabInviteCreate inserts an invite; t.ErrDuplicate per (project, recipient).
	CollabInviteCreate(ctx context.Context, inv *t.CollaborationInvite) error
	// CollabInviteGet fetches an invite by id.
	CollabInviteGet(ctx context.Context, id string) (*t.CollaborationInvite, error)
	// CollabInvitesForProject lists invites for a project.
	CollabInvitesForProject(ctx context.Context, projectId string) ([]t.CollaborationInvite, error)
	// CollabInvitesFor lists invites addressed to a user.
	CollabInvitesFor(ctx context.Context, recipient string) ([]t.CollaborationInvite, error)
	// CollabInviteDelete removes an invite by id.
	CollabInviteDelete(ctx context.Context, id string) error

	// Occupant invites.

	// OccupantInviteCreate inserts an invite with a store-enforced TTL.
	OccupantInviteCreate(ctx context.Context, inv *t.OccupantInvite) error
	// OccupantInviteGet fetches a live invite.
	OccupantInviteGet(ctx context.Context, projectId, recipient string) (*t.OccupantInvite, error)
	// OccupantInvitesClose removes all invites for (project, recipient).
	OccupantInvitesClose(ctx context.Context, projectId, recipient string) error

	// Libraries.

	// LibraryUpsert writes a library by (owner, name).
	LibraryUpsert(ctx context.Context, lib *t.Library) error
	// LibraryGet fetches a library by (owner, name).
	LibraryGet(ctx context.Context, owner, name string) (*t.Library, error)
	// LibrariesByOwner lists one user's libraries.
	LibrariesByOwner(ctx context.Context, owner string) ([]t.Library, error)
	// LibrariesCommunity lists approved community libraries.
	LibrariesCommunity(ctx context.Context) ([]t.Library, error)
	// LibrariesPending lists libraries awaiting moderation.
	LibrariesPending(ctx context.Context) ([]t.Library, error)
	// LibraryDelete removes a library.
	LibraryDelete(ctx context.Context, owner, name string) error

	// Service hosts.

	// ServiceHostsSet replaces the host list for a scope.
	ServiceHostsSet(ctx context.Context, scope t.ServiceHostScope, hosts []t.ServiceHost) error
	// ServiceHostsGet lists hosts registered for a scope.
	ServiceHostsGet(ctx context.Context, scope t.ServiceHostScope) ([]t.ServiceHost, error)
	// AuthorizedHostCreate registers a privileged host; t.ErrDuplicate on id.
	AuthorizedHostCreate(ctx context.Context, host *t.AuthorizedServiceHost) error
	// AuthorizedHostGet fetches a privileged host record.
	AuthorizedHostGet(ctx context.Context, id string) (*t.AuthorizedServiceHost, error)
	// AuthorizedHostList lists all privileged hosts.
	AuthorizedHostList(ctx context.Context) ([]t.AuthorizedServiceHost, error)
	// AuthorizedHostDelete drops a privileged host.
	AuthorizedHostDelete(ctx context.Context, id string) error

	// Recorded messages.

	// RecordedMessageInsert appends captured trace messages.
	RecordedMessageInsert(ctx context.Context, msgs []t.RecordedMessage) error
	// RecordedMessagesGet fetches one trace's messages ordered by seq.
	RecordedMessagesGet(ctx context.Context, projectId, traceId string) ([]t.RecordedMessage, error)
	// RecordedMessagesDelete drops one trace's messages.
	RecordedMessagesDelete(ctx context.Context, projectId, traceId string) error

	// Password tokens.

	// PasswordTokenCreate inserts a one-time reset token, replacing any
	// previous token for the user.
	PasswordTokenCreate(ctx context.Context, tok *t.PasswordToken) error
	// PasswordTokenTake fetches and deletes the token; t.ErrNotFound if
	// missing or expired.
	PasswordTokenTake(ctx context.Context, username, secret string) (*t.PasswordToken, error)
}
