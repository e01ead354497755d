// Package types contains data types shared between the persistence adapter
// and the rest of the server.
package types

import (
	"encoding/json"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrNotFound means the requested object was not found.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate means the object being inserted breaks a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate object")
	// ErrRevisionMismatch means an optimistic update lost the race.
	ErrRevisionMismatch = errors.New("store: revision mismatch")
	// ErrMalformed means the object is not valid for the requested operation.
	ErrMalformed = errors.New("store: malformed object")
)

// UserRole is the account-wide privilege level.
type UserRole int

const (
	// RoleUser is an ordinary account.
	RoleUser UserRole = iota
	// RoleModerator may review community libraries.
	RoleModerator
	// RoleAdmin may act on any resource.
	RoleAdmin
)

// String implements fmt.Stringer for logs and JSON.
func (r UserRole) String() string {
	switch r {
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	}
	return "user"
}

// ParseUserRole converts a string to a UserRole, defaulting to RoleUser.
func ParseUserRole(s string) UserRole {
	switch s {
	case "moderator":
		return RoleModerator
	case "admin":
		return RoleAdmin
	}
	return RoleUser
}

// MarshalJSON is the inverse of ParseUserRole.
func (r UserRole) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON parses a quoted role name.
func (r *UserRole) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*r = ParseUserRole(s)
	return nil
}

// LinkedAccount is an external login bound to a user.
type LinkedAccount struct {
	Strategy string `bson:"strategy" json:"strategy"`
	Id       string `bson:"id" json:"id"`
}

// User is a durable account record. Username is stored case-folded.
type User struct {
	Username string          `bson:"username" json:"username"`
	Email    string          `bson:"email" json:"email"`
	Hash     string          `bson:"hash" json:"-"`
	Salt     string          `bson:"salt" json:"-"`
	Role     UserRole        `bson:"role" json:"role"`
	GroupId  string          `bson:"groupId,omitempty" json:"groupId,omitempty"`
	Linked   []LinkedAccount `bson:"linkedAccounts,omitempty" json:"linkedAccounts,omitempty"`
	// ServiceSettings holds per-host opaque settings blobs.
	ServiceSettings map[string]string `bson:"serviceSettings,omitempty" json:"-"`
	CreatedAt       time.Time         `bson:"createdAt" json:"createdAt"`
}

// BannedAccount retains enough of a deleted account to refuse recreation.
type BannedAccount struct {
	Username string    `bson:"username" json:"username"`
	Email    string    `bson:"email" json:"email"`
	BannedAt time.Time `bson:"bannedAt" json:"bannedAt"`
}

// Group is a collection of member accounts owned by one user.
// ServiceSettings holds per-host opaque settings blobs.
type Group struct {
	Id              string            `bson:"id" json:"id"`
	Owner           string            `bson:"owner" json:"owner"`
	Name            string            `bson:"name" json:"name"`
	ServiceSettings map[string]string `bson:"serviceSettings,omitempty" json:"serviceSettings,omitempty"`
}

// SaveState is the lifecycle state of a project.
type SaveState int

const (
	// StateCreated: opened and occupied, never saved.
	StateCreated SaveState = iota
	// StateTransient: created, then abandoned; subject to the inactivity sweep.
	StateTransient
	// StateBroken: a websocket closed abnormally; retained for resumption.
	StateBroken
	// StateSaved: explicitly persisted; survives restarts.
	StateSaved
)

// String implements fmt.Stringer.
func (s SaveState) String() string {
	switch s {
	case StateTransient:
		return "transient"
	case StateBroken:
		return "broken"
	case StateSaved:
		return "saved"
	}
	return "created"
}

// ParseSaveState is the inverse of String.
func ParseSaveState(s string) (SaveState, error) {
	switch s {
	case "created":
		return StateCreated, nil
	case "transient":
		return StateTransient, nil
	case "broken":
		return StateBroken, nil
	case "saved":
		return StateSaved, nil
	}
	return StateCreated, ErrMalformed
}

// MarshalJSON writes the state name.
func (s SaveState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a quoted state name.
func (s *SaveState) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	state, err := ParseSaveState(str)
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// RoleMetadata names one role of a project and references its source blobs.
type RoleMetadata struct {
	Name     string    `bson:"name" json:"name"`
	CodeKey  string    `bson:"codeKey" json:"-"`
	MediaKey string    `bson:"mediaKey" json:"-"`
	Updated  time.Time `bson:"updated" json:"updated"`
}

// NetworkTrace is a time-bounded message recording attached to a project.
type NetworkTrace struct {
	Id        string     `bson:"id" json:"id"`
	StartTime time.Time  `bson:"startTime" json:"startTime"`
	EndTime   *time.Time `bson:"endTime,omitempty" json:"endTime,omitempty"`
}

// Active reports whether the trace is still recording.
func (t *NetworkTrace) Active() bool {
	return t.EndTime == nil
}

// ProjectMetadata is the durable record of a multi-role project. Role source
// lives in the blob store under the role's code/media keys.
type ProjectMetadata struct {
	Id            string                  `bson:"id" json:"id"`
	Owner         string                  `bson:"owner" json:"owner"`
	Name          string                  `bson:"name" json:"name"`
	Roles         map[string]RoleMetadata `bson:"roles" json:"roles"`
	Collaborators []string                `bson:"collaborators" json:"collaborators"`
	State         SaveState               `bson:"saveState" json:"state"`
	Updated       time.Time               `bson:"updated" json:"updated"`
	OriginTime    time.Time               `bson:"originTime" json:"originTime"`
	Traces        []NetworkTrace          `bson:"networkTraces,omitempty" json:"networkTraces,omitempty"`
	Public        bool                    `bson:"public" json:"public"`
	// DeleteAt is set when the project goes Transient; cleared on reopen.
	DeleteAt *time.Time `bson:"deleteAt,omitempty" json:"-"`
}

// HasCollaborator reports whether username may edit the project by invitation.
func (p *ProjectMetadata) HasCollaborator(username string) bool {
	for _, c := range p.Collaborators {
		if c == username {
			return true
		}
	}
	return false
}

// ActiveTrace returns the open trace, if any.
func (p *ProjectMetadata) ActiveTrace() *NetworkTrace {
	for i := range p.Traces {
		if p.Traces[i].Active() {
			return &p.Traces[i]
		}
	}
	return nil
}

// RoleData is the source content of one role.
type RoleData struct {
	Name  string `json:"name"`
	Code  string `json:"code"`
	Media string `json:"media"`
}

// Project is metadata plus the fetched role contents.
type Project struct {
	ProjectMetadata
	RoleData map[string]RoleData `json:"roleData"`
}

// FriendEdgeState discriminates friendship from a block.
type FriendEdgeState int

const (
	// EdgeFriends is a mutual friendship.
	EdgeFriends FriendEdgeState = iota
	// EdgeBlocked supersedes friendship; ordered: A blocked B.
	EdgeBlocked
)

// FriendEdge is an edge of the social graph. Friend edges are undirected;
// block edges record the blocker in A.
type FriendEdge struct {
	A         string          `bson:"a" json:"a"`
	B         string          `bson:"b" json:"b"`
	State     FriendEdgeState `bson:"state" json:"state"`
	CreatedAt time.Time       `bson:"createdAt" json:"createdAt"`
}

// Touches reports whether the edge involves username.
func (e *FriendEdge) Touches(username string) bool {
	return e.A == username || e.B == username
}

// Other returns the opposite endpoint of the edge.
func (e *FriendEdge) Other(username string) string {
	if e.A == username {
		return e.B
	}
	return e.A
}

// FriendInvite is a pending friend request, unique on (Sender, Recipient).
type FriendInvite struct {
	Sender    string    `bson:"sender" json:"sender"`
	Recipient string    `bson:"recipient" json:"recipient"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// CollaborationInvite is a pending offer of edit rights, unique on
// (ProjectId, Recipient).
type CollaborationInvite struct {
	Id        string    `bson:"id" json:"id"`
	ProjectId string    `bson:"projectId" json:"projectId"`
	Sender    string    `bson:"sender" json:"sender"`
	Recipient string    `bson:"recipient" json:"recipient"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// OccupantInvite offers a seat at a role. Expired by the store's TTL index.
type OccupantInvite struct {
	ProjectId string    `bson:"projectId" json:"projectId"`
	RoleId    string    `bson:"roleId" json:"roleId"`
	Sender    string    `bson:"sender" json:"sender"`
	Recipient string    `bson:"recipient" json:"recipient"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// PublishState is the review status of a community library.
type PublishState int

const (
	// LibraryPrivate is visible to the owner only.
	LibraryPrivate PublishState = iota
	// LibraryPendingApproval awaits moderator review.
	LibraryPendingApproval
	// LibraryPublic is listed in the community collection.
	LibraryPublic
)

// String implements fmt.Stringer.
func (s PublishState) String() string {
	switch s {
	case LibraryPendingApproval:
		return "pendingApproval"
	case LibraryPublic:
		return "public"
	}
	return "private"
}

// MarshalJSON writes the state name.
func (s PublishState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Library is a shareable block collection owned by one user.
type Library struct {
	Owner   string       `bson:"owner" json:"owner"`
	Name    string       `bson:"name" json:"name"`
	Blocks  string       `bson:"blocks" json:"-"`
	Notes   string       `bson:"notes" json:"notes"`
	State   PublishState `bson:"state" json:"state"`
	Updated time.Time    `bson:"updated" json:"updated"`
}

// ServiceHostScope says who a service host is registered for.
type ServiceHostScope struct {
	Username string `bson:"username,omitempty" json:"username,omitempty"`
	GroupId  string `bson:"groupId,omitempty" json:"groupId,omitempty"`
}

// ServiceHost is an RPC provider endpoint offered to some user or group.
type ServiceHost struct {
	Url        string           `bson:"url" json:"url"`
	Categories []string         `bson:"categories" json:"categories"`
	Scope      ServiceHostScope `bson:"scope" json:"-"`
}

// AuthorizedServiceHost may call privileged endpoints with its secret.
type AuthorizedServiceHost struct {
	Id     string `bson:"id" json:"id"`
	Url    string `bson:"url" json:"url"`
	Secret string `bson:"secret" json:"-"`
	Public bool   `bson:"public" json:"public"`
}

// RecordedMessage is one overlay message captured by an active trace.
type RecordedMessage struct {
	ProjectId string          `bson:"projectId" json:"projectId"`
	TraceId   string          `bson:"traceId" json:"traceId"`
	Seq       int64           `bson:"seq" json:"seq"`
	Time      time.Time       `bson:"time" json:"time"`
	Source    string          `bson:"source" json:"source"`
	Target    string          `bson:"target" json:"target"`
	Type      string          `bson:"type" json:"type"`
	Content   json.RawMessage `bson:"content" json:"content"`
}

// PasswordToken is a one-time out-of-band password reset secret.
// Expired by the store's TTL index.
type PasswordToken struct {
	Username  string    `bson:"username" json:"-"`
	Secret    string    `bson:"secret" json:"-"`
	CreatedAt time.Time `bson:"createdAt" json:"-"`
}
