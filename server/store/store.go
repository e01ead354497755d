// Package store provides access to the database adapter and the blob store
// behind typed object mappers.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/netsblox/cloud/server/media"
	"github.com/netsblox/cloud/server/store/adapter"
	t "github.com/netsblox/cloud/server/store/types"
)

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)
var mediaHandler media.Handler

type configType struct {
	// DB adapter name to use. Should be one of those specified in `Adapters`.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

// TTLs are the store-enforced expiration windows.
type TTLs struct {
	OccupantInvite  time.Duration
	PasswordToken   time.Duration
	RecordedMessage time.Duration
}

// RegisterAdapter makes a persistence adapter available by the provided name.
func RegisterAdapter(name string, a adapter.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}
	if _, dup := availableAdapters[name]; dup {
		panic("store: duplicate registration of adapter " + name)
	}
	availableAdapters[name] = a
}

// Open initializes the persistence system. The adapter holds a connection
// pool for a database instance.
func Open(ctx context.Context, jsonconf json.RawMessage, ttls TTLs) error {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error())
	}

	if adp == nil {
		if len(config.UseAdapter) > 0 {
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: db adapter is not specified")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	adp.SetTTLs(ttls.OccupantInvite, ttls.PasswordToken, ttls.RecordedMessage)
	if err := adp.Open(ctx, adapterConfig); err != nil {
		return err
	}

	return adp.CreateDb(ctx, false)
}

// Close terminates the connection to persistent storage.
func Close(ctx context.Context) error {
	if adp != nil && adp.IsOpen() {
		return adp.Close(ctx)
	}
	return nil
}

// IsOpen checks if the persistent storage connection has been initialized.
func IsOpen() bool {
	return adp != nil && adp.IsOpen()
}

// GetAdapterName returns the name of the current adapter.
func GetAdapterName() string {
	if adp != nil {
		return adp.GetName()
	}
	return ""
}

// UseMediaHandler sets the blob handler.
func UseMediaHandler(name, config string) error {
	mediaHandler = media.GetHandler(name)
	if mediaHandler == nil {
		return errors.New("store: unknown media handler '" + name + "'")
	}
	return mediaHandler.Init(config)
}

// Blobs returns the active blob handler.
func Blobs() media.Handler {
	return mediaHandler
}

// UsersPersistenceInterface is an interface for user persistence.
type UsersPersistenceInterface interface {
	Create(ctx context.Context, user *t.User) error
	Get(ctx context.Context, username string) (*t.User, error)
	GetByEmail(ctx context.Context, email string) ([]t.User, error)
	GetByLinked(ctx context.Context, strategy, id string) (*t.User, error)
	Update(ctx context.Context, username string, update map[string]any) error
	Delete(ctx context.Context, username string) error
	List(ctx context.Context, groupId string) ([]t.User, error)
	Ban(ctx context.Context, ban *t.BannedAccount) error
	Unban(ctx context.Context, username string) error
	IsBanned(ctx context.Context, username, email string) (bool, error)
	SetPasswordToken(ctx context.Context, tok *t.PasswordToken) error
	TakePasswordToken(ctx context.Context, username, secret string) (*t.PasswordToken, error)
}

// usersMapper is an instance of UsersPersistenceInterface.
type usersMapper struct{}

// Users is the accessor for user persistence.
var Users UsersPersistenceInterface = usersMapper{}

func (usersMapper) Create(ctx context.Context, user *t.User) error {
	return adp.UserCreate(ctx, user)
}

func (usersMapper) Get(ctx context.Context, username string) (*t.User, error) {
	return adp.UserGet(ctx, username)
}

func (usersMapper) GetByEmail(ctx context.Context, email string) ([]t.User, error) {
	return adp.UserGetByEmail(ctx, email)
}

func (usersMapper) GetByLinked(ctx context.Context, strategy, id string) (*t.User, error) {
	return adp.UserGetByLinked(ctx, strategy, id)
}

func (usersMapper) Update(ctx context.Context, username string, update map[string]any) error {
	return adp.UserUpdate(ctx, username, update)
}

func (usersMapper) Delete(ctx context.Context, username string) error {
	return adp.UserDelete(ctx, username)
}

func (usersMapper) List(ctx context.Context, groupId string) ([]t.User, error) {
	return adp.UserList(ctx, groupId)
}

func (usersMapper) Ban(ctx context.Context, ban *t.BannedAccount) error {
	return adp.BanCreate(ctx, ban)
}

func (usersMapper) Unban(ctx context.Context, username string) error {
	return adp.BanDelete(ctx, username)
}

func (usersMapper) IsBanned(ctx context.Context, username, email string) (bool, error) {
	return adp.BanCheck(ctx, username, email)
}

func (usersMapper) SetPasswordToken(ctx context.Context, tok *t.PasswordToken) error {
	return adp.PasswordTokenCreate(ctx, tok)
}

func (usersMapper) TakePasswordToken(ctx context.Context, username, secret string) (*t.PasswordToken, error) {
	return adp.PasswordTokenTake(ctx, username, secret)
}

// GroupsPersistenceInterface is an interface for group persistence.
type GroupsPersistenceInterface interface {
	Create(ctx context.Context, group *t.Group) error
	Get(ctx context.Context, id string) (*t.Group, error)
	ByOwner(ctx context.Context, owner string) ([]t.Group, error)
	Update(ctx context.Context, id string, update map[string]any) error
	Delete(ctx context.Context, id string) error
	Members(ctx context.Context, id string) ([]t.User, error)
}

type groupsMapper struct{}

// Groups is the accessor for group persistence.
var Groups GroupsPersistenceInterface = groupsMapper{}

func (groupsMapper) Create(ctx context.Context, group *t.Group) error {
	return adp.GroupCreate(ctx, group)
}

func (groupsMapper) Get(ctx context.Context, id string) (*t.Group, error) {
	return adp.GroupGet(ctx, id)
}

func (groupsMapper) ByOwner(ctx context.Context, owner string) ([]t.Group, error) {
	return adp.GroupsByOwner(ctx, owner)
}

func (groupsMapper) Update(ctx context.Context, id string, update map[string]any) error {
	return adp.GroupUpdate(ctx, id, update)
}

func (groupsMapper) Delete(ctx context.Context, id string) error {
	return adp.GroupDelete(ctx, id)
}

func (groupsMapper) Members(ctx context.Context, id string) ([]t.User, error) {
	return adp.UserList(ctx, id)
}

// ProjectsPersistenceInterface is an interface for project persistence.
type ProjectsPersistenceInterface interface {
	Create(ctx context.Context, p *t.ProjectMetadata) error
	Get(ctx context.Context, id string) (*t.ProjectMetadata, error)
	GetByName(ctx context.Context, owner, name string) (*t.ProjectMetadata, error)
	ByOwner(ctx context.Context, owner string) ([]t.ProjectMetadata, error)
	SharedWith(ctx context.Context, username string) ([]t.ProjectMetadata, error)
	Update(ctx context.Context, id string, prevUpdated time.Time, update map[string]any) (*t.ProjectMetadata, error)
	SetState(ctx context.Context, id string, from []t.SaveState, to t.SaveState, deleteAt *time.Time) (*t.ProjectMetadata, error)
	AddCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error)
	RemoveCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error)
	Delete(ctx context.Context, id string) (*t.ProjectMetadata, error)
	Expired(ctx context.Context, now time.Time) ([]t.ProjectMetadata, error)
	BlobKeys(ctx context.Context) (map[string]bool, error)

	PutBlob(ctx context.Context, key string, content []byte) error
	GetBlob(ctx context.Context, key string) ([]byte, error)
	DeleteBlob(ctx context.Context, key string) error
}

type projectsMapper struct{}

// Projects is the accessor for project persistence.
var Projects ProjectsPersistenceInterface = projectsMapper{}

func (projectsMapper) Create(ctx context.Context, p *t.ProjectMetadata) error {
	return adp.ProjectCreate(ctx, p)
}

func (projectsMapper) Get(ctx context.Context, id string) (*t.ProjectMetadata, error) {
	return adp.ProjectGet(ctx, id)
}

func (projectsMapper) GetByName(ctx context.Context, owner, name string) (*t.ProjectMetadata, error) {
	return adp.ProjectGetByName(ctx, owner, name)
}

func (projectsMapper) ByOwner(ctx context.Context, owner string) ([]t.ProjectMetadata, error) {
	return adp.ProjectsByOwner(ctx, owner)
}

func (projectsMapper) SharedWith(ctx context.Context, username string) ([]t.ProjectMetadata, error) {
	return adp.ProjectsSharedWith(ctx, username)
}

func (projectsMapper) Update(ctx context.Context, id string, prevUpdated time.Time,
	update map[string]any) (*t.ProjectMetadata, error) {
	return adp.ProjectUpdate(ctx, id, prevUpdated, update)
}

func (projectsMapper) SetState(ctx context.Context, id string, from []t.SaveState,
	to t.SaveState, deleteAt *time.Time) (*t.ProjectMetadata, error) {
	return adp.ProjectSetState(ctx, id, from, to, deleteAt)
}

func (projectsMapper) AddCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error) {
	return adp.ProjectAddCollaborator(ctx, id, username)
}

func (projectsMapper) RemoveCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error) {
	return adp.ProjectRemoveCollaborator(ctx, id, username)
}

func (projectsMapper) Delete(ctx context.Context, id string) (*t.ProjectMetadata, error) {
	return adp.ProjectDelete(ctx, id)
}

func (projectsMapper) Expired(ctx context.Context, now time.Time) ([]t.ProjectMetadata, error) {
	return adp.ProjectsExpired(ctx, now)
}

func (projectsMapper) BlobKeys(ctx context.Context) (map[string]bool, error) {
	return adp.ProjectBlobKeys(ctx)
}

func (projectsMapper) PutBlob(ctx context.Context, key string, content []byte) error {
	return mediaHandler.Put(ctx, key, bytes.NewReader(content))
}

func (projectsMapper) GetBlob(ctx context.Context, key string) ([]byte, error) {
	return mediaHandler.Get(ctx, key)
}

func (projectsMapper) DeleteBlob(ctx context.Context, key string) error {
	return mediaHandler.Delete(ctx, key)
}

// FriendsPersistenceInterface is an interface for social graph persistence.
type FriendsPersistenceInterface interface {
	UpsertEdge(ctx context.Context, edge *t.FriendEdge) error
	GetEdge(ctx context.Context, a, b string) (*t.FriendEdge, error)
	DeleteEdge(ctx context.Context, a, b string) error
	EdgesOf(ctx context.Context, username string) ([]t.FriendEdge, error)
	CreateInvite(ctx context.Context, inv *t.FriendInvite) error
	GetInvite(ctx context.Context, sender, recipient string) (*t.FriendInvite, error)
	DeleteInvite(ctx context.Context, sender, recipient string) error
	InvitesFor(ctx context.Context, recipient string) ([]t.FriendInvite, error)
}

type friendsMapper struct{}

// Friends is the accessor for social graph persistence.
var Friends FriendsPersistenceInterface = friendsMapper{}

func (friendsMapper) UpsertEdge(ctx context.Context, edge *t.FriendEdge) error {
	return adp.FriendEdgeUpsert(ctx, edge)
}

func (friendsMapper) GetEdge(ctx context.Context, a, b string) (*t.FriendEdge, error) {
	return adp.FriendEdgeGet(ctx, a, b)
}

func (friendsMapper) DeleteEdge(ctx context.Context, a, b string) error {
	return adp.FriendEdgeDelete(ctx, a, b)
}

func (friendsMapper) EdgesOf(ctx context.Context, username string) ([]t.FriendEdge, error) {
	return adp.FriendEdgesOf(ctx, username)
}

func (friendsMapper) CreateInvite(ctx context.Context, inv *t.FriendInvite) error {
	return adp.FriendInviteCreate(ctx, inv)
}

func (friendsMapper) GetInvite(ctx context.Context, sender, recipient string) (*t.FriendInvite, error) {
	return adp.FriendInviteGet(ctx, sender, recipient)
}

func (friendsMapper) DeleteInvite(ctx context.Context, sender, recipient string) error {
	return adp.FriendInviteDelete(ctx, sender, recipient)
}

func (friendsMapper) InvitesFor(ctx context.Context, recipient string) ([]t.FriendInvite, error) {
	return adp.FriendInvitesFor(ctx, recipient)
}

// InvitesPersistenceInterface is an interface for project invite persistence.
type InvitesPersistenceInterface interface {
	CreateCollab(ctx context.Context, inv *t.CollaborationInvite) error
	GetCollab(ctx context.Context, id string) (*t.CollaborationInvite, error)
	CollabForProject(ctx context.Context, projectId string) ([]t.CollaborationInvite, error)
	CollabFor(ctx context.Context, recipient string) ([]t.CollaborationInvite, error)
	DeleteCollab(ctx context.Context, id string) error
	CreateOccupant(ctx context.Context, inv *t.OccupantInvite) error
	GetOccupant(ctx context.Context, projectId, recipient string) (*t.OccupantInvite, error)
	CloseOccupant(ctx context.Context, projectId, recipient string) error
}

type invitesMapper struct{}

// Invites is the accessor for project invite persistence.
var Invites InvitesPersistenceInterface = invitesMapper{}

func (invitesMapper) CreateCollab(ctx context.Context, inv *t.CollaborationInvite) error {
	return adp.CollabInviteCreate(ctx, inv)
}

func (invitesMapper) GetCollab(ctx context.Context, id string) (*t.CollaborationInvite, error) {
	return adp.CollabInviteGet(ctx, id)
}

func (invitesMapper) CollabForProject(ctx context.Context, projectId string) ([]t.CollaborationInvite, error) {
	return adp.CollabInvitesForProject(ctx, projectId)
}

func (invitesMapper) CollabFor(ctx context.Context, recipient string) ([]t.CollaborationInvite, error) {
	return adp.CollabInvitesFor(ctx, recipient)
}

func (invitesMapper) DeleteCollab(ctx context.Context, id string) error {
	return adp.CollabInviteDelete(ctx, id)
}

func (invitesMapper) CreateOccupant(ctx context.Context, inv *t.OccupantInvite) error {
	return adp.OccupantInviteCreate(ctx, inv)
}

func (invitesMapper) GetOccupant(ctx context.Context, projectId, recipient string) (*t.OccupantInvite, error) {
	return adp.OccupantInviteGet(ctx, projectId, recipient)
}

func (invitesMapper) CloseOccupant(ctx context.Context, projectId, recipient string) error {
	return adp.OccupantInvitesClose(ctx, projectId, recipient)
}

// LibrariesPersistenceInterface is an interface for library persistence.
type LibrariesPersistenceInterface interface {
	Upsert(ctx context.Context, lib *t.Library) error
	Get(ctx context.Context, owner, name string) (*t.Library, error)
	ByOwner(ctx context.Context, owner string) ([]t.Library, error)
	Community(ctx context.Context) ([]t.Library, error)
	Pending(ctx context.Context) ([]t.Library, error)
	Delete(ctx context.Context, owner, name string) error
}

type librariesMapper struct{}

// Libraries is the accessor for library persistence.
var Libraries LibrariesPersistenceInterface = librariesMapper{}

func (librariesMapper) Upsert(ctx context.Context, lib *t.Library) error {
	return adp.LibraryUpsert(ctx, lib)
}

func (librariesMapper) Get(ctx context.Context, owner, name string) (*t.Library, error) {
	return adp.LibraryGet(ctx, owner, name)
}

func (librariesMapper) ByOwner(ctx context.Context, owner string) ([]t.Library, error) {
	return adp.LibrariesByOwner(ctx, owner)
}

func (librariesMapper) Community(ctx context.Context) ([]t.Library, error) {
	return adp.LibrariesCommunity(ctx)
}

func (librariesMapper) Pending(ctx context.Context) ([]t.Library, error) {
	return adp.LibrariesPending(ctx)
}

func (librariesMapper) Delete(ctx context.Context, owner, name string) error {
	return adp.LibraryDelete(ctx, owner, name)
}

// HostsPersistenceInterface is an interface for service host persistence.
type HostsPersistenceInterface interface {
	SetForScope(ctx context.Context, scope t.ServiceHostScope, hosts []t.ServiceHost) error
	ForScope(ctx context.Context, scope t.ServiceHostScope) ([]t.ServiceHost, error)
	Authorize(ctx context.Context, host *t.AuthorizedServiceHost) error
	GetAuthorized(ctx context.Context, id string) (*t.AuthorizedServiceHost, error)
	ListAuthorized(ctx context.Context) ([]t.AuthorizedServiceHost, error)
	Deauthorize(ctx context.Context, id string) error
}

type hostsMapper struct{}

// Hosts is the accessor for service host persistence.
var Hosts HostsPersistenceInterface = hostsMapper{}

func (hostsMapper) SetForScope(ctx context.Context, scope t.ServiceHostScope, hosts []t.ServiceHost) error {
	return adp.ServiceHostsSet(ctx, scope, hosts)
}

func (hostsMapper) ForScope(ctx context.Context, scope t.ServiceHostScope) ([]t.ServiceHost, error) {
	return adp.ServiceHostsGet(ctx, scope)
}

func (hostsMapper) Authorize(ctx context.Context, host *t.AuthorizedServiceHost) error {
	return adp.AuthorizedHostCreate(ctx, host)
}

func (hostsMapper) GetAuthorized(ctx context.Context, id string) (*t.AuthorizedServiceHost, error) {
	return adp.AuthorizedHostGet(ctx, id)
}

func (hostsMapper) ListAuthorized(ctx context.Context) ([]t.AuthorizedServiceHost, error) {
	return adp.AuthorizedHostList(ctx)
}

func (hostsMapper) Deauthorize(ctx context.Context, id string) error {
	return adp.AuthorizedHostDelete(ctx, id)
}

// MessagesPersistenceInterface is an interface for recorded trace messages.
type MessagesPersistenceInterface interface {
	Record(ctx context.Context, msgs []t.RecordedMessage) error
	ForTrace(ctx context.Context, projectId, traceId string) ([]t.RecordedMessage, error)
	DeleteTrace(ctx context.Context, projectId, traceId string) error
}

type messagesMapper struct{}

// Messages is the accessor for recorded trace messages.
var Messages MessagesPersistenceInterface = messagesMapper{}

func (messagesMapper) Record(ctx context.Context, msgs []t.RecordedMessage) error {
	return adp.RecordedMessageInsert(ctx, msgs)
}

func (messagesMapper) ForTrace(ctx context.Context, projectId, traceId string) ([]t.RecordedMessage, error) {
	return adp.RecordedMessagesGet(ctx, projectId, traceId)
}

func (messagesMapper) DeleteTrace(ctx context.Context, projectId, traceId string) error {
	return adp.RecordedMessagesDelete(ctx, projectId, traceId)
}

