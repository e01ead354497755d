// Package mongodb is a database adapter for MongoDB.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"
)

// adapter holds MongoDB connection data.
type adapter struct {
	conn   *mdb.Client
	db     *mdb.Database
	dbName string

	occupantInviteTTL  time.Duration
	passwordTokenTTL   time.Duration
	recordedMessageTTL time.Duration
}

const (
	defaultHost     = "localhost:27017"
	defaultDatabase = "netsblox"

	adapterName = "mongodb"
)

// See https://godoc.org/go.mongodb.org/mongo-driver/mongo/options#ClientOptions for explanations.
type configType struct {
	Uri            string `json:"uri,omitempty"`
	ConnectTimeout int    `json:"timeout,omitempty"`

	Database   string `json:"database,omitempty"`
	AuthSource string `json:"auth_source,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// Open initializes the mongodb session.
func (a *adapter) Open(ctx context.Context, jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter mongodb is already connected")
	}

	var err error
	var config configType
	if err = json.Unmarshal(jsonconfig, &config); err != nil {
		return errors.New("adapter mongodb failed to parse config: " + err.Error())
	}

	var opts mdbopts.ClientOptions
	if config.Uri == "" {
		opts.SetHosts([]string{defaultHost})
	} else {
		opts.ApplyURI(config.Uri)
	}
	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(time.Duration(config.ConnectTimeout) * time.Second)
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if config.Username != "" {
		if config.AuthSource == "" {
			config.AuthSource = "admin"
		}
		opts.SetAuth(mdbopts.Credential{
			AuthMechanism: "SCRAM-SHA-256",
			AuthSource:    config.AuthSource,
			Username:      config.Username,
			Password:      config.Password,
			PasswordSet:   config.Password != "",
		})
	}

	a.conn, err = mdb.Connect(ctx, &opts)
	if err != nil {
		return err
	}
	a.db = a.conn.Database(a.dbName)
	return nil
}

// Close the adapter.
func (a *adapter) Close(ctx context.Context) error {
	var err error
	if a.conn != nil {
		err = a.conn.Disconnect(ctx)
		a.conn = nil
	}
	return err
}

// IsOpen checks if the adapter is ready for use.
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetName returns the adapter name.
func (a *adapter) GetName() string {
	return adapterName
}

// SetTTLs configures the store-enforced expirations. Must be called before
// CreateDb so the TTL indexes pick up the right windows.
func (a *adapter) SetTTLs(occupantInvite, passwordToken, recordedMessage time.Duration) {
	a.occupantInviteTTL = occupantInvite
	a.passwordTokenTTL = passwordToken
	a.recordedMessageTTL = recordedMessage
}

func ttlSeconds(d time.Duration, dflt int32) int32 {
	if d <= 0 {
		return dflt
	}
	return int32(d / time.Second)
}

// CreateDb creates the collections and indexes.
func (a *adapter) CreateDb(ctx context.Context, reset bool) error {
	if reset {
		if err := a.db.Drop(ctx); err != nil {
			return err
		}
	}

	unique := mdbopts.Index().SetUnique(true)

	indexes := []struct {
		Collection string
		Field      string
		IndexOpts  *mdbopts.IndexOptions
	}{
		{Collection: "users", Field: "username", IndexOpts: unique},
		{Collection: "users", Field: "email"},
		{Collection: "users", Field: "groupId"},
		{Collection: "bannedAccounts", Field: "username"},
		{Collection: "bannedAccounts", Field: "email"},
		{Collection: "groups", Field: "id", IndexOpts: unique},
		{Collection: "groups", Field: "owner"},
		{Collection: "projectMetadata", Field: "id", IndexOpts: unique},
		{Collection: "projectMetadata", Field: "owner"},
		{Collection: "projectMetadata", Field: "collaborators"},
		{Collection: "projectMetadata", Field: "deleteAt"},
		{Collection: "friendEdges", Field: "a"},
		{Collection: "friendEdges", Field: "b"},
		{Collection: "friendInvites", Field: "recipient"},
		{Collection: "collaborationInvites", Field: "id", IndexOpts: unique},
		{Collection: "collaborationInvites", Field: "recipient"},
		{Collection: "collaborationInvites", Field: "projectId"},
		{Collection: "occupantInvites", Field: "recipient"},
		{Collection: "occupantInvites", Field: "createdAt",
			IndexOpts: mdbopts.Index().SetExpireAfterSeconds(ttlSeconds(a.occupantInviteTTL, 15*60))},
		{Collection: "libraries", Field: "owner"},
		{Collection: "libraries", Field: "state"},
		{Collection: "serviceHosts", Field: "scope.username"},
		{Collection: "serviceHosts", Field: "scope.groupId"},
		{Collection: "authorizedHosts", Field: "id", IndexOpts: unique},
		{Collection: "recordedMessages", Field: "projectId"},
		{Collection: "recordedMessages", Field: "time",
			IndexOpts: mdbopts.Index().SetExpireAfterSeconds(ttlSeconds(a.recordedMessageTTL, 7*24*3600))},
		{Collection: "passwordTokens", Field: "username", IndexOpts: unique},
		{Collection: "passwordTokens", Field: "createdAt",
			IndexOpts: mdbopts.Index().SetExpireAfterSeconds(ttlSeconds(a.passwordTokenTTL, 3600))},
	}

	// (owner, name) is unique over live projects.
	if _, err := a.db.Collection("projectMetadata").Indexes().CreateOne(ctx, mdb.IndexModel{
		Keys:    b.D{{Key: "owner", Value: 1}, {Key: "name", Value: 1}},
		Options: mdbopts.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	// One friend invite per ordered pair.
	if _, err := a.db.Collection("friendInvites").Indexes().CreateOne(ctx, mdb.IndexModel{
		Keys:    b.D{{Key: "sender", Value: 1}, {Key: "recipient", Value: 1}},
		Options: mdbopts.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	// One collaboration invite per (project, recipient).
	if _, err := a.db.Collection("collaborationInvites").Indexes().CreateOne(ctx, mdb.IndexModel{
		Keys:    b.D{{Key: "projectId", Value: 1}, {Key: "recipient", Value: 1}},
		Options: mdbopts.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	// One library per (owner, name).
	if _, err := a.db.Collection("libraries").Indexes().CreateOne(ctx, mdb.IndexModel{
		Keys:    b.D{{Key: "owner", Value: 1}, {Key: "name", Value: 1}},
		Options: mdbopts.Index().SetUnique(true),
	}); err != nil {
		return err
	}

	for _, idx := range indexes {
		opts := idx.IndexOpts
		if opts == nil {
			opts = mdbopts.Index()
		}
		_, err := a.db.Collection(idx.Collection).Indexes().CreateOne(ctx, mdb.IndexModel{
			Keys:    b.D{{Key: idx.Field, Value: 1}},
			Options: opts,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// normalizeErr translates driver errors into store errors.
func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if err == mdb.ErrNoDocuments {
		return t.ErrNotFound
	}
	if mdb.IsDuplicateKeyError(err) {
		return t.ErrDuplicate
	}
	return err
}

// Users

// UserCreate inserts a new account.
func (a *adapter) UserCreate(ctx context.Context, user *t.User) error {
	_, err := a.db.Collection("users").InsertOne(ctx, user)
	return normalizeErr(err)
}

// UserGet fetches an account by username.
func (a *adapter) UserGet(ctx context.Context, username string) (*t.User, error) {
	var user t.User
	err := a.db.Collection("users").FindOne(ctx, b.M{"username": username}).Decode(&user)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &user, nil
}

// UserGetByEmail returns all accounts registered to an email address.
func (a *adapter) UserGetByEmail(ctx context.Context, email string) ([]t.User, error) {
	return a.userList(ctx, b.M{"email": email})
}

// UserGetByLinked finds the account with a linked (strategy, id) login.
func (a *adapter) UserGetByLinked(ctx context.Context, strategy, id string) (*t.User, error) {
	var user t.User
	filter := b.M{"linkedAccounts": b.M{"$elemMatch": b.M{"strategy": strategy, "id": id}}}
	err := a.db.Collection("users").FindOne(ctx, filter).Decode(&user)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &user, nil
}

// UserUpdate applies a partial update to an account.
func (a *adapter) UserUpdate(ctx context.Context, username string, update map[string]any) error {
	res, err := a.db.Collection("users").UpdateOne(ctx,
		b.M{"username": username}, b.M{"$set": update})
	if err != nil {
		return normalizeErr(err)
	}
	if res.MatchedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// UserDelete removes the account and all social edges touching it.
func (a *adapter) UserDelete(ctx context.Context, username string) error {
	if _, err := a.db.Collection("friendEdges").DeleteMany(ctx,
		b.M{"$or": b.A{b.M{"a": username}, b.M{"b": username}}}); err != nil {
		return err
	}
	if _, err := a.db.Collection("friendInvites").DeleteMany(ctx,
		b.M{"$or": b.A{b.M{"sender": username}, b.M{"recipient": username}}}); err != nil {
		return err
	}
	res, err := a.db.Collection("users").DeleteOne(ctx, b.M{"username": username})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// UserList returns members of a group, or all accounts if groupId is empty.
func (a *adapter) UserList(ctx context.Context, groupId string) ([]t.User, error) {
	filter := b.M{}
	if groupId != "" {
		filter["groupId"] = groupId
	}
	return a.userList(ctx, filter)
}

func (a *adapter) userList(ctx context.Context, filter b.M) ([]t.User, error) {
	cur, err := a.db.Collection("users").Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var users []t.User
	if err = cur.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Banned accounts

// BanCreate records a ban.
func (a *adapter) BanCreate(ctx context.Context, ban *t.BannedAccount) error {
	_, err := a.db.Collection("bannedAccounts").InsertOne(ctx, ban)
	return normalizeErr(err)
}

// BanDelete lifts a ban.
func (a *adapter) BanDelete(ctx context.Context, username string) error {
	res, err := a.db.Collection("bannedAccounts").DeleteMany(ctx, b.M{"username": username})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// BanCheck reports whether the username or email is banned.
func (a *adapter) BanCheck(ctx context.Context, username, email string) (bool, error) {
	filter := b.M{"$or": b.A{b.M{"username": username}, b.M{"email": email}}}
	count, err := a.db.Collection("bannedAccounts").CountDocuments(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Groups

// GroupCreate inserts a group.
func (a *adapter) GroupCreate(ctx context.Context, group *t.Group) error {
	// Uniqueness of (owner, name) is checked here: the pair is not indexed
	// unique because historical data contains collisions.
	count, err := a.db.Collection("groups").CountDocuments(ctx,
		b.M{"owner": group.Owner, "name": group.Name})
	if err != nil {
		return err
	}
	if count > 0 {
		return t.ErrDuplicate
	}
	_, err = a.db.Collection("groups").InsertOne(ctx, group)
	return normalizeErr(err)
}

// GroupGet fetches a group by id.
func (a *adapter) GroupGet(ctx context.Context, id string) (*t.Group, error) {
	var group t.Group
	err := a.db.Collection("groups").FindOne(ctx, b.M{"id": id}).Decode(&group)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &group, nil
}

// GroupsByOwner lists groups owned by a user.
func (a *adapter) GroupsByOwner(ctx context.Context, owner string) ([]t.Group, error) {
	cur, err := a.db.Collection("groups").Find(ctx, b.M{"owner": owner})
	if err != nil {
		return nil, err
	}
	var groups []t.Group
	if err = cur.All(ctx, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// GroupUpdate applies a partial update.
func (a *adapter) GroupUpdate(ctx context.Context, id string, update map[string]any) error {
	res, err := a.db.Collection("groups").UpdateOne(ctx, b.M{"id": id}, b.M{"$set": update})
	if err != nil {
		return normalizeErr(err)
	}
	if res.MatchedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// GroupDelete removes the group, detaches members and drops the group's
// service-host registrations.
func (a *adapter) GroupDelete(ctx context.Context, id string) error {
	if _, err := a.db.Collection("users").UpdateMany(ctx,
		b.M{"groupId": id}, b.M{"$unset": b.M{"groupId": ""}}); err != nil {
		return err
	}
	if _, err := a.db.Collection("serviceHosts").DeleteMany(ctx,
		b.M{"scope.groupId": id}); err != nil {
		return err
	}
	res, err := a.db.Collection("groups").DeleteOne(ctx, b.M{"id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// Projects

// ProjectCreate inserts project metadata.
func (a *adapter) ProjectCreate(ctx context.Context, p *t.ProjectMetadata) error {
	_, err := a.db.Collection("projectMetadata").InsertOne(ctx, p)
	return normalizeErr(err)
}

// ProjectGet fetches metadata by opaque id.
func (a *adapter) ProjectGet(ctx context.Context, id string) (*t.ProjectMetadata, error) {
	var p t.ProjectMetadata
	err := a.db.Collection("projectMetadata").FindOne(ctx, b.M{"id": id}).Decode(&p)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &p, nil
}

// ProjectGetByName fetches metadata by (owner, name).
func (a *adapter) ProjectGetByName(ctx context.Context, owner, name string) (*t.ProjectMetadata, error) {
	var p t.ProjectMetadata
	err := a.db.Collection("projectMetadata").FindOne(ctx,
		b.M{"owner": owner, "name": name}).Decode(&p)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &p, nil
}

// ProjectsByOwner lists all projects of an owner.
func (a *adapter) ProjectsByOwner(ctx context.Context, owner string) ([]t.ProjectMetadata, error) {
	return a.projectList(ctx, b.M{"owner": owner})
}

// ProjectsSharedWith lists projects with the user as a collaborator.
func (a *adapter) ProjectsSharedWith(ctx context.Context, username string) ([]t.ProjectMetadata, error) {
	return a.projectList(ctx, b.M{"collaborators": username})
}

func (a *adapter) projectList(ctx context.Context, filter b.M) ([]t.ProjectMetadata, error) {
	cur, err := a.db.Collection("projectMetadata").Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var projects []t.ProjectMetadata
	if err = cur.All(ctx, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

var afterUpdate = mdbopts.FindOneAndUpdate().SetReturnDocument(mdbopts.After)

// ProjectUpdate applies a partial update with optimistic concurrency on the
// previous `updated` timestamp.
func (a *adapter) ProjectUpdate(ctx context.Context, id string, prevUpdated time.Time,
	update map[string]any) (*t.ProjectMetadata, error) {

	var p t.ProjectMetadata
	err := a.db.Collection("projectMetadata").FindOneAndUpdate(ctx,
		b.M{"id": id, "updated": prevUpdated}, b.M{"$set": update}, afterUpdate).Decode(&p)
	if err == mdb.ErrNoDocuments {
		// Either the project is gone or the revision moved on.
		count, cerr := a.db.Collection("projectMetadata").CountDocuments(ctx, b.M{"id": id})
		if cerr == nil && count > 0 {
			return nil, t.ErrRevisionMismatch
		}
		return nil, t.ErrNotFound
	}
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &p, nil
}

// ProjectSetState moves the lifecycle state.
func (a *adapter) ProjectSetState(ctx context.Context, id string, fromStates []t.SaveState,
	to t.SaveState, deleteAt *time.Time) (*t.ProjectMetadata, error) {

	filter := b.M{"id": id}
	if len(fromStates) > 0 {
		filter["saveState"] = b.M{"$in": fromStates}
	}
	update := b.M{"$set": b.M{"saveState": to}}
	if deleteAt != nil {
		update["$set"].(b.M)["deleteAt"] = *deleteAt
	} else {
		update["$unset"] = b.M{"deleteAt": ""}
	}

	var p t.ProjectMetadata
	err := a.db.Collection("projectMetadata").FindOneAndUpdate(ctx, filter, update, afterUpdate).Decode(&p)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &p, nil
}

// ProjectAddCollaborator conditionally inserts into the collaborator set.
func (a *adapter) ProjectAddCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error) {
	var p t.ProjectMetadata
	err := a.db.Collection("projectMetadata").FindOneAndUpdate(ctx,
		b.M{"id": id}, b.M{"$addToSet": b.M{"collaborators": username}}, afterUpdate).Decode(&p)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &p, nil
}

// ProjectRemoveCollaborator removes from the collaborator set.
func (a *adapter) ProjectRemoveCollaborator(ctx context.Context, id, username string) (*t.ProjectMetadata, error) {
	var p t.ProjectMetadata
	err := a.db.Collection("projectMetadata").FindOneAndUpdate(ctx,
		b.M{"id": id}, b.M{"$pull": b.M{"collaborators": username}}, afterUpdate).Decode(&p)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &p, nil
}

// ProjectDelete removes metadata and returns the removed document.
func (a *adapter) ProjectDelete(ctx context.Context, id string) (*t.ProjectMetadata, error) {
	var p t.ProjectMetadata
	err := a.db.Collection("projectMetadata").FindOneAndDelete(ctx, b.M{"id": id}).Decode(&p)
	if err != nil {
		return nil, normalizeErr(err)
	}
	_, err = a.db.Collection("recordedMessages").DeleteMany(ctx, b.M{"projectId": id})
	if err != nil {
		return &p, err
	}
	return &p, nil
}

// ProjectsExpired lists Transient projects whose deleteAt elapsed.
func (a *adapter) ProjectsExpired(ctx context.Context, now time.Time) ([]t.ProjectMetadata, error) {
	return a.projectList(ctx, b.M{
		"saveState": t.StateTransient,
		"deleteAt":  b.M{"$lte": now},
	})
}

// ProjectBlobKeys lists all blob keys referenced by any metadata.
func (a *adapter) ProjectBlobKeys(ctx context.Context) (map[string]bool, error) {
	cur, err := a.db.Collection("projectMetadata").Find(ctx, b.M{},
		mdbopts.Find().SetProjection(b.M{"roles": 1}))
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool)
	for cur.Next(ctx) {
		var p t.ProjectMetadata
		if err = cur.Decode(&p); err != nil {
			return nil, err
		}
		for _, role := range p.Roles {
			keys[role.CodeKey] = true
			keys[role.MediaKey] = true
		}
	}
	return keys, cur.Err()
}

// Friends

func pairFilter(x, y string) b.M {
	return b.M{"$or": b.A{
		b.M{"a": x, "b": y},
		b.M{"a": y, "b": x},
	}}
}

// FriendEdgeUpsert writes an edge, replacing any edge on the same pair.
func (a *adapter) FriendEdgeUpsert(ctx context.Context, edge *t.FriendEdge) error {
	if _, err := a.db.Collection("friendEdges").DeleteMany(ctx, pairFilter(edge.A, edge.B)); err != nil {
		return err
	}
	_, err := a.db.Collection("friendEdges").InsertOne(ctx, edge)
	return normalizeErr(err)
}

// FriendEdgeGet fetches the edge on a pair in either orientation.
func (a *adapter) FriendEdgeGet(ctx context.Context, x, y string) (*t.FriendEdge, error) {
	var edge t.FriendEdge
	err := a.db.Collection("friendEdges").FindOne(ctx, pairFilter(x, y)).Decode(&edge)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &edge, nil
}

// FriendEdgeDelete removes the edge on a pair.
func (a *adapter) FriendEdgeDelete(ctx context.Context, x, y string) error {
	res, err := a.db.Collection("friendEdges").DeleteMany(ctx, pairFilter(x, y))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// FriendEdgesOf lists all edges touching a user.
func (a *adapter) FriendEdgesOf(ctx context.Context, username string) ([]t.FriendEdge, error) {
	cur, err := a.db.Collection("friendEdges").Find(ctx,
		b.M{"$or": b.A{b.M{"a": username}, b.M{"b": username}}})
	if err != nil {
		return nil, err
	}
	var edges []t.FriendEdge
	if err = cur.All(ctx, &edges); err != nil {
		return nil, err
	}
	return edges, nil
}

// FriendInviteCreate inserts an invite.
func (a *adapter) FriendInviteCreate(ctx context.Context, inv *t.FriendInvite) error {
	_, err := a.db.Collection("friendInvites").InsertOne(ctx, inv)
	return normalizeErr(err)
}

// FriendInviteGet fetches a pending invite.
func (a *adapter) FriendInviteGet(ctx context.Context, sender, recipient string) (*t.FriendInvite, error) {
	var inv t.FriendInvite
	err := a.db.Collection("friendInvites").FindOne(ctx,
		b.M{"sender": sender, "recipient": recipient}).Decode(&inv)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &inv, nil
}

// FriendInviteDelete removes a pending invite.
func (a *adapter) FriendInviteDelete(ctx context.Context, sender, recipient string) error {
	res, err := a.db.Collection("friendInvites").DeleteOne(ctx,
		b.M{"sender": sender, "recipient": recipient})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// FriendInvitesFor lists invites addressed to a user.
func (a *adapter) FriendInvitesFor(ctx context.Context, recipient string) ([]t.FriendInvite, error) {
	cur, err := a.db.Collection("friendInvites").Find(ctx, b.M{"recipient": recipient})
	if err != nil {
		return nil, err
	}
	var invites []t.FriendInvite
	if err = cur.All(ctx, &invites); err != nil {
		return nil, err
	}
	return invites, nil
}

// Collaboration invites

// CollabInviteCreate inserts an invite.
func (a *adapter) CollabInviteCreate(ctx context.Context, inv *t.CollaborationInvite) error {
	_, err := a.db.Collection("collaborationInvites").InsertOne(ctx, inv)
	return normalizeErr(err)
}

// CollabInviteGet fetches an invite by id.
func (a *adapter) CollabInviteGet(ctx context.Context, id string) (*t.CollaborationInvite, error) {
	var inv t.CollaborationInvite
	err := a.db.Collection("collaborationInvites").FindOne(ctx, b.M{"id": id}).Decode(&inv)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &inv, nil
}

// CollabInvitesForProject lists invites for a project.
func (a *adapter) CollabInvitesForProject(ctx context.Context, projectId string) ([]t.CollaborationInvite, error) {
	return a.collabInviteList(ctx, b.M{"projectId": projectId})
}

// CollabInvitesFor lists invites addressed to a user.
func (a *adapter) CollabInvitesFor(ctx context.Context, recipient string) ([]t.CollaborationInvite, error) {
	return a.collabInviteList(ctx, b.M{"recipient": recipient})
}

func (a *adapter) collabInviteList(ctx context.Context, filter b.M) ([]t.CollaborationInvite, error) {
	cur, err := a.db.Collection("collaborationInvites").Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var invites []t.CollaborationInvite
	if err = cur.All(ctx, &invites); err != nil {
		return nil, err
	}
	return invites, nil
}

// CollabInviteDelete removes an invite by id.
func (a *adapter) CollabInviteDelete(ctx context.Context, id string) error {
	res, err := a.db.Collection("collaborationInvites").DeleteOne(ctx, b.M{"id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// Occupant invites

// OccupantInviteCreate inserts an invite; expiration is the TTL index's job.
func (a *adapter) OccupantInviteCreate(ctx context.Context, inv *t.OccupantInvite) error {
	_, err := a.db.Collection("occupantInvites").InsertOne(ctx, inv)
	return normalizeErr(err)
}

// OccupantInviteGet fetches a live invite.
func (a *adapter) OccupantInviteGet(ctx context.Context, projectId, recipient string) (*t.OccupantInvite, error) {
	var inv t.OccupantInvite
	err := a.db.Collection("occupantInvites").FindOne(ctx,
		b.M{"projectId": projectId, "recipient": recipient}).Decode(&inv)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &inv, nil
}

// OccupantInvitesClose removes all invites for (project, recipient).
func (a *adapter) OccupantInvitesClose(ctx context.Context, projectId, recipient string) error {
	_, err := a.db.Collection("occupantInvites").DeleteMany(ctx,
		b.M{"projectId": projectId, "recipient": recipient})
	return err
}

// Libraries

// LibraryUpsert writes a library by (owner, name).
func (a *adapter) LibraryUpsert(ctx context.Context, lib *t.Library) error {
	opts := mdbopts.Replace().SetUpsert(true)
	_, err := a.db.Collection("libraries").ReplaceOne(ctx,
		b.M{"owner": lib.Owner, "name": lib.Name}, lib, opts)
	return normalizeErr(err)
}

// LibraryGet fetches a library by (owner, name).
func (a *adapter) LibraryGet(ctx context.Context, owner, name string) (*t.Library, error) {
	var lib t.Library
	err := a.db.Collection("libraries").FindOne(ctx,
		b.M{"owner": owner, "name": name}).Decode(&lib)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &lib, nil
}

// LibrariesByOwner lists one user's libraries.
func (a *adapter) LibrariesByOwner(ctx context.Context, owner string) ([]t.Library, error) {
	return a.libraryList(ctx, b.M{"owner": owner})
}

// LibrariesCommunity lists approved community libraries.
func (a *adapter) LibrariesCommunity(ctx context.Context) ([]t.Library, error) {
	return a.libraryList(ctx, b.M{"state": t.LibraryPublic})
}

// LibrariesPending lists libraries awaiting moderation.
func (a *adapter) LibrariesPending(ctx context.Context) ([]t.Library, error) {
	return a.libraryList(ctx, b.M{"state": t.LibraryPendingApproval})
}

func (a *adapter) libraryList(ctx context.Context, filter b.M) ([]t.Library, error) {
	cur, err := a.db.Collection("libraries").Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var libs []t.Library
	if err = cur.All(ctx, &libs); err != nil {
		return nil, err
	}
	return libs, nil
}

// LibraryDelete removes a library.
func (a *adapter) LibraryDelete(ctx context.Context, owner, name string) error {
	res, err := a.db.Collection("libraries").DeleteOne(ctx, b.M{"owner": owner, "name": name})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// Service hosts

func scopeFilter(scope t.ServiceHostScope) b.M {
	if scope.GroupId != "" {
		return b.M{"scope.groupId": scope.GroupId}
	}
	return b.M{"scope.username": scope.Username, "scope.groupId": b.M{"$exists": false}}
}

// ServiceHostsSet replaces the host list for a scope.
func (a *adapter) ServiceHostsSet(ctx context.Context, scope t.ServiceHostScope, hosts []t.ServiceHost) error {
	if _, err := a.db.Collection("serviceHosts").DeleteMany(ctx, scopeFilter(scope)); err != nil {
		return err
	}
	if len(hosts) == 0 {
		return nil
	}
	docs := make([]any, len(hosts))
	for i := range hosts {
		hosts[i].Scope = scope
		docs[i] = hosts[i]
	}
	_, err := a.db.Collection("serviceHosts").InsertMany(ctx, docs)
	return normalizeErr(err)
}

// ServiceHostsGet lists hosts registered for a scope.
func (a *adapter) ServiceHostsGet(ctx context.Context, scope t.ServiceHostScope) ([]t.ServiceHost, error) {
	cur, err := a.db.Collection("serviceHosts").Find(ctx, scopeFilter(scope))
	if err != nil {
		return nil, err
	}
	var hosts []t.ServiceHost
	if err = cur.All(ctx, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// AuthorizedHostCreate registers a privileged host.
func (a *adapter) AuthorizedHostCreate(ctx context.Context, host *t.AuthorizedServiceHost) error {
	_, err := a.db.Collection("authorizedHosts").InsertOne(ctx, host)
	return normalizeErr(err)
}

// AuthorizedHostGet fetches a privileged host record.
func (a *adapter) AuthorizedHostGet(ctx context.Context, id string) (*t.AuthorizedServiceHost, error) {
	var host t.AuthorizedServiceHost
	err := a.db.Collection("authorizedHosts").FindOne(ctx, b.M{"id": id}).Decode(&host)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &host, nil
}

// AuthorizedHostList lists all privileged hosts.
func (a *adapter) AuthorizedHostList(ctx context.Context) ([]t.AuthorizedServiceHost, error) {
	cur, err := a.db.Collection("authorizedHosts").Find(ctx, b.M{})
	if err != nil {
		return nil, err
	}
	var hosts []t.AuthorizedServiceHost
	if err = cur.All(ctx, &hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// AuthorizedHostDelete drops a privileged host.
func (a *adapter) AuthorizedHostDelete(ctx context.Context, id string) error {
	res, err := a.db.Collection("authorizedHosts").DeleteOne(ctx, b.M{"id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// Recorded messages

// RecordedMessageInsert appends captured trace messages.
func (a *adapter) RecordedMessageInsert(ctx context.Context, msgs []t.RecordedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	docs := make([]any, len(msgs))
	for i := range msgs {
		docs[i] = msgs[i]
	}
	_, err := a.db.Collection("recordedMessages").InsertMany(ctx, docs)
	return normalizeErr(err)
}

// RecordedMessagesGet fetches one trace's messages ordered by seq.
func (a *adapter) RecordedMessagesGet(ctx context.Context, projectId, traceId string) ([]t.RecordedMessage, error) {
	opts := mdbopts.Find().SetSort(b.D{{Key: "seq", Value: 1}})
	cur, err := a.db.Collection("recordedMessages").Find(ctx,
		b.M{"projectId": projectId, "traceId": traceId}, opts)
	if err != nil {
		return nil, err
	}
	var msgs []t.RecordedMessage
	if err = cur.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// RecordedMessagesDelete drops one trace's messages.
func (a *adapter) RecordedMessagesDelete(ctx context.Context, projectId, traceId string) error {
	_, err := a.db.Collection("recordedMessages").DeleteMany(ctx,
		b.M{"projectId": projectId, "traceId": traceId})
	return err
}

// Password tokens

// PasswordTokenCreate inserts a one-time reset token, replacing any previous
// token for the user.
func (a *adapter) PasswordTokenCreate(ctx context.Context, tok *t.PasswordToken) error {
	opts := mdbopts.Replace().SetUpsert(true)
	_, err := a.db.Collection("passwordTokens").ReplaceOne(ctx,
		b.M{"username": tok.Username}, tok, opts)
	return normalizeErr(err)
}

// PasswordTokenTake fetches and deletes the token.
func (a *adapter) PasswordTokenTake(ctx context.Context, username, secret string) (*t.PasswordToken, error) {
	var tok t.PasswordToken
	err := a.db.Collection("passwordTokens").FindOneAndDelete(ctx,
		b.M{"username": username, "secret": secret}).Decode(&tok)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &tok, nil
}

func init() {
	store.RegisterAdapter(adapterName, &adapter{})
}
