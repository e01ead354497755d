/******************************************************************************
 *
 *  Description :
 *
 *  Project lifecycle actions: creation with collision-free naming, saving
 *  role source through the commit-then-delete blob protocol, renames,
 *  deletion, latest-content assembly and trace management.
 *
 *****************************************************************************/

package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/netsblox/cloud/server/logs"
	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

const defaultProjectName = "untitled"
const defaultRoleName = "myRole"

// newProjectRequest is the body of POST /projects.
type newProjectRequest struct {
	Name  string                `json:"name"`
	Roles map[string]t.RoleData `json:"roles,omitempty"`
	// ClientId claims ownership for an unauthenticated client.
	ClientId string `json:"clientId,omitempty"`
}

// createProject allocates metadata and role blobs. Unauthenticated clients
// own their projects under their client ID.
func createProject(ctx context.Context, owner string, req *newProjectRequest) (*t.ProjectMetadata, error) {
	name := req.Name
	if name == "" {
		name = defaultProjectName
	}
	if !validName(name) {
		return nil, errBadRequest("invalid project name")
	}

	existing, err := store.Projects.ByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(existing))
	for i, p := range existing {
		names[i] = p.Name
	}
	name = uniqueName(names, name)

	roleData := req.Roles
	if len(roleData) == 0 {
		roleData = map[string]t.RoleData{defaultRoleName: {Name: defaultRoleName}}
	}

	now := time.Now().UTC()
	roles := make(map[string]t.RoleMetadata, len(roleData))
	var writtenKeys []string
	for _, data := range roleData {
		role, err := writeRoleBlobs(ctx, &data)
		if err != nil {
			deleteBlobs(ctx, writtenKeys)
			return nil, err
		}
		writtenKeys = append(writtenKeys, role.CodeKey, role.MediaKey)
		roles[uuid.NewString()] = *role
	}

	metadata := &t.ProjectMetadata{
		Id:            uuid.NewString(),
		Owner:         owner,
		Name:          name,
		Roles:         roles,
		Collaborators: []string{},
		State:         t.StateCreated,
		Updated:       now,
		OriginTime:    now,
	}
	if err := store.Projects.Create(ctx, metadata); err != nil {
		deleteBlobs(ctx, writtenKeys)
		if err == t.ErrDuplicate {
			return nil, errConflict("project name already taken")
		}
		return nil, err
	}

	updateProjectCache(metadata)
	statsInc("ProjectsCreatedTotal", 1)
	return metadata, nil
}

// writeRoleBlobs stores role content under fresh keys.
func writeRoleBlobs(ctx context.Context, data *t.RoleData) (*t.RoleMetadata, error) {
	name := data.Name
	if name == "" {
		name = defaultRoleName
	}
	if !validName(name) {
		return nil, errBadRequest("invalid role name")
	}

	role := &t.RoleMetadata{
		Name:     name,
		CodeKey:  uuid.NewString(),
		MediaKey: uuid.NewString(),
		Updated:  time.Now().UTC(),
	}
	if err := store.Projects.PutBlob(ctx, role.CodeKey, []byte(data.Code)); err != nil {
		return nil, err
	}
	if err := store.Projects.PutBlob(ctx, role.MediaKey, []byte(data.Media)); err != nil {
		store.Projects.DeleteBlob(ctx, role.CodeKey)
		return nil, err
	}
	return role, nil
}

func deleteBlobs(ctx context.Context, keys []string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := store.Projects.DeleteBlob(ctx, key); err != nil {
			// Leaked blobs are reconciled by the hourly sweep.
			logs.Warn.Println("projects: failed to delete blob", key, err)
		}
	}
}

// saveRole writes new role content: fresh blobs, metadata commit with
// optimistic concurrency, then deletion of the prior blobs.
func saveRole(ctx context.Context, witness *editProject, roleId string, data *t.RoleData) (*t.ProjectMetadata, error) {
	metadata := witness.metadata
	prev, ok := metadata.Roles[roleId]
	if !ok {
		return nil, errNotFound()
	}
	if data.Name == "" {
		data.Name = prev.Name
	}
	if data.Name != prev.Name {
		// Role renames are collision-free against sibling roles.
		var names []string
		for id, role := range metadata.Roles {
			if id != roleId {
				names = append(names, role.Name)
			}
		}
		if !validName(data.Name) {
			return nil, errBadRequest("invalid role name")
		}
		data.Name = uniqueName(names, data.Name)
	}

	role, err := writeRoleBlobs(ctx, data)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := store.Projects.Update(ctx, metadata.Id, metadata.Updated, map[string]any{
		"roles." + roleId: role,
		"updated":         now,
	})
	if err != nil {
		deleteBlobs(ctx, []string{role.CodeKey, role.MediaKey})
		return nil, err
	}

	// Old blobs go only after the metadata commit succeeded.
	deleteBlobs(ctx, []string{prev.CodeKey, prev.MediaKey})

	updateProjectCache(updated)
	globals.topology.sendRoomState(updated)
	return updated, nil
}

// renameProject applies the collision policy: on conflict the stored name
// becomes "name (k)" for the smallest k making it unique.
func renameProject(ctx context.Context, witness *editProject, newName string) (*t.ProjectMetadata, error) {
	metadata := witness.metadata
	if !validName(newName) {
		return nil, errBadRequest("invalid project name")
	}

	existing, err := store.Projects.ByOwner(ctx, metadata.Owner)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range existing {
		if p.Id != metadata.Id {
			names = append(names, p.Name)
		}
	}
	newName = uniqueName(names, newName)

	updated, err := store.Projects.Update(ctx, metadata.Id, metadata.Updated, map[string]any{
		"name":    newName,
		"updated": time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	invalidateProjectCache(metadata.Id)
	updateProjectCache(updated)
	globals.topology.sendRoomState(updated)
	return updated, nil
}

// setProjectState handles PATCH state transitions requested by an editor.
// Saving is idempotent; Saved projects are never auto-deleted.
func setProjectState(ctx context.Context, witness *editProject, state t.SaveState) (*t.ProjectMetadata, error) {
	if state != t.StateSaved {
		return nil, errBadRequest("only the saved state can be requested")
	}
	updated, err := store.Projects.SetState(ctx, witness.metadata.Id, nil, t.StateSaved, nil)
	if err != nil {
		return nil, err
	}
	updateProjectCache(updated)
	statsInc("ProjectsSavedTotal", 1)
	return updated, nil
}

// setProjectPublic publishes or unpublishes the project.
func setProjectPublic(ctx context.Context, witness *editProject, public bool) (*t.ProjectMetadata, error) {
	updated, err := store.Projects.Update(ctx, witness.metadata.Id, witness.metadata.Updated, map[string]any{
		"public":  public,
		"updated": time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	invalidateProjectCache(updated.Id)
	updateProjectCache(updated)
	return updated, nil
}

// deleteProjectAction removes metadata first, then the blobs it referenced.
func deleteProjectAction(ctx context.Context, witness *deleteProject) error {
	metadata, err := store.Projects.Delete(ctx, witness.metadata.Id)
	if err != nil {
		return err
	}

	var keys []string
	for _, role := range metadata.Roles {
		keys = append(keys, role.CodeKey, role.MediaKey)
	}
	deleteBlobs(ctx, keys)

	invalidateProjectCache(metadata.Id)
	statsInc("ProjectsDeletedTotal", 1)
	return nil
}

// storedRole reads the role content from its blobs.
func storedRole(ctx context.Context, metadata *t.ProjectMetadata, roleId string) (*t.RoleData, error) {
	role, ok := metadata.Roles[roleId]
	if !ok {
		return nil, errNotFound()
	}
	code, err := store.Projects.GetBlob(ctx, role.CodeKey)
	if err != nil {
		return nil, err
	}
	media, err := store.Projects.GetBlob(ctx, role.MediaKey)
	if err != nil {
		return nil, err
	}
	return &t.RoleData{Name: role.Name, Code: string(code), Media: string(media)}, nil
}

// latestRole returns the live role content. The role must be occupied; an
// unoccupied role surfaces RoleFetchTimeout to the requester. A live fetch
// that times out with an unresponsive occupant falls back to the stored
// blobs.
func latestRole(ctx context.Context, metadata *t.ProjectMetadata, roleId string) (*t.RoleData, error) {
	if _, ok := metadata.Roles[roleId]; !ok {
		return nil, errNotFound()
	}
	if len(globals.topology.occupantsOf(metadata.Id, roleId)) == 0 {
		return nil, errRoleFetchTimeout()
	}

	data, err := globals.router.requestRoleData(ctx, metadata.Id, roleId)
	if err != nil {
		logs.Warn.Println("projects: live role fetch failed, serving stored", metadata.Id, roleId, err)
		return storedRole(ctx, metadata, roleId)
	}
	return data, nil
}

// latestProject assembles the whole project, one role at a time: live data
// from occupied roles, stored blobs for the rest.
func latestProject(ctx context.Context, metadata *t.ProjectMetadata) (*t.Project, error) {
	roles := make(map[string]t.RoleData, len(metadata.Roles))
	for roleId := range metadata.Roles {
		var data *t.RoleData
		var err error
		if len(globals.topology.occupantsOf(metadata.Id, roleId)) > 0 {
			data, err = latestRole(ctx, metadata, roleId)
		} else {
			data, err = storedRole(ctx, metadata, roleId)
		}
		if err != nil {
			return nil, err
		}
		roles[roleId] = *data
	}
	return &t.Project{ProjectMetadata: *metadata, RoleData: roles}, nil
}

// startTrace opens a message trace on the project. At most one trace records
// at a time.
func startTrace(ctx context.Context, witness *editProject) (*t.NetworkTrace, error) {
	metadata := witness.metadata
	if metadata.ActiveTrace() != nil {
		return nil, errConflict("a trace is already recording")
	}

	trace := t.NetworkTrace{Id: uuid.NewString(), StartTime: time.Now().UTC()}
	updated, err := store.Projects.Update(ctx, metadata.Id, metadata.Updated, map[string]any{
		"networkTraces": append(metadata.Traces, trace),
		"updated":       time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	invalidateProjectCache(updated.Id)
	updateProjectCache(updated)
	return &trace, nil
}

// stopTrace closes the trace with the given ID.
func stopTrace(ctx context.Context, witness *editProject, traceId string) (*t.NetworkTrace, error) {
	metadata := witness.metadata
	var stopped *t.NetworkTrace
	now := time.Now().UTC()
	traces := make([]t.NetworkTrace, len(metadata.Traces))
	for i, trace := range metadata.Traces {
		if trace.Id == traceId && trace.Active() {
			trace.EndTime = &now
			stopped = &trace
		}
		traces[i] = trace
	}
	if stopped == nil {
		return nil, errNotFound()
	}

	updated, err := store.Projects.Update(ctx, metadata.Id, metadata.Updated, map[string]any{
		"networkTraces": traces,
		"updated":       now,
	})
	if err != nil {
		return nil, err
	}
	globals.router.dropSeq(metadata.Id, traceId)
	invalidateProjectCache(updated.Id)
	updateProjectCache(updated)
	return stopped, nil
}

// deleteTrace removes the trace and its recorded messages.
func deleteTrace(ctx context.Context, witness *editProject, traceId string) error {
	metadata := witness.metadata
	var traces []t.NetworkTrace
	found := false
	for _, trace := range metadata.Traces {
		if trace.Id == traceId {
			found = true
			continue
		}
		traces = append(traces, trace)
	}
	if !found {
		return errNotFound()
	}

	updated, err := store.Projects.Update(ctx, metadata.Id, metadata.Updated, map[string]any{
		"networkTraces": traces,
		"updated":       time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := store.Messages.DeleteTrace(ctx, metadata.Id, traceId); err != nil {
		return err
	}
	globals.router.dropSeq(metadata.Id, traceId)
	invalidateProjectCache(updated.Id)
	updateProjectCache(updated)
	return nil
}
