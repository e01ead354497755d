/******************************************************************************
 *
 *  Description :
 *
 *  Process-wide project metadata cache: bounded, write-through-invalidated
 *  by the few mutation sites in the project lifecycle.
 *
 *****************************************************************************/

package main

import (
	"context"

	"github.com/netsblox/cloud/server/store"
	t "github.com/netsblox/cloud/server/store/types"
)

// cachedProjectGet reads project metadata through the cache.
func cachedProjectGet(ctx context.Context, projectId string) (*t.ProjectMetadata, error) {
	if cached, ok := globals.projectCache.get(projectId); ok {
		return cached.(*t.ProjectMetadata), nil
	}

	metadata, err := store.Projects.Get(ctx, projectId)
	if err != nil {
		return nil, err
	}
	globals.projectCache.put(projectId, metadata)
	return metadata, nil
}

// updateProjectCache stores fresher metadata, keeping a newer cached copy.
func updateProjectCache(metadata *t.ProjectMetadata) {
	if cached, ok := globals.projectCache.get(metadata.Id); ok {
		if cached.(*t.ProjectMetadata).Updated.After(metadata.Updated) {
			return
		}
	}
	globals.projectCache.put(metadata.Id, metadata)
}

// invalidateProjectCache drops a project from the metadata cache and the
// resolver cache.
func invalidateProjectCache(projectId string) {
	globals.projectCache.remove(projectId)
	globals.resolver.invalidateProject(projectId)
}
