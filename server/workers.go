/******************************************************************************
 *
 *  Description :
 *
 *  Background workers: the inactivity sweeper for Transient projects and the
 *  blob reconciler for leaked role blobs. Workers log and continue; no task
 *  failure takes down the process.
 *
 *****************************************************************************/

package main

import (
	"context"
	"time"

	"github.com/netsblox/cloud/server/logs"
	"github.com/netsblox/cloud/server/store"
	"golang.org/x/sync/errgroup"
)

const (
	sweepPeriod     = time.Minute
	reconcilePeriod = time.Hour
	// Blobs younger than this are spared: they may belong to an in-flight
	// commit-then-delete sequence.
	reconcileGrace = time.Hour
)

// startWorkers launches the background tasks; they stop when ctx is
// cancelled and the returned group waits for them.
func startWorkers(ctx context.Context) *errgroup.Group {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runPeriodically(ctx, sweepPeriod, sweepTransientProjects)
		return nil
	})
	g.Go(func() error {
		runPeriodically(ctx, reconcilePeriod, reconcileBlobs)
		return nil
	})

	return g
}

func runPeriodically(ctx context.Context, period time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

// sweepTransientProjects deletes Transient projects whose inactivity timer
// elapsed without a reconnect.
func sweepTransientProjects(ctx context.Context) {
	expired, err := store.Projects.Expired(ctx, time.Now().UTC())
	if err != nil {
		logs.Err.Println("sweeper: cannot list expired projects", err)
		return
	}

	for _, metadata := range expired {
		md := metadata
		witness := systemDeleteProject(&md)
		if err := deleteProjectAction(ctx, witness); err != nil {
			logs.Err.Println("sweeper: failed to delete project", md.Id, err)
			continue
		}
		logs.Info.Println("sweeper: deleted transient project", md.Id)
		statsInc("ProjectsSweptTotal", 1)
	}
}

// reconcileBlobs deletes blobs referenced by no metadata. A crash between a
// blob write and the metadata commit leaks the blob; anything older than the
// grace window with no reference is an orphan.
func reconcileBlobs(ctx context.Context) {
	referenced, err := store.Projects.BlobKeys(ctx)
	if err != nil {
		logs.Err.Println("reconciler: cannot list referenced keys", err)
		return
	}
	stored, err := store.Blobs().List(ctx)
	if err != nil {
		logs.Err.Println("reconciler: cannot list stored blobs", err)
		return
	}

	removed := 0
	for _, key := range stored {
		if referenced[key] {
			continue
		}
		if !blobOlderThanGrace(key) {
			continue
		}
		if err := store.Blobs().Delete(ctx, key); err != nil {
			logs.Warn.Println("reconciler: failed to delete orphan", key, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logs.Info.Println("reconciler: removed orphaned blobs:", removed)
		statsInc("BlobsReconciledTotal", removed)
	}
}

// blobOlderThanGrace tracks first sightings of unreferenced keys; a key seen
// unreferenced across two sweeps separated by the grace window is an orphan.
func blobOlderThanGrace(key string) bool {
	now := time.Now()
	if first, ok := globals.orphanSightings[key]; ok {
		return now.Sub(first) >= reconcileGrace
	}
	globals.orphanSightings[key] = now
	return false
}
