// Package dedup implements the Deduplication Engine (spec component C7):
// images sharing a ContentFingerprint are grouped so only the group's
// representative ever runs through the embedding pipeline; every other
// member's embedding is a write-through copy once the representative's
// inference completes, or immediately if it already has.
//
// The representative-selection and write-through-copy shape is grounded on
// aistore's multi-object copy xaction (tcoFactory/XactTCObjs in
// xact/xs/tcobjs.go): one object acts as the source of truth, and the copy
// fans out to every other named member without re-running the source
// operation. Concurrent fingerprint lookups for the same group are
// coalesced with singleflight.Group, the dependency SPEC_FULL.md wires in
// for exactly this purpose.
package dedup

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// Store is the subset of pkg/catalog.Store the Deduplication Engine needs.
// catalog.Store satisfies this interface; tests substitute a fake.
type Store interface {
	GetImage(ctx context.Context, id int64) (*model.Image, error)
	GetGroup(ctx context.Context, fingerprint model.ContentFingerprint) (*model.ImageGroup, error)
	UpsertGroup(ctx context.Context, g model.ImageGroup) error
	ListGroupMembers(ctx context.Context, fingerprint model.ContentFingerprint) ([]model.Image, error)
	ListGroups(ctx context.Context) ([]model.ImageGroup, error)
	HasEmbeddings(ctx context.Context, imageID int64) (bool, error)
	CopyEmbeddings(ctx context.Context, fromID, toID int64) error
	Enqueue(ctx context.Context, pipeline model.PipelineKind, imageIDs []int64, priority int) (int, error)
	DeleteActiveQueueEntry(ctx context.Context, pipeline model.PipelineKind, imageID int64) error
	ImageExists(ctx context.Context, id int64) (bool, error)
}

// Engine implements the spec §4.7 algorithm on top of a Store.
type Engine struct {
	store Store
	sf    singleflight.Group
}

// New constructs a Deduplication Engine over store.
func New(store Store) *Engine {
	return &Engine{store: store}
}

// OnEnqueueEmbedding is the Queue Manager's hook for every embedding-pipeline
// enqueue request: instead of queuing imageID directly, it routes through
// group membership. Returns whether a queue entry for imageID (or a
// stand-in representative) was inserted or had its priority raised — false
// means the request was satisfied by a write-through copy with no inference
// needed, or the entry was already queued at an equal or higher priority.
func (e *Engine) OnEnqueueEmbedding(ctx context.Context, imageID int64, priority int) (bool, error) {
	img, err := e.store.GetImage(ctx, imageID)
	if err != nil {
		return false, err
	}
	if !img.Fingerprint.Valid() {
		n, err := e.store.Enqueue(ctx, model.PipelineEmbedding, []int64{imageID}, priority)
		return n > 0, err
	}

	v, err, _ := e.sf.Do(string(img.Fingerprint), func() (any, error) {
		return e.addToGroup(ctx, img, priority)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// addToGroup runs under the fingerprint's singleflight key so two images
// discovered to share a fingerprint at the same instant don't race to create
// or recompute the same group.
func (e *Engine) addToGroup(ctx context.Context, img *model.Image, priority int) (bool, error) {
	group, err := e.store.GetGroup(ctx, img.Fingerprint)
	if err != nil {
		return false, err
	}

	if group == nil {
		if err := e.store.UpsertGroup(ctx, model.ImageGroup{
			Fingerprint:           img.Fingerprint,
			RepresentativeImageID: img.ID,
		}); err != nil {
			return false, err
		}
		n, err := e.store.Enqueue(ctx, model.PipelineEmbedding, []int64{img.ID}, priority)
		return n > 0, err
	}

	if group.EmbeddingSourceID != nil {
		has, err := e.store.HasEmbeddings(ctx, *group.EmbeddingSourceID)
		if err != nil {
			return false, err
		}
		if has {
			if err := e.store.CopyEmbeddings(ctx, *group.EmbeddingSourceID, img.ID); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	return e.recomputeRepresentative(ctx, group, priority)
}

// recomputeRepresentative re-derives group's representative over its full
// membership (img is assumed already persisted with group.Fingerprint) and,
// if it changed, swaps the queued embedding entry: the old representative's
// pending claim is dropped and the new one enqueued in its place (spec §4.7
// step 4 — "replacing any prior non-representative entry").
func (e *Engine) recomputeRepresentative(ctx context.Context, group *model.ImageGroup, priority int) (bool, error) {
	members, err := e.store.ListGroupMembers(ctx, group.Fingerprint)
	if err != nil {
		return false, err
	}
	if len(members) == 0 {
		return false, fmt.Errorf("dedup: group %q has no members", group.Fingerprint)
	}

	newRep := representativeOf(members)
	if newRep != group.RepresentativeImageID {
		if err := e.store.DeleteActiveQueueEntry(ctx, model.PipelineEmbedding, group.RepresentativeImageID); err != nil {
			return false, err
		}
		group.RepresentativeImageID = newRep
		if err := e.store.UpsertGroup(ctx, *group); err != nil {
			return false, err
		}
	}

	n, err := e.store.Enqueue(ctx, model.PipelineEmbedding, []int64{newRep}, priority)
	return n > 0, err
}

// representativeOf picks the largest file by size, ties broken by
// lexicographically smallest path (spec §4.7, matching model.ImageGroup's
// doc comment).
func representativeOf(members []model.Image) int64 {
	rep := members[0]
	for _, m := range members[1:] {
		if m.FileSize > rep.FileSize || (m.FileSize == rep.FileSize && m.Path < rep.Path) {
			rep = m
		}
	}
	return rep.ID
}

// OnEmbeddingResult runs after the embedding pipeline writes a result for
// imageID: if imageID is a group representative, its freshly computed
// vectors become the group's embedding source and are propagated by
// write-through copy to every other member, sparing them inference
// entirely (spec §4.7 step 5).
func (e *Engine) OnEmbeddingResult(ctx context.Context, imageID int64, fingerprint model.ContentFingerprint) error {
	if !fingerprint.Valid() {
		return nil
	}
	group, err := e.store.GetGroup(ctx, fingerprint)
	if err != nil {
		return err
	}
	if group == nil || group.RepresentativeImageID != imageID {
		return nil
	}

	group.EmbeddingSourceID = &imageID
	if err := e.store.UpsertGroup(ctx, *group); err != nil {
		return err
	}

	members, err := e.store.ListGroupMembers(ctx, fingerprint)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.ID == imageID {
			continue
		}
		if err := e.store.CopyEmbeddings(ctx, imageID, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// SweepOrphanedRepresentatives scans every group for a representative whose
// catalog row has vanished (the source file was deleted out from under it)
// and reassigns representation to a surviving member, re-enqueuing it for
// inference (spec §4.7's orphan-handling clause). Returns the number of
// groups reassigned. Nothing in this module calls it on a schedule: the
// orchestrator's background sweeps cover claim expiry and captioning idle
// TTL only.
func (e *Engine) SweepOrphanedRepresentatives(ctx context.Context) (int, error) {
	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		return 0, err
	}

	reassigned := 0
	for _, g := range groups {
		exists, err := e.store.ImageExists(ctx, g.RepresentativeImageID)
		if err != nil {
			return reassigned, err
		}
		if exists {
			continue
		}
		group := g
		if err := e.reassignRepresentative(ctx, &group); err != nil {
			return reassigned, err
		}
		reassigned++
	}
	return reassigned, nil
}

// reassignRepresentative picks a new representative from group's surviving
// members (excluding the vanished one) and re-queues it for embedding,
// since the group's embedding source is no longer trustworthy.
func (e *Engine) reassignRepresentative(ctx context.Context, group *model.ImageGroup) error {
	members, err := e.store.ListGroupMembers(ctx, group.Fingerprint)
	if err != nil {
		return err
	}

	survivors := members[:0]
	for _, m := range members {
		if m.ID != group.RepresentativeImageID {
			survivors = append(survivors, m)
		}
	}
	if len(survivors) == 0 {
		return nil
	}

	group.RepresentativeImageID = representativeOf(survivors)
	group.EmbeddingSourceID = nil
	if err := e.store.UpsertGroup(ctx, *group); err != nil {
		return err
	}

	_, err = e.store.Enqueue(ctx, model.PipelineEmbedding, []int64{group.RepresentativeImageID}, 0)
	return err
}
