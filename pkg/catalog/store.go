// Package catalog implements the CatalogStore adapter (spec component C1):
// the sole facade between the orchestrator and persistent storage for
// queues, the image registry, and per-pipeline result writes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// Store is the CatalogStore adapter. Every method issues its own queries
// directly against pgx — there is no ORM layer between the orchestrator and
// Postgres (pkg/database/client.go dropped ent; see DESIGN.md).
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a connection pool as a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Enqueue inserts (image_id, pipeline) pairs at the given priority,
// idempotent with respect to an existing non-failed entry: if one already
// exists, its priority is raised to max(existing, priority) and enqueued_at
// is preserved. Returns the number of images actually affected (inserted or
// raised).
func (s *Store) Enqueue(ctx context.Context, pipeline model.PipelineKind, imageIDs []int64, priority int) (int, error) {
	if len(imageIDs) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO queue_entry (image_id, pipeline, priority, status)
		SELECT unnest($1::bigint[]), $2, $3, 'pending'
		ON CONFLICT (image_id, pipeline) WHERE status <> 'failed'
		DO UPDATE SET priority = EXCLUDED.priority
		WHERE EXCLUDED.priority > queue_entry.priority
	`, imageIDs, string(pipeline), priority)
	if err != nil {
		return 0, model.NewError(model.KindTransient, "catalog.enqueue", err)
	}
	return int(tag.RowsAffected()), nil
}

// EnqueueFolder expands folder to the image ids under it (recursive: all
// paths with that prefix; non-recursive: direct children only) and enqueues
// them honoring skipAlreadyProcessed against the pipeline's needs_<pipeline>
// flag.
func (s *Store) EnqueueFolder(ctx context.Context, pipeline model.PipelineKind, folder string, recursive bool, priority int, skipAlreadyProcessed bool) (int, error) {
	needsCol := needsColumn(pipeline)
	if needsCol == "" {
		return 0, model.NewError(model.KindBadInput, "catalog.enqueue_folder", fmt.Errorf("unknown pipeline %q", pipeline))
	}

	pattern := folder + "/%"
	var rows pgx.Rows
	var err error
	if recursive {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`SELECT id, %s FROM image WHERE path LIKE $1`, needsCol), pattern)
	} else {
		// Direct children: one more path segment after folder, no further "/".
		rows, err = s.pool.Query(ctx, fmt.Sprintf(
			`SELECT id, %s FROM image WHERE path LIKE $1 AND path NOT LIKE $2`, needsCol,
		), pattern, folder+"/%/%")
	}
	if err != nil {
		return 0, model.NewError(model.KindTransient, "catalog.enqueue_folder", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		var needs *bool
		if err := rows.Scan(&id, &needs); err != nil {
			return 0, model.NewError(model.KindTransient, "catalog.enqueue_folder", err)
		}
		if model.ShouldEnqueue(needs, skipAlreadyProcessed) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, model.NewError(model.KindTransient, "catalog.enqueue_folder", err)
	}

	return s.Enqueue(ctx, pipeline, ids, priority)
}

func needsColumn(p model.PipelineKind) string {
	switch p {
	case model.PipelineTagging:
		return "needs_tagging"
	case model.PipelineCaptioning:
		return "needs_captioning"
	case model.PipelineEmbedding:
		return "needs_embedding"
	case model.PipelineFaceDetection:
		return "needs_face_detection"
	default:
		return ""
	}
}

// ClaimBatch atomically selects up to max highest-priority pending entries
// for pipeline, marks them claimed under workerID, and sets their
// claim_expires_at. Grounded on the teacher's FOR UPDATE SKIP LOCKED claim
// pattern (pkg/queue/worker.go claimNextSession), generalized from a
// single-row claim to a batch.
func (s *Store) ClaimBatch(ctx context.Context, pipeline model.PipelineKind, workerID string, max int, claimTTL time.Duration) ([]model.QueueEntry, error) {
	if max <= 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.claim_batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, image_id, pipeline, priority, enqueued_at, attempt_count
		FROM queue_entry
		WHERE pipeline = $1 AND status = 'pending'
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, string(pipeline), max)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.claim_batch", err)
	}

	var ids []int64
	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var pl string
		if err := rows.Scan(&e.ID, &e.ImageID, &pl, &e.Priority, &e.EnqueuedAt, &e.AttemptCount); err != nil {
			rows.Close()
			return nil, model.NewError(model.KindTransient, "catalog.claim_batch", err)
		}
		e.Pipeline = model.PipelineKind(pl)
		ids = append(ids, e.ID)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.claim_batch", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	expiresAt := time.Now().Add(claimTTL)
	if _, err := tx.Exec(ctx, `
		UPDATE queue_entry
		SET status = 'claimed', claim_token = $1, claim_expires_at = $2
		WHERE id = ANY($3::bigint[])
	`, workerID, expiresAt, ids); err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.claim_batch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.claim_batch", err)
	}

	for i := range entries {
		entries[i].Status = model.QueueStatusClaimed
		entries[i].ClaimToken = workerID
		ea := expiresAt
		entries[i].ClaimExpiresAt = &ea
	}
	return entries, nil
}

// Ack deletes successfully processed entries.
func (s *Store) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue_entry WHERE id = ANY($1::bigint[])`, ids); err != nil {
		return model.NewError(model.KindTransient, "catalog.ack", err)
	}
	return nil
}

// Fail processes entry failures. Retriable entries return to pending with
// attempt_count incremented, moving to Failed once attempt_count reaches
// maxAttempts. Non-retriable entries move to Failed immediately.
func (s *Store) Fail(ctx context.Context, ids []int64, retriable bool, maxAttempts int) error {
	if len(ids) == 0 {
		return nil
	}

	if !retriable {
		_, err := s.pool.Exec(ctx, `
			UPDATE queue_entry SET status = 'failed', claim_token = NULL, claim_expires_at = NULL
			WHERE id = ANY($1::bigint[])
		`, ids)
		if err != nil {
			return model.NewError(model.KindTransient, "catalog.fail", err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entry
		SET attempt_count = attempt_count + 1,
		    claim_token = NULL,
		    claim_expires_at = NULL,
		    status = CASE WHEN attempt_count + 1 >= $2 THEN 'failed' ELSE 'pending' END
		WHERE id = ANY($1::bigint[])
	`, ids, maxAttempts)
	if err != nil {
		return model.NewError(model.KindTransient, "catalog.fail", err)
	}
	return nil
}

// ReleaseExpiredClaims returns expired claimed entries to pending,
// attempt_count unchanged — the fail-safe the spec assigns to claim_ttl
// when a worker hangs past its heartbeat.
func (s *Store) ReleaseExpiredClaims(ctx context.Context, pipeline model.PipelineKind) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entry
		SET status = 'pending', claim_token = NULL, claim_expires_at = NULL
		WHERE pipeline = $1 AND status = 'claimed' AND claim_expires_at < now()
	`, string(pipeline))
	if err != nil {
		return 0, model.NewError(model.KindTransient, "catalog.release_expired_claims", err)
	}
	return int(tag.RowsAffected()), nil
}

// Clear deletes all entries for pipeline (Failed rows retained for audit —
// spec §4.1).
func (s *Store) Clear(ctx context.Context, pipeline model.PipelineKind) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue_entry WHERE pipeline = $1 AND status <> 'failed'`, string(pipeline)); err != nil {
		return model.NewError(model.KindTransient, "catalog.clear", err)
	}
	return nil
}

// ClearAll deletes all non-failed entries across every pipeline.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue_entry WHERE status <> 'failed'`); err != nil {
		return model.NewError(model.KindTransient, "catalog.clear_all", err)
	}
	return nil
}

// MarkNeeds sets the needs_<pipeline> flag for the given images — the
// authoritative "still requires processing" bit skip logic consults.
func (s *Store) MarkNeeds(ctx context.Context, pipeline model.PipelineKind, imageIDs []int64, value bool) error {
	col := needsColumn(pipeline)
	if col == "" {
		return model.NewError(model.KindBadInput, "catalog.mark_needs", fmt.Errorf("unknown pipeline %q", pipeline))
	}
	if len(imageIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE image SET %s = $1 WHERE id = ANY($2::bigint[])`, col), value, imageIDs); err != nil {
		return model.NewError(model.KindTransient, "catalog.mark_needs", err)
	}
	return nil
}

// ListImagesNeeding returns up to limit image ids still flagged as needing
// pipeline but not presently queued — the fallback work source a worker
// consults when its queue has drained (spec §4.4).
func (s *Store) ListImagesNeeding(ctx context.Context, pipeline model.PipelineKind, limit int) ([]int64, error) {
	col := needsColumn(pipeline)
	if col == "" {
		return nil, model.NewError(model.KindBadInput, "catalog.list_images_needing", fmt.Errorf("unknown pipeline %q", pipeline))
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT i.id FROM image i
		WHERE (i.%s IS NULL OR i.%s = true)
		AND NOT EXISTS (SELECT 1 FROM queue_entry q WHERE q.image_id = i.id AND q.pipeline = $1 AND q.status <> 'failed')
		LIMIT $2
	`, col, col), string(pipeline), limit)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.list_images_needing", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, model.NewError(model.KindTransient, "catalog.list_images_needing", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WriteResult persists the inference output a ResultWrite carries, writing
// the pipeline-appropriate table(s) and clearing the corresponding
// needs_<pipeline> flag in the same transaction.
func (s *Store) WriteResult(ctx context.Context, pipeline model.PipelineKind, r model.ResultWrite) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.NewError(model.KindTransient, "catalog.write_result", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	switch pipeline {
	case model.PipelineTagging:
		if _, err := tx.Exec(ctx, `DELETE FROM image_tag WHERE image_id = $1`, r.ImageID); err != nil {
			return model.NewError(model.KindTransient, "catalog.write_result", err)
		}
		for _, t := range r.TagList {
			if _, err := tx.Exec(ctx,
				`INSERT INTO image_tag (image_id, tag, confidence, source) VALUES ($1, $2, $3, $4)`,
				r.ImageID, t.Tag, t.Confidence, t.Source,
			); err != nil {
				return model.NewError(model.KindTransient, "catalog.write_result", err)
			}
		}
	case model.PipelineCaptioning:
		if r.Caption == nil {
			return model.NewError(model.KindBadInput, "catalog.write_result", errors.New("caption result missing"))
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO image_caption (image_id, text, source, prompt, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (image_id) DO UPDATE SET text = EXCLUDED.text, source = EXCLUDED.source, prompt = EXCLUDED.prompt, updated_at = now()
		`, r.ImageID, r.Caption.Text, r.Caption.Source, r.Caption.Prompt); err != nil {
			return model.NewError(model.KindTransient, "catalog.write_result", err)
		}
	case model.PipelineEmbedding:
		for name, vec := range r.Vectors {
			var sourceID any
			if r.SourceID != 0 {
				sourceID = r.SourceID
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO image_embedding (image_id, name, vector, source_id)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (image_id, name) DO UPDATE SET vector = EXCLUDED.vector, source_id = EXCLUDED.source_id
			`, r.ImageID, name, vec, sourceID); err != nil {
				return model.NewError(model.KindTransient, "catalog.write_result", err)
			}
		}
	case model.PipelineFaceDetection:
		if _, err := tx.Exec(ctx, `DELETE FROM image_face WHERE image_id = $1`, r.ImageID); err != nil {
			return model.NewError(model.KindTransient, "catalog.write_result", err)
		}
		for _, f := range r.Faces {
			if _, err := tx.Exec(ctx,
				`INSERT INTO image_face (image_id, bbox, quality, crop, embedding, group_id) VALUES ($1, $2, $3, $4, $5, $6)`,
				r.ImageID, f.BoundingBox[:], f.Quality, f.Crop, f.Embedding[:], f.GroupID,
			); err != nil {
				return model.NewError(model.KindTransient, "catalog.write_result", err)
			}
		}
	default:
		return model.NewError(model.KindBadInput, "catalog.write_result", fmt.Errorf("unknown pipeline %q", pipeline))
	}

	col := needsColumn(pipeline)
	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE image SET %s = false WHERE id = $1`, col), r.ImageID); err != nil {
		return model.NewError(model.KindTransient, "catalog.write_result", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.NewError(model.KindTransient, "catalog.write_result", err)
	}
	return nil
}

// GetImage fetches a single image row by id.
func (s *Store) GetImage(ctx context.Context, id int64) (*model.Image, error) {
	var img model.Image
	var fp *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, path, file_size, fingerprint, needs_tagging, needs_captioning, needs_embedding, needs_face_detection
		FROM image WHERE id = $1
	`, id).Scan(&img.ID, &img.Path, &img.FileSize, &fp, &img.NeedsTagging, &img.NeedsCaptioning, &img.NeedsEmbedding, &img.NeedsFaceDetection)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.NewError(model.KindBadInput, "catalog.get_image", model.ErrNotFound)
		}
		return nil, model.NewError(model.KindTransient, "catalog.get_image", err)
	}
	if fp != nil {
		img.Fingerprint = model.ContentFingerprint(*fp)
	}
	return &img, nil
}

// GetCaption returns the current caption for imageID, or nil if none has
// been written yet. Used by the Captioning pipeline's prompt builder in
// Append/Refine mode (spec §4.2).
func (s *Store) GetCaption(ctx context.Context, imageID int64) (*model.CaptionResult, error) {
	var c model.CaptionResult
	err := s.pool.QueryRow(ctx, `
		SELECT text, source, prompt FROM image_caption WHERE image_id = $1
	`, imageID).Scan(&c.Text, &c.Source, &c.Prompt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, model.NewError(model.KindTransient, "catalog.get_caption", err)
	}
	return &c, nil
}

// ResolvePath returns the image_id for path, inserting a new catalog row
// (with every needs_* flag set) if one doesn't already exist. Used by the
// filesystem watcher and the process_image webhook (spec §6) to turn a
// freshly observed file into an enqueueable image_id.
func (s *Store) ResolvePath(ctx context.Context, path string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT id FROM image WHERE path = $1`, path).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, model.NewError(model.KindTransient, "catalog.resolve_path", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO image (path, file_size, needs_tagging, needs_captioning, needs_embedding, needs_face_detection)
		VALUES ($1, 0, true, true, true, true)
		ON CONFLICT (path) DO UPDATE SET path = EXCLUDED.path
		RETURNING id
	`, path).Scan(&id)
	if err != nil {
		return 0, model.NewError(model.KindTransient, "catalog.resolve_path", err)
	}
	return id, nil
}

// GetGroup fetches the ImageGroup for fingerprint, if one exists.
func (s *Store) GetGroup(ctx context.Context, fingerprint model.ContentFingerprint) (*model.ImageGroup, error) {
	var g model.ImageGroup
	err := s.pool.QueryRow(ctx, `
		SELECT fingerprint, representative_image_id, embedding_source_id FROM image_group WHERE fingerprint = $1
	`, string(fingerprint)).Scan(&g.Fingerprint, &g.RepresentativeImageID, &g.EmbeddingSourceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, model.NewError(model.KindTransient, "catalog.get_group", err)
	}
	return &g, nil
}

// FindByFingerprint returns the group for fingerprint, or nil if no group
// exists yet.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint model.ContentFingerprint) (*model.ImageGroup, error) {
	return s.GetGroup(ctx, fingerprint)
}

// RepresentativeOf returns the representative image id for a group.
func (s *Store) RepresentativeOf(ctx context.Context, fingerprint model.ContentFingerprint) (int64, error) {
	g, err := s.GetGroup(ctx, fingerprint)
	if err != nil {
		return 0, err
	}
	if g == nil {
		return 0, model.NewError(model.KindBadInput, "catalog.representative_of", model.ErrNotFound)
	}
	return g.RepresentativeImageID, nil
}

// GetPersonalEmbeddingNames returns the distinct embedding vector names
// present in the catalog (e.g. per-person face-recognition embedding sets),
// used by the Embedding pipeline to know which named vectors to produce.
func (s *Store) GetPersonalEmbeddingNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT name FROM image_embedding ORDER BY name`)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.get_personal_embedding_names", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, model.NewError(model.KindTransient, "catalog.get_personal_embedding_names", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// UpsertGroup inserts or updates the ImageGroup row for fingerprint.
func (s *Store) UpsertGroup(ctx context.Context, g model.ImageGroup) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO image_group (fingerprint, representative_image_id, embedding_source_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET representative_image_id = EXCLUDED.representative_image_id, embedding_source_id = EXCLUDED.embedding_source_id
	`, string(g.Fingerprint), g.RepresentativeImageID, g.EmbeddingSourceID)
	if err != nil {
		return model.NewError(model.KindTransient, "catalog.upsert_group", err)
	}
	return nil
}

// ListGroupMembers returns every image sharing fingerprint, the Deduplication
// Engine's view of one ImageGroup's membership (the catalog does not
// materialize a separate membership table — group membership is implied by
// image.fingerprint).
func (s *Store) ListGroupMembers(ctx context.Context, fingerprint model.ContentFingerprint) ([]model.Image, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, path, file_size, fingerprint, needs_tagging, needs_captioning, needs_embedding, needs_face_detection
		FROM image WHERE fingerprint = $1
	`, string(fingerprint))
	if err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.list_group_members", err)
	}
	defer rows.Close()

	var images []model.Image
	for rows.Next() {
		var img model.Image
		var fp *string
		if err := rows.Scan(&img.ID, &img.Path, &img.FileSize, &fp, &img.NeedsTagging, &img.NeedsCaptioning, &img.NeedsEmbedding, &img.NeedsFaceDetection); err != nil {
			return nil, model.NewError(model.KindTransient, "catalog.list_group_members", err)
		}
		if fp != nil {
			img.Fingerprint = model.ContentFingerprint(*fp)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// ImageExists reports whether id still has a catalog row — the Deduplication
// Engine's check for "representative file was deleted" (spec §4.7's orphan
// handling).
func (s *Store) ImageExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM image WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, model.NewError(model.KindTransient, "catalog.image_exists", err)
	}
	return exists, nil
}

// HasEmbeddings reports whether imageID already has at least one named
// embedding vector stored.
func (s *Store) HasEmbeddings(ctx context.Context, imageID int64) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM image_embedding WHERE image_id = $1)`, imageID).Scan(&exists); err != nil {
		return false, model.NewError(model.KindTransient, "catalog.has_embeddings", err)
	}
	return exists, nil
}

// CopyEmbeddings write-through copies every named vector from fromID to
// toID, tagging each with source_id = fromID, and clears toID's
// needs_embedding flag — the spec §4.7 dedup write-through path, used both
// when a new group member matches an already-inferred representative and
// when propagating a freshly-inferred representative to its siblings.
func (s *Store) CopyEmbeddings(ctx context.Context, fromID, toID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.NewError(model.KindTransient, "catalog.copy_embeddings", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO image_embedding (image_id, name, vector, source_id)
		SELECT $2, name, vector, $1 FROM image_embedding WHERE image_id = $1
		ON CONFLICT (image_id, name) DO UPDATE SET vector = EXCLUDED.vector, source_id = EXCLUDED.source_id
	`, fromID, toID); err != nil {
		return model.NewError(model.KindTransient, "catalog.copy_embeddings", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE image SET needs_embedding = false WHERE id = $1`, toID); err != nil {
		return model.NewError(model.KindTransient, "catalog.copy_embeddings", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.NewError(model.KindTransient, "catalog.copy_embeddings", err)
	}
	return nil
}

// DeleteActiveQueueEntry removes imageID's non-failed queue_entry for
// pipeline, if one exists — used to replace a non-representative's queued
// embedding entry with the representative's (spec §4.7 step 4).
func (s *Store) DeleteActiveQueueEntry(ctx context.Context, pipeline model.PipelineKind, imageID int64) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM queue_entry WHERE image_id = $1 AND pipeline = $2 AND status <> 'failed'
	`, imageID, string(pipeline)); err != nil {
		return model.NewError(model.KindTransient, "catalog.delete_active_queue_entry", err)
	}
	return nil
}

// ListGroups returns every ImageGroup in the catalog — used by the
// Deduplication Engine's orphan sweep (spec §4.7).
func (s *Store) ListGroups(ctx context.Context) ([]model.ImageGroup, error) {
	rows, err := s.pool.Query(ctx, `SELECT fingerprint, representative_image_id, embedding_source_id FROM image_group`)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.list_groups", err)
	}
	defer rows.Close()

	var groups []model.ImageGroup
	for rows.Next() {
		var g model.ImageGroup
		if err := rows.Scan(&g.Fingerprint, &g.RepresentativeImageID, &g.EmbeddingSourceID); err != nil {
			return nil, model.NewError(model.KindTransient, "catalog.list_groups", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ReleaseExpiredClaimsAll sweeps every pipeline in one call, used by the
// orchestrator's periodic sweep goroutine (spec §4.2's 30s cadence).
func (s *Store) ReleaseExpiredClaimsAll(ctx context.Context) (int, error) {
	total := 0
	for _, p := range model.AllPipelines {
		n, err := s.ReleaseExpiredClaims(ctx, p)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		slog.Info("released expired claims", "count", total)
	}
	return total, nil
}

// QueueDepth returns the number of Pending entries for pipeline — the
// orchestrator's drain-detection input alongside ActiveClaims.
func (s *Store) QueueDepth(ctx context.Context, pipeline model.PipelineKind) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_entry WHERE pipeline = $1 AND status = 'pending'`,
		string(pipeline),
	).Scan(&n); err != nil {
		return 0, model.NewError(model.KindTransient, "catalog.queue_depth", err)
	}
	return n, nil
}

// ActiveClaims returns the number of Claimed entries for pipeline, expired
// or not — a non-zero count means a worker is (or was) mid-batch.
func (s *Store) ActiveClaims(ctx context.Context, pipeline model.PipelineKind) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_entry WHERE pipeline = $1 AND status = 'claimed'`,
		string(pipeline),
	).Scan(&n); err != nil {
		return 0, model.NewError(model.KindTransient, "catalog.active_claims", err)
	}
	return n, nil
}

// EnqueueAndClaim atomically enqueues imageIDs at priority (skipping any
// already non-failed-queued) and immediately claims whichever of them are
// Pending under workerID — the worker loop's fallback helper (spec §4.5)
// for pulling need-flagged background work straight into a claimed batch
// without a second worker racing to grab it first.
func (s *Store) EnqueueAndClaim(ctx context.Context, pipeline model.PipelineKind, workerID string, imageIDs []int64, priority int, claimTTL time.Duration) ([]model.QueueEntry, error) {
	if len(imageIDs) == 0 {
		return nil, nil
	}
	if _, err := s.Enqueue(ctx, pipeline, imageIDs, priority); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.enqueue_and_claim", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, image_id, pipeline, priority, enqueued_at, attempt_count
		FROM queue_entry
		WHERE pipeline = $1 AND status = 'pending' AND image_id = ANY($2::bigint[])
		FOR UPDATE SKIP LOCKED
	`, string(pipeline), imageIDs)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.enqueue_and_claim", err)
	}

	var ids []int64
	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var pl string
		if err := rows.Scan(&e.ID, &e.ImageID, &pl, &e.Priority, &e.EnqueuedAt, &e.AttemptCount); err != nil {
			rows.Close()
			return nil, model.NewError(model.KindTransient, "catalog.enqueue_and_claim", err)
		}
		e.Pipeline = model.PipelineKind(pl)
		ids = append(ids, e.ID)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.enqueue_and_claim", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	expiresAt := time.Now().Add(claimTTL)
	if _, err := tx.Exec(ctx, `
		UPDATE queue_entry SET status = 'claimed', claim_token = $1, claim_expires_at = $2
		WHERE id = ANY($3::bigint[])
	`, workerID, expiresAt, ids); err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.enqueue_and_claim", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.enqueue_and_claim", err)
	}

	for i := range entries {
		entries[i].Status = model.QueueStatusClaimed
		entries[i].ClaimToken = workerID
		ea := expiresAt
		entries[i].ClaimExpiresAt = &ea
	}
	return entries, nil
}

// ListFailed returns Failed entries for pipeline, most recent first, for
// the "list failures on demand" surface (spec §7).
func (s *Store) ListFailed(ctx context.Context, pipeline model.PipelineKind, limit int) ([]model.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, image_id, pipeline, priority, enqueued_at, attempt_count
		FROM queue_entry WHERE pipeline = $1 AND status = 'failed'
		ORDER BY enqueued_at DESC LIMIT $2
	`, string(pipeline), limit)
	if err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.list_failed", err)
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var pl string
		if err := rows.Scan(&e.ID, &e.ImageID, &pl, &e.Priority, &e.EnqueuedAt, &e.AttemptCount); err != nil {
			return nil, model.NewError(model.KindTransient, "catalog.list_failed", err)
		}
		e.Pipeline = model.PipelineKind(pl)
		e.Status = model.QueueStatusFailed
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReleaseClaim returns entries to Pending without incrementing attempt_count
// — the Cancelled-kind path (spec §7): Pause/Stop interrupting in-flight
// work must not count against the entry's retry budget.
func (s *Store) ReleaseClaim(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE queue_entry SET status = 'pending', claim_token = NULL, claim_expires_at = NULL
		WHERE id = ANY($1::bigint[])
	`, ids); err != nil {
		return model.NewError(model.KindTransient, "catalog.release_claim", err)
	}
	return nil
}

// Requeue resets a Failed entry back to Pending with attempt_count zeroed —
// the user-initiated manual re-queue spec §7 describes.
func (s *Store) Requeue(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE queue_entry SET status = 'pending', attempt_count = 0, claim_token = NULL, claim_expires_at = NULL
		WHERE id = ANY($1::bigint[]) AND status = 'failed'
	`, ids); err != nil {
		return model.NewError(model.KindTransient, "catalog.requeue", err)
	}
	return nil
}

// GetSnapshot loads the WorkerSnapshot for pipeline, creating a default
// Stopped snapshot on first access (worker_snapshot is seeded empty by the
// schema migration; the orchestrator owns the row from here on).
func (s *Store) GetSnapshot(ctx context.Context, pipeline model.PipelineKind) (*model.WorkerSnapshot, error) {
	var snap model.WorkerSnapshot
	var desired string
	err := s.pool.QueryRow(ctx, `
		SELECT pipeline, desired_state, last_changed_at, processed, failed, skipped, total_enqueued
		FROM worker_snapshot WHERE pipeline = $1
	`, string(pipeline)).Scan(&snap.Pipeline, &desired, &snap.LastChangedAt, &snap.Processed, &snap.Failed, &snap.Skipped, &snap.TotalEverEnqueued)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.createDefaultSnapshot(ctx, pipeline)
		}
		return nil, model.NewError(model.KindTransient, "catalog.get_snapshot", err)
	}
	snap.DesiredState = model.DesiredState(desired)
	return &snap, nil
}

func (s *Store) createDefaultSnapshot(ctx context.Context, pipeline model.PipelineKind) (*model.WorkerSnapshot, error) {
	now := time.Now()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO worker_snapshot (pipeline, desired_state, last_changed_at)
		VALUES ($1, 'stopped', $2)
		ON CONFLICT (pipeline) DO NOTHING
	`, string(pipeline), now); err != nil {
		return nil, model.NewError(model.KindTransient, "catalog.get_snapshot", err)
	}
	return &model.WorkerSnapshot{Pipeline: pipeline, DesiredState: model.DesiredStateStopped, LastChangedAt: now}, nil
}

// ListSnapshots loads every pipeline's WorkerSnapshot, for the orchestrator's
// restore-on-startup pass.
func (s *Store) ListSnapshots(ctx context.Context) (map[model.PipelineKind]*model.WorkerSnapshot, error) {
	out := make(map[model.PipelineKind]*model.WorkerSnapshot, len(model.AllPipelines))
	for _, p := range model.AllPipelines {
		snap, err := s.GetSnapshot(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = snap
	}
	return out, nil
}

// SetDesiredState journals a lifecycle transition to worker_snapshot —
// every Start/Pause/Stop call goes through here so a restart can restore
// the same desired state (spec §4.8).
func (s *Store) SetDesiredState(ctx context.Context, pipeline model.PipelineKind, desired model.DesiredState) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO worker_snapshot (pipeline, desired_state, last_changed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (pipeline) DO UPDATE SET desired_state = EXCLUDED.desired_state, last_changed_at = now()
	`, string(pipeline), string(desired)); err != nil {
		return model.NewError(model.KindTransient, "catalog.set_desired_state", err)
	}
	return nil
}

// IncrementCounters adds processed/failed/skipped deltas to pipeline's
// WorkerSnapshot in a single statement — called once per worker batch
// rather than per image, to keep write volume proportional to batches.
func (s *Store) IncrementCounters(ctx context.Context, pipeline model.PipelineKind, processed, failed, skipped int64) error {
	if processed == 0 && failed == 0 && skipped == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE worker_snapshot
		SET processed = processed + $2, failed = failed + $3, skipped = skipped + $4,
		    total_enqueued = total_enqueued + $2 + $3 + $4
		WHERE pipeline = $1
	`, string(pipeline), processed, failed, skipped); err != nil {
		return model.NewError(model.KindTransient, "catalog.increment_counters", err)
	}
	return nil
}
