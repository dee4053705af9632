package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"digest_bot/internal/model"
	"digest_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

var sourceColumns = []string{
	"id", "handle", "title", "cursor", "active", "origin", "removed_reason", "created_at", "updated_at",
}

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertSource inserts a source or refreshes its handle and title.
// Cursor, active flag and removal reason of an existing source are left untouched.
// On return src reflects the stored row.
func (s *SQLite) UpsertSource(ctx context.Context, src *model.Source) error {
	now := time.Now().UTC().Format(timeLayout)
	origin := src.Origin
	if origin == "" {
		origin = model.OriginConfig
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (id, handle, title, cursor, active, origin, removed_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, '', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   handle = COALESCE(NULLIF(excluded.handle, ''), sources.handle),
		   title = CASE WHEN excluded.title != '' THEN excluded.title ELSE sources.title END,
		   updated_at = excluded.updated_at`,
		src.ID, nullString(normalizeHandle(src.Handle)), src.Title, nullInt(src.Cursor), string(origin), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}

	stored, err := s.GetSource(ctx, src.ID)
	if err != nil {
		return err
	}
	*src = *stored
	return nil
}

// GetSource returns a single source by its ID.
func (s *SQLite) GetSource(ctx context.Context, id int64) (*model.Source, error) {
	query, args, err := sq.Select(sourceColumns...).From("sources").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build source query: %w", err)
	}
	return scanSource(s.db.QueryRowContext(ctx, query, args...))
}

// GetSourceByHandle returns a source by its public handle.
func (s *SQLite) GetSourceByHandle(ctx context.Context, handle string) (*model.Source, error) {
	query, args, err := sq.Select(sourceColumns...).From("sources").
		Where(sq.Eq{"handle": normalizeHandle(handle)}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build source query: %w", err)
	}
	return scanSource(s.db.QueryRowContext(ctx, query, args...))
}

// ListSources returns all sources, or only active ones.
func (s *SQLite) ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	q := sq.Select(sourceColumns...).From("sources").OrderBy("id")
	if activeOnly {
		q = q.Where(sq.Eq{"active": 1})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build sources query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// DeactivateSource moves a source into the removed set.
func (s *SQLite) DeactivateSource(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET active = 0, removed_reason = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("deactivate source: %w", err)
	}
	return requireAffected(res, id)
}

// ReactivateSource brings a removed source back into the active set.
func (s *SQLite) ReactivateSource(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET active = 1, removed_reason = '', updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("reactivate source: %w", err)
	}
	return requireAffected(res, id)
}

// GetCursor returns the stored cursor of a source, nil if not yet initialized.
func (s *SQLite) GetCursor(ctx context.Context, sourceID int64) (*int64, error) {
	var cursor sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM sources WHERE id = ?`, sourceID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %d: %w", sourceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	if !cursor.Valid {
		return nil, nil
	}
	v := cursor.Int64
	return &v, nil
}

// SetCursor advances the cursor of a source. Cursors never move backwards,
// so replaying the same value is a no-op.
func (s *SQLite) SetCursor(ctx context.Context, sourceID, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sources SET cursor = ?, updated_at = ?
		 WHERE id = ? AND (cursor IS NULL OR cursor < ?)`,
		seq, time.Now().UTC().Format(timeLayout), sourceID, seq,
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// HasDigest checks whether a content digest has been fingerprinted.
func (s *SQLite) HasDigest(ctx context.Context, digest string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fingerprints WHERE digest = ?`, digest,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check digest: %w", err)
	}
	return count > 0, nil
}

// RecordDigest atomically claims a fingerprint for the identity.
// It returns false when the identity or the digest was already recorded.
func (s *SQLite) RecordDigest(ctx context.Context, digest string, id model.Identity, seenAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fingerprints (origin_source, origin_seq, digest, first_seen)
		 VALUES (?, ?, ?, ?)`,
		id.SourceID, id.Sequence, digest, seenAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// GetFingerprint returns the fingerprint recorded for an identity.
func (s *SQLite) GetFingerprint(ctx context.Context, id model.Identity) (*model.Fingerprint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT digest, first_seen, delivered_message_id, importance, categories, tags, summary
		 FROM fingerprints WHERE origin_source = ? AND origin_seq = ?`,
		id.SourceID, id.Sequence,
	)

	fp := model.Fingerprint{Identity: id}
	var firstSeen string
	var delivered sql.NullInt64
	var importance, categories, tags, summary sql.NullString
	err := row.Scan(&fp.Digest, &firstSeen, &delivered, &importance, &categories, &tags, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan fingerprint: %w", err)
	}
	fp.FirstSeen, _ = time.Parse(timeLayout, firstSeen)
	if delivered.Valid {
		v := delivered.Int64
		fp.DeliveredMessageID = &v
	}
	if importance.Valid {
		fp.Classification = &model.Classification{
			Summary:    summary.String,
			Importance: model.ParseImportance(importance.String),
			Categories: splitList(categories.String),
			Tags:       splitList(tags.String),
		}
		if len(fp.Classification.Categories) > 0 {
			fp.Classification.Category = fp.Classification.Categories[0]
		}
	}
	return &fp, nil
}

// MarkDelivered stores the delivery back-pointer and classification of a fingerprint.
// A nil messageID records the classification of a message that was held back
// and keeps any earlier back-pointer.
func (s *SQLite) MarkDelivered(ctx context.Context, id model.Identity, messageID *int64, cls *model.Classification) error {
	var importance, categories, tags, summary *string
	if cls != nil {
		imp := string(cls.Importance)
		cats := strings.Join(cls.Categories, ",")
		tg := strings.Join(cls.Tags, ",")
		importance, categories, tags, summary = &imp, &cats, &tg, &cls.Summary
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE fingerprints
		 SET delivered_message_id = COALESCE(?, delivered_message_id), importance = ?, categories = ?, tags = ?, summary = ?
		 WHERE origin_source = ? AND origin_seq = ?`,
		messageID, importance, categories, tags, summary, id.SourceID, id.Sequence,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("fingerprint %s: %w", id, ErrNotFound)
	}
	return nil
}

// WindowSnapshot returns all persisted vectors with a timestamp at or after since.
func (s *SQLite) WindowSnapshot(ctx context.Context, since time.Time) ([]model.VectorRecord, error) {
	query, args, err := sq.Select("origin_source", "origin_seq", "kind", "data", "ts").
		From("vectors").
		Where(sq.GtOrEq{"ts": since.UnixMilli()}).
		OrderBy("ts", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build window query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.VectorRecord
	for rows.Next() {
		var rec model.VectorRecord
		var ts int64
		if err := rows.Scan(&rec.Identity.SourceID, &rec.Identity.Sequence, &rec.Kind, &rec.Data, &ts); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendVector persists a window entry.
func (s *SQLite) AppendVector(ctx context.Context, rec model.VectorRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vectors (origin_source, origin_seq, kind, data, ts) VALUES (?, ?, ?, ?, ?)`,
		rec.Identity.SourceID, rec.Identity.Sequence, rec.Kind, rec.Data, rec.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

// PruneVectors deletes window entries older than before.
func (s *SQLite) PruneVectors(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune vectors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Stats counts the records held by the store.
func (s *SQLite) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM sources WHERE active = 1),
		   (SELECT COUNT(*) FROM sources WHERE active = 0),
		   (SELECT COUNT(*) FROM fingerprints),
		   (SELECT COUNT(*) FROM fingerprints WHERE delivered_message_id IS NOT NULL),
		   (SELECT COUNT(*) FROM vectors)`,
	).Scan(&st.ActiveSources, &st.RemovedSources, &st.Fingerprints, &st.Delivered, &st.Vectors)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

func requireAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("source %d: %w", id, ErrNotFound)
	}
	return nil
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var handle sql.NullString
	var cursor sql.NullInt64
	var active int
	var origin, created, updated string
	err := row.Scan(&src.ID, &handle, &src.Title, &cursor, &active, &origin, &src.RemovedReason, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan source: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Handle = handle.String
	if cursor.Valid {
		v := cursor.Int64
		src.Cursor = &v
	}
	src.Active = active == 1
	src.Origin = model.SourceOrigin(origin)
	src.CreatedAt, _ = time.Parse(timeLayout, created)
	src.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &src, nil
}
