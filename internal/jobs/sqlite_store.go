package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/reelsmith/internal/artifact"
	"github.com/jo-hoe/reelsmith/internal/common"
)

// lockStripes bounds the number of mutexes guarding per-job updates.
const lockStripes = 64

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists jobs in a single SQLite table. Mutations run as
// read-modify-write inside an immediate transaction, under a lock striped by job id.
type SQLiteStore struct {
	db    *sql.DB
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access; WAL for concurrent readers.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id                 TEXT PRIMARY KEY,
		topic              TEXT NOT NULL,
		style              TEXT NOT NULL,
		duration_minutes   INTEGER NOT NULL,
		language           TEXT NOT NULL,
		auto_publish       INTEGER NOT NULL DEFAULT 0,
		generate_subtitles INTEGER NOT NULL DEFAULT 0,
		callback_url       TEXT,
		stage              TEXT NOT NULL,
		progress           INTEGER NOT NULL DEFAULT 0,
		script_json        TEXT,
		scenes_json        TEXT,
		artifact_json      TEXT,
		publish_json       TEXT,
		error_message      TEXT,
		cancel_requested   INTEGER NOT NULL DEFAULT 0,
		attempts           INTEGER NOT NULL DEFAULT 0,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		started_at         TEXT,
		finished_at        TEXT,
		processing_seconds REAL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_stage ON jobs(stage);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const jobColumns = `id, topic, style, duration_minutes, language, auto_publish, generate_subtitles, callback_url,
	stage, progress, script_json, scenes_json, artifact_json, publish_json, error_message, cancel_requested,
	attempts, created_at, updated_at, started_at, finished_at, processing_seconds`

func (s *SQLiteStore) Create(ctx context.Context, id string, in Inputs) (*Job, error) {
	job, err := newJob(id, in, s.now())
	if err != nil {
		return nil, err
	}
	var cb *string
	if strings.TrimSpace(in.CallbackURL) != "" {
		v := in.CallbackURL
		cb = &v
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, topic, style, duration_minutes, language, auto_publish, generate_subtitles, callback_url,
			stage, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, in.Topic, in.Style, in.DurationMinutes, in.Language, boolInt(in.AutoPublish), boolInt(in.GenerateSubtitles), cb,
		string(job.Stage), job.Progress, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job.Clone(), nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, stage Stage, progress int) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error { return applyTransition(j, stage, progress, now) })
}

func (s *SQLiteStore) AttachScript(ctx context.Context, id string, script Script) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error { return applyScript(j, script, now) })
}

func (s *SQLiteStore) AttachSceneArtifact(ctx context.Context, id string, sceneIndex int, ref artifact.Ref, seconds float64) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error { return applySceneArtifact(j, sceneIndex, ref, seconds, now) })
}

func (s *SQLiteStore) AttachFinalArtifact(ctx context.Context, id string, ref artifact.Ref) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error { return applyFinalArtifact(j, ref, now) })
}

func (s *SQLiteStore) RecordPublish(ctx context.Context, id string, res PublishResult) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error { return applyPublish(j, res, now) })
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, description string) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error { return applyFailure(j, description, now) })
}

func (s *SQLiteStore) RecordDuration(ctx context.Context, id string, seconds float64) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error { return applyDuration(j, seconds, now) })
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error { return applyCancel(j, now) })
}

func (s *SQLiteStore) MarkAttempt(ctx context.Context, id string) (*Job, error) {
	return s.update(ctx, id, func(j *Job, now time.Time) error { return applyAttempt(j, now) })
}

// ListUnfinished returns ids of all non-terminal jobs, oldest first.
func (s *SQLiteStore) ListUnfinished(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE stage NOT IN (?, ?) ORDER BY created_at ASC`,
		string(StageCompleted), string(StageFailed))
	if err != nil {
		return nil, fmt.Errorf("query unfinished jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unfinished jobs: %w", err)
	}
	return ids, nil
}

// List returns a page of jobs ordered by creation time, optionally restricted to one stage.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Job, int, error) {
	where := ""
	var args []any
	if filter.Stage != "" {
		where = " WHERE stage = ?"
		args = append(args, string(filter.Stage))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		append(args, limit, max(filter.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *SQLiteStore) update(ctx context.Context, id string, fn func(j *Job, now time.Time) error) (*Job, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	job, err := scanJob(conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(job, s.now()); err != nil {
		return nil, err
	}
	if err := writeJob(ctx, conn, job); err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return job, nil
}

func writeJob(ctx context.Context, conn *sql.Conn, j *Job) error {
	scriptJSON, err := marshalNullable(j.Script)
	if err != nil {
		return fmt.Errorf("marshal script: %w", err)
	}
	var scenesJSON *string
	if j.Scenes != nil {
		b, err := json.Marshal(j.Scenes)
		if err != nil {
			return fmt.Errorf("marshal scenes: %w", err)
		}
		v := string(b)
		scenesJSON = &v
	}
	artifactJSON, err := marshalNullable(j.Artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	publishJSON, err := marshalNullable(j.Publish)
	if err != nil {
		return fmt.Errorf("marshal publish: %w", err)
	}
	_, err = conn.ExecContext(ctx, `UPDATE jobs SET
		stage = ?, progress = ?, script_json = ?, scenes_json = ?, artifact_json = ?, publish_json = ?,
		error_message = ?, cancel_requested = ?, attempts = ?, updated_at = ?, started_at = ?, finished_at = ?,
		processing_seconds = ?
		WHERE id = ?`,
		string(j.Stage), j.Progress, scriptJSON, scenesJSON, artifactJSON, publishJSON,
		j.Error, boolInt(j.CancelRequested), j.Attempts, formatTime(j.UpdatedAt), formatTimePtr(j.StartedAt), formatTimePtr(j.FinishedAt),
		j.ProcessingSeconds, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                      Job
		stage, created, updated                  string
		autoPublish, subtitles, cancelRequested  int
		cb, scriptJSON, scenesJSON, artifactJSON sql.NullString
		publishJSON, errMsg, started, finished   sql.NullString
		processing                               sql.NullFloat64
	)
	if err := row.Scan(
		&job.ID,
		&job.Inputs.Topic,
		&job.Inputs.Style,
		&job.Inputs.DurationMinutes,
		&job.Inputs.Language,
		&autoPublish,
		&subtitles,
		&cb,
		&stage,
		&job.Progress,
		&scriptJSON,
		&scenesJSON,
		&artifactJSON,
		&publishJSON,
		&errMsg,
		&cancelRequested,
		&job.Attempts,
		&created,
		&updated,
		&started,
		&finished,
		&processing,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Stage = Stage(stage)
	job.Inputs.AutoPublish = autoPublish != 0
	job.Inputs.GenerateSubtitles = subtitles != 0
	job.CancelRequested = cancelRequested != 0
	if cb.Valid {
		job.Inputs.CallbackURL = cb.String
	}
	if scriptJSON.Valid && scriptJSON.String != "" {
		var sc Script
		if err := json.Unmarshal([]byte(scriptJSON.String), &sc); err != nil {
			return nil, fmt.Errorf("decode script: %w", err)
		}
		job.Script = &sc
	}
	if scenesJSON.Valid && scenesJSON.String != "" {
		if err := json.Unmarshal([]byte(scenesJSON.String), &job.Scenes); err != nil {
			return nil, fmt.Errorf("decode scenes: %w", err)
		}
	}
	if artifactJSON.Valid && artifactJSON.String != "" {
		var ref artifact.Ref
		if err := json.Unmarshal([]byte(artifactJSON.String), &ref); err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		job.Artifact = &ref
	}
	if publishJSON.Valid && publishJSON.String != "" {
		var p PublishResult
		if err := json.Unmarshal([]byte(publishJSON.String), &p); err != nil {
			return nil, fmt.Errorf("decode publish result: %w", err)
		}
		job.Publish = &p
	}
	if errMsg.Valid {
		v := errMsg.String
		job.Error = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		job.UpdatedAt = t
	}
	job.StartedAt = parseTimePtr(started)
	job.FinishedAt = parseTimePtr(finished)
	if processing.Valid {
		v := processing.Float64
		job.ProcessingSeconds = &v
	}
	return &job, nil
}

func marshalNullable[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
