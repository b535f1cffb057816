package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Repository, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.WithHint(errors.New("sqlite path is required"), "set storage.path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create storage dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return errors.Wrap(err, "migrate")
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveJob(ctx context.Context, j *job.Job) error {
	if j == nil {
		return nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, status, parent_id, next_run_at, created_at, updated_at, data)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, status=excluded.status, parent_id=excluded.parent_id,
		   next_run_at=excluded.next_run_at, updated_at=excluded.updated_at, data=excluded.data`,
		j.ID, j.Name, string(j.Status), nullStr(j.ParentID), nullTime(j.NextRunAt),
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt), string(data),
	)
	return errors.Wrapf(err, "save job %s", j.ID)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*job.Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(data)
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]*job.Job, error) {
	return s.queryJobs(ctx, `SELECT data FROM jobs ORDER BY created_at, id`)
}

func (s *sqliteStore) LoadPendingJobs(ctx context.Context) ([]*job.Job, error) {
	return s.queryJobs(ctx,
		`SELECT data FROM jobs WHERE status IN (?,?,?,?) ORDER BY created_at, id`,
		string(job.StatusActive), string(job.StatusPaused), string(job.StatusCooldown), string(job.StatusRunning),
	)
}

func (s *sqliteStore) queryJobs(ctx context.Context, q string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		j, err := decodeJob(data)
		if err != nil {
			s.log.Warn("storage.job_undecodable", logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobStatus rewrites the status columns and the stored document in one
// transaction.
func (s *sqliteStore) UpdateJobStatus(ctx context.Context, id string, status job.Status, nextRunAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(id)
	}
	if err != nil {
		return err
	}
	j, err := decodeJob(data)
	if err != nil {
		return err
	}
	j.Status = status
	j.NextRunAt = nextRunAt
	j.UpdatedAt = time.Now()
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, next_run_at = ?, updated_at = ?, data = ? WHERE id = ?`,
		string(status), nullTime(nextRunAt), fmtTime(j.UpdatedAt), string(b), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendExecutionResult(ctx context.Context, jobID string, a job.ExecutionAttempt) error {
	var in, out, cache, cost, model any
	if u := a.Usage; u != nil {
		in, out, cache, cost, model = u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CostUSD, nullStr(u.Model)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(job_id, attempt, started_at, completed_at, outcome, output, error, resume_at,
		   duration_ms, input_tokens, output_tokens, cache_read_tokens, cost_usd, model)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		jobID, a.AttemptNumber, nullTime(a.StartedAt), nullTime(a.CompletedAt), string(a.Outcome.Kind),
		nullStr(a.Outcome.Output), nullStr(a.Outcome.Error), nullTime(a.Outcome.ResumeAt),
		a.Duration.Milliseconds(), in, out, cache, cost, model,
	)
	return errors.Wrapf(err, "append execution for %s", jobID)
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]job.ExecutionAttempt, error) {
	q := `SELECT attempt, started_at, completed_at, outcome, output, error, resume_at, duration_ms,
	        input_tokens, output_tokens, cache_read_tokens, cost_usd, model
	      FROM executions WHERE job_id = ? ORDER BY id DESC`
	args := []any{jobID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.ExecutionAttempt
	for rows.Next() {
		var (
			a                          job.ExecutionAttempt
			started, completed, resume sql.NullString
			output, errMsg, model      sql.NullString
			kind                       string
			durMS                      int64
			inTok, outTok, cacheTok    sql.NullInt64
			cost                       sql.NullFloat64
		)
		if err := rows.Scan(&a.AttemptNumber, &started, &completed, &kind, &output, &errMsg, &resume, &durMS,
			&inTok, &outTok, &cacheTok, &cost, &model); err != nil {
			return nil, err
		}
		a.JobID = jobID
		a.StartedAt = parseTime(started)
		a.CompletedAt = parseTime(completed)
		a.Outcome = job.Outcome{
			Kind:     job.OutcomeKind(kind),
			Output:   output.String,
			Error:    errMsg.String,
			ResumeAt: parseTime(resume),
		}
		a.Duration = time.Duration(durMS) * time.Millisecond
		if inTok.Valid || outTok.Valid || cost.Valid {
			a.Usage = &job.Usage{
				InputTokens:     inTok.Int64,
				OutputTokens:    outTok.Int64,
				CacheReadTokens: cacheTok.Int64,
				CostUSD:         cost.Float64,
				Model:           model.String,
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SavePrompt(ctx context.Context, p Prompt) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errors.New("prompt name is required")
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts(name, content, description, created_at, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET content=excluded.content, description=excluded.description,
		   updated_at=excluded.updated_at`,
		p.Name, p.Content, nullStr(p.Description), fmtTime(p.CreatedAt), fmtTime(now),
	)
	return errors.Wrapf(err, "save prompt %s", p.Name)
}

func (s *sqliteStore) GetPrompt(ctx context.Context, name string) (Prompt, error) {
	name = strings.TrimSpace(name)
	rows, err := s.queryPrompts(ctx, `WHERE name = ?`, name)
	if err != nil {
		return Prompt{}, err
	}
	if len(rows) == 0 {
		return Prompt{}, promptNotFound(name)
	}
	return rows[0], nil
}

func (s *sqliteStore) ListPrompts(ctx context.Context) ([]Prompt, error) {
	return s.queryPrompts(ctx, `ORDER BY name`)
}

func (s *sqliteStore) queryPrompts(ctx context.Context, tail string, args ...any) ([]Prompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, content, description, created_at, updated_at FROM prompts `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Prompt
	for rows.Next() {
		var (
			p                Prompt
			desc             sql.NullString
			created, updated sql.NullString
		)
		if err := rows.Scan(&p.Name, &p.Content, &desc, &created, &updated); err != nil {
			return nil, err
		}
		p.Description = desc.String
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodeJob(data string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, errors.Wrap(err, "decode job")
	}
	return &j, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
