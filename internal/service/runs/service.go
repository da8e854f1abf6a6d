// Package runs persists crew kickoffs, their per-task steps, and the uploads they read.
package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gigcrew/internal/logging"
	"gigcrew/internal/models"
	"gigcrew/internal/redis"
)

const (
	runCachePrefix = "run:"
	runCacheTTL    = 30 * time.Minute
	maxListLimit   = 100
)

var ErrRunFinished = errors.New("run already finished")

type Options struct {
	// UploadDir is the root directory for stored uploads.
	UploadDir string
	UploadTTL time.Duration
	Cache     *redis.Client
	Logger    *zap.Logger
}

// Service stores runs, steps and uploads.
type Service struct {
	db        *sql.DB
	cache     *redis.Client
	logger    *zap.Logger
	uploadDir string
	uploadTTL time.Duration
}

func NewService(db *sql.DB, opts Options) *Service {
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = DefaultUploadTTL
	}
	if opts.UploadDir == "" {
		opts.UploadDir = "data/uploads"
	}
	return &Service{
		db:        db,
		cache:     opts.Cache,
		logger:    logging.OrNop(opts.Logger),
		uploadDir: opts.UploadDir,
		uploadTTL: opts.UploadTTL,
	}
}

// CreateRun inserts a pending run and returns it.
func (s *Service) CreateRun(ctx context.Context, clientID int64, crewName, provider, modelName string, inputs map[string]string) (*models.Run, error) {
	if clientID <= 0 {
		return nil, errors.New("client_id is required")
	}
	crewName = strings.TrimSpace(crewName)
	if crewName == "" {
		return nil, errors.New("crew is required")
	}
	if inputs == nil {
		inputs = map[string]string{}
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	now := time.Now().UTC()
	run := &models.Run{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Crew:      crewName,
		Provider:  provider,
		Model:     modelName,
		Inputs:    inputs,
		Status:    models.RunPending,
		CreatedAt: now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, client_id, crew, provider, model, inputs, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, clientID, crewName, provider, modelName, string(encoded), run.Status, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// MarkRunning moves a pending run to running.
func (s *Service) MarkRunning(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		models.RunRunning, runID, models.RunPending,
	)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notOpen(ctx, runID)
	}
	return nil
}

// AppendStep records a finished task of the run.
func (s *Service) AppendStep(ctx context.Context, runID string, seq int, task, agent, output string) (*models.RunStep, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, seq, task, agent, output, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, seq, task, agent, output, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run step: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("run step id: %w", err)
	}
	return &models.RunStep{ID: id, RunID: runID, Seq: seq, Task: task, Agent: agent, Output: output, CreatedAt: now}, nil
}

// CompleteRun stores the final output of a successful run.
func (s *Service) CompleteRun(ctx context.Context, runID, output string) error {
	return s.finish(ctx, runID, models.RunSucceeded, output, "")
}

// FailRun stores the error that stopped a run.
func (s *Service) FailRun(ctx context.Context, runID string, runErr error) error {
	msg := "unknown error"
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.finish(ctx, runID, models.RunFailed, "", msg)
}

// FailOpenRuns fails every pending or running run, e.g. when the server stops before they finish.
func (s *Service) FailOpenRuns(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE status IN (?, ?)`,
		models.RunFailed, reason, time.Now().UTC(), models.RunPending, models.RunRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail open runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Service) finish(ctx context.Context, runID string, status models.RunStatus, output, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, error = ?, finished_at = ? WHERE id = ? AND status IN (?, ?)`,
		status, output, errMsg, now, runID, models.RunPending, models.RunRunning,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notOpen(ctx, runID)
	}
	return nil
}

// notOpen explains why an update to an open run matched nothing.
func (s *Service) notOpen(ctx context.Context, runID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE id = ?)`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("verify run: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	return ErrRunFinished
}

// GetRun returns one run of the client with its steps. Finished runs are served from redis when cached.
func (s *Service) GetRun(ctx context.Context, clientID int64, runID string) (*models.Run, error) {
	if run, ok := s.cachedRun(ctx, runID); ok && run.ClientID == clientID {
		return run, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, crew, provider, model, inputs, status, output, error, created_at, finished_at
		 FROM runs WHERE id = ? AND client_id = ?`,
		runID, clientID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, task, agent, output, created_at FROM run_steps WHERE run_id = ? ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return run, fmt.Errorf("list run steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st models.RunStep
		if err := rows.Scan(&st.ID, &st.RunID, &st.Seq, &st.Task, &st.Agent, &st.Output, &st.CreatedAt); err != nil {
			return run, fmt.Errorf("scan run step: %w", err)
		}
		run.Steps = append(run.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return run, err
	}
	if run.Status == models.RunSucceeded || run.Status == models.RunFailed {
		s.cacheRun(ctx, run)
	}
	return run, nil
}

// ListRuns returns the client's most recent runs without steps.
func (s *Service) ListRuns(ctx context.Context, clientID int64, limit int) ([]models.Run, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, crew, provider, model, inputs, status, output, error, created_at, finished_at
		 FROM runs WHERE client_id = ? ORDER BY created_at DESC LIMIT ?`,
		clientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run of the client along with its steps.
func (s *Service) DeleteRun(ctx context.Context, clientID int64, runID string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("invalid run id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ? AND client_id = ?`, runID, clientID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("run rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_steps WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete run steps: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete run: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, runCachePrefix+runID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*models.Run, error) {
	var (
		run      models.Run
		inputs   string
		output   sql.NullString
		errMsg   sql.NullString
		finished sql.NullTime
	)
	if err := sc.Scan(&run.ID, &run.ClientID, &run.Crew, &run.Provider, &run.Model, &inputs,
		&run.Status, &output, &errMsg, &run.CreatedAt, &finished); err != nil {
		return nil, err
	}
	if inputs != "" {
		if err := json.Unmarshal([]byte(inputs), &run.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
	}
	run.Output = output.String
	run.Error = errMsg.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func (s *Service) cachedRun(ctx context.Context, runID string) (*models.Run, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, runCachePrefix+runID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Debug("run cache read failed", zap.String("run_id", runID), zap.Error(err))
		}
		return nil, false
	}
	var run models.Run
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return nil, false
	}
	return &run, true
}

func (s *Service) cacheRun(ctx context.Context, run *models.Run) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(run)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, runCachePrefix+run.ID, data, runCacheTTL); err != nil {
		s.logger.Debug("run cache write failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}
