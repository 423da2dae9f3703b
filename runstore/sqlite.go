package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, name string, config any) (Run, error) {
	db, err := s.getDB()
	if err != nil {
		return Run{}, err
	}

	run, err := newRun(name, config)
	if err != nil {
		return Run{}, err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, name, created_at, config)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.Name, run.CreatedAt.UnixNano(), []byte(run.Config))
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *SQLiteStore) AppendEpoch(ctx context.Context, runID string, epoch Epoch) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if err := ensureRun(ctx, db, runID); err != nil {
		return fmt.Errorf("append epoch to %s: %w", runID, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO epochs (run_id, epoch, mean_loss, steps)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, epoch) DO UPDATE SET
			mean_loss = excluded.mean_loss,
			steps = excluded.steps
	`, runID, epoch.Epoch, epoch.MeanLoss, epoch.Steps)
	return err
}

func (s *SQLiteStore) SaveEvaluation(ctx context.Context, runID string, eval Evaluation) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if err := ensureRun(ctx, db, runID); err != nil {
		return fmt.Errorf("save evaluation of %s: %w", runID, err)
	}
	if eval.CreatedAt.IsZero() {
		eval.CreatedAt = time.Now().UTC()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO evaluations (run_id, created_at, scenes, min_ade, min_fde, min_ade_std, mean_ade, cv_ade, cv_fde)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, eval.CreatedAt.UnixNano(), eval.Scenes, eval.MinADE, eval.MinFDE, eval.MinADEStd,
		eval.MeanADE, eval.CVADE, eval.CVFDE)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Run{}, false, err
	}

	var (
		run     Run
		created int64
		config  []byte
	)
	err = db.QueryRowContext(ctx, `SELECT id, name, created_at, config FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Name, &created, &config)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, err
	}
	run.CreatedAt = time.Unix(0, created).UTC()
	run.Config = config

	if run.Epochs, err = loadEpochs(ctx, db, id); err != nil {
		return Run{}, false, fmt.Errorf("load epochs of %s: %w", id, err)
	}
	if run.Evaluations, err = loadEvaluations(ctx, db, id); err != nil {
		return Run{}, false, fmt.Errorf("load evaluations of %s: %w", id, err)
	}
	return run, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, name, created_at, config FROM runs ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run     Run
			created int64
			config  []byte
		)
		if err := rows.Scan(&run.ID, &run.Name, &created, &config); err != nil {
			return nil, err
		}
		run.CreatedAt = time.Unix(0, created).UTC()
		run.Config = config
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func ensureRun(ctx context.Context, db *sql.DB, runID string) error {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	return err
}

func loadEpochs(ctx context.Context, db *sql.DB, runID string) ([]Epoch, error) {
	rows, err := db.QueryContext(ctx, `SELECT epoch, mean_loss, steps FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epochs []Epoch
	for rows.Next() {
		var e Epoch
		if err := rows.Scan(&e.Epoch, &e.MeanLoss, &e.Steps); err != nil {
			return nil, err
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

func loadEvaluations(ctx context.Context, db *sql.DB, runID string) ([]Evaluation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT created_at, scenes, min_ade, min_fde, min_ade_std, mean_ade, cv_ade, cv_fde
		FROM evaluations WHERE run_id = ? ORDER BY created_at, rowid
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []Evaluation
	for rows.Next() {
		var (
			ev      Evaluation
			created int64
		)
		if err := rows.Scan(&created, &ev.Scenes, &ev.MinADE, &ev.MinFDE, &ev.MinADEStd,
			&ev.MeanADE, &ev.CVADE, &ev.CVFDE); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.Unix(0, created).UTC()
		evals = append(evals, ev)
	}
	return evals, rows.Err()
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			config BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS epochs (
			run_id TEXT NOT NULL REFERENCES runs(id),
			epoch INTEGER NOT NULL,
			mean_loss REAL NOT NULL,
			steps INTEGER NOT NULL,
			PRIMARY KEY (run_id, epoch)
		);
		CREATE TABLE IF NOT EXISTS evaluations (
			run_id TEXT NOT NULL REFERENCES runs(id),
			created_at INTEGER NOT NULL,
			scenes INTEGER NOT NULL,
			min_ade REAL NOT NULL,
			min_fde REAL NOT NULL,
			min_ade_std REAL NOT NULL,
			mean_ade REAL NOT NULL,
			cv_ade REAL NOT NULL,
			cv_fde REAL NOT NULL
		);
	`)
	return err
}
