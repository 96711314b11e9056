package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers as "sqlite"
)

var ErrNotFound = errors.New("snapshot not found")

// Summary describes a stored snapshot without its values.
type Summary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Configuration string    `json:"configuration"`
	Comment       string    `json:"comment"`
	CreatedAt     time.Time `json:"created_at"`
	Records       int       `json:"records"`
}

// Snapshot is a stored document.
type Snapshot struct {
	Summary
	Document Document `json:"-"`
}

// Store keeps named snapshots and the live value history in SQLite.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens or creates the database at path and migrates it.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("snapshot: store opened", slog.String("db_path", path))
	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save stores doc under name and returns its summary.
func (s *Store) Save(ctx context.Context, name string, doc Document) (Summary, error) {
	if name == "" {
		return Summary{}, errors.New("snapshot: empty name")
	}
	if doc.Version == "" {
		doc.Version = FormatVersion
	}
	sum := Summary{
		ID:            uuid.NewString(),
		Name:          name,
		Configuration: doc.Configuration,
		Comment:       doc.MachineState.Comment,
		CreatedAt:     s.nowFunc().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("snapshot: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, name, version, date, configuration, comment, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Name, doc.Version, doc.Date, sum.Configuration, sum.Comment, sum.CreatedAt.UnixNano(),
	); err != nil {
		return Summary{}, fmt.Errorf("snapshot: insert %s: %w", name, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO snapshot_values (snapshot_id, position, control_point_id, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return Summary{}, fmt.Errorf("snapshot: prepare values: %w", err)
	}
	defer stmt.Close()
	for _, r := range doc.MachineState.Records {
		v, ok := r.Float()
		if !ok || r.ID() == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, sum.ID, sum.Records, r.ID(), v); err != nil {
			return Summary{}, fmt.Errorf("snapshot: insert value %s: %w", r.ID(), err)
		}
		sum.Records++
	}

	if err := tx.Commit(); err != nil {
		return Summary{}, fmt.Errorf("snapshot: commit: %w", err)
	}
	s.logger.Info("snapshot: saved", "id", sum.ID, "name", name, "records", sum.Records)
	return sum, nil
}

const selectSnapshot = `SELECT s.id, s.name, s.configuration, s.comment, s.created_at, s.version, s.date,
	(SELECT COUNT(*) FROM snapshot_values v WHERE v.snapshot_id = s.id)
	FROM snapshots s`

// scanSnapshot fills everything but the document records.
func scanSnapshot(row interface{ Scan(...any) error }) (Snapshot, error) {
	var (
		snap    Snapshot
		created int64
	)
	if err := row.Scan(&snap.ID, &snap.Name, &snap.Configuration, &snap.Comment, &created,
		&snap.Document.Version, &snap.Document.Date, &snap.Records); err != nil {
		return Snapshot{}, err
	}
	snap.CreatedAt = time.Unix(0, created).UTC()
	snap.Document.Configuration = snap.Configuration
	snap.Document.MachineState.Comment = snap.Comment
	return snap, nil
}

// List returns all snapshots, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, selectSnapshot+` ORDER BY s.created_at DESC, s.rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("snapshot: list: %w", err)
		}
		out = append(out, snap.Summary)
	}
	return out, rows.Err()
}

// Get loads one snapshot with its values.
func (s *Store) Get(ctx context.Context, id string) (Snapshot, error) {
	return s.load(ctx, s.db.QueryRowContext(ctx, selectSnapshot+` WHERE s.id = ?`, id))
}

// Latest loads the newest snapshot saved under name.
func (s *Store) Latest(ctx context.Context, name string) (Snapshot, error) {
	return s.load(ctx, s.db.QueryRowContext(ctx,
		selectSnapshot+` WHERE s.name = ? ORDER BY s.created_at DESC, s.rowid DESC LIMIT 1`, name))
}

func (s *Store) load(ctx context.Context, row *sql.Row) (Snapshot, error) {
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: get: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT control_point_id, value FROM snapshot_values WHERE snapshot_id = ? ORDER BY position`, snap.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: values %s: %w", snap.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			v  float64
		)
		if err := rows.Scan(&id, &v); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: values %s: %w", snap.ID, err)
		}
		snap.Document.MachineState.Records = append(snap.Document.MachineState.Records, EntryRecord{SetpointPV: id, Setpoint: &v})
	}
	return snap, rows.Err()
}

// Delete removes a snapshot and its values.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("snapshot: deleted", "id", id)
	return nil
}
