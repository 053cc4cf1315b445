// Package store implements the relational data model: experiment
// instances, their metadata, the variables they record, and the
// timestamped samples for each variable. It is written entirely against
// database/sql so any driver can back it; cmd/telemetryd wires the
// concrete modernc.org/sqlite driver.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS experiment_instance (
	id    BLOB PRIMARY KEY,
	start TIMESTAMP NOT NULL,
	end   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS experiment_metadata (
	instance_id BLOB REFERENCES experiment_instance(id) ON UPDATE CASCADE ON DELETE SET NULL,
	label       TEXT NOT NULL,
	value       TEXT NOT NULL,
	PRIMARY KEY (instance_id, label)
);

CREATE TABLE IF NOT EXISTS instance_variable (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id BLOB REFERENCES experiment_instance(id) ON UPDATE CASCADE ON DELETE SET NULL,
	name        TEXT NOT NULL,
	UNIQUE (instance_id, name)
);

CREATE TABLE IF NOT EXISTS variable_record (
	variable_id INTEGER REFERENCES instance_variable(id) ON UPDATE CASCADE ON DELETE SET NULL,
	timestamp   TIMESTAMP NOT NULL,
	value       TEXT NOT NULL,
	PRIMARY KEY (variable_id, timestamp)
);
`

// Store owns the *sql.DB handle and exposes the operations the buffered
// writer and experiment façade need. It does not serialize access itself;
// callers (internal/writer) that share one *sql.DB across goroutines are
// responsible for any higher-level locking spec.md requires.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the schema against an already
// configured *sql.DB, mirroring exp_interface.py's
// "Base.metadata.create_all(self._engine)" on construction.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, errors.Wrap(err, "enable foreign keys")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.Wrap(err, "create schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record is one sample of one named variable at one point in time, keyed
// by the experiment instance it belongs to.
type Record struct {
	InstanceID uuid.UUID
	Name       string
	Timestamp  time.Time
	Value      any
}

// NewExperimentInstance inserts a fresh experiment row and returns its id.
func (s *Store) NewExperimentInstance(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_instance (id, start) VALUES (?, ?)`,
		idBytes(id), time.Now().UTC())
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "new experiment instance")
	}
	return id, nil
}

// FinishExperimentInstance stamps an experiment's end time.
func (s *Store) FinishExperimentInstance(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiment_instance SET end = ? WHERE id = ?`,
		time.Now().UTC(), idBytes(id))
	if err != nil {
		return errors.Wrap(err, "finish experiment instance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "finish experiment instance")
	}
	if n == 0 {
		return errors.Errorf("finish experiment instance: unknown instance %s", id)
	}
	return nil
}

// UpsertMetadata sets or replaces one label/value pair on an experiment,
// mirroring exp_interface.py's add_metadata use of Session.merge (insert
// or update on the composite instance_id/label key).
func (s *Store) UpsertMetadata(ctx context.Context, instanceID uuid.UUID, label, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_metadata (instance_id, label, value)
		VALUES (?, ?, ?)
		ON CONFLICT (instance_id, label) DO UPDATE SET value = excluded.value
	`, idBytes(instanceID), label, value)
	return errors.Wrap(err, "upsert metadata")
}

// EnsureVariable returns the id of the (instance_id, name) variable row,
// creating it if absent. Grounded on exp_interface.py's flush-thread
// memoization lookup: query first, insert-on-miss.
func (s *Store) EnsureVariable(ctx context.Context, instanceID uuid.UUID, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM instance_variable WHERE instance_id = ? AND name = ?`,
		idBytes(instanceID), name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "ensure variable: lookup")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO instance_variable (instance_id, name) VALUES (?, ?)`,
		idBytes(instanceID), name)
	if err != nil {
		// lost a race with a concurrent insert of the same name; re-query.
		var raceErr error
		if raceErr = s.db.QueryRowContext(ctx,
			`SELECT id FROM instance_variable WHERE instance_id = ? AND name = ?`,
			idBytes(instanceID), name).Scan(&id); raceErr == nil {
			return id, nil
		}
		return 0, errors.Wrap(err, "ensure variable: insert")
	}
	return res.LastInsertId()
}

// InsertRecords writes a batch of already variable-id-resolved samples in
// a single transaction, mirroring the flush thread's "commit all the
// records to the database" single-commit-per-batch behavior.
func (s *Store) InsertRecords(ctx context.Context, records []VariableRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "insert records: begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO variable_record (variable_id, timestamp, value) VALUES (?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "insert records: prepare")
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.VariableID, r.Timestamp, r.Value); err != nil {
			return errors.Wrap(err, "insert records: exec")
		}
	}
	return errors.Wrap(tx.Commit(), "insert records: commit")
}

// VariableRecord is a sample already resolved to its variable_id, ready
// for a single batch insert.
type VariableRecord struct {
	VariableID int64
	Timestamp  time.Time
	Value      string
}

// ExperimentIDs returns every experiment instance id present in the store,
// in creation order, for use by the exporter.
func (s *Store) ExperimentIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM experiment_instance ORDER BY start`)
	if err != nil {
		return nil, errors.Wrap(err, "experiment ids")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "experiment ids: scan")
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, errors.Wrap(err, "experiment ids: parse")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "experiment ids")
}

// Times reports the start and, if finished, end time of one experiment.
func (s *Store) Times(ctx context.Context, id uuid.UUID) (start time.Time, end *time.Time, err error) {
	var endNull sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT start, end FROM experiment_instance WHERE id = ?`, idBytes(id)).
		Scan(&start, &endNull)
	if err != nil {
		return time.Time{}, nil, errors.Wrap(err, "times")
	}
	if endNull.Valid {
		end = &endNull.Time
	}
	return start, end, nil
}

// Metadata returns every label/value pair recorded against an experiment.
func (s *Store) Metadata(ctx context.Context, id uuid.UUID) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, value FROM experiment_metadata WHERE instance_id = ?`, idBytes(id))
	if err != nil {
		return nil, errors.Wrap(err, "metadata")
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var label, value string
		if err := rows.Scan(&label, &value); err != nil {
			return nil, errors.Wrap(err, "metadata: scan")
		}
		out[label] = value
	}
	return out, errors.Wrap(rows.Err(), "metadata")
}

// VariableSample is one exported (variable name, timestamp, value) row.
type VariableSample struct {
	Name      string
	Timestamp time.Time
	Value     string
}

// Records returns every sample recorded for an experiment, joined against
// variable names, ordered by timestamp for the exporter's wide pivot.
func (s *Store) Records(ctx context.Context, id uuid.UUID) ([]VariableSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.name, r.timestamp, r.value
		FROM variable_record r
		JOIN instance_variable v ON v.id = r.variable_id
		WHERE v.instance_id = ?
		ORDER BY r.timestamp
	`, idBytes(id))
	if err != nil {
		return nil, errors.Wrap(err, "records")
	}
	defer rows.Close()

	var out []VariableSample
	for rows.Next() {
		var sample VariableSample
		if err := rows.Scan(&sample.Name, &sample.Timestamp, &sample.Value); err != nil {
			return nil, errors.Wrap(err, "records: scan")
		}
		out = append(out, sample)
	}
	return out, errors.Wrap(rows.Err(), "records")
}

func idBytes(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}
