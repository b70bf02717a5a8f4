package output

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/norasector/pulsescope/pkg/pulsescope"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id           TEXT NOT NULL,
	captured_ns      INTEGER NOT NULL,
	kind             TEXT NOT NULL,
	sweep            INTEGER NOT NULL,
	count            INTEGER NOT NULL,
	shape_mismatches INTEGER NOT NULL,
	average          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_run ON snapshots (run_id, sweep);
`

// SnapshotDB appends one row per received snapshot: the averaged row as a
// JSON array plus the bookkeeping fields.
type SnapshotDB struct {
	*sql.DB
	runID    string
	recvChan chan *pulsescope.Snapshot
}

func NewSnapshotDB(path, runID string) (*SnapshotDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("initialized snapshot database schema")

	return &SnapshotDB{
		DB:       db,
		runID:    runID,
		recvChan: make(chan *pulsescope.Snapshot, receiveChannels),
	}, nil
}

func (s *SnapshotDB) Receive() chan<- *pulsescope.Snapshot {
	return s.recvChan
}

// Record stores snap.
func (s *SnapshotDB) Record(snap *pulsescope.Snapshot) error {
	avg, err := json.Marshal(snap.Average)
	if err != nil {
		return err
	}
	_, err = s.Exec(`
		INSERT INTO snapshots (run_id, captured_ns, kind, sweep, count, shape_mismatches, average)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.runID, snap.Time.UnixNano(), snap.Kind.String(), snap.Sweep, snap.Count, snap.ShapeMismatches, string(avg))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// LatestAverage returns the average row of the newest snapshot of the run.
func (s *SnapshotDB) LatestAverage() (int, []float64, error) {
	var (
		sweep int
		avg   string
	)
	err := s.QueryRow(`
		SELECT sweep, average FROM snapshots
		WHERE run_id = ?
		ORDER BY id DESC LIMIT 1
	`, s.runID).Scan(&sweep, &avg)
	if err != nil {
		return 0, nil, err
	}
	var row []float64
	if err := json.Unmarshal([]byte(avg), &row); err != nil {
		return 0, nil, err
	}
	return sweep, row, nil
}

func (s *SnapshotDB) Start(ctx context.Context) error {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-s.recvChan:
			if err := s.Record(snap); err != nil {
				log.Error().Err(err).Int("sweep", snap.Sweep).Msg("error recording snapshot")
			}
		}
	}
}
