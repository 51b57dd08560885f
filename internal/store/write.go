package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/lockstep/internal/trace"
)

// convertBatch bounds one insert transaction during Convert.
const convertBatch = 1024

// BeginRun inserts a run row plus its object table and returns the new
// run id.
func (s *Store) BeginRun(ctx context.Context, h trace.Header) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (program, program_hash, start_time)
		VALUES (?, ?, ?)
	`, h.Program, h.ProgramHash, h.Start)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO objects (run_id, space, object_id, name)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare objects: %w", err)
	}
	defer stmt.Close()
	for _, o := range h.Objects {
		if _, err := stmt.ExecContext(ctx, runID, int(o.Space), o.ID, o.Name); err != nil {
			return 0, fmt.Errorf("insert object %q: %w", o.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	return runID, nil
}

// AppendRecords inserts a batch of records in one transaction,
// numbering them from startSeq in slice order.
func (s *Store) AppendRecords(ctx context.Context, runID, startSeq int64, recs []trace.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (run_id, seq, kind, space, object_id, time, microstep, physical, worker)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare records: %w", err)
	}
	defer stmt.Close()

	for i, r := range recs {
		_, err := stmt.ExecContext(ctx,
			runID,
			startSeq+int64(i),
			r.Kind.String(),
			int(trace.SpaceOf(r.Kind)),
			r.Object,
			r.Tag.Time,
			r.Tag.Microstep,
			r.Physical,
			r.Worker,
		)
		if err != nil {
			return fmt.Errorf("insert record seq %d: %w", startSeq+int64(i), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	return nil
}

// Convert streams an entire trace log into the store. Returns the new
// run id and the number of records loaded.
func (s *Store) Convert(ctx context.Context, r *trace.Reader) (int64, int64, error) {
	runID, err := s.BeginRun(ctx, r.Header())
	if err != nil {
		return 0, 0, err
	}

	var seq int64
	batch := make([]trace.Record, 0, convertBatch)
	flush := func() error {
		if err := s.AppendRecords(ctx, runID, seq-int64(len(batch)), batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return runID, seq, fmt.Errorf("convert run %d: %w", runID, err)
		}
		batch = append(batch, rec)
		seq++
		if len(batch) == convertBatch {
			if err := flush(); err != nil {
				return runID, seq, err
			}
		}
	}
	if err := flush(); err != nil {
		return runID, seq, err
	}
	return runID, seq, nil
}
