package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/lockstep/internal/engine"
	"github.com/roach88/lockstep/internal/trace"
)

// RunInfo describes one converted log.
type RunInfo struct {
	ID          int64
	Program     string
	ProgramHash string
	Start       int64
	CreatedAt   string
	Records     int64
}

// Runs lists converted runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.program, r.program_hash, r.start_time, r.created_at,
		       (SELECT COUNT(*) FROM records WHERE run_id = r.id)
		FROM runs r
		ORDER BY r.id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunInfo{}
	for rows.Next() {
		var ri RunInfo
		if err := rows.Scan(&ri.ID, &ri.Program, &ri.ProgramHash, &ri.Start, &ri.CreatedAt, &ri.Records); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, ri)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Filter narrows a record listing. Zero fields mean "no constraint";
// Reactor matches any object under that instance path.
type Filter struct {
	Run     int64
	Reactor string
	Kinds   []string
	From    *engine.Tag
	To      *engine.Tag
	Limit   int
}

// Row is one record joined with its object name.
type Row struct {
	Seq      int64
	Kind     string
	Object   string
	Tag      engine.Tag
	Physical int64
	Worker   int
}

// Records lists records matching the filter, in log order. Every value
// is parameterized; the filter never reaches the SQL text.
func (s *Store) Records(ctx context.Context, f Filter) ([]Row, error) {
	where := []string{"r.run_id = ?"}
	params := []any{f.Run}

	if f.Reactor != "" {
		// "main.sensor" matches main.sensor.reaction_0, main.sensor.out, ...
		where = append(where, "o.name LIKE ? ESCAPE '\\'")
		params = append(params, likeEscape(f.Reactor)+".%")
	}
	if len(f.Kinds) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Kinds)), ",")
		where = append(where, "r.kind IN ("+ph+")")
		for _, k := range f.Kinds {
			params = append(params, k)
		}
	}
	if f.From != nil {
		where = append(where, "(r.time > ? OR (r.time = ? AND r.microstep >= ?))")
		params = append(params, f.From.Time, f.From.Time, f.From.Microstep)
	}
	if f.To != nil {
		where = append(where, "(r.time < ? OR (r.time = ? AND r.microstep <= ?))")
		params = append(params, f.To.Time, f.To.Time, f.To.Microstep)
	}

	// seq is the append order; the only deterministic ordering key.
	q := `
		SELECT r.seq, r.kind, COALESCE(o.name, ''), r.time, r.microstep, r.physical, r.worker
		FROM records r
		LEFT JOIN objects o
		  ON o.run_id = r.run_id AND o.space = r.space AND o.object_id = r.object_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY r.seq ASC`
	if f.Limit > 0 {
		q += " LIMIT ?"
		params = append(params, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Seq, &r.Kind, &r.Object, &r.Tag.Time, &r.Tag.Microstep, &r.Physical, &r.Worker); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// ReactionSummary aggregates one reaction over a run. WorstLag is
// meaningful only when Executions > 0.
type ReactionSummary struct {
	Reaction     string
	Executions   int64
	DeadlineMiss int64
	Tardy        int64
	WorstLag     time.Duration
}

// Summary aggregates per-reaction execution counts and the worst
// physical lag behind the logical tag, ordered by reaction name.
func (s *Store) Summary(ctx context.Context, runID int64) ([]ReactionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.name,
		       SUM(CASE WHEN r.kind = 'reaction_start' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN r.kind = 'deadline_miss' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN r.kind = 'tardy' THEN 1 ELSE 0 END),
		       MAX(CASE WHEN r.kind = 'reaction_start' THEN r.physical - r.time END)
		FROM records r
		JOIN objects o
		  ON o.run_id = r.run_id AND o.space = r.space AND o.object_id = r.object_id
		WHERE r.run_id = ? AND r.space = ?
		GROUP BY o.name
		ORDER BY o.name ASC
	`, runID, int(trace.SpaceReaction))
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	out := []ReactionSummary{}
	for rows.Next() {
		var rs ReactionSummary
		var lag sql.NullInt64
		if err := rows.Scan(&rs.Reaction, &rs.Executions, &rs.DeadlineMiss, &rs.Tardy, &lag); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if lag.Valid {
			rs.WorstLag = time.Duration(lag.Int64)
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary: %w", err)
	}
	return out, nil
}

// likeEscape quotes LIKE metacharacters so a reactor path is matched
// literally.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
