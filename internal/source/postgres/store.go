// Package postgres reads and writes the server's progress table directly.
// Each row is one report at one recursion depth; the newest row for a code
// decides how deep the current stack is.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/web-progress/internal/clock"
	"github.com/JakeFAU/web-progress/internal/clock/system"
	"github.com/JakeFAU/web-progress/internal/progress"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is the server's progress table.
const DefaultTable = "web_progress"

// Config controls the connection pool and table.
//   - MaxAge: rows older than this are ignored when listing active operations
//     (default 30m, the server's transient record lifetime).
type Config struct {
	DSN      string
	Table    string
	MaxConns int32
	MinConns int32
	MaxAge   time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Store implements tracker.Fetcher, cancel.Canceller and source.ActiveLister
// over the progress table.
type Store struct {
	pool   querier
	table  string
	maxAge time.Duration
	clock  clock.Clock
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("source.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg, nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool builds a Store over an existing pool. clk defaults to the system
// clock.
func NewWithPool(pool querier, cfg Config, clk clock.Clock) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if clk == nil {
		clk = system.New()
	}
	return &Store{pool: pool, table: table, maxAge: maxAge, clock: clk}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

type row struct {
	snap    progress.Snapshot
	created time.Time
}

// FetchProgress returns the current stack for code: the newest row, preceded
// by the newest row of each shallower depth.
func (s *Store) FetchProgress(ctx context.Context, code progress.Code) (progress.Stack, error) {
	query := fmt.Sprintf(`
SELECT DISTINCT ON (COALESCE(recur_depth, 0))
	COALESCE(recur_depth, 0)::int,
	code,
	COALESCE(name, ''),
	COALESCE(progress, 0)::float8,
	COALESCE(done, 0)::bigint,
	COALESCE(total, 0)::bigint,
	COALESCE(state, 'ongoing'),
	COALESCE(cancellable, false),
	COALESCE(create_uid, 0)::bigint,
	create_date
FROM %s
WHERE code = $1
ORDER BY COALESCE(recur_depth, 0), create_date DESC, id DESC`, s.table)

	rows, err := s.pool.Query(ctx, query, code)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	var levels []row
	for rows.Next() {
		var (
			r     row
			state string
		)
		if err := rows.Scan(
			&r.snap.Depth,
			&r.snap.Code,
			&r.snap.Message,
			&r.snap.Percent,
			&r.snap.Done,
			&r.snap.Total,
			&state,
			&r.snap.Cancellable,
			&r.snap.UserID,
			&r.created,
		); err != nil {
			return nil, fmt.Errorf("scan progress row: %w", err)
		}
		if err := r.snap.State.UnmarshalText([]byte(state)); err != nil {
			return nil, fmt.Errorf("scan progress row: %w", err)
		}
		levels = append(levels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress rows: %w", err)
	}
	return buildStack(levels), nil
}

func buildStack(levels []row) progress.Stack {
	if len(levels) == 0 {
		return nil
	}
	newest := 0
	for i, r := range levels {
		if r.created.After(levels[newest].created) {
			newest = i
		}
	}
	depth := levels[newest].snap.Depth
	stack := make(progress.Stack, 0, depth+1)
	for _, r := range levels {
		if r.snap.Depth < depth {
			stack = append(stack, r.snap)
		}
	}
	return append(stack, levels[newest].snap)
}

// Record inserts one progress report.
func (s *Store) Record(ctx context.Context, snap progress.Snapshot) error {
	if snap.Code == "" {
		return errors.New("snapshot code is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	code,
	recur_depth,
	name,
	progress,
	done,
	total,
	state,
	cancellable,
	create_uid,
	create_date
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)
	args := []any{
		snap.Code,
		snap.Depth,
		snap.Message,
		snap.Percent,
		snap.Done,
		snap.Total,
		serverState(snap.State),
		snap.Cancellable,
		snap.UserID,
		s.clock.Now(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert progress: %w", err)
	}
	return nil
}

// Cancel records a cancel row for code. The worker observes it on its next
// cancellation check.
func (s *Store) Cancel(ctx context.Context, code progress.Code) error {
	query := fmt.Sprintf(`
INSERT INTO %s (code, recur_depth, state, cancellable, create_date)
VALUES ($1, 0, $2, false, $3)`, s.table)
	if _, err := s.pool.Exec(ctx, query, code, serverState(progress.StateCancelled), s.clock.Now()); err != nil {
		return fmt.Errorf("insert cancel row: %w", err)
	}
	return nil
}

// ListActive returns the stacks of every recent operation of userID whose
// newest row is still ongoing. A zero userID lists all users.
func (s *Store) ListActive(ctx context.Context, userID int64) ([]progress.Stack, error) {
	query := fmt.Sprintf(`
SELECT DISTINCT ON (code)
	code,
	COALESCE(state, 'ongoing')
FROM %s
WHERE ($1 = 0 OR create_uid = $1) AND create_date >= $2
ORDER BY code, create_date DESC, id DESC`, s.table)

	rows, err := s.pool.Query(ctx, query, userID, s.clock.Now().Add(-s.maxAge))
	if err != nil {
		return nil, fmt.Errorf("query active progress: %w", err)
	}
	var codes []progress.Code
	for rows.Next() {
		var code, state string
		if err := rows.Scan(&code, &state); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan active progress: %w", err)
		}
		if state == string(progress.StateOngoing) {
			codes = append(codes, code)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active progress: %w", err)
	}

	out := make([]progress.Stack, 0, len(codes))
	for _, code := range codes {
		stack, err := s.FetchProgress(ctx, code)
		if err != nil {
			return nil, err
		}
		if len(stack) > 0 {
			out = append(out, stack)
		}
	}
	return out, nil
}

// serverState maps a state to the table's spelling.
func serverState(state progress.State) string {
	if state == progress.StateCancelled {
		return "cancel"
	}
	return string(state)
}
