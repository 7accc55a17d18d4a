package dbmigrator

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// HistoryTable is the schema history table, named as Flyway names it so the
// CodeBuild path and the custom resource share one history.
const HistoryTable = "flyway_schema_history"

// lockKey is the advisory lock serialising concurrent migrators.
const lockKey int64 = 0x64626d6967 // "dbmig"

// Result summarises a migration run.
type Result struct {
	Success             bool
	MigrationsPerformed int
	TargetVersion       string
}

// Options controls a migration run.
type Options struct {
	Mixed        bool
	Placeholders map[string]string
	InstalledBy  string
}

// Conn is the part of *pgx.Conn the runner uses.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// Runner applies migrations over a single connection.
type Runner struct {
	conn   Conn
	logger zerolog.Logger
}

// NewRunner returns a runner using conn.
func NewRunner(conn Conn, logger zerolog.Logger) *Runner {
	return &Runner{conn: conn, logger: logger}
}

// responseReserve is kept free before the caller's deadline so that a failed
// connection can still be reported.
const responseReserve = 30 * time.Second

// Connect opens a connection. The cluster may accept connections some time
// after CloudFormation reports it complete, so failures are retried until
// shortly before the deadline of ctx. Server errors other than transient ones
// are returned at once.
func Connect(ctx context.Context, connString string, logger zerolog.Logger) (*Runner, error) {
	if deadline, ok := ctx.Deadline(); ok {
		reserve := responseReserve
		if left := time.Until(deadline); left < 2*reserve {
			reserve = left / 2
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline.Add(-reserve))
		defer cancel()
	}

	const wait = 5 * time.Second
	for attempt := 1; ; attempt++ {
		conn, err := pgx.Connect(ctx, connString)
		if err == nil {
			return NewRunner(conn, logger), nil
		}
		if !retryable(err) {
			return nil, errors.Annotate(err, "connecting")
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("database not reachable yet")
		select {
		case <-ctx.Done():
			return nil, errors.Annotatef(err, "connecting after %d attempts", attempt)
		case <-time.After(wait):
		}
	}
}

// retryable reports whether a connection error may go away on its own.
// Network failures do; of the server errors only those raised while the
// server is starting or short of resources do.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return true
	}
	switch {
	case pgErr.Code == "57P03", // cannot_connect_now
		strings.HasPrefix(pgErr.Code, "08"),
		strings.HasPrefix(pgErr.Code, "53"):
		return true
	}
	return false
}

// Close closes the connection.
func (r *Runner) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

// Migrate validates the history against local and applies what is pending.
func (r *Runner) Migrate(ctx context.Context, local []Migration, opts Options) (Result, error) {
	if _, err := r.conn.Exec(ctx, "SELECT pg_advisory_lock($1)", lockKey); err != nil {
		return Result{}, errors.Annotate(err, "taking migration lock")
	}
	defer func() {
		if _, err := r.conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", lockKey); err != nil {
			r.logger.Warn().Err(err).Msg("releasing migration lock")
		}
	}()

	if err := r.ensureHistory(ctx); err != nil {
		return Result{}, errors.Trace(err)
	}
	applied, err := r.history(ctx)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	pending, err := Plan(local, applied)
	if err != nil {
		return Result{}, errors.Annotate(err, "validating migrations")
	}

	result := Result{Success: true}
	if len(applied) > 0 {
		result.TargetVersion = applied[len(applied)-1].Version.String()
	}
	if len(pending) == 0 {
		return result, nil
	}
	rank, err := r.lastRank(ctx)
	if err != nil {
		return result, errors.Trace(err)
	}
	for _, m := range pending {
		rank++
		sql, err := ReplacePlaceholders(m.SQL, opts.Placeholders)
		if err != nil {
			return result, errors.Annotatef(err, "migration %s", m.Script)
		}
		r.logger.Info().Str("version", m.Version.String()).Str("script", m.Script).Msg("applying migration")
		if err := r.apply(ctx, m, sql, rank, opts); err != nil {
			result.Success = false
			return result, errors.Annotatef(err, "migration %s", m.Script)
		}
		result.MigrationsPerformed++
		result.TargetVersion = m.Version.String()
	}
	return result, nil
}

func (r *Runner) ensureHistory(ctx context.Context) error {
	_, err := r.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+HistoryTable+` (
	installed_rank INTEGER NOT NULL PRIMARY KEY,
	version VARCHAR(50),
	description VARCHAR(200) NOT NULL,
	type VARCHAR(20) NOT NULL,
	script VARCHAR(1000) NOT NULL,
	checksum INTEGER,
	installed_by VARCHAR(100) NOT NULL,
	installed_on TIMESTAMP NOT NULL DEFAULT now(),
	execution_time INTEGER NOT NULL,
	success BOOLEAN NOT NULL
)`)
	return errors.Annotate(err, "creating schema history table")
}

// history returns the versioned rows. Rows without a version, such as the
// schema creation marker Flyway writes, take no part in planning.
func (r *Runner) history(ctx context.Context) ([]Applied, error) {
	rows, err := r.conn.Query(ctx, `SELECT installed_rank, version, description, type, script, COALESCE(checksum, 0), success
FROM `+HistoryTable+` WHERE version IS NOT NULL ORDER BY installed_rank`)
	if err != nil {
		return nil, errors.Annotate(err, "reading schema history")
	}
	defer rows.Close()

	var applied []Applied
	for rows.Next() {
		var (
			a       Applied
			version string
		)
		if err := rows.Scan(&a.Rank, &version, &a.Description, &a.Type, &a.Script, &a.Checksum, &a.Success); err != nil {
			return nil, errors.Trace(err)
		}
		if a.Version, err = ParseVersion(version); err != nil {
			return nil, errors.Annotatef(err, "history rank %d", a.Rank)
		}
		applied = append(applied, a)
	}
	return applied, errors.Trace(rows.Err())
}

// lastRank counts every history row, versioned or not.
func (r *Runner) lastRank(ctx context.Context) (int, error) {
	var rank int
	err := r.conn.QueryRow(ctx, `SELECT COALESCE(MAX(installed_rank), 0) FROM `+HistoryTable).Scan(&rank)
	return rank, errors.Annotate(err, "reading last installed rank")
}

// apply runs one migration in a transaction together with its history row,
// so a failure leaves neither behind. In mixed mode a script holding a
// statement PostgreSQL cannot run in a transaction is applied statement by
// statement instead, and a failure is recorded.
func (r *Runner) apply(ctx context.Context, m Migration, sql string, rank int, opts Options) error {
	start := time.Now()
	if opts.Mixed {
		stmts := SplitStatements(sql)
		for _, stmt := range stmts {
			if NonTransactional(stmt) {
				r.logger.Info().Str("script", m.Script).Msg("running outside a transaction")
				return r.applyStatements(ctx, m, stmts, rank, opts.InstalledBy, start)
			}
		}
	}

	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return errors.Annotate(err, "starting transaction")
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		r.rollback(ctx, tx)
		return errors.Trace(err)
	}
	if err := record(ctx, tx, m, rank, opts.InstalledBy, time.Since(start), true); err != nil {
		r.rollback(ctx, tx)
		return errors.Trace(err)
	}
	return errors.Annotate(tx.Commit(ctx), "committing")
}

func (r *Runner) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		r.logger.Warn().Err(err).Msg("rolling back migration")
	}
}

func (r *Runner) applyStatements(ctx context.Context, m Migration, stmts []string, rank int, by string, start time.Time) error {
	for _, stmt := range stmts {
		if _, err := r.conn.Exec(ctx, stmt); err != nil {
			if recErr := record(context.WithoutCancel(ctx), r.conn, m, rank, by, time.Since(start), false); recErr != nil {
				r.logger.Error().Err(recErr).Msg("recording failed migration")
			}
			return errors.Trace(err)
		}
	}
	return record(ctx, r.conn, m, rank, by, time.Since(start), true)
}

// execer is satisfied by both Conn and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func record(ctx context.Context, db execer, m Migration, rank int, by string, took time.Duration, success bool) error {
	_, err := db.Exec(ctx, `INSERT INTO `+HistoryTable+`
(installed_rank, version, description, type, script, checksum, installed_by, execution_time, success)
VALUES ($1, $2, $3, 'SQL', $4, $5, $6, $7, $8)`,
		rank, m.Version.String(), m.Description, m.Script, m.Checksum, by, int(took.Milliseconds()), success)
	return errors.Annotate(err, "recording migration")
}
