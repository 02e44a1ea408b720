package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/reqtrace/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN      string
	db       *sql.DB
	observer QueryObserver
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// SetQueryObserver installs fn as the statement observer. A nil fn disables observation.
func (s *PostgresStore) SetQueryObserver(fn QueryObserver) {
	s.observer = fn
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) bool {
	if s == nil || s.db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

func (s *PostgresStore) EnsureIndexes(ctx context.Context) error {
	return s.ensureSchema(ctx)
}

const postgresUpsertTrace = `
INSERT INTO request_traces (
    id,
    started_at,
    finished_at,
    method,
    url,
    ip,
    user_agent,
    user_id,
    status,
    duration_ms,
    query_count,
    db_time_ms,
    error_count,
    document
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb)
ON CONFLICT (id) DO UPDATE SET
    started_at = EXCLUDED.started_at,
    finished_at = EXCLUDED.finished_at,
    method = EXCLUDED.method,
    url = EXCLUDED.url,
    ip = EXCLUDED.ip,
    user_agent = EXCLUDED.user_agent,
    user_id = EXCLUDED.user_id,
    status = EXCLUDED.status,
    duration_ms = EXCLUDED.duration_ms,
    query_count = EXCLUDED.query_count,
    db_time_ms = EXCLUDED.db_time_ms,
    error_count = EXCLUDED.error_count,
    document = EXCLUDED.document`

func (s *PostgresStore) Save(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	row, err := newTraceRow(trace)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, postgresUpsertTrace, row.postgresArgs()...); err != nil {
		return fmt.Errorf("save trace %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}
	rows := make([]*traceRow, 0, len(traces))
	for _, trace := range traces {
		if trace == nil {
			continue
		}
		row, err := newTraceRow(trace)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresUpsertTrace)
	if err != nil {
		return fmt.Errorf("prepare postgres batch upsert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.postgresArgs()...); err != nil {
			return fmt.Errorf("save trace %q in batch: %w", row.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Trace, error) {
	var document string
	err := s.queryRow(ctx, "SELECT document::text FROM request_traces WHERE id = $1 LIMIT 1", id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return DecodeJSON([]byte(document))
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter, limit int) ([]*Trace, error) {
	builder := buildPostgresTraceWhere(filter, "")
	limitArg := builder.addArg(clampLimit(limit))

	rows, err := s.query(ctx, "SELECT document::text FROM request_traces WHERE "+builder.where()+" ORDER BY started_at DESC, id DESC LIMIT "+limitArg, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	builder := buildPostgresTraceWhere(filter, "")
	var count int64
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM request_traces WHERE "+builder.where(), builder.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) StatusBreakdown(ctx context.Context, filter Filter) ([]StatusCount, error) {
	builder := buildPostgresTraceWhere(filter, "")
	rows, err := s.query(ctx, "SELECT status, COUNT(*) FROM request_traces WHERE "+builder.where()+" GROUP BY status ORDER BY status ASC", builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query status breakdown: %w", err)
	}
	defer rows.Close()

	out := make([]StatusCount, 0, 8)
	for rows.Next() {
		var item StatusCount
		if err := rows.Scan(&item.Status, &item.Count); err != nil {
			return nil, fmt.Errorf("scan status breakdown row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status breakdown rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MethodBreakdown(ctx context.Context, filter Filter) ([]MethodCount, error) {
	builder := buildPostgresTraceWhere(filter, "")
	rows, err := s.query(ctx, `
SELECT method, COUNT(*) AS request_count, COALESCE(AVG(duration_ms), 0)
FROM request_traces
WHERE `+builder.where()+`
GROUP BY method
ORDER BY request_count DESC, method ASC`, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query method breakdown: %w", err)
	}
	defer rows.Close()

	out := make([]MethodCount, 0, 8)
	for rows.Next() {
		var item MethodCount
		if err := rows.Scan(&item.Method, &item.Count, &item.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan method breakdown row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate method breakdown rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Performance(ctx context.Context, filter Filter) (*PerformanceSummary, error) {
	builder := buildPostgresTraceWhere(filter, "")
	var summary PerformanceSummary
	err := s.queryRow(ctx, `
SELECT
    COALESCE(AVG(duration_ms), 0)::double precision,
    COALESCE(MIN(duration_ms), 0)::double precision,
    COALESCE(MAX(duration_ms), 0)::double precision,
    COALESCE(AVG(query_count), 0)::double precision,
    COALESCE(MAX(query_count), 0)::bigint,
    COALESCE(AVG(db_time_ms), 0)::double precision
FROM request_traces
WHERE `+builder.where(), builder.args...).Scan(
		&summary.AvgDurationMS,
		&summary.MinDurationMS,
		&summary.MaxDurationMS,
		&summary.AvgQueryCount,
		&summary.MaxQueryCount,
		&summary.AvgDBTimeMS,
	)
	if err != nil {
		return nil, fmt.Errorf("query performance summary: %w", err)
	}
	return &summary, nil
}

func (s *PostgresStore) ErrorBreakdown(ctx context.Context, filter Filter, top int) (*ErrorSummary, error) {
	filter.ErrorsOnly = true
	count, err := s.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	builder := buildPostgresTraceWhere(filter, "t.")
	limitArg := builder.addArg(clampTop(top))
	rows, err := s.query(ctx, `
SELECT COALESCE(NULLIF(e.value->>'class', ''), 'Unknown') AS error_class, COUNT(*) AS error_total
FROM request_traces t
CROSS JOIN LATERAL jsonb_array_elements(COALESCE(t.document->'errors', '[]'::jsonb)) AS e(value)
WHERE `+builder.where()+`
GROUP BY error_class
ORDER BY error_total DESC, error_class ASC
LIMIT `+limitArg, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query error breakdown: %w", err)
	}
	defer rows.Close()

	summary := &ErrorSummary{TracesWithErrors: count, TopClasses: make([]ErrorClassCount, 0, 10)}
	for rows.Next() {
		var item ErrorClassCount
		if err := rows.Scan(&item.Class, &item.Count); err != nil {
			return nil, fmt.Errorf("scan error breakdown row: %w", err)
		}
		summary.TopClasses = append(summary.TopClasses, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error breakdown rows: %w", err)
	}
	return summary, nil
}

func (s *PostgresStore) Durations(ctx context.Context, filter Filter, limit int) ([]float64, error) {
	builder := buildPostgresTraceWhere(filter, "")
	limitArg := builder.addArg(clampLimit(limit))
	rows, err := s.query(ctx, "SELECT duration_ms FROM request_traces WHERE "+builder.where()+" ORDER BY started_at DESC LIMIT "+limitArg, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()
	return scanDurations(rows)
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, "DELETE FROM request_traces WHERE started_at < $1", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune traces before %s: %w", before.UTC().Format(time.RFC3339), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read pruned row count: %w", err)
	}
	return affected, nil
}

func buildPostgresTraceWhere(filter Filter, prefix string) *postgresWhereBuilder {
	filter = filter.Normalize()
	builder := newPostgresWhereBuilder()

	if filter.UserID != "" {
		builder.addComparison(prefix+"user_id", "=", filter.UserID)
	}
	if filter.Method != "" {
		builder.addComparison(prefix+"method", "=", filter.Method)
	}
	if filter.Status > 0 {
		builder.addComparison(prefix+"status", "=", filter.Status)
	}
	if filter.URLContains != "" {
		placeholder := builder.addArg("%" + escapeLike(filter.URLContains) + "%")
		builder.addCondition(prefix + "url ILIKE " + placeholder + " ESCAPE '\\'")
	}
	if filter.MinDurationMS > 0 {
		builder.addComparison(prefix+"duration_ms", ">=", filter.MinDurationMS)
	}
	if filter.ErrorsOnly {
		builder.addCondition(prefix + "error_count > 0")
	}
	if !filter.From.IsZero() {
		builder.addComparison(prefix+"started_at", ">=", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		builder.addComparison(prefix+"started_at", "<=", filter.To.UTC())
	}
	return builder
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 8),
		args:       make([]any, 0, 8),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	placeholder := b.addArg(value)
	b.conditions = append(b.conditions, column+" "+operator+" "+placeholder)
}

func (b *postgresWhereBuilder) addCondition(condition string) {
	b.conditions = append(b.conditions, condition)
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if err := migrations.Apply(ctx, s.db, migrations.DriverPostgres); err != nil {
		if isPostgresPermissionDenied(err) {
			return fmt.Errorf("ensure postgres schema (role lacks DDL privileges): %w", err)
		}
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) exec(ctx context.Context, statement string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, statement, args...)
	s.observe(ctx, statement, args, start)
	return res, err
}

func (s *PostgresStore) query(ctx context.Context, statement string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, statement, args...)
	s.observe(ctx, statement, args, start)
	return rows, err
}

func (s *PostgresStore) queryRow(ctx context.Context, statement string, args ...any) *sql.Row {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, statement, args...)
	s.observe(ctx, statement, args, start)
	return row
}

func (s *PostgresStore) observe(ctx context.Context, statement string, args []any, start time.Time) {
	if s.observer == nil {
		return
	}
	s.observer(ctx, strings.TrimSpace(statement), args, time.Since(start))
}

func isPostgresPermissionDenied(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

func (r *traceRow) postgresArgs() []any {
	var finished any
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC()
	}
	return []any{
		r.ID,
		r.StartedAt,
		finished,
		r.Method,
		r.URL,
		r.IP,
		r.UserAgent,
		r.UserID,
		r.Status,
		r.DurationMS,
		r.QueryCount,
		r.DBTimeMS,
		r.ErrorCount,
		string(r.Document),
	}
}
