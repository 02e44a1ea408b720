package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/reqtrace/migrations"

	_ "modernc.org/sqlite"
)

// QueryObserver receives every statement a SQL-backed store issues.
type QueryObserver func(ctx context.Context, statement string, args []any, elapsed time.Duration)

// sqliteTimeLayout is fixed width so text comparison matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid SQLITE_BUSY
	// contention when Save and SaveBatch run concurrently.
	writeMu  sync.Mutex
	observer QueryObserver
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
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
func (s *SQLiteStore) SetQueryObserver(fn QueryObserver) {
	s.observer = fn
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) bool {
	if s == nil || s.db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// EnsureIndexes re-applies the embedded migrations, which own the index definitions.
func (s *SQLiteStore) EnsureIndexes(ctx context.Context) error {
	return s.ensureSchema(ctx)
}

const sqliteUpsertTrace = `
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    started_at = excluded.started_at,
    finished_at = excluded.finished_at,
    method = excluded.method,
    url = excluded.url,
    ip = excluded.ip,
    user_agent = excluded.user_agent,
    user_id = excluded.user_id,
    status = excluded.status,
    duration_ms = excluded.duration_ms,
    query_count = excluded.query_count,
    db_time_ms = excluded.db_time_ms,
    error_count = excluded.error_count,
    document = excluded.document`

func (s *SQLiteStore) Save(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	row, err := newTraceRow(trace)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, err := s.exec(ctx, sqliteUpsertTrace, row.sqliteArgs()...)
		return err
	})
	if err != nil {
		return fmt.Errorf("save trace %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, traces []*Trace) error {
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

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteUpsertTrace)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch upsert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row.sqliteArgs()...); err != nil {
				return fmt.Errorf("save trace %q in batch: %w", row.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so finished traces are not lost during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Trace, error) {
	var document string
	err := s.queryRow(ctx, "SELECT document FROM request_traces WHERE id = ? LIMIT 1", id).Scan(&document)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return DecodeJSON([]byte(document))
}

func (s *SQLiteStore) Query(ctx context.Context, filter Filter, limit int) ([]*Trace, error) {
	whereSQL, args := buildSQLiteTraceWhere(filter, "")
	args = append(args, clampLimit(limit))

	rows, err := s.query(ctx, "SELECT document FROM request_traces WHERE "+whereSQL+" ORDER BY started_at DESC, id DESC LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (s *SQLiteStore) Count(ctx context.Context, filter Filter) (int64, error) {
	whereSQL, args := buildSQLiteTraceWhere(filter, "")
	var count int64
	if err := s.queryRow(ctx, "SELECT COUNT(*) FROM request_traces WHERE "+whereSQL, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) StatusBreakdown(ctx context.Context, filter Filter) ([]StatusCount, error) {
	whereSQL, args := buildSQLiteTraceWhere(filter, "")
	rows, err := s.query(ctx, "SELECT status, COUNT(*) FROM request_traces WHERE "+whereSQL+" GROUP BY status ORDER BY status ASC", args...)
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

func (s *SQLiteStore) MethodBreakdown(ctx context.Context, filter Filter) ([]MethodCount, error) {
	whereSQL, args := buildSQLiteTraceWhere(filter, "")
	rows, err := s.query(ctx, `
SELECT method, COUNT(*) AS request_count, COALESCE(AVG(duration_ms), 0)
FROM request_traces
WHERE `+whereSQL+`
GROUP BY method
ORDER BY request_count DESC, method ASC`, args...)
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

func (s *SQLiteStore) Performance(ctx context.Context, filter Filter) (*PerformanceSummary, error) {
	whereSQL, args := buildSQLiteTraceWhere(filter, "")
	var summary PerformanceSummary
	err := s.queryRow(ctx, `
SELECT
    COALESCE(AVG(duration_ms), 0),
    COALESCE(MIN(duration_ms), 0),
    COALESCE(MAX(duration_ms), 0),
    COALESCE(AVG(query_count), 0),
    COALESCE(MAX(query_count), 0),
    COALESCE(AVG(db_time_ms), 0)
FROM request_traces
WHERE `+whereSQL, args...).Scan(
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

func (s *SQLiteStore) ErrorBreakdown(ctx context.Context, filter Filter, top int) (*ErrorSummary, error) {
	filter.ErrorsOnly = true
	count, err := s.Count(ctx, filter)
	if err != nil {
		return nil, err
	}

	// json_each exposes its own id column, so trace columns are qualified.
	whereSQL, args := buildSQLiteTraceWhere(filter, "t.")
	args = append(args, clampTop(top))
	rows, err := s.query(ctx, `
SELECT COALESCE(NULLIF(json_extract(e.value, '$.class'), ''), 'Unknown') AS error_class, COUNT(*) AS error_total
FROM request_traces t, json_each(t.document, '$.errors') e
WHERE `+whereSQL+`
GROUP BY error_class
ORDER BY error_total DESC, error_class ASC
LIMIT ?`, args...)
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

func (s *SQLiteStore) Durations(ctx context.Context, filter Filter, limit int) ([]float64, error) {
	whereSQL, args := buildSQLiteTraceWhere(filter, "")
	args = append(args, clampLimit(limit))
	rows, err := s.query(ctx, "SELECT duration_ms FROM request_traces WHERE "+whereSQL+" ORDER BY started_at DESC LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()
	return scanDurations(rows)
}

func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.exec(ctx, "DELETE FROM request_traces WHERE started_at < ?", formatSQLiteTime(before))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune traces before %s: %w", before.UTC().Format(time.RFC3339), err)
	}
	return affected, nil
}

func buildSQLiteTraceWhere(filter Filter, prefix string) (string, []any) {
	filter = filter.Normalize()
	where := make([]string, 0, 8)
	args := make([]any, 0, 8)

	if filter.UserID != "" {
		where = append(where, prefix+"user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Method != "" {
		where = append(where, prefix+"method = ?")
		args = append(args, filter.Method)
	}
	if filter.Status > 0 {
		where = append(where, prefix+"status = ?")
		args = append(args, filter.Status)
	}
	if filter.URLContains != "" {
		where = append(where, "LOWER("+prefix+"url) LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(strings.ToLower(filter.URLContains))+"%")
	}
	if filter.MinDurationMS > 0 {
		where = append(where, prefix+"duration_ms >= ?")
		args = append(args, filter.MinDurationMS)
	}
	if filter.ErrorsOnly {
		where = append(where, prefix+"error_count > 0")
	}
	if !filter.From.IsZero() {
		where = append(where, prefix+"started_at >= ?")
		args = append(args, formatSQLiteTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, prefix+"started_at <= ?")
		args = append(args, formatSQLiteTime(filter.To))
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type documentRows interface {
	rowScanner
	Next() bool
	Err() error
}

func scanDocuments(rows documentRows) ([]*Trace, error) {
	items := make([]*Trace, 0, 16)
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan trace document: %w", err)
		}
		item, err := DecodeJSON([]byte(document))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}
	return items, nil
}

func scanDurations(rows documentRows) ([]float64, error) {
	out := make([]float64, 0, 64)
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		out = append(out, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate durations: %w", err)
	}
	return out, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	if err := migrations.Apply(ctx, s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, statement string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, statement, args...)
	s.observe(ctx, statement, args, start)
	return res, err
}

func (s *SQLiteStore) query(ctx context.Context, statement string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, statement, args...)
	s.observe(ctx, statement, args, start)
	return rows, err
}

func (s *SQLiteStore) queryRow(ctx context.Context, statement string, args ...any) *sql.Row {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, statement, args...)
	s.observe(ctx, statement, args, start)
	return row
}

func (s *SQLiteStore) observe(ctx context.Context, statement string, args []any, start time.Time) {
	if s.observer == nil {
		return
	}
	s.observer(ctx, strings.TrimSpace(statement), args, time.Since(start))
}

// traceRow is the column projection shared by the SQL stores.
type traceRow struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Method     string
	URL        string
	IP         string
	UserAgent  string
	UserID     string
	Status     int
	DurationMS float64
	QueryCount int
	DBTimeMS   float64
	ErrorCount int
	Document   []byte
}

func newTraceRow(in *Trace) (*traceRow, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, fmt.Errorf("trace id cannot be empty")
	}
	started := in.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	document, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode trace %q: %w", in.ID, err)
	}
	return &traceRow{
		ID:         in.ID,
		StartedAt:  started.UTC(),
		FinishedAt: in.FinishedAt,
		Method:     strings.ToUpper(in.Method),
		URL:        in.URL,
		IP:         in.IP,
		UserAgent:  in.UserAgent,
		UserID:     in.UserID,
		Status:     in.Status,
		DurationMS: in.DurationMS,
		QueryCount: in.QueryCount,
		DBTimeMS:   in.DBTimeMS,
		ErrorCount: len(in.Errors),
		Document:   document,
	}, nil
}

func (r *traceRow) sqliteArgs() []any {
	var finished any
	if r.FinishedAt != nil {
		finished = formatSQLiteTime(*r.FinishedAt)
	}
	return []any{
		r.ID,
		formatSQLiteTime(r.StartedAt),
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
