// Package observability keeps an audit trail of recording control calls
// (start, stop, clear) in the recorder's SQLite store.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/hazyhaar/steprec/idgen"
	"github.com/hazyhaar/steprec/kit"
)

// AuditEntry is one control call.
type AuditEntry struct {
	EntryID      string    `json:"entry_id"`
	Timestamp    time.Time `json:"timestamp"`
	Endpoint     string    `json:"endpoint"`
	Transport    string    `json:"transport,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
	Parameters   string    `json:"parameters,omitempty"` // JSON
	Result       string    `json:"result,omitempty"`     // JSON
	ErrorMessage string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Status       string    `json:"status"` // "success" or "error"
}

// AuditFilter narrows Query results.
type AuditFilter struct {
	Since    *time.Time
	Endpoint string
	Status   string
	Limit    int // default 100
}

// AuditLogger persists entries through a buffered flush loop.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *AuditEntry
	stop   chan struct{}
	done   chan struct{}

	flushEvery time.Duration
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the entry id generator.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithAuditLogger sets the logger used for flush failures.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// WithFlushInterval sets how often buffered entries are written. Default 2s.
func WithFlushInterval(d time.Duration) AuditOption {
	return func(a *AuditLogger) { a.flushEvery = d }
}

// NewAuditLogger applies the schema and starts the flush loop.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) (*AuditLogger, error) {
	if err := Init(db); err != nil {
		return nil, fmt.Errorf("observability: init schema: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	a := &AuditLogger{
		db:         db,
		newID:      idgen.Prefixed("aud_", idgen.Default),
		logger:     slog.Default(),
		ch:         make(chan *AuditEntry, bufferSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		flushEvery: 2 * time.Second,
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a, nil
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, a.db, e)
}

// LogAsync queues e. A full buffer falls back to a synchronous insert.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("observability: audit buffer full, sync fallback", "endpoint", e.Endpoint)
		if err := a.insert(context.Background(), a.db, e); err != nil {
			a.logger.Error("observability: audit sync fallback", "error", err)
		}
	}
}

// NewAuditEntry builds an entry from a finished call.
func (a *AuditLogger) NewAuditEntry(ctx context.Context, endpoint string, params, result any, err error, d time.Duration) *AuditEntry {
	e := &AuditEntry{
		EntryID:    a.newID(),
		Timestamp:  time.Now(),
		Endpoint:   endpoint,
		Transport:  kit.GetTransport(ctx),
		TraceID:    kit.GetTraceID(ctx),
		DurationMs: d.Milliseconds(),
	}
	if params != nil {
		if b, jerr := json.Marshal(params); jerr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = "error"
		e.ErrorMessage = err.Error()
		return e
	}
	e.Status = "success"
	if result != nil {
		if b, jerr := json.Marshal(result); jerr == nil {
			e.Result = string(b)
		}
	}
	return e
}

// Middleware records every call of the wrapped endpoint.
func (a *AuditLogger) Middleware(endpoint string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			a.LogAsync(a.NewAuditEntry(ctx, endpoint, req, resp, err, time.Since(start)))
			return resp, err
		}
	}
}

// Query returns entries matching f, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	q := `SELECT entry_id, timestamp, endpoint, transport, trace_id,
		parameters, result, error_message, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any
	if f.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if f.Endpoint != "" {
		q += " AND endpoint = ?"
		args = append(args, f.Endpoint)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query audit log: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var transport, traceID, result, errMsg sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&e.EntryID, &ts, &e.Endpoint, &transport, &traceID,
			&e.Parameters, &result, &errMsg, &durationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("observability: scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Transport = transport.String
		e.TraceID = traceID.String
		e.Result = result.String
		e.ErrorMessage = errMsg.String
		e.DurationMs = durationMs.Int64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than retention.
func (a *AuditLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush loop.
func (a *AuditLogger) Close() error {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.ErrorMessage != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			a.logger.Error("observability: audit begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if err := a.insert(ctx, tx, e); err != nil {
				a.logger.Error("observability: audit insert", "error", err, "entry_id", e.EntryID)
			}
		}
		if err := tx.Commit(); err != nil {
			a.logger.Error("observability: audit commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= cap(batch) {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (a *AuditLogger) insert(ctx context.Context, db execer, e *AuditEntry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, endpoint, transport, trace_id,
		 parameters, result, error_message, duration_ms, status)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.Endpoint, e.Transport, e.TraceID,
		e.Parameters, e.Result, e.ErrorMessage, e.DurationMs, e.Status)
	return err
}
