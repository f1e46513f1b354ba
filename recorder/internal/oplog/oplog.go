// Package oplog captures screenshots and owns the persisted list of
// operation records. It is the only writer of that list.
package oplog

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
	"time"

	"github.com/goccy/go-json"

	"github.com/hazyhaar/steprec/idgen"
	"github.com/hazyhaar/steprec/recorder/internal/kvstore"
	"github.com/hazyhaar/steprec/recorder/internal/message"
	"github.com/hazyhaar/steprec/recorder/internal/session"
)

// KeyOperations is the storage key of the record list.
const KeyOperations = "operations"

// TypeClick is the only operation type recorded today.
const TypeClick = "click"

// Coordinates are viewport pixel coordinates of a click.
type Coordinates struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Record is one logged operation. Screenshot is a data URL, nil when the
// capture failed or was throttled.
type Record struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Timestamp   int64       `json:"timestamp"`
	URL         string      `json:"url"`
	Title       string      `json:"title"`
	Element     string      `json:"element"`
	Text        string      `json:"text"`
	Coordinates Coordinates `json:"coordinates"`
	Screenshot  *string     `json:"screenshot"`
}

// Time returns the record timestamp.
func (r Record) Time() time.Time { return time.UnixMilli(r.Timestamp) }

// HasScreenshot reports whether an image is attached.
func (r Record) HasScreenshot() bool { return r.Screenshot != nil && *r.Screenshot != "" }

// Image decodes the attached data URL into its MIME type and bytes.
func (r Record) Image() (mime string, data []byte, err error) {
	if !r.HasScreenshot() {
		return "", nil, fmt.Errorf("oplog: %s: no screenshot", r.ID)
	}
	head, body, ok := strings.Cut(*r.Screenshot, ",")
	if !ok || !strings.HasPrefix(head, "data:") || !strings.HasSuffix(head, ";base64") {
		return "", nil, fmt.Errorf("oplog: %s: malformed data url", r.ID)
	}
	mime = strings.TrimSuffix(strings.TrimPrefix(head, "data:"), ";base64")
	data, err = base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", nil, fmt.Errorf("oplog: %s: decode: %w", r.ID, err)
	}
	return mime, data, nil
}

// CaptureOptions select the raster format of a capture.
type CaptureOptions struct {
	Format  string // "jpeg" or "png"
	Quality int    // jpeg only, 0..100
}

// Capturer grabs the visible viewport of a tab.
type Capturer interface {
	CaptureVisible(ctx context.Context, tabID string, opts CaptureOptions) ([]byte, error)
}

// Config bounds the log and picks the capture format.
type Config struct {
	MaxOperations int
	Format        string
	Quality       int
}

func (c *Config) applyDefaults() {
	if c.MaxOperations <= 0 {
		c.MaxOperations = 500
	}
	if c.Format == "" {
		c.Format = "jpeg"
	}
	if c.Quality <= 0 {
		c.Quality = 80
	}
}

// Option customises a Log.
type Option func(*Log)

// WithIDs overrides the record id generator.
func WithIDs(gen idgen.Generator) Option { return func(l *Log) { l.ids = gen } }

// WithClock overrides the clock used for records without a timestamp.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Log) { l.logger = logger } }

// Log is the screenshot/operation recorder.
type Log struct {
	// mu serializes read-append-write of the stored list.
	mu       sync.Mutex
	kv       *kvstore.Store
	sessions *session.Store
	capturer Capturer
	cfg      Config
	ids      idgen.Generator
	now      func() time.Time
	logger   *slog.Logger
}

// New builds a Log.
func New(kv *kvstore.Store, sessions *session.Store, capturer Capturer, cfg Config, opts ...Option) *Log {
	cfg.applyDefaults()
	l := &Log{
		kv:       kv,
		sessions: sessions,
		capturer: capturer,
		cfg:      cfg,
		ids:      idgen.Prefixed("op_", idgen.UUIDv7()),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Log) Config() Config { return l.cfg }

// Capture screenshots tabID and appends a record for click. It fails with
// message.ErrNotRecording when the session is inactive. Capture failures do
// not fail the call: the click is logged without an image.
func (l *Log) Capture(ctx context.Context, tabID string, click message.Click) (message.CaptureResult, error) {
	st, err := l.sessions.Load(ctx)
	if err != nil {
		return message.CaptureResult{}, fmt.Errorf("oplog: capture: %w", err)
	}
	if !st.IsRecording {
		return message.CaptureResult{}, &message.Error{Kind: message.KindNotRecording, Op: "oplog: capture"}
	}

	var res message.CaptureResult
	var shot *string
	img, err := l.capturer.CaptureVisible(ctx, tabID, CaptureOptions{Format: l.cfg.Format, Quality: l.cfg.Quality})
	switch {
	case err == nil:
		s := dataURL(l.cfg.Format, img)
		shot = &s
	case message.Classify(err) == message.KindQuotaExceeded:
		res.QuotaExceeded = true
		l.logger.Warn("oplog: capture throttled, logging without screenshot", "tab", tabID, "error", err)
	default:
		l.logger.Warn("oplog: capture failed, logging without screenshot", "tab", tabID, "error", err)
	}

	ts := click.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	rec := Record{
		ID:          l.ids(),
		Type:        TypeClick,
		Timestamp:   ts.UnixMilli(),
		URL:         l.clean(click.URL),
		Title:       l.clean(click.Title),
		Element:     l.clean(click.Element),
		Text:        truncate(l.clean(click.Text), maxText),
		Coordinates: Coordinates{X: click.X, Y: click.Y},
		Screenshot:  shot,
	}

	total, err := l.append(ctx, rec)
	if err != nil {
		return message.CaptureResult{}, err
	}
	res.OperationID = rec.ID
	res.TotalOperations = total
	res.HasScreenshot = shot != nil
	l.logger.Info("oplog: recorded", "id", rec.ID, "tab", tabID, "total", total, "screenshot", res.HasScreenshot)
	return res, nil
}

func (l *Log) append(ctx context.Context, rec Record) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total int
	err := l.kv.Update(ctx, KeyOperations, func(cur json.RawMessage) (any, error) {
		var ops []Record
		if cur != nil {
			if err := json.Unmarshal(cur, &ops); err != nil {
				return nil, fmt.Errorf("decode operations: %w", err)
			}
		}
		ops = append(ops, rec)
		if over := len(ops) - l.cfg.MaxOperations; over > 0 {
			ops = ops[over:]
		}
		total = len(ops)
		return ops, nil
	})
	if err != nil {
		return 0, fmt.Errorf("oplog: append: %w", err)
	}
	return total, nil
}

// List returns every record, oldest first.
func (l *Log) List(ctx context.Context) ([]Record, error) {
	var ops []Record
	if _, err := l.kv.Load(ctx, KeyOperations, &ops); err != nil {
		return nil, fmt.Errorf("oplog: list: %w", err)
	}
	if ops == nil {
		ops = []Record{}
	}
	return ops, nil
}

// Get returns the record with id.
func (l *Log) Get(ctx context.Context, id string) (Record, bool, error) {
	ops, err := l.List(ctx)
	if err != nil {
		return Record{}, false, err
	}
	for _, r := range ops {
		if r.ID == id {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// Clear drops every record.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.kv.Set(ctx, map[string]any{KeyOperations: []Record{}}); err != nil {
		return fmt.Errorf("oplog: clear: %w", err)
	}
	l.logger.Info("oplog: cleared")
	return nil
}

// Stats summarises the stored records and the session.
func (l *Log) Stats(ctx context.Context) (message.Stats, error) {
	ops, err := l.List(ctx)
	if err != nil {
		return message.Stats{}, err
	}
	st, err := l.sessions.Load(ctx)
	if err != nil {
		return message.Stats{}, fmt.Errorf("oplog: stats: %w", err)
	}
	out := message.Stats{Total: len(ops), IsRecording: st.IsRecording, StartTime: st.StartTime}
	for _, r := range ops {
		if r.Type == TypeClick {
			out.Clicks++
		}
		if r.HasScreenshot() {
			out.Screenshots++
		}
	}
	return out, nil
}

// maxText is the label length kept in a record, in characters.
const maxText = 100

// clean trims page-derived text. Values are plain text and stored as is;
// escaping belongs to whatever renders them.
func (l *Log) clean(s string) string {
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func dataURL(format string, img []byte) string {
	mime := "image/jpeg"
	if format == "png" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img)
}
