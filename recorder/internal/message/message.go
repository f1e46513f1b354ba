// Package message defines the closed set of requests and responses
// exchanged between page contexts, the background service and the control
// surface, plus the error taxonomy shared by all of them.
//
// Requests are sealed: only types in this package implement Request, so a
// type switch over them is the whole dispatch table.
package message

import "time"

// Kind names a request variant. Used for logging and the JSON envelope.
type Kind string

const (
	KindPing              Kind = "ping"
	KindStartRecording    Kind = "start_recording"
	KindStopRecording     Kind = "stop_recording"
	KindCaptureScreenshot Kind = "capture_screenshot"
	KindGetRecordingState Kind = "get_recording_state"
	KindClearRecords      Kind = "clear_records"
	KindGetStats          Kind = "get_stats"
)

// Request is one of the request types declared below.
type Request interface {
	Kind() Kind
	isRequest()
}

// Ping is a zero-payload liveness probe.
type Ping struct{}

// StartRecording turns the recording session on.
type StartRecording struct{}

// StopRecording turns the recording session off.
type StopRecording struct{}

// CaptureScreenshot asks the background to screenshot TabID and log Click.
type CaptureScreenshot struct {
	TabID string `json:"tab_id"`
	Click Click  `json:"click"`
}

// GetRecordingState reads the durable recording session.
type GetRecordingState struct{}

// ClearRecords drops every stored operation.
type ClearRecords struct{}

// GetStats summarises the stored operations.
type GetStats struct{}

func (Ping) Kind() Kind              { return KindPing }
func (StartRecording) Kind() Kind    { return KindStartRecording }
func (StopRecording) Kind() Kind     { return KindStopRecording }
func (CaptureScreenshot) Kind() Kind { return KindCaptureScreenshot }
func (GetRecordingState) Kind() Kind { return KindGetRecordingState }
func (ClearRecords) Kind() Kind      { return KindClearRecords }
func (GetStats) Kind() Kind          { return KindGetStats }

func (Ping) isRequest()              {}
func (StartRecording) isRequest()    {}
func (StopRecording) isRequest()     {}
func (CaptureScreenshot) isRequest() {}
func (GetRecordingState) isRequest() {}
func (ClearRecords) isRequest()      {}
func (GetStats) isRequest()          {}

// Click is the metadata of one user click, extracted in the page before
// any asynchronous wait. It never references a live DOM node.
type Click struct {
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Element   string    `json:"element"`
	Text      string    `json:"text"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is one of the response types declared below.
type Response interface {
	isResponse()
}

// Pong answers Ping. ContextID identifies the answering execution context.
type Pong struct {
	ContextID string    `json:"context_id"`
	At        time.Time `json:"at"`
}

// RecordingState mirrors the durable recording session.
type RecordingState struct {
	IsRecording bool       `json:"is_recording"`
	StartTime   *time.Time `json:"start_time"`
}

// CaptureResult answers CaptureScreenshot.
type CaptureResult struct {
	OperationID     string `json:"operation_id"`
	TotalOperations int    `json:"total_operations"`
	HasScreenshot   bool   `json:"has_screenshot"`
	// QuotaExceeded is set when the host throttled the capture call and the
	// click was logged without an image.
	QuotaExceeded bool `json:"quota_exceeded,omitempty"`
}

// Stats answers GetStats.
type Stats struct {
	Clicks      int        `json:"clicks"`
	Screenshots int        `json:"screenshots"`
	Total       int        `json:"total"`
	IsRecording bool       `json:"is_recording"`
	StartTime   *time.Time `json:"start_time"`
}

// Ack is an empty success.
type Ack struct{}

func (Pong) isResponse()           {}
func (RecordingState) isResponse() {}
func (CaptureResult) isResponse()  {}
func (Stats) isResponse()          {}
func (Ack) isResponse()            {}
