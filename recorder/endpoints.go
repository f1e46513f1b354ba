package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/steprec/kit"
	"github.com/hazyhaar/steprec/observability"
	"github.com/hazyhaar/steprec/recorder/internal/oplog"
)

// Operation is one recorded click as served by the control surfaces. The
// screenshot data URL is only filled when asked for.
type Operation struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Timestamp     int64             `json:"timestamp"`
	URL           string            `json:"url"`
	Title         string            `json:"title"`
	Element       string            `json:"element"`
	Text          string            `json:"text"`
	Coordinates   oplog.Coordinates `json:"coordinates"`
	HasScreenshot bool              `json:"has_screenshot"`
	Screenshot    *string           `json:"screenshot,omitempty"`
}

func newOperation(rec oplog.Record, withImage bool) Operation {
	op := Operation{
		ID:            rec.ID,
		Type:          rec.Type,
		Timestamp:     rec.Timestamp,
		URL:           rec.URL,
		Title:         rec.Title,
		Element:       rec.Element,
		Text:          rec.Text,
		Coordinates:   rec.Coordinates,
		HasScreenshot: rec.HasScreenshot(),
	}
	if withImage {
		op.Screenshot = rec.Screenshot
	}
	return op
}

type listRequest struct {
	// Limit keeps the most recent operations. Zero returns all.
	Limit       int  `json:"limit,omitempty"`
	Screenshots bool `json:"screenshots,omitempty"`
}

type listResponse struct {
	Total      int         `json:"total"`
	Operations []Operation `json:"operations"`
}

type getRequest struct {
	ID          string `json:"id"`
	Screenshots bool   `json:"screenshots,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// errNotFound is returned by the get endpoint for unknown ids.
var errNotFound = errors.New("recorder: operation not found")

func (r *Recorder) wrap(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(r.logger, name))(e)
}

// wrapAudited also records each call in the audit trail.
func (r *Recorder) wrapAudited(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(r.logger, name), r.audit.Middleware(name))(e)
}

// AuditTrail returns the most recent control calls, newest first.
func (r *Recorder) AuditTrail(ctx context.Context, limit int) ([]observability.AuditEntry, error) {
	return r.audit.Query(ctx, observability.AuditFilter{Limit: limit})
}

func (r *Recorder) startEndpoint() kit.Endpoint {
	return r.wrapAudited("start", func(ctx context.Context, _ any) (any, error) {
		return r.StartRecording(ctx)
	})
}

func (r *Recorder) stopEndpoint() kit.Endpoint {
	return r.wrapAudited("stop", func(ctx context.Context, _ any) (any, error) {
		return r.StopRecording(ctx)
	})
}

func (r *Recorder) clearEndpoint() kit.Endpoint {
	return r.wrapAudited("clear", func(ctx context.Context, _ any) (any, error) {
		if err := r.ClearRecords(ctx); err != nil {
			return nil, err
		}
		return statusResponse{Status: "cleared"}, nil
	})
}

func (r *Recorder) stateEndpoint() kit.Endpoint {
	return r.wrap("state", func(ctx context.Context, _ any) (any, error) {
		return r.State(ctx)
	})
}

func (r *Recorder) statsEndpoint() kit.Endpoint {
	return r.wrap("stats", func(ctx context.Context, _ any) (any, error) {
		return r.Stats(ctx)
	})
}

func (r *Recorder) listEndpoint() kit.Endpoint {
	return r.wrap("list", func(ctx context.Context, req any) (any, error) {
		lr, _ := req.(*listRequest)
		if lr == nil {
			lr = &listRequest{}
		}
		recs, err := r.Operations(ctx)
		if err != nil {
			return nil, err
		}
		resp := listResponse{Total: len(recs), Operations: make([]Operation, 0, len(recs))}
		if lr.Limit > 0 && len(recs) > lr.Limit {
			recs = recs[len(recs)-lr.Limit:]
		}
		for _, rec := range recs {
			resp.Operations = append(resp.Operations, newOperation(rec, lr.Screenshots))
		}
		return resp, nil
	})
}

func (r *Recorder) getEndpoint() kit.Endpoint {
	return r.wrap("get", func(ctx context.Context, req any) (any, error) {
		gr := req.(*getRequest)
		rec, ok, err := r.Operation(ctx, gr.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", errNotFound, gr.ID)
		}
		return newOperation(rec, gr.Screenshots), nil
	})
}

type auditRequest struct {
	Limit int `json:"limit,omitempty"`
}

func (r *Recorder) auditEndpoint() kit.Endpoint {
	return r.wrap("audit", func(ctx context.Context, req any) (any, error) {
		ar, _ := req.(*auditRequest)
		if ar == nil {
			ar = &auditRequest{}
		}
		return r.AuditTrail(ctx, ar.Limit)
	})
}
