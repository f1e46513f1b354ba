package recorder

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/steprec/kit"
	"github.com/hazyhaar/steprec/recorder/internal/message"
	"github.com/hazyhaar/steprec/shield"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Handler returns the HTTP control API.
func (r *Recorder) Handler() http.Handler {
	mux := chi.NewRouter()
	for _, mw := range shield.DefaultStack(r.logger) {
		mux.Use(mw)
	}

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	})
	mux.Get("/state", r.serve(r.stateEndpoint(), noRequest))
	mux.Get("/stats", r.serve(r.statsEndpoint(), noRequest))
	mux.Post("/start", r.serve(r.startEndpoint(), noRequest))
	mux.Post("/stop", r.serve(r.stopEndpoint(), noRequest))
	mux.Post("/clear", r.serve(r.clearEndpoint(), noRequest))
	mux.Get("/operations", r.serve(r.listEndpoint(), func(req *http.Request) (any, error) {
		return &listRequest{
			Limit:       queryInt(req, "limit", 0),
			Screenshots: req.URL.Query().Get("screenshots") == "1",
		}, nil
	}))
	mux.Get("/operations/{id}", r.serve(r.getEndpoint(), func(req *http.Request) (any, error) {
		return &getRequest{
			ID:          chi.URLParam(req, "id"),
			Screenshots: req.URL.Query().Get("screenshots") == "1",
		}, nil
	}))
	mux.Get("/operations/{id}/screenshot", r.serveScreenshot)
	mux.Get("/audit", r.serve(r.auditEndpoint(), func(req *http.Request) (any, error) {
		return &auditRequest{Limit: queryInt(req, "limit", 0)}, nil
	}))
	mux.Get("/events", r.serveEvents)
	return mux
}

func noRequest(*http.Request) (any, error) { return nil, nil }

func (r *Recorder) serve(e kit.Endpoint, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		in, err := decode(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		out, err := e(req.Context(), in)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (r *Recorder) serveScreenshot(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	rec, ok, err := r.Operation(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	if !rec.HasScreenshot() {
		writeError(w, http.StatusNotFound, errors.New("recorder: operation has no screenshot"))
		return
	}
	mime, data, err := rec.Image()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// serveEvents streams recorder events over a websocket until the client
// goes away.
func (r *Recorder) serveEvents(w http.ResponseWriter, req *http.Request) {
	log := shield.GetLogger(req.Context())
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn("recorder: websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	evs, cancel := r.hub.Subscribe(64)
	defer cancel()

	// The read loop only notices the client closing.
	ctx, stop := context.WithCancel(req.Context())
	defer stop()
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.runCtx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("recorder: websocket write", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, message.ErrTimeout), errors.Is(err, message.ErrContextInvalidated):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
