package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/steprec/kit"
)

func newRouter(h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	for _, mw := range DefaultStack(nil) {
		r.Use(mw)
	}
	r.Get("/state", h)
	r.Post("/start", h)
	return r
}

func TestDefaultStack_Headers(t *testing.T) {
	var traceID, transport string
	r := newRouter(func(w http.ResponseWriter, r *http.Request) {
		traceID = kit.GetTraceID(r.Context())
		transport = kit.GetTransport(r.Context())
		assert.NotNil(t, GetLogger(r.Context()))
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.True(t, strings.HasPrefix(traceID, "trc_"))
	assert.Equal(t, traceID, rec.Header().Get("X-Trace-ID"))
	assert.Equal(t, "http", transport)
}

func TestHeadToGet(t *testing.T) {
	r := newRouter(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMaxBody(t *testing.T) {
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		_, err := r.Body.Read(buf)
		for err == nil {
			_, err = r.Body.Read(buf)
		}
		var mbe *http.MaxBytesError
		if assert.ErrorAs(t, err, &mbe) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(strings.Repeat("x", 32))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetLogger_Default(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotNil(t, GetLogger(req.Context()))
}
