package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

// serveInstrumented routes one request through Instrument and returns the
// recorder. ResponseRecorder snapshots headers at WriteHeader, so headers
// set after the status line went out do not appear in Result().
func serveInstrumented(r *http.Request, h http.HandlerFunc) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	router.Use(Instrument(nil))
	router.HandleFunc(r.URL.Path, h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, r)
	return rr
}

func TestInstrumentStampsHeadersBeforeStatusLine(t *testing.T) {
	rr := serveInstrumented(httptest.NewRequest(http.MethodGet, "/ping", nil),
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("ok"))
		})

	res := rr.Result()
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("X-Request-ID"))
	assert.NotEmpty(t, res.Header.Get("X-Response-Time"))
}

func TestInstrumentTimesImplicitOK(t *testing.T) {
	// No explicit WriteHeader: the first body write carries the headers.
	rr := serveInstrumented(httptest.NewRequest(http.MethodGet, "/ping", nil),
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})

	res := rr.Result()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("X-Response-Time"))
}

func TestInstrumentHonorsCallerRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "req-42")

	var fromCtx string
	rr := serveInstrumented(req, func(w http.ResponseWriter, r *http.Request) {
		fromCtx = RequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	assert.Equal(t, "req-42", fromCtx)
	assert.Equal(t, "req-42", rr.Result().Header.Get("X-Request-ID"))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:4321"
	assert.Equal(t, "10.0.0.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}
