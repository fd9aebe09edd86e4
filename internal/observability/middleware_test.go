package observability

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddlewareWithDisabledTelemetry(t *testing.T) {
	tel, cleanup, err := Init(context.Background(), NewConfig())
	require.NoError(t, err)
	defer cleanup()

	handler := HTTPMiddleware(tel, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, trace.SpanFromContext(r.Context()).IsRecording())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	tel, sr := recordSpans(t)

	tests := []struct {
		path   string
		status int
		code   codes.Code
	}{
		{"/stats", http.StatusOK, codes.Ok},
		{"/missing", http.StatusNotFound, codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			handler := HTTPMiddleware(tel, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.True(t, trace.SpanFromContext(r.Context()).IsRecording())
				w.WriteHeader(tt.status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tt.path, nil))

			spans := sr.Ended()
			span := spans[len(spans)-1]
			assert.Equal(t, "GET "+tt.path, span.Name())
			assert.Equal(t, tt.code, span.Status().Code)
			assert.Contains(t, span.Attributes(), AttrHTTPStatusCode.Int(tt.status))
		})
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	conn net.Conn
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, nil, nil
}

func TestMiddlewareForwardsHijack(t *testing.T) {
	tel, sr := recordSpans(t)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	handler := HTTPMiddleware(tel, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		assert.Equal(t, server, conn)
	}))
	handler.ServeHTTP(&hijackRecorder{ResponseRecorder: httptest.NewRecorder(), conn: server}, httptest.NewRequest("GET", "/chagpt", nil))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Contains(t, spans[0].Attributes(), AttrHTTPUpgraded.Bool(true))
	assert.Contains(t, spans[0].Attributes(), AttrHTTPStatusCode.Int(http.StatusSwitchingProtocols))
}
