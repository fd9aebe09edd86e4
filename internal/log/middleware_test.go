package log

import (
	"bufio"
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"ok", http.StatusOK, "level=INFO"},
		{"not found", http.StatusNotFound, "level=WARN"},
		{"server error", http.StatusInternalServerError, "level=ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			useLogger(t, slog.NewTextHandler(&buf, nil))

			var gotID string
			h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotID = GetRequestID(r.Context())
				w.WriteHeader(tt.status)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Len(t, gotID, 8)
			out := buf.String()
			assert.Contains(t, out, tt.level)
			assert.Contains(t, out, "path=/stats")
			assert.Contains(t, out, "request_id="+gotID)
		})
	}
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	conn net.Conn
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, bufio.NewReadWriter(bufio.NewReader(h.conn), bufio.NewWriter(h.conn)), nil
}

func TestRequestLogger_Hijack(t *testing.T) {
	var buf bytes.Buffer
	useLogger(t, slog.NewTextHandler(&buf, nil))

	server, client := net.Pipe()
	defer client.Close()

	h := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	h.ServeHTTP(&hijackRecorder{ResponseRecorder: httptest.NewRecorder(), conn: server}, httptest.NewRequest(http.MethodGet, "/chagpt", nil))

	assert.Contains(t, buf.String(), "status=101")
	assert.Contains(t, buf.String(), "upgraded=true")
}

func TestGetRequestID_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, GetRequestID(req.Context()))
}
