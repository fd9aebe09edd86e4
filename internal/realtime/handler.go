package realtime

import (
	"net/http"

	"github.com/markb/chagpt/internal/log"
)

// Handler upgrades each request to a WebSocket and serves it with a fresh
// Role from newRole. The request goroutine returns once the connection is
// running.
func Handler(newRole func() Role, opts Options) http.HandlerFunc {
	opts = opts.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := Upgrade(r, w, opts.MaxMessageSize)
		if err != nil {
			log.Debug("realtime: upgrade failed", "path", r.URL.Path, "error", err.Error())
			return
		}
		conn := NewConn(t, newRole(), opts)
		go conn.Serve()
	}
}
