package lottery

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/markb/chagpt/internal/hub"
	"github.com/markb/chagpt/internal/log"
)

const maxRequestBody = 4 << 10

// AdminEmitter delivers an envelope to the current admin, if any.
type AdminEmitter interface {
	EmitToAdmin(env *hub.Envelope) error
}

// Handler serves draw requests. The drawn block is pushed to the admin and
// echoed to the caller.
type Handler struct {
	secret string
	pool   *Pool
	admin  AdminEmitter
	clock  clockwork.Clock
}

func NewHandler(secret string, pool *Pool, admin AdminEmitter, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{secret: secret, pool: pool, admin: admin, clock: clock}
}

type drawRequest struct {
	Secret string `json:"secret"`
}

type drawResult struct {
	Type      string `json:"type"`
	Block     uint32 `json:"block"`
	Hash      string `json:"hash"`
	BlockTime uint64 `json:"blockTime"`
	Now       int64  `json:"now"`
}

var nullBody = []byte("null")

// ServeHTTP answers null for a bad secret, a malformed body or an empty
// pool, matching what draw pages already expect.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req drawRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		log.Debug("malformed lottery request", "error", err)
		w.Write(nullBody)
		return
	}
	if !h.authorized(req.Secret) {
		w.Write(nullBody)
		return
	}

	block, err := h.pool.Take()
	if err != nil {
		if errors.Is(err, ErrExhausted) {
			log.Warn("blocks are exhausted")
		}
		w.Write(nullBody)
		return
	}

	now := h.clock.Now()
	env, err := hub.MarshalEnvelope(hub.KindLottery, drawResult{
		Type:      hub.KindLottery,
		Block:     block.Height,
		Hash:      block.Hash,
		BlockTime: block.Time * 1000,
		Now:       now.UnixMilli(),
	})
	if err != nil {
		log.Error("failed to encode lottery result", "error", err)
		w.Write(nullBody)
		return
	}

	log.Info("block taken",
		"block", block.Height,
		"block_time", time.Unix(int64(block.Time), 0).UTC(),
		"now", now.UTC(),
	)

	// Delivery failures are logged by the slot.
	if err := h.admin.EmitToAdmin(env); errors.Is(err, hub.ErrSlotEmpty) {
		log.Debug("no admin connected for lottery result")
	}
	w.Write(env.Payload())
}

// An empty configured secret disables draws.
func (h *Handler) authorized(secret string) bool {
	if h.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(h.secret)) == 1
}
