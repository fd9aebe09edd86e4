// Package chagpt implements the live-event roles on top of the realtime
// connection layer: audience members propose danmaku, the admin moderates
// and edits the program schedule, and the emitter renders approved content.
package chagpt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/markb/chagpt/internal/hub"
	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/metrics"
	"github.com/markb/chagpt/internal/observability"
	"github.com/markb/chagpt/internal/types"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrContentTooLong = types.ErrContentTooLong
	ErrRateLimited    = errors.New("rate limited")
)

// Store persists danmaku and the repertoire.
type Store interface {
	InsertDanmaku(ctx context.Context, content string, t time.Time, color uint32) (uint32, error)
	// LoadRepertoire returns nil, nil when nothing has been saved yet.
	LoadRepertoire(ctx context.Context) (*types.Repertoire, error)
	UpsertRepertoire(ctx context.Context, rep types.Repertoire) error
}

// RoutingPolicy decides who besides the audience receives a new danmaku.
type RoutingPolicy string

const (
	// RoutingModerated sends new danmaku to the admin, who forwards approved
	// ones to the emitter.
	RoutingModerated RoutingPolicy = "moderated"
	// RoutingDirect sends new danmaku straight to the emitter.
	RoutingDirect RoutingPolicy = "direct"
)

// ParseRoutingPolicy parses a policy name. Empty means moderated.
func ParseRoutingPolicy(s string) (RoutingPolicy, error) {
	switch p := RoutingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RoutingModerated, nil
	case RoutingModerated, RoutingDirect:
		return p, nil
	default:
		return "", fmt.Errorf("unknown routing policy %q", s)
	}
}

// Config configures a Service.
type Config struct {
	AdminSecret   string
	EmitterSecret string
	Routing       RoutingPolicy
	// MaxContentRunes caps danmaku length. Zero disables the check.
	MaxContentRunes int
	// ProposeRate is the per-connection propose rate. Zero disables limiting.
	ProposeRate  rate.Limit
	ProposeBurst int
}

// DefaultConfig returns moderated routing with the standard content cap and
// no propose rate limit.
func DefaultConfig() Config {
	return Config{
		Routing:         RoutingModerated,
		MaxContentRunes: types.DefaultMaxContentRunes,
	}
}

// Service owns the moderation pipeline and the repertoire cache and hands
// out the connection roles.
type Service struct {
	cfg      Config
	store    Store
	registry *hub.Registry
	cache    *RepertoireCache
	clock    clockwork.Clock
	metrics  *metrics.Metrics
}

// NewService wires a service. clock and m may be nil.
func NewService(cfg Config, store Store, registry *hub.Registry, clock clockwork.Clock, m *metrics.Metrics) *Service {
	if cfg.Routing == "" {
		cfg.Routing = RoutingModerated
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		registry: registry,
		cache:    NewRepertoireCache(store),
		clock:    clock,
		metrics:  m,
	}
}

// Init loads the persisted repertoire into the cache. A failure leaves the
// cache empty; the service remains usable.
func (s *Service) Init(ctx context.Context) error {
	return s.cache.Init(ctx)
}

func (s *Service) Registry() *hub.Registry { return s.registry }

func (s *Service) Repertoire() *RepertoireCache { return s.cache }

// Submit runs one audience proposal through the pipeline: validate,
// persist, then route the resulting envelope. Persistence always happens
// before any delivery. The returned envelope is nil on error.
func (s *Service) Submit(ctx context.Context, text string) (_ *hub.Envelope, err error) {
	ctx, span := observability.StartSpan(ctx, "chagpt.submit", observability.AttrRouting.String(string(s.cfg.Routing)))
	defer func() { observability.EndSpan(span, err) }()

	msg, err := parsePropose(text)
	if err != nil {
		s.metrics.Submission(metrics.ResultRejected)
		return nil, err
	}
	if err := types.ValidateContent(msg.Content, s.cfg.MaxContentRunes); err != nil {
		s.metrics.Submission(metrics.ResultRejected)
		return nil, err
	}

	now := s.clock.Now()
	id, err := s.store.InsertDanmaku(ctx, msg.Content, now, msg.Color)
	if err != nil {
		s.metrics.Submission(metrics.ResultStoreFailed)
		return nil, fmt.Errorf("insert danmaku: %w", err)
	}
	s.metrics.Submission(metrics.ResultAccepted)
	span.SetAttributes(observability.AttrDanmakuID.Int64(int64(id)))

	d := types.Danmaku{ID: id, Content: msg.Content, Color: msg.Color, Time: now}
	env, err := hub.MarshalEnvelope(hub.KindDanmaku, newDanmakuMessage(d))
	if err != nil {
		return nil, err
	}
	n := s.route(env)
	span.SetAttributes(observability.AttrRecipients.Int(n))
	return env, nil
}

// route returns the number of audience members reached.
func (s *Service) route(env *hub.Envelope) int {
	n := s.registry.Broadcast(env)

	slot := s.registry.Admin
	if s.cfg.Routing == RoutingDirect {
		slot = s.registry.Emitter
	}
	// Delivery failures are already logged by the slot.
	slot.Emit(env)
	return n
}

// UpdateRepertoire persists and caches rep, then pushes it to the audience.
func (s *Service) UpdateRepertoire(ctx context.Context, rep types.Repertoire) error {
	env, err := s.cache.Update(ctx, rep)
	if err != nil {
		return err
	}
	n := s.registry.Broadcast(env)
	log.Debug("chagpt: repertoire broadcast", "programs", len(rep.Programs), "current", rep.Current, "delivered", n)
	return nil
}

// ForwardChecked sends admin-approved content to the emitter. Nothing is
// stored and the audience is not notified.
func (s *Service) ForwardChecked(content string, color uint32) error {
	env, err := hub.MarshalEnvelope(hub.KindDanmakuChecked, emitterMessage{Content: content, Color: color})
	if err != nil {
		return err
	}
	return s.registry.Emitter.Emit(env)
}

// EmitToAdmin delivers env to the admin, if one is logged in.
func (s *Service) EmitToAdmin(env *hub.Envelope) error {
	return s.registry.Admin.Emit(env)
}

func (s *Service) newLimiter() *rate.Limiter {
	if s.cfg.ProposeRate <= 0 {
		return nil
	}
	return rate.NewLimiter(s.cfg.ProposeRate, max(s.cfg.ProposeBurst, 1))
}
