package chagpt

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/time/rate"

	"github.com/markb/chagpt/internal/hub"
	"github.com/markb/chagpt/internal/metrics"
	"github.com/markb/chagpt/internal/realtime"
)

// NewAudience returns the role for one audience connection.
func (s *Service) NewAudience() realtime.Role {
	return &audience{svc: s, limiter: s.newLimiter()}
}

// NewAdmin returns the role for one admin connection.
func (s *Service) NewAdmin() realtime.Role {
	return &admin{svc: s}
}

// NewEmitter returns the role for one display output connection.
func (s *Service) NewEmitter() realtime.Role {
	return &emitter{svc: s}
}

type audience struct {
	svc     *Service
	limiter *rate.Limiter
}

func (a *audience) OnConnect(p realtime.Peer) {
	a.svc.registry.Insert(p)
	if env := a.svc.cache.Snapshot(); env != nil {
		if err := p.Emit(env); err != nil {
			p.Logger().Error("chagpt: repertoire snapshot not delivered", "error", err.Error())
		}
	}
}

func (a *audience) OnDisconnect(p realtime.Peer) {
	a.svc.registry.Remove(p)
}

func (a *audience) OnText(p realtime.Peer, text string) {
	p.Logger().Debug("chagpt: audience text", "len", len(text))
	if a.limiter != nil && !a.limiter.Allow() {
		a.svc.metrics.Submission(metrics.ResultRateLimited)
		p.Logger().Debug("chagpt: proposal dropped", "error", ErrRateLimited.Error())
		return
	}

	_, err := a.svc.Submit(context.Background(), text)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrContentTooLong):
		p.Logger().Debug("chagpt: proposal rejected", "error", err.Error())
	default:
		p.Logger().Warn("chagpt: proposal not stored", "error", err.Error())
	}
}

func (a *audience) OnBinary(p realtime.Peer, data []byte) {
	p.Logger().Debug("chagpt: ignoring binary", "len", len(data))
}

type admin struct {
	svc      *Service
	loggedIn bool
}

func (a *admin) OnConnect(realtime.Peer) {}

func (a *admin) OnDisconnect(p realtime.Peer) {
	if a.loggedIn {
		a.svc.registry.Admin.ClearIf(p)
	}
}

func (a *admin) OnText(p realtime.Peer, text string) {
	if !a.loggedIn {
		a.login(p, text)
		return
	}

	var head envelopeType
	if err := json.Unmarshal([]byte(text), &head); err != nil {
		p.Logger().Debug("chagpt: malformed admin message", "error", err.Error())
		return
	}
	switch head.Type {
	case typeRepertoireUpdate:
		rep, err := parseRepertoireUpdate(text)
		if err != nil {
			p.Logger().Debug("chagpt: bad repertoire update", "error", err.Error())
			return
		}
		if err := a.svc.UpdateRepertoire(context.Background(), rep); err != nil {
			p.Logger().Warn("chagpt: failed to update repertoire", "error", err.Error())
		}
	case typeDanmakuChecked:
		msg, err := parseContent(text, typeDanmakuChecked)
		if err != nil {
			p.Logger().Debug("chagpt: bad checked danmaku", "error", err.Error())
			return
		}
		if err := a.svc.ForwardChecked(msg.Content, msg.Color); err != nil && !errors.Is(err, hub.ErrSlotEmpty) {
			p.Logger().Debug("chagpt: checked danmaku not forwarded", "error", err.Error())
		}
	default:
		p.Logger().Debug("chagpt: unknown admin message", "type", head.Type)
	}
}

func (a *admin) login(p realtime.Peer, text string) {
	secret := a.svc.cfg.AdminSecret
	if !secretMatches(secret, text) {
		return
	}
	a.loggedIn = true
	if err := p.Emit(hub.NewEnvelope(hub.KindLogin, []byte(secret))); err != nil {
		p.Logger().Error("chagpt: login ack not delivered", "error", err.Error())
	}
	a.svc.registry.Admin.Set(p)
	p.Logger().Info("chagpt: admin logged in")
}

func (a *admin) OnBinary(realtime.Peer, []byte) {}

type emitter struct {
	svc       *Service
	installed bool
}

func (e *emitter) OnConnect(realtime.Peer) {}

func (e *emitter) OnDisconnect(p realtime.Peer) {
	if e.installed {
		e.svc.registry.Emitter.ClearIf(p)
	}
}

func (e *emitter) OnText(p realtime.Peer, text string) {
	if !secretMatches(e.svc.cfg.EmitterSecret, text) {
		return
	}
	e.installed = true
	e.svc.registry.Emitter.Set(p)
	p.Logger().Info("chagpt: emitter connected")
}

func (e *emitter) OnBinary(realtime.Peer, []byte) {}

// secretMatches reports whether text, trimmed, is the configured secret. An
// empty secret matches nothing.
func secretMatches(secret, text string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(text)), []byte(secret)) == 1
}
