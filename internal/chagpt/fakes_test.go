package chagpt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markb/chagpt/internal/hub"
	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/types"
)

var errStoreDown = errors.New("store down")

type insertCall struct {
	Content string
	Time    time.Time
	Color   uint32
}

type fakeStore struct {
	mu         sync.Mutex
	nextID     uint32
	inserts    []insertCall
	repertoire *types.Repertoire
	upserts    int
	insertErr  error
	loadErr    error
	upsertErr  error
}

func (s *fakeStore) InsertDanmaku(_ context.Context, content string, t time.Time, color uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.inserts = append(s.inserts, insertCall{content, t, color})
	if s.nextID == 0 {
		s.nextID = 1
	}
	id := s.nextID
	s.nextID++
	return id, nil
}

func (s *fakeStore) LoadRepertoire(context.Context) (*types.Repertoire, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.repertoire == nil {
		return nil, nil
	}
	rep := s.repertoire.Clone()
	return &rep, nil
}

func (s *fakeStore) UpsertRepertoire(_ context.Context, rep types.Repertoire) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts++
	rep = rep.Clone()
	s.repertoire = &rep
	return nil
}

func (s *fakeStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts)
}

// fakePeer records every packet emitted to it.
type fakePeer struct {
	id uint64

	mu      sync.Mutex
	packets []string
	fail    error
	closed  bool
}

var peerSeq atomic.Uint64

func newPeer() *fakePeer {
	return &fakePeer{id: peerSeq.Add(1)}
}

func (p *fakePeer) ID() uint64 { return p.id }

func (p *fakePeer) Emit(env *hub.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.packets = append(p.packets, string(env.Packet()))
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) Logger() *slog.Logger { return log.With("conn_id", p.id) }

func (p *fakePeer) got() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.packets...)
}
