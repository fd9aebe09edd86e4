// Package lottery draws Ethereum blocks as a public source of randomness for
// on-stage prize draws. A scraper keeps a pool of recent blocks and each draw
// hands out the newest block nobody has used yet.
package lottery

import (
	"errors"
	"sync"
)

var ErrExhausted = errors.New("lottery: blocks exhausted")

// Block is one mined block as scraped from the explorer.
type Block struct {
	Height uint32
	Hash   string // hex, without 0x
	Time   uint64 // Unix seconds
}

// Pool holds known blocks ordered by height and remembers which heights have
// been drawn. A drawn height is never handed out again, even if the scraper
// sees it a second time.
type Pool struct {
	mu     sync.RWMutex
	blocks map[uint32]Block
	used   map[uint32]struct{}
}

func NewPool() *Pool {
	return &Pool{
		blocks: make(map[uint32]Block),
		used:   make(map[uint32]struct{}),
	}
}

// Merge adds or replaces blocks by height and returns the pool size.
func (p *Pool) Merge(blocks []Block) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range blocks {
		p.blocks[b.Height] = b
	}
	return len(p.blocks)
}

// Take returns the highest unused block and marks it used.
func (p *Pool) Take() (Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best, found := Block{}, false
	for h, b := range p.blocks {
		if _, ok := p.used[h]; ok {
			continue
		}
		if !found || h > best.Height {
			best, found = b, true
		}
	}
	if !found {
		return Block{}, ErrExhausted
	}
	p.used[best.Height] = struct{}{}
	return best, nil
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.blocks)
}

// Latest returns the highest known height, used or not.
func (p *Pool) Latest() (uint32, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var max uint32
	for h := range p.blocks {
		if h > max {
			max = h
		}
	}
	return max, len(p.blocks) > 0
}
