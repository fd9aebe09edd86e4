package chagpt

import (
	"encoding/json"
	"fmt"

	"github.com/markb/chagpt/internal/types"
)

// Inbound message types.
const (
	typePropose          = "propose"
	typeRepertoireUpdate = "repertoire-update"
	typeDanmakuChecked   = "danmaku-checked"
)

type envelopeType struct {
	Type string `json:"type"`
}

// contentMessage is the body of both propose and danmaku-checked. Pointer
// fields distinguish a missing field from a zero value.
type contentMessage struct {
	Type    string  `json:"type"`
	Content *string `json:"content"`
	Color   *uint32 `json:"color"`
}

type proposal struct {
	Content string
	Color   uint32
}

func parseContent(text, want string) (proposal, error) {
	var m contentMessage
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return proposal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type != want {
		return proposal{}, fmt.Errorf("%w: type %q", ErrMalformed, m.Type)
	}
	if m.Content == nil || m.Color == nil {
		return proposal{}, fmt.Errorf("%w: missing content or color", ErrMalformed)
	}
	return proposal{Content: *m.Content, Color: *m.Color}, nil
}

func parsePropose(text string) (proposal, error) {
	return parseContent(text, typePropose)
}

type repertoireUpdate struct {
	Programs *[]types.Program `json:"programs"`
	Current  *uint32          `json:"current"`
}

func parseRepertoireUpdate(text string) (types.Repertoire, error) {
	var m repertoireUpdate
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return types.Repertoire{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Programs == nil || m.Current == nil {
		return types.Repertoire{}, fmt.Errorf("%w: missing programs or current", ErrMalformed)
	}
	return types.Repertoire{Programs: *m.Programs, Current: *m.Current}, nil
}

// danmakuMessage is broadcast for every accepted proposal. Field order is
// the wire order.
type danmakuMessage struct {
	Type    string `json:"type"`
	ID      uint32 `json:"id"`
	Content string `json:"content"`
	Time    uint64 `json:"time"`
	Color   uint32 `json:"color"`
}

func newDanmakuMessage(d types.Danmaku) danmakuMessage {
	return danmakuMessage{
		Type:    "danmaku",
		ID:      d.ID,
		Content: d.Content,
		Time:    d.TimeMillis(),
		Color:   d.Color,
	}
}

type repertoireMessage struct {
	Type     string          `json:"type"`
	Programs []types.Program `json:"programs"`
	Current  uint32          `json:"current"`
}

func newRepertoireMessage(r types.Repertoire) repertoireMessage {
	programs := r.Programs
	if programs == nil {
		programs = []types.Program{}
	}
	return repertoireMessage{Type: "repertoire", Programs: programs, Current: r.Current}
}

// emitterMessage is what the display output renders.
type emitterMessage struct {
	Content string `json:"content"`
	Color   uint32 `json:"color"`
}
