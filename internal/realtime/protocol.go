// Package realtime implements the connection layer: a frame-level WebSocket
// transport, fragment reassembly with a hard memory cap, and an engine.io
// style handshake/heartbeat protocol that presents plain text and binary
// messages to a Role.
package realtime

import (
	"encoding/json"
	"time"
)

// Packet types of the heartbeat sub-protocol. Each text frame starts with one.
const (
	PacketOpen    = '0'
	PacketClose   = '1'
	PacketPing    = '2'
	PacketPong    = '3'
	PacketMessage = '4'
)

var (
	pingPacket = []byte{PacketPing}
	pongPacket = []byte{PacketPong}
)

// Handshake is the payload of the open packet.
type Handshake struct {
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	Upgrades     []string `json:"upgrades"`
}

// NewHandshake advertises the ping interval and how long after a ping the
// peer may stay silent before the server gives up on it.
func NewHandshake(pingInterval, idleTimeout time.Duration) Handshake {
	return Handshake{
		PingInterval: pingInterval.Milliseconds(),
		PingTimeout:  (idleTimeout - pingInterval).Milliseconds(),
		Upgrades:     []string{},
	}
}

// Packet encodes the handshake as an open packet.
func (h Handshake) Packet() []byte {
	data, _ := json.Marshal(h)
	return append([]byte{PacketOpen}, data...)
}

// ParsePacket splits a text frame into its packet type and body.
func ParsePacket(text string) (typ byte, body string, ok bool) {
	if text == "" {
		return 0, "", false
	}
	return text[0], text[1:], true
}
