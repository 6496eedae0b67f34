// internal/model/packet.go
package model

import (
	"errors"
	"fmt"
	"time"
)

// Packet format fixed by the sensor firmware
const (
	PacketTag        byte = 'B'
	PacketTerminator byte = 'E'

	// ReadingInterval is how often the sensor transmits a packet
	ReadingInterval = 30 * time.Minute
)

// TokenKind distinguishes stream characters from control tokens
type TokenKind uint8

const (
	TokenChar TokenKind = iota
	TokenSentinel
)

// Token is one element of the packet queue: either a character received
// from the stream or the shutdown sentinel.
type Token struct {
	Kind TokenKind
	Char byte
}

// CharToken wraps a received stream character
func CharToken(c byte) Token {
	return Token{Kind: TokenChar, Char: c}
}

// SentinelToken returns the control token that ends a session
func SentinelToken() Token {
	return Token{Kind: TokenSentinel}
}

// IsSentinel reports whether the token is the shutdown sentinel
func (t Token) IsSentinel() bool {
	return t.Kind == TokenSentinel
}

func (t Token) String() string {
	if t.IsSentinel() {
		return "<sentinel>"
	}
	return fmt.Sprintf("%q", t.Char)
}

// Packet is a completed frame, without its terminator
type Packet []byte

func (p Packet) String() string {
	return string(p)
}

// SampleRecord is one persisted sensor reading
type SampleRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Reading   int64     `json:"reading"`
}

// Framing and validation errors. They are recovered by the processor.
var (
	ErrEmptyPacket     = errors.New("empty packet")
	ErrMalformedPacket = errors.New("malformed packet")
	ErrFrameOverflow   = errors.New("frame exceeds maximum size")
)

// MalformedPacketError carries the rejected packet and the reason
type MalformedPacketError struct {
	Packet string
	Reason string
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("malformed packet %q: %s", e.Packet, e.Reason)
}

func (e *MalformedPacketError) Unwrap() error {
	return ErrMalformedPacket
}
