// internal/frame/assembler.go
package frame

import (
	"iter"

	"sensor-reader/internal/model"
)

// DefaultMaxFrameSize bounds the frame buffer. Sensor packets are a tag and
// at most a handful of digits, so anything longer means a lost terminator.
const DefaultMaxFrameSize = 64

// ResultKind describes what a pushed token produced
type ResultKind int

const (
	// ResultNone means the token was buffered or ignored
	ResultNone ResultKind = iota
	// ResultPacket means a terminator completed a packet
	ResultPacket
	// ResultShutdown means the sentinel was observed
	ResultShutdown
)

// Result is the outcome of pushing a single token
type Result struct {
	Kind   ResultKind
	Packet model.Packet
	// Discarded holds a partially buffered frame dropped on shutdown
	Discarded model.Packet
}

// Assembler turns a token stream into packets delimited by the terminator
type Assembler struct {
	terminator byte
	maxSize    int
	buf        []byte
	stopped    bool
}

// NewAssembler creates an assembler for the sensor's packet terminator
func NewAssembler() *Assembler {
	return NewAssemblerWith(model.PacketTerminator, DefaultMaxFrameSize)
}

// NewAssemblerWith creates an assembler with an explicit terminator and size bound
func NewAssemblerWith(terminator byte, maxSize int) *Assembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Assembler{
		terminator: terminator,
		maxSize:    maxSize,
		buf:        make([]byte, 0, 16),
	}
}

// Push consumes one token.
//
// A terminator emits the buffered bytes as a packet and resets the buffer; a
// terminator on an empty buffer returns model.ErrEmptyPacket. The sentinel
// stops the assembler and any partial frame is returned in Result.Discarded.
// Tokens pushed after the sentinel are ignored. A character that would grow
// the buffer past the size bound drops the buffered bytes, returns
// model.ErrFrameOverflow and becomes the first byte of a fresh frame.
func (a *Assembler) Push(tok model.Token) (Result, error) {
	if a.stopped {
		return Result{}, nil
	}

	if tok.IsSentinel() {
		a.stopped = true
		res := Result{Kind: ResultShutdown}
		if len(a.buf) > 0 {
			res.Discarded = a.take()
		}
		return res, nil
	}

	if tok.Char == a.terminator {
		if len(a.buf) == 0 {
			return Result{}, model.ErrEmptyPacket
		}
		return Result{Kind: ResultPacket, Packet: a.take()}, nil
	}

	// The overflowing character starts the next frame so a tag that
	// follows line noise is not lost.
	if len(a.buf) >= a.maxSize {
		a.buf = append(a.buf[:0], tok.Char)
		return Result{}, model.ErrFrameOverflow
	}

	a.buf = append(a.buf, tok.Char)
	return Result{}, nil
}

// Frames lazily transduces a token sequence into packets. Framing errors are
// yielded alongside a nil packet and the sequence continues; it ends at the
// sentinel or when the input is exhausted.
func (a *Assembler) Frames(tokens iter.Seq[model.Token]) iter.Seq2[model.Packet, error] {
	return func(yield func(model.Packet, error) bool) {
		for tok := range tokens {
			res, err := a.Push(tok)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			switch res.Kind {
			case ResultPacket:
				if !yield(res.Packet, nil) {
					return
				}
			case ResultShutdown:
				return
			}
		}
	}
}

// Buffered returns the number of bytes waiting for a terminator
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Stopped reports whether the sentinel has been observed
func (a *Assembler) Stopped() bool {
	return a.stopped
}

// Reset clears the buffer and re-arms a stopped assembler for a new connection
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.stopped = false
}

func (a *Assembler) take() model.Packet {
	p := make(model.Packet, len(a.buf))
	copy(p, a.buf)
	a.buf = a.buf[:0]
	return p
}

// Chars adapts raw stream bytes into a token sequence
func Chars(data []byte) iter.Seq[model.Token] {
	return func(yield func(model.Token) bool) {
		for _, c := range data {
			if !yield(model.CharToken(c)) {
				return
			}
		}
	}
}
