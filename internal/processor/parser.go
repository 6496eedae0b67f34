// internal/processor/parser.go
package processor

import (
	"strconv"

	"sensor-reader/internal/model"
)

// Parse validates a packet and returns its reading. A valid packet is the
// sensor tag followed by one or more decimal digits.
func Parse(p model.Packet) (int64, error) {
	if len(p) == 0 {
		return 0, model.ErrEmptyPacket
	}

	if p[0] != model.PacketTag {
		return 0, &model.MalformedPacketError{
			Packet: p.String(),
			Reason: "unexpected tag " + strconv.QuoteRune(rune(p[0])),
		}
	}

	digits := p[1:]
	if len(digits) == 0 {
		return 0, &model.MalformedPacketError{Packet: p.String(), Reason: "no digits"}
	}

	for i, c := range digits {
		if c < '0' || c > '9' {
			return 0, &model.MalformedPacketError{
				Packet: p.String(),
				Reason: "non-digit at offset " + strconv.Itoa(i+1),
			}
		}
	}

	reading, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, &model.MalformedPacketError{Packet: p.String(), Reason: "reading out of range"}
	}

	return reading, nil
}
