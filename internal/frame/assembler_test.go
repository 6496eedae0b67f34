package frame

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensor-reader/internal/model"
)

func pushAll(t *testing.T, a *Assembler, data string) []Result {
	t.Helper()
	var results []Result
	for i := 0; i < len(data); i++ {
		res, err := a.Push(model.CharToken(data[i]))
		require.NoError(t, err)
		if res.Kind != ResultNone {
			results = append(results, res)
		}
	}
	return results
}

func TestAssembler_SingleTerminator(t *testing.T) {
	inputs := []string{"B0423", "B1", "X12", "B12a", "hello world"}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			a := NewAssembler()
			results := pushAll(t, a, in+"E")

			require.Len(t, results, 1)
			assert.Equal(t, ResultPacket, results[0].Kind)
			assert.Equal(t, in, results[0].Packet.String())
			assert.Zero(t, a.Buffered())
		})
	}
}

func TestAssembler_MultiplePackets(t *testing.T) {
	a := NewAssembler()
	results := pushAll(t, a, "B12EB3EB0042E")

	require.Len(t, results, 3)
	assert.Equal(t, "B12", results[0].Packet.String())
	assert.Equal(t, "B3", results[1].Packet.String())
	assert.Equal(t, "B0042", results[2].Packet.String())
}

func TestAssembler_EmptyPacketIsRecoverable(t *testing.T) {
	a := NewAssembler()

	_, err := a.Push(model.CharToken('E'))
	assert.ErrorIs(t, err, model.ErrEmptyPacket)

	results := pushAll(t, a, "B7E")
	require.Len(t, results, 1)
	assert.Equal(t, "B7", results[0].Packet.String())
}

func TestAssembler_SentinelStopsAndDiscardsPartial(t *testing.T) {
	a := NewAssembler()
	pushAll(t, a, "B12EB45")

	res, err := a.Push(model.SentinelToken())
	require.NoError(t, err)
	assert.Equal(t, ResultShutdown, res.Kind)
	assert.Equal(t, "B45", res.Discarded.String())
	assert.True(t, a.Stopped())

	// Everything after the sentinel is ignored
	res, err = a.Push(model.CharToken('E'))
	require.NoError(t, err)
	assert.Equal(t, ResultNone, res.Kind)
	res, err = a.Push(model.SentinelToken())
	require.NoError(t, err)
	assert.Equal(t, ResultNone, res.Kind)
}

func TestAssembler_Overflow(t *testing.T) {
	a := NewAssemblerWith('E', 4)
	pushAll(t, a, "B123")

	_, err := a.Push(model.CharToken('4'))
	assert.ErrorIs(t, err, model.ErrFrameOverflow)
	assert.Equal(t, 1, a.Buffered())

	results := pushAll(t, a, "E")
	require.Len(t, results, 1)
	assert.Equal(t, "4", results[0].Packet.String())
}

func TestAssembler_OverflowKeepsFollowingTag(t *testing.T) {
	a := NewAssemblerWith('E', 4)

	var (
		packets  []string
		overflow int
	)
	for pkt, err := range a.Frames(Chars([]byte("xxxxB7E"))) {
		if err != nil {
			require.ErrorIs(t, err, model.ErrFrameOverflow)
			overflow++
			continue
		}
		packets = append(packets, pkt.String())
	}

	assert.Equal(t, 1, overflow)
	assert.Equal(t, []string{"B7"}, packets)
}

func TestAssembler_Reset(t *testing.T) {
	a := NewAssembler()
	pushAll(t, a, "B1")
	_, _ = a.Push(model.SentinelToken())

	a.Reset()
	assert.False(t, a.Stopped())
	assert.Zero(t, a.Buffered())

	results := pushAll(t, a, "B2E")
	require.Len(t, results, 1)
}

func TestAssembler_Frames(t *testing.T) {
	tokens := slices.Values([]model.Token{
		model.CharToken('B'), model.CharToken('1'), model.CharToken('E'),
		model.CharToken('E'),
		model.CharToken('B'), model.CharToken('2'), model.CharToken('E'),
		model.SentinelToken(),
		model.CharToken('B'), model.CharToken('3'), model.CharToken('E'),
	})

	var packets []string
	var errs []error
	for p, err := range NewAssembler().Frames(tokens) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		packets = append(packets, p.String())
	}

	assert.Equal(t, []string{"B1", "B2"}, packets)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], model.ErrEmptyPacket)
}

func TestChars(t *testing.T) {
	var got []byte
	for tok := range Chars([]byte("B5E")) {
		assert.False(t, tok.IsSentinel())
		got = append(got, tok.Char)
	}
	assert.Equal(t, []byte("B5E"), got)
}
