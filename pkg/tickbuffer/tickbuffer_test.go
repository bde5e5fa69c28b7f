package tickbuffer_test

import (
	"testing"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/tickbuffer"
	"github.com/stretchr/testify/require"
)

const inputKind entity.MessageKind = 1
const inputChannel entity.ChannelKind = 0

type jumpInput struct{ Jump bool }

func jumpCodec() tickbuffer.Codec {
	return tickbuffer.Codec{
		Encode: func(cmd any, w *bitio.Writer) error {
			return w.WriteBool(cmd.(jumpInput).Jump)
		},
		Decode: func(r *bitio.Reader) (any, error) {
			b, err := r.ReadBool()
			return jumpInput{Jump: b}, err
		},
	}
}

// TestCommandTickBuffering reproduces S4: the client enqueues a command
// for tick 120 at client_sending_tick=120; the server buffers it on
// arrival (at server tick 118) and releases it exactly at server tick
// 120. Dropping a command whose tick the server has already passed is
// covered by TestPastReceivableTickDroppedSilently.
func TestCommandTickBuffering(t *testing.T) {
	sender := tickbuffer.NewSender(32)
	sender.RegisterKind(inputKind, jumpCodec())

	require.True(t, sender.Enqueue(120, inputChannel, inputKind, jumpInput{Jump: true}, 120))

	w := bitio.NewWriter(508)
	defer w.Release()
	require.NoError(t, sender.WriteSection(w, 100, 120))

	receiver := tickbuffer.NewReceiver(map[entity.MessageKind]tickbuffer.Codec{inputKind: jumpCodec()})
	r := bitio.NewReader(w.Bytes())
	require.NoError(t, receiver.ReadSection(r, 118))

	require.Empty(t, receiver.Release(119))
	got := receiver.Release(120)
	require.Len(t, got, 1)
	require.Equal(t, jumpInput{Jump: true}, got[0].Payload)
}

func TestPastReceivableTickDroppedSilently(t *testing.T) {
	receiver := tickbuffer.NewReceiver(map[entity.MessageKind]tickbuffer.Codec{inputKind: jumpCodec()})

	w := bitio.NewWriter(64)
	defer w.Release()
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteUint16(100))
	require.NoError(t, w.WriteVarUint(uint64(inputChannel)))
	require.NoError(t, w.WriteVarUint(uint64(inputKind)))
	require.NoError(t, w.WriteBool(false)) // payload
	require.NoError(t, w.WriteBool(false)) // terminator

	r := bitio.NewReader(w.Bytes())
	require.NoError(t, receiver.ReadSection(r, 120)) // authoritative tick already past 100

	require.Empty(t, receiver.Release(100))
}

func TestEnqueueRejectsTooFarAhead(t *testing.T) {
	sender := tickbuffer.NewSender(5)
	require.False(t, sender.Enqueue(130, inputChannel, inputKind, jumpInput{}, 120))
	require.True(t, sender.Enqueue(124, inputChannel, inputKind, jumpInput{}, 120))
}

func TestDiscardBeforeDropsStaleCommands(t *testing.T) {
	sender := tickbuffer.NewSender(32)
	sender.RegisterKind(inputKind, jumpCodec())
	sender.Enqueue(100, inputChannel, inputKind, jumpInput{Jump: true}, 120)
	sender.DiscardBefore(110)

	require.Equal(t, 0, sender.Pending())
}
