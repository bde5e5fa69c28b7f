package message_test

import (
	"testing"
	"time"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/message"
	"github.com/stretchr/testify/require"
)

const chatKind entity.MessageKind = 1
const chanReliableOrdered entity.ChannelKind = 0
const chanUnreliable entity.ChannelKind = 1
const chanSequenced entity.ChannelKind = 2

func stringCodec() message.Codec {
	return message.Codec{
		Encode: func(msg any, w *bitio.Writer, _ entity.Converter) error {
			s := msg.(string)
			if err := w.WriteUint16(uint16(len(s))); err != nil {
				return err
			}
			return w.WriteBytes([]byte(s))
		},
		Decode: func(r *bitio.Reader, _ entity.Converter) (any, error) {
			n, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			b, err := r.ReadBytes(int(n))
			if err != nil {
				return nil, err
			}
			return string(b), nil
		},
	}
}

func newTestManager() *message.Manager {
	kinds := message.NewKindRegistry()
	kinds.Register(chatKind, stringCodec())
	return message.NewManager([]message.ChannelConfig{
		{ID: chanReliableOrdered, Reliability: message.ReliableOrdered},
		{ID: chanUnreliable, Reliability: message.Unreliable},
		{ID: chanSequenced, Reliability: message.UnreliableSequenced},
	}, kinds, nil)
}

func writeAndRead(t *testing.T, mgr *message.Manager, packetIndex uint16) []message.Received {
	t.Helper()
	w := bitio.NewWriter(508)
	defer w.Release()
	require.NoError(t, mgr.WriteSection(w, packetIndex))

	r := bitio.NewReader(w.Bytes())
	got, err := mgr.ReadSection(r, time.Now())
	require.NoError(t, err)
	return got
}

func TestReliableOrderedDeliversInOrder(t *testing.T) {
	sender := newTestManager()
	receiver := newTestManager()

	sender.Enqueue(chanReliableOrdered, chatKind, "one")
	sender.Enqueue(chanReliableOrdered, chatKind, "two")
	sender.Enqueue(chanReliableOrdered, chatKind, "three")

	w := bitio.NewWriter(508)
	defer w.Release()
	require.NoError(t, sender.WriteSection(w, 1))

	r := bitio.NewReader(w.Bytes())
	got, err := receiver.ReadSection(r, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "one", got[0].Payload)
	require.Equal(t, "two", got[1].Payload)
	require.Equal(t, "three", got[2].Payload)
}

func TestReliableOrderedGatesOnContiguity(t *testing.T) {
	receiver := newTestManager()

	// Simulate seq 0 lost; seq 1 and 2 arrive first.
	deliver := func(seq uint16, payload string) []message.Received {
		w := bitio.NewWriter(64)
		defer w.Release()
		require.NoError(t, w.WriteBool(true))
		require.NoError(t, w.WriteVarUint(uint64(chanReliableOrdered)))
		require.NoError(t, w.WriteVarUint(uint64(chatKind)))
		require.NoError(t, w.WriteUint16(seq))
		require.NoError(t, w.WriteUint16(uint16(len(payload))))
		require.NoError(t, w.WriteBytes([]byte(payload)))
		require.NoError(t, w.WriteBool(false))

		r := bitio.NewReader(w.Bytes())
		got, err := receiver.ReadSection(r, time.Now())
		require.NoError(t, err)
		return got
	}

	require.Empty(t, deliver(1, "b"))
	require.Empty(t, deliver(2, "c"))
	got := deliver(0, "a")
	require.Len(t, got, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{got[0].Payload.(string), got[1].Payload.(string), got[2].Payload.(string)})
}

func TestSequencedDropsStale(t *testing.T) {
	receiver := newTestManager()

	deliver := func(seq uint16) []message.Received {
		w := bitio.NewWriter(64)
		defer w.Release()
		require.NoError(t, w.WriteBool(true))
		require.NoError(t, w.WriteVarUint(uint64(chanSequenced)))
		require.NoError(t, w.WriteVarUint(uint64(chatKind)))
		require.NoError(t, w.WriteUint16(seq))
		require.NoError(t, w.WriteUint16(0))
		require.NoError(t, w.WriteBool(false))

		r := bitio.NewReader(w.Bytes())
		got, err := receiver.ReadSection(r, time.Now())
		require.NoError(t, err)
		return got
	}

	require.Len(t, deliver(5), 1)
	require.Empty(t, deliver(3)) // stale
	require.Len(t, deliver(6), 1)
}

func TestReliableRetransmitOnTimeout(t *testing.T) {
	sender := newTestManager()
	sender.Enqueue(chanReliableOrdered, chatKind, "retry-me")

	w1 := bitio.NewWriter(508)
	require.NoError(t, sender.WriteSection(w1, 1))
	w1.Release()

	// Not acked; after the backoff window it should be requeued.
	sender.Pump(time.Now().Add(2*time.Second), 1*time.Second)

	w2 := bitio.NewWriter(508)
	defer w2.Release()
	require.NoError(t, sender.WriteSection(w2, 2))

	r := bitio.NewReader(w2.Bytes())
	got, err := message.NewManager([]message.ChannelConfig{
		{ID: chanReliableOrdered, Reliability: message.ReliableOrdered},
	}, func() *message.KindRegistry {
		k := message.NewKindRegistry()
		k.Register(chatKind, stringCodec())
		return k
	}(), nil).ReadSection(r, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "retry-me", got[0].Payload)
}

func TestAckStopsRetransmit(t *testing.T) {
	sender := newTestManager()
	sender.Enqueue(chanReliableOrdered, chatKind, "once")

	w := bitio.NewWriter(508)
	require.NoError(t, sender.WriteSection(w, 7))
	w.Release()

	sender.OnPacketAcked(7)
	sender.Pump(time.Now().Add(10*time.Second), 1*time.Second)

	w2 := bitio.NewWriter(508)
	defer w2.Release()
	require.NoError(t, sender.WriteSection(w2, 8))
	require.Equal(t, 1, len(w2.Bytes())) // just the 1-byte terminator-only body
}

func TestWaitlistReleaseAndExpiry(t *testing.T) {
	mgr := newTestManager()
	local := entity.Local(42)

	mgr.Park(local, chanUnreliable, chatKind, "waiting-for-entity", time.Now())
	require.Empty(t, mgr.Release(entity.Local(99)))

	released := mgr.Release(local)
	require.Len(t, released, 1)
	require.Equal(t, "waiting-for-entity", released[0].Payload)

	mgr.Park(local, chanUnreliable, chatKind, "expires-soon", time.Now().Add(-message.EntityWaitlistTTL-time.Second))
	mgr.ExpireWaitlist(time.Now())
	require.Empty(t, mgr.Release(local))
}

func targetedCodec() message.Codec {
	type targeted = targetedMsg
	return message.Codec{
		Encode: func(msg any, w *bitio.Writer, _ entity.Converter) error {
			m := msg.(targeted)
			if err := w.WriteUint16(uint16(m.Target)); err != nil {
				return err
			}
			if err := w.WriteUint16(uint16(len(m.Text))); err != nil {
				return err
			}
			return w.WriteBytes([]byte(m.Text))
		},
		Decode: func(r *bitio.Reader, _ entity.Converter) (any, error) {
			tgt, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			n, err := r.ReadUint16()
			if err != nil {
				return nil, err
			}
			b, err := r.ReadBytes(int(n))
			if err != nil {
				return nil, err
			}
			return targeted{Target: entity.Local(tgt), Text: string(b)}, nil
		},
		RefersTo: func(msg any) (entity.Local, bool) {
			return msg.(targeted).Target, true
		},
	}
}

type targetedMsg struct {
	Target entity.Local
	Text   string
}

func TestFilterUnresolvedParksAndReleasesOnKnown(t *testing.T) {
	const targetKind entity.MessageKind = 2

	kinds := message.NewKindRegistry()
	kinds.Register(targetKind, targetedCodec())

	mgr := message.NewManager([]message.ChannelConfig{
		{ID: chanUnreliable, Reliability: message.Unreliable},
	}, kinds, nil)
	mgr.Enqueue(chanUnreliable, targetKind, targetedMsg{Target: 7, Text: "hi"})

	w := bitio.NewWriter(508)
	defer w.Release()
	require.NoError(t, mgr.WriteSection(w, 1))

	r := bitio.NewReader(w.Bytes())
	got, err := mgr.ReadSection(r, time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Not yet spawned: FilterUnresolved parks it instead of delivering.
	ready := mgr.FilterUnresolved(got, func(entity.Local) bool { return false }, time.Now())
	require.Empty(t, ready)

	// Once spawned, Release hands back exactly the parked message.
	released := mgr.Release(entity.Local(7))
	require.Len(t, released, 1)
	require.Equal(t, targetedMsg{Target: 7, Text: "hi"}, released[0].Payload)
}
