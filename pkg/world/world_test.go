package world_test

import (
	"testing"
	"time"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/pbalcer/naia/pkg/entity"
	"github.com/pbalcer/naia/pkg/world"
	"github.com/stretchr/testify/require"
)

const posKind entity.ComponentKind = 1

type pos struct{ X, Y int32 }

func posCodec() world.ComponentCodec {
	return world.ComponentCodec{
		NumProps: 2,
		EncodeFull: func(value any, w *bitio.Writer) error {
			p := value.(pos)
			if err := w.WriteUint32(uint32(p.X)); err != nil {
				return err
			}
			return w.WriteUint32(uint32(p.Y))
		},
		DecodeFull: func(r *bitio.Reader) (any, error) {
			x, err := r.ReadUint32()
			if err != nil {
				return nil, err
			}
			y, err := r.ReadUint32()
			if err != nil {
				return nil, err
			}
			return pos{X: int32(x), Y: int32(y)}, nil
		},
		EncodeDiffProps: func(value any, mask uint64, w *bitio.Writer) error {
			p := value.(pos)
			if mask&1 != 0 {
				if err := w.WriteUint32(uint32(p.X)); err != nil {
					return err
				}
			}
			if mask&2 != 0 {
				if err := w.WriteUint32(uint32(p.Y)); err != nil {
					return err
				}
			}
			return nil
		},
		DecodeDiffProps: func(r *bitio.Reader, mask uint64) (map[int]any, error) {
			out := make(map[int]any)
			if mask&1 != 0 {
				x, err := r.ReadUint32()
				if err != nil {
					return nil, err
				}
				out[0] = int32(x)
			}
			if mask&2 != 0 {
				y, err := r.ReadUint32()
				if err != nil {
					return nil, err
				}
				out[1] = int32(y)
			}
			return out, nil
		},
		ApplyProps: func(dst any, props map[int]any) any {
			var p pos
			if dst != nil {
				p = dst.(pos)
			}
			if v, ok := props[0]; ok {
				p.X = v.(int32)
			}
			if v, ok := props[1]; ok {
				p.Y = v.(int32)
			}
			return p
		},
	}
}

type fakeSource struct{ values map[entity.Global]pos }

func (f fakeSource) Get(e entity.Global, kind entity.ComponentKind) (any, bool) {
	v, ok := f.values[e]
	return v, ok
}

type recSink struct {
	spawned   []entity.Local
	despawned []entity.Local
	inserted  map[entity.Local]pos
	updated   map[entity.Local]pos
	removed   []entity.Local
}

func newRecSink() *recSink {
	return &recSink{inserted: make(map[entity.Local]pos), updated: make(map[entity.Local]pos)}
}
func (s *recSink) OnSpawn(local entity.Local)   { s.spawned = append(s.spawned, local) }
func (s *recSink) OnDespawn(local entity.Local) { s.despawned = append(s.despawned, local) }
func (s *recSink) OnInsertComponent(local entity.Local, kind entity.ComponentKind, value any) {
	s.inserted[local] = value.(pos)
}
func (s *recSink) OnRemoveComponent(local entity.Local, kind entity.ComponentKind) {
	s.removed = append(s.removed, local)
}
func (s *recSink) OnUpdateComponent(local entity.Local, kind entity.ComponentKind, value any) {
	s.updated[local] = value.(pos)
}

func newRegistry() *world.ComponentRegistry {
	reg := world.NewComponentRegistry()
	reg.Register(posKind, posCodec())
	return reg
}

func TestSpawnInsertAndUpdateRoundTrip(t *testing.T) {
	reg := newRegistry()
	host := world.NewHostWorldManager(reg)
	remote := world.NewRemoteWorldManager(reg)
	sink := newRecSink()

	const e entity.Global = 42
	local := host.Spawn(e)
	host.InsertComponent(e, posKind, pos{X: 1, Y: 2})

	w := bitio.NewWriter(508)
	defer w.Release()
	require.NoError(t, host.WriteActionsSection(w, 1))

	r := bitio.NewReader(w.Bytes())
	require.NoError(t, remote.ReadActionsSection(r, sink))

	require.Equal(t, []entity.Local{local}, sink.spawned)
	require.Equal(t, pos{1, 2}, sink.inserted[local])
	require.True(t, remote.Known(local))

	host.MarkPropertyDirty(e, posKind, 0) // X dirty only
	source := fakeSource{values: map[entity.Global]pos{e: {X: 5, Y: 2}}}

	w2 := bitio.NewWriter(508)
	defer w2.Release()
	require.NoError(t, host.WriteUpdatesSection(w2, 2, source))

	r2 := bitio.NewReader(w2.Bytes())
	require.NoError(t, remote.ReadUpdatesSection(r2, 2, sink))

	require.Equal(t, pos{5, 2}, sink.updated[local])
	got, ok := remote.Get(local, posKind)
	require.True(t, ok)
	require.Equal(t, pos{5, 2}, got)
}

func TestAckClearsDirtyAndStopsRetransmit(t *testing.T) {
	reg := newRegistry()
	host := world.NewHostWorldManager(reg)

	const e entity.Global = 1
	host.Spawn(e)
	host.InsertComponent(e, posKind, pos{})
	source := fakeSource{values: map[entity.Global]pos{e: {X: 9}}}
	host.MarkPropertyDirty(e, posKind, 0)

	w := bitio.NewWriter(508)
	defer w.Release()
	require.NoError(t, host.WriteActionsSection(w, 1))
	require.NoError(t, host.WriteUpdatesSection(w, 1, source))
	require.Equal(t, 2, host.PendingActions()) // spawn + insert, both still pending ack

	host.OnPacketAcked(1)
	require.Equal(t, 0, host.PendingActions())

	// Dirty mask cleared by the ack: the next write carries no updates.
	w2 := bitio.NewWriter(64)
	defer w2.Release()
	require.NoError(t, host.WriteUpdatesSection(w2, 2, source))
	r2 := bitio.NewReader(w2.Bytes())
	more, err := r2.ReadBool()
	require.NoError(t, err)
	require.False(t, more)
}

func TestUnackedActionIsRetransmittedAfterBackoff(t *testing.T) {
	reg := newRegistry()
	host := world.NewHostWorldManager(reg)
	host.Spawn(1)

	w := bitio.NewWriter(508)
	defer w.Release()
	require.NoError(t, host.WriteActionsSection(w, 1))

	// Not yet eligible: a second write right away carries nothing new.
	w2 := bitio.NewWriter(64)
	defer w2.Release()
	require.NoError(t, host.WriteActionsSection(w2, 2))
	r2 := bitio.NewReader(w2.Bytes())
	more, err := r2.ReadBool()
	require.NoError(t, err)
	require.False(t, more)

	rtt := 50 * time.Millisecond
	host.Pump(time.Now().Add(time.Second), rtt)

	w3 := bitio.NewWriter(508)
	defer w3.Release()
	require.NoError(t, host.WriteActionsSection(w3, 3))
	r3 := bitio.NewReader(w3.Bytes())
	more, err = r3.ReadBool()
	require.NoError(t, err)
	require.True(t, more)
}

func TestDespawnThenRespawnBeforeAckReusesLocalEntity(t *testing.T) {
	reg := newRegistry()
	host := world.NewHostWorldManager(reg)

	const e entity.Global = 7
	l1 := host.Spawn(e)
	host.Despawn(e)
	l2 := host.Spawn(e)
	require.Equal(t, l1, l2)
}

func TestUnknownLocalEntityIsProtocolError(t *testing.T) {
	reg := newRegistry()
	remote := world.NewRemoteWorldManager(reg)
	sink := newRecSink()

	w := bitio.NewWriter(64)
	defer w.Release()
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteUint16(uint16(posKind))) // bogus local entity id
	require.NoError(t, w.WriteVarUint(uint64(posKind)))
	require.NoError(t, w.WriteVarUint(1))
	require.NoError(t, w.WriteUint32(0))

	r := bitio.NewReader(w.Bytes())
	err := remote.ReadUpdatesSection(r, 1, sink)
	require.ErrorIs(t, err, world.ErrUnknownLocalEntity)
}

func TestStaleUpdateIsIgnoredByPacketIndexMonotonicity(t *testing.T) {
	reg := newRegistry()
	host := world.NewHostWorldManager(reg)
	remote := world.NewRemoteWorldManager(reg)
	sink := newRecSink()

	const e entity.Global = 3
	local := host.Spawn(e)
	host.InsertComponent(e, posKind, pos{})

	w := bitio.NewWriter(508)
	defer w.Release()
	require.NoError(t, host.WriteActionsSection(w, 1))
	require.NoError(t, remote.ReadActionsSection(bitio.NewReader(w.Bytes()), sink))

	// Apply an update carried in packet 10 first.
	wUp := bitio.NewWriter(64)
	require.NoError(t, wUp.WriteBool(true))
	require.NoError(t, wUp.WriteUint16(uint16(local)))
	require.NoError(t, wUp.WriteVarUint(uint64(posKind)))
	require.NoError(t, wUp.WriteVarUint(1))
	require.NoError(t, wUp.WriteUint32(100))
	require.NoError(t, wUp.WriteBool(false))
	require.NoError(t, remote.ReadUpdatesSection(bitio.NewReader(wUp.Bytes()), 10, sink))
	wUp.Release()

	got, _ := remote.Get(local, posKind)
	require.Equal(t, pos{X: 100}, got)

	// A reordered update carried in an earlier packet (5) must not
	// clobber the fresher value already applied from packet 10.
	wStale := bitio.NewWriter(64)
	require.NoError(t, wStale.WriteBool(true))
	require.NoError(t, wStale.WriteUint16(uint16(local)))
	require.NoError(t, wStale.WriteVarUint(uint64(posKind)))
	require.NoError(t, wStale.WriteVarUint(1))
	require.NoError(t, wStale.WriteUint32(1))
	require.NoError(t, wStale.WriteBool(false))
	require.NoError(t, remote.ReadUpdatesSection(bitio.NewReader(wStale.Bytes()), 5, sink))
	wStale.Release()

	got, _ = remote.Get(local, posKind)
	require.Equal(t, pos{X: 100}, got)
}
