package bitio_test

import (
	"testing"

	"github.com/pbalcer/naia/pkg/bitio"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	w := bitio.NewWriter(64)
	defer w.Release()

	require.NoError(t, w.WriteBits(0x1A, 5))
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteUint16(0xBEEF))
	require.NoError(t, w.WriteVarUint(300))
	require.NoError(t, w.WriteBytes([]byte("hi")))

	r := bitio.NewReader(w.Bytes())

	v, err := r.ReadBits(5)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1A), v)

	b, err := r.ReadBool()
	require.NoError(t, err)
	require.True(t, b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), u16)

	vu, err := r.ReadVarUint()
	require.NoError(t, err)
	require.Equal(t, uint64(300), vu)

	raw, err := r.ReadBytes(2)
	require.NoError(t, err)
	require.Equal(t, "hi", string(raw))
}

func TestReserveAndRelease(t *testing.T) {
	w := bitio.NewWriter(4) // 32 bits total
	defer w.Release()

	require.True(t, w.ReserveBits(4))
	require.Equal(t, 28, w.BitsRemaining())
	w.ReleaseBits(4)
	require.Equal(t, 32, w.BitsRemaining())

	require.False(t, w.ReserveBits(40))
}

func TestCapacityExceeded(t *testing.T) {
	w := bitio.NewWriter(1) // 8 bits
	defer w.Release()

	require.NoError(t, w.WriteBits(0xFF, 8))
	err := w.WriteBit(1)
	require.ErrorIs(t, err, bitio.ErrCapacityExceeded)
}

func TestSavepointRollback(t *testing.T) {
	w := bitio.NewWriter(8)
	defer w.Release()

	require.NoError(t, w.WriteUint16(0xFFFF))
	sp := w.Mark()
	require.NoError(t, w.WriteUint32(0xDEADBEEF))
	w.Rollback(sp)

	r := bitio.NewReader(w.Bytes())
	v, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0xFFFF), v)
	require.Equal(t, 0, r.BitsRemaining())
}

func TestReadPastEnd(t *testing.T) {
	r := bitio.NewReader([]byte{0x01})
	_, err := r.ReadBits(9)
	require.ErrorIs(t, err, bitio.ErrReadPastEnd)
}
