package wire

// SequenceGreaterThan implements the signed 15-bit delta comparison the
// spec mandates for both Tick and PacketIndex wraparound (spec.md §9):
// sequence_greater_than(a,b) = ((a-b) & 0x7FFF) != 0 && (a-b) as i16 > 0.
func SequenceGreaterThan(a, b uint16) bool {
	delta := int16(a - b)
	return (uint16(delta)&0x7FFF) != 0 && delta > 0
}

// SequenceDelta returns the signed distance from b to a, accounting for
// 16-bit wraparound, useful for ack-bitfield indexing.
func SequenceDelta(a, b uint16) int16 {
	return int16(a - b)
}
