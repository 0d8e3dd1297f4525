package lnwire

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/wire"
)

// ChannelID uniquely identifies a channel. Before the funding transaction is
// known it is a randomly generated "temporary" id; once the funding
// outpoint is known it is derived deterministically and never changes
// again, per DeriveChannelID.
type ChannelID [32]byte

// DeriveChannelID computes the permanent channel id by XORing the funding
// outpoint's txid with its output index encoded into the last two bytes.
// Both peers derive the identical value from the funding transaction alone,
// with no message exchange required.
func DeriveChannelID(op *wire.OutPoint) ChannelID {
	var cid ChannelID
	copy(cid[:], op.Hash[:])

	var idxBytes [2]byte
	binary.BigEndian.PutUint16(idxBytes[:], uint16(op.Index))
	cid[30] ^= idxBytes[0]
	cid[31] ^= idxBytes[1]

	return cid
}

// IsTemporary reports whether this id still looks like a pre-funding
// temporary id (best-effort: all-zero is never assigned to a real funding
// outpoint's derived id in practice, so it is used as the sentinel for "not
// yet derived" in tests and logs).
func (c ChannelID) IsTemporary() bool {
	return c == ChannelID{}
}

// ShortChannelID identifies a confirmed funding output by its location on
// chain: block height, transaction index within the block, and output
// index. It is assigned once the funding transaction reaches the configured
// confirmation depth and is used exclusively by the gossip layer outside
// this module.
type ShortChannelID struct {
	BlockHeight uint32
	TxIndex     uint32
	TxPosition  uint16
}

// ToUint64 packs a ShortChannelID into the 8-byte wire representation:
// height(3) || tx_index(3) || output_index(2).
func (s ShortChannelID) ToUint64() uint64 {
	return (uint64(s.BlockHeight) << 40) |
		(uint64(s.TxIndex) << 16) |
		uint64(s.TxPosition)
}

// NewShortChanIDFromInt unpacks the 8-byte wire representation.
func NewShortChanIDFromInt(id uint64) ShortChannelID {
	return ShortChannelID{
		BlockHeight: uint32(id >> 40),
		TxIndex:     uint32(id>>16) & 0xffffff,
		TxPosition:  uint16(id),
	}
}
