package lnwire

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// MilliSatoshi represents a thousandth of a satoshi, the native unit for all
// off-chain balances and HTLC amounts. Every commitment and ledger
// computation in this module works in millisatoshi to avoid the rounding
// loss a satoshi-only type would introduce across many small updates.
type MilliSatoshi uint64

// NewMSatFromSatoshis converts a whole-satoshi amount to MilliSatoshi.
func NewMSatFromSatoshis(amt btcutil.Amount) MilliSatoshi {
	return MilliSatoshi(amt * 1000)
}

// ToSatoshis rounds down to the nearest whole satoshi.
func (m MilliSatoshi) ToSatoshis() btcutil.Amount {
	return btcutil.Amount(m / 1000)
}

// String returns a human-readable representation.
func (m MilliSatoshi) String() string {
	return fmt.Sprintf("%d mSAT", uint64(m))
}
