// Package contractcourt implements the closing engine of §4.4: once a
// channel's funding output is spent, it classifies the spending transaction
// and drives a set of ContractResolvers that each claim one output of it
// (the breach resolver claims all of them in one justice transaction), the
// way the teacher's own contractcourt package structures on-chain contract
// resolution.
package contractcourt

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/chainntfs"
	"github.com/chanvault/lnchan/lnwire"
)

var endian = binary.BigEndian

// ContractResolver is the interface a concrete resolver implements to drive
// a single on-chain output (an HTLC, a delayed local balance, a breached
// commitment output, ...) to final resolution. Modeled directly on the
// teacher's contractcourt.ContractResolver.
type ContractResolver interface {
	// ResolverKey returns an identifier unique to this resolver within
	// its channel, used to checkpoint and resume it across restarts.
	ResolverKey() []byte

	// Resolve drives this contract to resolution, blocking until it
	// either fully resolves or the resolver is stopped. It may return a
	// new resolver (e.g. a second-level HTLC resolver spawned once its
	// timeout tx confirms) to continue the chain of custody.
	Resolve() (ContractResolver, error)

	// Stop signals the resolver to abandon any in-progress wait.
	Stop()

	// IsResolved reports whether this contract has reached a final
	// state and can be forgotten.
	IsResolved() bool

	Encode(w io.Writer) error
	Decode(r io.Reader) error

	// AttachResolverKit wires in the shared dependencies a resolver
	// needs once it's been reloaded from disk.
	AttachResolverKit(r ResolverKit)
}

// ResolutionMsg reports the final disposition of an HTLC back to the
// switch: either a preimage (the HTLC was claimed on-chain and can be
// fulfilled upstream) or a failure (it timed out or was trimmed and can
// never reach the chain).
type ResolutionMsg struct {
	SourceChan lnwire.ChannelID
	HtlcIndex  uint64
	Preimage   *[32]byte
	Failure    lnwire.FailCode
}

// ResolverKit bundles the dependencies every concrete resolver needs:
// access to the chain oracle, a way to publish and checkpoint, and a way to
// report settlement back upstream. Embedding it (as the teacher's resolvers
// do) lets a concrete resolver call these directly as if they were its own
// methods.
type ResolverKit struct {
	ChanPoint   wire.OutPoint
	ShortChanID uint64

	Notifier  chainntnfs.ChainNotifier
	Publisher chainntnfs.TxPublisher

	// DeliverResolutionMsg reports a resolved HTLC's outcome to the
	// switch so it can settle or fail the corresponding upstream HTLC.
	DeliverResolutionMsg func(ResolutionMsg) error

	// Checkpoint persists the resolver's current state so Resolve can
	// pick up where it left off after a restart.
	Checkpoint func(ContractResolver) error

	Quit chan struct{}
}

// newResolverID derives a stable identifier for a resolver from the
// outpoint it claims.
func newResolverID(op wire.OutPoint) [32]byte {
	var b [36]byte
	copy(b[:32], op.Hash[:])
	endian.PutUint32(b[32:], op.Index)
	return sha256.Sum256(b[:])
}
