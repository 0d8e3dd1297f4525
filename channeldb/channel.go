// Package channeldb defines the persisted shape of channel state (§3 of the
// design) and the durability rules (§4.5) the state machine must obey
// before it may emit a signature or a revocation. It does not mandate a
// storage engine: Persister is satisfied by the bbolt-backed DB in this
// package, but any backend offering atomic per-channel writes and
// crash-safe reads conforms.
package channeldb

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/lnwire"
)

// ChannelType records the negotiated commitment and key-derivation variant
// for a channel. Once set at open time it never changes.
type ChannelType uint8

const (
	// ChannelTypeLegacy is the original tweaked-pubkey commitment format.
	ChannelTypeLegacy ChannelType = iota

	// ChannelTypeStaticRemoteKey additionally drops the per-commitment
	// tweak on the to_remote output, making it spendable directly once
	// confirmed.
	ChannelTypeStaticRemoteKey

	// ChannelTypeAnchors is StaticRemoteKey plus the two anchor outputs.
	ChannelTypeAnchors
)

// HasStaticRemoteKey reports whether the to_remote output of this channel
// type is untweaked.
func (c ChannelType) HasStaticRemoteKey() bool {
	return c == ChannelTypeStaticRemoteKey || c == ChannelTypeAnchors
}

// HasAnchors reports whether this channel type carries anchor outputs.
func (c ChannelType) HasAnchors() bool {
	return c == ChannelTypeAnchors
}

// ChannelConstraints are the policy limits one side of a channel imposes on
// the other, exchanged during open_channel/accept_channel and enforced by
// the commitment ledger on every proposed update.
type ChannelConstraints struct {
	// DustLimit is the smallest output this party considers standard;
	// HTLCs (and, at force-close, the main output) below it are trimmed.
	DustLimit btcutil.Amount

	// ChanReserve is the minimum balance, in satoshis, this party must
	// keep on its own side of the channel at all times (except when
	// dipping below it only to service a counterparty-initiated fee
	// increase).
	ChanReserve btcutil.Amount

	// MaxPendingAmount bounds the total value, in millisatoshi, that may
	// be in-flight across all HTLCs this party has offered at once.
	MaxPendingAmount lnwire.MilliSatoshi

	// MinHTLC is the smallest HTLC amount this party will accept.
	MinHTLC lnwire.MilliSatoshi

	// MaxAcceptedHtlcs bounds the number of HTLCs this party will accept
	// concurrently.
	MaxAcceptedHtlcs uint16

	// CsvDelay is the number of blocks this party's to_local output must
	// mature for after a unilateral close.
	CsvDelay uint16
}

// ChannelConfig bundles one side's channel constraints with the basepoints
// used to derive its per-commitment keys.
type ChannelConfig struct {
	ChannelConstraints

	MultiSigKey         *btcec.PublicKey
	RevocationBasePoint *btcec.PublicKey
	PaymentBasePoint    *btcec.PublicKey
	DelayBasePoint      *btcec.PublicKey
	HtlcBasePoint       *btcec.PublicKey
}

// HTLCDirection records which side originally added an HTLC.
type HTLCDirection uint8

const (
	Outgoing HTLCDirection = iota
	Incoming
)

// HTLC is a single live HTLC as carried on one commitment specification.
type HTLC struct {
	Direction HTLCDirection

	// Amt is the HTLC value in millisatoshi.
	Amt lnwire.MilliSatoshi

	RHash   [32]byte
	RefundTimeout uint32

	// OnionBlob is the opaque onion payload for the next hop; the core
	// never decodes it, only forwards it along with the HTLC.
	OnionBlob []byte

	// HtlcIndex is this HTLC's position in the adding party's update
	// log, monotonically increasing and never reused.
	HtlcIndex uint64

	// LogIndex is the position in the shared update log at which this
	// HTLC was added.
	LogIndex uint64
}

// ChannelCommitment is one side's view of a commitment transaction: its
// balances, feerate, and the HTLCs it carries. A channel always holds two
// of these (local and remote) and transiently a third (pending next
// remote) while awaiting a revocation.
type ChannelCommitment struct {
	// CommitHeight is the commitment number: 0 for the initial
	// commitment, incrementing by one with every new signature.
	CommitHeight uint64

	// LocalBalance and RemoteBalance are this commitment's balances in
	// millisatoshi, not counting in-flight HTLC value.
	LocalBalance  lnwire.MilliSatoshi
	RemoteBalance lnwire.MilliSatoshi

	// FeePerKw is the feerate, in satoshi-per-kiloweight, this
	// commitment pays.
	FeePerKw btcutil.Amount

	// CommitFee is the absolute fee, in satoshis, this commitment pays;
	// it is borne entirely by the funder.
	CommitFee btcutil.Amount

	// CommitTx is the fully signed transaction for this commitment, or
	// nil if no signature has been exchanged yet.
	CommitTx *wire.MsgTx

	// CommitSig is the counterparty's signature authorizing CommitTx.
	CommitSig []byte

	Htlcs []HTLC
}

// Origin identifies where a locally-held HTLC came from: either it
// originated at this node (IsLocal true), or it was relayed from an
// upstream channel and must have its settle/fail replayed there.
type Origin struct {
	IsLocal bool

	// UpstreamChannel/UpstreamHTLCIndex identify the HTLC on the channel
	// that forwarded this one to us. Valid only when IsLocal is false.
	UpstreamChannel   lnwire.ChannelID
	UpstreamHTLCIndex uint64
}

// LogUpdateKind enumerates the five update types that can appear in a
// channel's change log.
type LogUpdateKind uint8

const (
	LogUpdateAddHTLC LogUpdateKind = iota
	LogUpdateFulfillHTLC
	LogUpdateFailHTLC
	LogUpdateFailMalformedHTLC
	LogUpdateFee
)

// LogUpdate is a single entry in a side's change log, in wire-message form,
// durable enough to be replayed into ProcessChanSyncMsg after a restart.
type LogUpdate struct {
	LogIndex uint64
	Kind     LogUpdateKind
	Message  lnwire.Message
}

// ChannelCloseSummary is written once a channel transitions to CLOSED,
// recording how it closed and the final on-chain balances for external
// bookkeeping (GUI/telemetry); it is not consulted by the state machine
// itself.
type ChannelCloseSummary struct {
	ChanPoint       wire.OutPoint
	ChainHash       [32]byte
	ClosingTXID     chainhash32
	CloseHeight     uint32
	SettledBalance  btcutil.Amount
	IsPending       bool
}

type chainhash32 = [32]byte

// OpenChannel is the full persisted root for a single channel (§3): every
// field needed to resume the state machine after a restart with no
// additional context.
type OpenChannel struct {
	ChanID ChannelID

	ChanType ChannelType

	IsInitiator bool

	FundingOutpoint wire.OutPoint
	FundingScript   []byte
	Capacity        btcutil.Amount

	LocalChanCfg  ChannelConfig
	RemoteChanCfg ChannelConfig

	LocalCommitment  ChannelCommitment
	RemoteCommitment ChannelCommitment

	// RemoteNextCommitment is the transient "next remote" commitment we
	// have signed but not yet had revoked. Nil when no signature is
	// outstanding.
	RemoteNextCommitment *ChannelCommitment

	LocalUpdateLog  []LogUpdate
	RemoteUpdateLog []LogUpdate

	LocalNextHTLCID  uint64
	RemoteNextHTLCID uint64

	// Origins maps a locally-added HTLC's index to where its value came
	// from, so its eventual settle/fail can be replayed upstream.
	Origins map[uint64]Origin

	RevocationStore *RevocationStore

	// RevocationProducerIndex tracks this node's own per-commitment
	// secrets; concrete derivation (typically itself a shachain keyed off a
	// per-channel seed) is owned by the embedding keychain, so the core
	// only stores the index it has reached.
	RevocationProducerIndex uint64

	ShortChanID lnwire.ShortChannelID
	ShortChanIDKnown bool

	State ChannelStateName
}

// ChannelID is a typed alias so callers never confuse a permanent channel id
// with any other 32-byte value in scope.
type ChannelID = lnwire.ChannelID

// ChannelStateName names the high-level FSM state (§4.3) a channel is
// persisted in, so a restart resumes into the same branch of the state
// machine rather than re-deriving it.
type ChannelStateName string

const (
	StateWaitForInit              ChannelStateName = "WAIT_FOR_INIT"
	StateWaitForOpen              ChannelStateName = "WAIT_FOR_OPEN"
	StateWaitForAccept            ChannelStateName = "WAIT_FOR_ACCEPT"
	StateWaitForFundingInternal   ChannelStateName = "WAIT_FOR_FUNDING_INTERNAL"
	StateWaitForFundingCreated    ChannelStateName = "WAIT_FOR_FUNDING_CREATED"
	StateWaitForFundingSigned     ChannelStateName = "WAIT_FOR_FUNDING_SIGNED"
	StateWaitForFundingConfirmed  ChannelStateName = "WAIT_FOR_FUNDING_CONFIRMED"
	StateWaitForFundingLocked     ChannelStateName = "WAIT_FOR_FUNDING_LOCKED"
	StateNormal                   ChannelStateName = "NORMAL"
	StateShutdown                 ChannelStateName = "SHUTDOWN"
	StateNegotiating              ChannelStateName = "NEGOTIATING"
	StateClosing                  ChannelStateName = "CLOSING"
	StateClosed                   ChannelStateName = "CLOSED"
	StateOffline                  ChannelStateName = "OFFLINE"
	StateSyncing                  ChannelStateName = "SYNCING"
	StateWaitForFuturePublish     ChannelStateName = "WAIT_FOR_REMOTE_PUBLISH_FUTURE_COMMITMENT"
)

// fundingSequence is the order the pre-NORMAL funding states are visited
// in, for the funder side; the fundee's sequence skips WAIT_FOR_ACCEPT and
// WAIT_FOR_FUNDING_INTERNAL (it never builds the funding transaction
// itself).
var fundingSequence = []ChannelStateName{
	StateWaitForInit,
	StateWaitForOpen,
	StateWaitForAccept,
	StateWaitForFundingInternal,
	StateWaitForFundingCreated,
	StateWaitForFundingSigned,
	StateWaitForFundingConfirmed,
	StateWaitForFundingLocked,
	StateNormal,
}

// IsPreFunding reports whether s is one of the funding-negotiation states
// a TickChannelOpenTimeout may abort.
func (s ChannelStateName) IsPreFunding() bool {
	for _, st := range fundingSequence {
		if st == StateNormal {
			break
		}
		if st == s {
			return true
		}
	}
	return false
}

// IsTeardown reports whether s is one of the states entered once a channel
// has begun closing, cooperatively or otherwise.
func (s ChannelStateName) IsTeardown() bool {
	switch s {
	case StateShutdown, StateNegotiating, StateClosing, StateClosed,
		StateWaitForFuturePublish:
		return true
	default:
		return false
	}
}

// Validate checks the structural invariant of §3: the sum of both
// balances plus all in-flight HTLC value must equal channel capacity.
func (c *OpenChannel) Validate() error {
	local := c.LocalCommitment
	total := local.LocalBalance + local.RemoteBalance
	for _, h := range local.Htlcs {
		total += h.Amt
	}

	capMsat := lnwire.NewMSatFromSatoshis(c.Capacity)
	if total != capMsat {
		return fmt.Errorf("channeldb: local commitment value %v != "+
			"capacity %v", total, capMsat)
	}
	return nil
}
