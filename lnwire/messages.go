package lnwire

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// FailCode enumerates the onion-layer failure reasons this node can attach
// to an update_fail_malformed_htlc, or that an upstream hop reports back to
// us. The concrete BOLT4 catalogue is owned by the onion-routing
// collaborator; only the handful the core itself emits are enumerated here.
type FailCode uint16

const (
	CodeNone FailCode = iota
	CodeIncorrectOrUnknownPaymentDetails
	CodeTemporaryChannelFailure
	CodePermanentChannelFailure
	CodeInvalidOnionHmac
	CodeInvalidOnionVersion
	CodeExpiryTooSoon
	CodeFeeInsufficient
)

// FeatureBit identifies a single negotiated channel/connection feature.
type FeatureBit uint16

const (
	// WumboChannelsOptional signals support for funding amounts above
	// the legacy 16,777,215-satoshi cap.
	WumboChannelsOptional FeatureBit = 18

	// StaticRemoteKeyOptional signals the to_remote output no longer
	// needs a per-commitment tweak, making it spendable directly by the
	// wallet once confirmed.
	StaticRemoteKeyOptional FeatureBit = 12

	// AnchorsOptional signals support for the anchor-output commitment
	// format.
	AnchorsOptional FeatureBit = 20

	// DataLossProtectOptional signals option_data_loss_protect: the
	// channel_reestablish message carries enough information for a
	// rolled-back peer to be detected and recover funds.
	DataLossProtectOptional FeatureBit = 0
)

// FeatureVector is a minimal feature-bit set: the core only needs set
// membership, never the full deduplication/rawvec machinery the wire codec
// owns.
type FeatureVector map[FeatureBit]struct{}

// HasFeature reports whether bit is present.
func (f FeatureVector) HasFeature(bit FeatureBit) bool {
	_, ok := f[bit]
	return ok
}

// Message is implemented by every wire message the core consumes or emits.
type Message interface {
	// MsgType returns a stable numeric identifier, used for logging and
	// for routing an incoming message to the right state-machine input.
	MsgType() uint16
}

const (
	MsgInit uint16 = 16 + iota
	MsgError
	MsgPing
	MsgPong
	MsgOpenChannel
	MsgAcceptChannel
	MsgFundingCreated
	MsgFundingSigned
	MsgFundingLocked
	MsgShutdown
	MsgClosingSigned
	MsgUpdateAddHTLC
	MsgUpdateFulfillHTLC
	MsgUpdateFailHTLC
	MsgUpdateFailMalformedHTLC
	MsgUpdateFee
	MsgCommitSig
	MsgRevokeAndAck
	MsgChannelReestablish
)

// Init is exchanged immediately after the transport handshake and carries
// each side's globally-supported feature vector.
type Init struct {
	GlobalFeatures FeatureVector
	Features       FeatureVector
}

func (Init) MsgType() uint16 { return MsgInit }

// Error aborts either a specific channel (ChanID set) or the entire
// connection (ChanID all-zero), carrying a diagnostic payload for logging.
type Error struct {
	ChanID ChannelID
	Data   []byte
}

func (Error) MsgType() uint16 { return MsgError }

// Ping/Pong are the keepalive pair; the core only forwards them, it never
// interprets their payload.
type Ping struct {
	NumPongBytes uint16
	PaddingBytes []byte
}

func (Ping) MsgType() uint16 { return MsgPing }

type Pong struct {
	PongBytes []byte
}

func (Pong) MsgType() uint16 { return MsgPong }

// OpenChannel is sent by the funder to begin the single-funder channel
// workflow.
type OpenChannel struct {
	ChainHash            chainhash.Hash
	PendingChannelID     [32]byte
	FundingAmount        btcutil.Amount
	PushAmount           MilliSatoshi
	DustLimit            btcutil.Amount
	MaxValueInFlight     MilliSatoshi
	ChannelReserve       btcutil.Amount
	HtlcMinimum          MilliSatoshi
	FeePerKw             btcutil.Amount
	CsvDelay             uint16
	MaxAcceptedHTLCs     uint16
	FundingKey           *btcec.PublicKey
	RevocationBasePoint  *btcec.PublicKey
	PaymentBasePoint     *btcec.PublicKey
	DelayedPaymentPoint  *btcec.PublicKey
	HtlcBasePoint        *btcec.PublicKey
	FirstCommitmentPoint *btcec.PublicKey
	ChannelFlags         byte
	FundingFeatures      FeatureVector
}

func (OpenChannel) MsgType() uint16 { return MsgOpenChannel }

// AcceptChannel is Bob's response to OpenChannel, carrying his own
// channel-parameter choices and the first commitment point.
type AcceptChannel struct {
	PendingChannelID     [32]byte
	DustLimit            btcutil.Amount
	MaxValueInFlight     MilliSatoshi
	ChannelReserve       btcutil.Amount
	HtlcMinimum          MilliSatoshi
	MinAcceptDepth       uint32
	CsvDelay             uint16
	MaxAcceptedHTLCs     uint16
	FundingKey           *btcec.PublicKey
	RevocationBasePoint  *btcec.PublicKey
	PaymentBasePoint     *btcec.PublicKey
	DelayedPaymentPoint  *btcec.PublicKey
	HtlcBasePoint        *btcec.PublicKey
	FirstCommitmentPoint *btcec.PublicKey
}

func (AcceptChannel) MsgType() uint16 { return MsgAcceptChannel }

// FundingCreated carries the funder's signature on the fundee's initial
// commitment transaction, once the funding transaction has been
// constructed (but not yet broadcast).
type FundingCreated struct {
	PendingChannelID [32]byte
	FundingTxID      chainhash.Hash
	FundingOutputIdx uint16
	CommitSig        *ecdsa.Signature
}

func (FundingCreated) MsgType() uint16 { return MsgFundingCreated }

// FundingSigned carries the fundee's signature on the funder's initial
// commitment transaction; upon receipt the funder may broadcast funding.
type FundingSigned struct {
	ChanID    ChannelID
	CommitSig *ecdsa.Signature
}

func (FundingSigned) MsgType() uint16 { return MsgFundingSigned }

// FundingLocked is exchanged once a party has seen the funding transaction
// reach its required confirmation depth. It conveys the second
// per-commitment point.
type FundingLocked struct {
	ChanID      ChannelID
	NextPerCommitmentPoint *btcec.PublicKey
}

func (FundingLocked) MsgType() uint16 { return MsgFundingLocked }

// Shutdown begins a cooperative close: either side may send it once the
// channel has no pending HTLCs it originated.
type Shutdown struct {
	ChanID      ChannelID
	ScriptToPay []byte
}

func (Shutdown) MsgType() uint16 { return MsgShutdown }

// ClosingSigned proposes (or counter-proposes) a fee for the mutual close
// transaction, alongside the sender's signature for that exact fee.
type ClosingSigned struct {
	ChanID   ChannelID
	FeeSatoshis btcutil.Amount
	Signature   *ecdsa.Signature
}

func (ClosingSigned) MsgType() uint16 { return MsgClosingSigned }

// UpdateAddHTLC proposes a new HTLC be added to the sender's outgoing
// offered set (and the receiver's incoming received set).
type UpdateAddHTLC struct {
	ChanID      ChannelID
	ID          uint64
	Amount      MilliSatoshi
	PaymentHash [32]byte
	Expiry      uint32
	OnionBlob   [1366]byte
}

func (UpdateAddHTLC) MsgType() uint16 { return MsgUpdateAddHTLC }

// UpdateFulfillHTLC settles a previously added HTLC by revealing its
// preimage.
type UpdateFulfillHTLC struct {
	ChanID         ChannelID
	ID             uint64
	PaymentPreimage [32]byte
}

func (UpdateFulfillHTLC) MsgType() uint16 { return MsgUpdateFulfillHTLC }

// UpdateFailHTLC fails a previously added HTLC, carrying an onion-encrypted
// failure reason opaque to every hop but the origin.
type UpdateFailHTLC struct {
	ChanID ChannelID
	ID     uint64
	Reason []byte
}

func (UpdateFailHTLC) MsgType() uint16 { return MsgUpdateFailHTLC }

// UpdateFailMalformedHTLC fails an HTLC whose onion could not even be
// unwrapped by this hop, carrying the onion's sha256 and a failure code
// instead of an encrypted reason.
type UpdateFailMalformedHTLC struct {
	ChanID       ChannelID
	ID           uint64
	ShaOnionBlob [32]byte
	FailureCode  FailCode
}

func (UpdateFailMalformedHTLC) MsgType() uint16 { return MsgUpdateFailMalformedHTLC }

// UpdateFee changes the feerate used for future commitments; valid only
// from the channel funder.
type UpdateFee struct {
	ChanID   ChannelID
	FeePerKw btcutil.Amount
}

func (UpdateFee) MsgType() uint16 { return MsgUpdateFee }

// CommitSig delivers a signature for the recipient's next commitment
// transaction, plus one signature per HTLC carried on it.
type CommitSig struct {
	ChanID    ChannelID
	CommitSig *ecdsa.Signature
	HtlcSigs  []*ecdsa.Signature
}

func (CommitSig) MsgType() uint16 { return MsgCommitSig }

// RevokeAndAck reveals the per-commitment secret for the commitment being
// revoked and discloses the point to be used for the next one.
type RevokeAndAck struct {
	ChanID            ChannelID
	Revocation        [32]byte
	NextCommitPoint   *btcec.PublicKey
}

func (RevokeAndAck) MsgType() uint16 { return MsgRevokeAndAck }

// ChannelReestablish is sent immediately after reconnecting to resynchronize
// commitment state: each side states the commitment height it expects to
// send/receive next, plus (if option_data_loss_protect is active) the
// secret it should have received for the peer's prior state, and its
// current per-commitment point.
type ChannelReestablish struct {
	ChanID                    ChannelID
	NextLocalCommitHeight     uint64
	RemoteCommitTailHeight    uint64
	LastRemoteCommitSecret    [32]byte
	LocalUnrevokedCommitPoint *btcec.PublicKey
}

func (ChannelReestablish) MsgType() uint16 { return MsgChannelReestablish }
