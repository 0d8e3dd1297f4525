package htlcswitch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"

	"github.com/chanvault/lnchan/channeldb"
	"github.com/chanvault/lnchan/lnwallet"
	"github.com/chanvault/lnchan/lnwire"
)

// ErrorDecrypter peels a single layer of onion-encrypted failure off a
// returned UpdateFailHTLC, recovering the originating error without the
// switch ever needing to understand the onion format itself.
type ErrorDecrypter interface {
	DecryptError(reason []byte) (*ForwardingError, error)
}

// ForwardingError is the decrypted reason an HTLC was failed somewhere
// along its route.
type ForwardingError struct {
	FailureSourceIdx int
	Message          string
}

// ForwardingPolicy is the fee/time-lock schedule this node advertises for
// HTLCs it forwards across a link.
type ForwardingPolicy struct {
	MinHTLC       lnwire.MilliSatoshi
	BaseFee       lnwire.MilliSatoshi
	FeeRate       lnwire.MilliSatoshi
	TimeLockDelta uint32
}

// Fee computes the forwarding fee this policy charges for relaying amt.
func (f ForwardingPolicy) Fee(amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	return f.BaseFee + (amt*f.FeeRate)/1000000
}

// Peer is the subset of the peer-connection surface a link needs: sending
// wire messages out and identifying who it's talking to.
type Peer interface {
	SendMessage(msg lnwire.Message) error
	PubKey() [33]byte
}

// htlcPacket is the switch's internal envelope for a single HTLC update as
// it threads between links: the add/settle/fail wire message plus enough
// circuit bookkeeping to route the eventual settle or fail back to the
// link (or local caller) that originated it.
type htlcPacket struct {
	incomingChanID lnwire.ShortChannelID
	incomingHTLCID uint64

	outgoingChanID lnwire.ShortChannelID
	outgoingHTLCID uint64

	destNode [33]byte

	htlc lnwire.Message

	amount lnwire.MilliSatoshi

	obfuscator ErrorDecrypter

	// isRouted is true once this packet has been assigned a circuit by
	// the switch; local sends and the first hop of a forward are false.
	isRouted bool

	// localFailure marks a failure manufactured by this node (bad
	// onion, insufficient bandwidth) rather than relayed from downstream.
	localFailure bool

	err chan error
}

// PaymentCircuit records the (incoming channel, incoming HTLC) pair an
// outgoing HTLC was opened on behalf of, so that a later settle or fail on
// the outgoing side can be replayed onto the correct incoming link.
type PaymentCircuit struct {
	IncomingChanID lnwire.ShortChannelID
	IncomingHTLCID uint64
	OutgoingChanID lnwire.ShortChannelID
	OutgoingHTLCID uint64
}

type circuitKey struct {
	chanID lnwire.ShortChannelID
	htlcID uint64
}

// CircuitMap tracks the in-flight forwarding circuits opened by
// handlePacketForward, keyed by outgoing (channel, HTLC index), so a
// returning settle or fail can be mapped back to where it came from.
type CircuitMap struct {
	mu       sync.Mutex
	circuits map[circuitKey]*PaymentCircuit
}

// NewCircuitMap returns an empty circuit map.
func NewCircuitMap() *CircuitMap {
	return &CircuitMap{
		circuits: make(map[circuitKey]*PaymentCircuit),
	}
}

// Add records a new circuit.
func (m *CircuitMap) Add(c *PaymentCircuit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := circuitKey{c.OutgoingChanID, c.OutgoingHTLCID}
	m.circuits[key] = c
}

// LookupByHTLC returns the circuit opened for (chanID, htlcID), if any.
func (m *CircuitMap) LookupByHTLC(chanID lnwire.ShortChannelID, htlcID uint64) *PaymentCircuit {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.circuits[circuitKey{chanID, htlcID}]
}

// Remove deletes the circuit opened for (chanID, htlcID), once its settle
// or fail has been replayed upstream.
func (m *CircuitMap) Remove(chanID lnwire.ShortChannelID, htlcID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := circuitKey{chanID, htlcID}
	if _, ok := m.circuits[key]; !ok {
		return fmt.Errorf("htlcswitch: no circuit for %v:%v", chanID, htlcID)
	}
	delete(m.circuits, key)
	return nil
}

// ChannelLink is the switch's view of an active channel: a per-channel
// state machine that applies add/settle/fail/commitment-signed/
// revoke-and-ack messages to a ledger and reports back what, if anything,
// needs forwarding to the rest of the network.
type ChannelLink interface {
	// HandleSwitchPacket delivers an HTLC packet the switch has routed
	// to this link, to be applied to the channel's outgoing side.
	HandleSwitchPacket(pkt *htlcPacket) error

	// HandleChannelUpdate processes a wire message received directly
	// from the channel's peer (commitment_signed, revoke_and_ack,
	// update_add/fulfill/fail_htlc, channel_reestablish).
	HandleChannelUpdate(msg lnwire.Message) error

	// UpdateForwardingPolicy installs a new fee/time-lock schedule for
	// HTLCs this link forwards.
	UpdateForwardingPolicy(policy ForwardingPolicy)

	// Stats reports the number of updates processed and the total
	// amounts sent/received over the life of the link.
	Stats() (uint64, lnwire.MilliSatoshi, lnwire.MilliSatoshi)

	ChanID() lnwire.ChannelID
	ShortChanID() lnwire.ShortChannelID
	Bandwidth() lnwire.MilliSatoshi
	Peer() Peer

	Start() error
	Stop()
}

// linkConfig bundles the collaborators a channelLink needs beyond the
// channel state itself: where to forward packets bound for the rest of
// the network, and where to persist ledger state before acking a peer
// message.
type linkConfig struct {
	// ForwardPacket hands an HTLC packet this link produced (an
	// outgoing add, or a settle/fail destined back upstream) to the
	// switch for routing to its next hop.
	ForwardPacket func(pkt *htlcPacket) error

	Peer Peer

	DB channeldb.Persister

	// RevocationProducer derives the per-commitment secret and next
	// commitment point for the commitment numbered height, from this
	// channel's revocation seed. Concrete derivation (typically a
	// shachain keyed off a per-channel root) is owned by the keychain,
	// not the link.
	RevocationProducer func(height uint64) ([32]byte, *btcec.PublicKey, error)

	// FeeEstimate reports the absolute fee, in satoshis, this side proposes
	// for a mutual close negotiation. Consulted only by the closing
	// state machine (fsm.go), never by the link itself.
	FeeEstimate func() btcutil.Amount

	// DeliveryScript is the script CMD_CLOSE pays the mutual close's
	// to-us output to.
	DeliveryScript []byte
}

// channelLink is the reference ChannelLink: it owns one
// lnwallet.LightningChannel and translates wire messages and switch
// packets into ledger operations, committing a new state and signature
// before ever acking the message that produced it.
type channelLink struct {
	started int32
	stopped int32

	cfg linkConfig

	channel *lnwallet.LightningChannel

	policy ForwardingPolicy

	mu sync.Mutex

	numUpdates uint64
	satSent    lnwire.MilliSatoshi
	satRecv    lnwire.MilliSatoshi

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewChannelLink wraps channel as a ChannelLink, ready to be registered
// with the switch via AddLink.
func NewChannelLink(cfg linkConfig, channel *lnwallet.LightningChannel,
	policy ForwardingPolicy) ChannelLink {

	return &channelLink{
		cfg:     cfg,
		channel: channel,
		policy:  policy,
		quit:    make(chan struct{}),
	}
}

// Start implements ChannelLink.
func (l *channelLink) Start() error {
	if !atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		return fmt.Errorf("htlcswitch: link %v already started", l.ChanID())
	}
	return nil
}

// Stop implements ChannelLink.
func (l *channelLink) Stop() {
	if !atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		return
	}
	close(l.quit)
	l.wg.Wait()
}

// ChanID implements ChannelLink.
func (l *channelLink) ChanID() lnwire.ChannelID {
	return l.channel.State().ChanID
}

// ShortChanID implements ChannelLink.
func (l *channelLink) ShortChanID() lnwire.ShortChannelID {
	return l.channel.State().ShortChanID
}

// Bandwidth implements ChannelLink. It reports the available balance of
// this side of the channel, the same quantity the ledger enforces against
// new outgoing HTLCs.
func (l *channelLink) Bandwidth() lnwire.MilliSatoshi {
	return l.channel.AvailableBalance()
}

// Peer implements ChannelLink.
func (l *channelLink) Peer() Peer {
	return l.cfg.Peer
}

// UpdateForwardingPolicy implements ChannelLink.
func (l *channelLink) UpdateForwardingPolicy(policy ForwardingPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = policy
}

// Stats implements ChannelLink.
func (l *channelLink) Stats() (uint64, lnwire.MilliSatoshi, lnwire.MilliSatoshi) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.numUpdates, l.satSent, l.satRecv
}

// HandleSwitchPacket implements ChannelLink. It applies an outgoing HTLC
// update the switch has routed here, then immediately drives a new
// commitment round so the update is durably signed before this call
// returns.
func (l *channelLink) HandleSwitchPacket(pkt *htlcPacket) error {
	switch htlc := pkt.htlc.(type) {
	case *lnwire.UpdateAddHTLC:
		htlcIndex := l.channel.AddHTLC(htlc)
		htlc.ID = htlcIndex

		if pkt.isRouted {
			l.cfg.DB.AddPendingRelay(l.channel.State().ChanID, channeldb.PendingRelayCmd{
				HTLCID: htlcIndex,
				Kind:   channeldb.LogUpdateAddHTLC,
			})
		}

	case *lnwire.UpdateFulfillHTLC:
		if err := l.channel.SettleHTLC(htlc.PaymentPreimage, pkt.outgoingHTLCID); err != nil {
			return err
		}

	case *lnwire.UpdateFailHTLC:
		if err := l.channel.FailHTLC(pkt.outgoingHTLCID, htlc.Reason); err != nil {
			return err
		}

	default:
		return fmt.Errorf("htlcswitch: unexpected packet payload %T", htlc)
	}

	if err := l.cfg.Peer.SendMessage(pkt.htlc); err != nil {
		return err
	}

	l.mu.Lock()
	l.numUpdates++
	l.mu.Unlock()

	return l.updateCommitment()
}

// HandleChannelUpdate implements ChannelLink. It is the counterpart to
// HandleSwitchPacket: wire messages arriving directly from the channel
// peer, rather than packets routed in from elsewhere in the network.
func (l *channelLink) HandleChannelUpdate(msg lnwire.Message) error {
	switch wireMsg := msg.(type) {
	case *lnwire.UpdateAddHTLC:
		// Staging onto the incoming log is all that happens here.
		// The link does not decode the onion payload, and
		// receiveRevocation does not hand the add on to the switch
		// once it locks in.
		if _, err := l.channel.ReceiveHTLC(wireMsg); err != nil {
			return err
		}

	case *lnwire.UpdateFulfillHTLC:
		if err := l.channel.ReceiveHTLCSettle(wireMsg.PaymentPreimage, wireMsg.ID); err != nil {
			return err
		}
		return l.forwardSettleUpstream(wireMsg.ID, wireMsg.PaymentPreimage)

	case *lnwire.UpdateFailHTLC:
		if err := l.channel.ReceiveFailHTLC(wireMsg.ID, wireMsg.Reason); err != nil {
			return err
		}
		return l.forwardFailUpstream(wireMsg.ID, wireMsg.Reason)

	case *lnwire.CommitSig:
		return l.receiveCommitSig(wireMsg)

	case *lnwire.RevokeAndAck:
		return l.receiveRevocation(wireMsg)

	case *lnwire.ChannelReestablish:
		msgs, err := l.channel.ProcessChanSyncMsg(wireMsg)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := l.cfg.Peer.SendMessage(m); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("htlcswitch: unhandled channel message %T", msg)
	}

	return nil
}

// forwardSettleUpstream relays a settle just received on this link's
// outgoing side back to the incoming link it was forwarded from, via the
// switch's circuit map, without waiting for the settle to lock in.
func (l *channelLink) forwardSettleUpstream(htlcID uint64, preimage [32]byte) error {
	return l.cfg.ForwardPacket(&htlcPacket{
		outgoingChanID: l.ShortChanID(),
		outgoingHTLCID: htlcID,
		isRouted:       true,
		htlc: &lnwire.UpdateFulfillHTLC{
			PaymentPreimage: preimage,
		},
	})
}

// forwardFailUpstream is the fail-path mirror of forwardSettleUpstream.
func (l *channelLink) forwardFailUpstream(htlcID uint64, reason []byte) error {
	return l.cfg.ForwardPacket(&htlcPacket{
		outgoingChanID: l.ShortChanID(),
		outgoingHTLCID: htlcID,
		isRouted:       true,
		htlc: &lnwire.UpdateFailHTLC{
			Reason: reason,
		},
	})
}

// updateCommitment signs and sends a new commitment for every update
// accumulated on this side's log since the last signature. The ledger
// itself persists the new state (via the channeldb.Persister passed to
// lnwallet.NewLightningChannel) before SignNextCommitment returns, so by
// the time this method has a signature to send, §4.5's durability rule is
// already satisfied.
func (l *channelLink) updateCommitment() error {
	keyRing := l.commitmentKeyRing(true)

	commitSig, htlcSigs, err := l.channel.SignNextCommitment(keyRing)
	if err != nil {
		return err
	}

	sigMsg := &lnwire.CommitSig{
		ChanID:    l.ChanID(),
		CommitSig: commitSig,
		HtlcSigs:  htlcSigs,
	}

	return l.cfg.Peer.SendMessage(sigMsg)
}

// receiveCommitSig validates and applies a new commitment offered by the
// peer (persisted by the ledger before this call returns), then
// immediately revokes the prior one.
func (l *channelLink) receiveCommitSig(msg *lnwire.CommitSig) error {
	keyRing := l.commitmentKeyRing(false)
	if err := l.channel.ReceiveNewCommitment(msg.CommitSig, msg.HtlcSigs, keyRing); err != nil {
		return err
	}

	secret, nextPoint, err := l.cfg.RevocationProducer(l.channel.State().LocalCommitment.CommitHeight)
	if err != nil {
		return err
	}
	rev, err := l.channel.RevokeCurrentCommitment(secret, nextPoint)
	if err != nil {
		return err
	}

	return l.cfg.Peer.SendMessage(rev)
}

// receiveRevocation applies a revocation for the commitment this link's
// counterparty previously signed over, advancing the ledger's settled
// window. The ledger persists the result itself before returning.
func (l *channelLink) receiveRevocation(msg *lnwire.RevokeAndAck) error {
	settled, err := l.channel.ReceiveRevocation(msg)
	if err != nil {
		return err
	}

	l.mu.Lock()
	for range settled {
		l.numUpdates++
	}
	l.mu.Unlock()

	return nil
}

// commitmentKeyRing derives the key set for the commitment this link is
// about to sign (local true: the remote party's commitment) or verify
// (local false: our own). Per-commitment key tweaking is owned by the
// keychain backing this node's basepoints; this link only selects which
// side's basepoints apply.
func (l *channelLink) commitmentKeyRing(local bool) lnwallet.CommitmentKeyRing {
	state := l.channel.State()

	owner, other := state.RemoteChanCfg, state.LocalChanCfg
	if !local {
		owner, other = state.LocalChanCfg, state.RemoteChanCfg
	}

	return lnwallet.CommitmentKeyRing{
		ToLocalKey:    owner.DelayBasePoint,
		ToRemoteKey:   other.PaymentBasePoint,
		RevocationKey: owner.RevocationBasePoint,
		LocalHtlcKey:  owner.HtlcBasePoint,
		RemoteHtlcKey: other.HtlcBasePoint,
	}
}
