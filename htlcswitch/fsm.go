package htlcswitch

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/channeldb"
	"github.com/chanvault/lnchan/lnwire"
)

// FSMInputKind distinguishes the three input kinds §4.3 names: a wire
// message from the channel's peer, a locally-issued command, or an
// external (chain/driver) event.
type FSMInputKind uint8

const (
	InputPeerMessage FSMInputKind = iota
	InputLocalCommand
	InputChainEvent
)

// CommandKind enumerates the local commands of §6.
type CommandKind uint8

const (
	CmdAddHTLC CommandKind = iota
	CmdFulfillHTLC
	CmdFailHTLC
	CmdFailMalformedHTLC
	CmdUpdateFee
	CmdSign
	CmdClose
	CmdForceClose
)

// LocalCommand carries the payload for whichever CommandKind is set.
type LocalCommand struct {
	Kind CommandKind

	AddHTLC *lnwire.UpdateAddHTLC

	HTLCID   uint64
	Preimage [32]byte
	FailData []byte

	FeePerKw btcutil.Amount

	// CloseScript is the script CMD_CLOSE wants the mutual close to pay
	// to; nil requests the wallet's default delivery address.
	CloseScript []byte
}

// ChainEventKind enumerates the external events §4.3/§6 name.
type ChainEventKind uint8

const (
	EventFundingConfirmed ChainEventKind = iota
	EventFundingLockedRecv
	EventFundingSpent
	EventBlockEpoch
	EventRestored
	EventDisconnected
	EventReconnected
	EventTickOpenTimeout
)

// ChainEvent carries the payload for whichever ChainEventKind is set.
type ChainEvent struct {
	Kind ChainEventKind

	// SpendingTx is populated for EventFundingSpent: the transaction
	// that spent the funding outpoint, for the closing engine to
	// classify.
	SpendingTx *wire.MsgTx

	BlockHeight int32
}

// FSMInput is the single envelope type every ChannelFSM.Step call
// consumes.
type FSMInput struct {
	Kind FSMInputKind

	Message lnwire.Message
	Command *LocalCommand
	Event   *ChainEvent
}

// FSMOutput is the effect set a transition produces: outgoing messages to
// send the peer, HTLC origins now fully settled and safe to garbage
// collect, and whether this input forced the channel into CLOSING.
type FSMOutput struct {
	Messages       []lnwire.Message
	SettledOrigins []channeldb.Origin
	ForceClose     bool
}

// ChannelFSM is the §4.3 channel state machine: a single-owner actor
// (§9's "actor model -> owned state with message channels") that gates
// which inputs are valid in which named state and drives the underlying
// channelLink's ledger operations only once the channel has reached
// NORMAL. Persisting the state name itself follows the same db handed to
// the ledger, so a restart resumes into the same branch.
type ChannelFSM struct {
	mu sync.Mutex

	state channeldb.ChannelStateName
	link  *channelLink
	db    channeldb.Persister
}

// NewChannelFSM wraps link with the state machine, starting at state
// (typically whatever channeldb.OpenChannel.State was loaded as).
func NewChannelFSM(link *channelLink, db channeldb.Persister, state channeldb.ChannelStateName) *ChannelFSM {
	return &ChannelFSM{
		state: state,
		link:  link,
		db:    db,
	}
}

// State reports the FSM's current named state.
func (f *ChannelFSM) State() channeldb.ChannelStateName {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// transition moves the FSM to next, persisting the new state name
// alongside whatever the ledger has already written.
func (f *ChannelFSM) transition(next channeldb.ChannelStateName) {
	f.state = next
	f.link.channel.State().State = next
	if f.db != nil {
		// Best-effort: the ledger's own persistence already covers the
		// durability-critical writes (§4.5 rules 1-2); a failure here
		// only risks resuming one state behind on restart, which
		// channel_reestablish recovers from.
		f.db.PutChannel(f.link.ChanID(), f.link.channel.State())
	}
}

// Step applies a single input to the FSM, per the exactly-one-input-in-
// flight-at-a-time rule of §5's scheduling model.
func (f *ChannelFSM) Step(in FSMInput) (FSMOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// CMD_FORCECLOSE forces a transition to CLOSING regardless of the
	// state it's issued from. An error from the ledger while handling a
	// peer message is returned to the caller with no state change.
	if in.Kind == InputLocalCommand && in.Command != nil && in.Command.Kind == CmdForceClose {
		f.transition(channeldb.StateClosing)
		return FSMOutput{ForceClose: true}, nil
	}

	switch f.state {
	case channeldb.StateWaitForFundingConfirmed:
		return f.stepWaitForFundingConfirmed(in)
	case channeldb.StateWaitForFundingLocked:
		return f.stepWaitForFundingLocked(in)
	case channeldb.StateNormal:
		return f.stepNormal(in)
	case channeldb.StateShutdown:
		return f.stepShutdown(in)
	case channeldb.StateNegotiating:
		return f.stepNegotiating(in)
	case channeldb.StateClosing:
		return f.stepClosing(in)
	case channeldb.StateOffline:
		return f.stepOffline(in)
	case channeldb.StateSyncing:
		return f.stepSyncing(in)
	case channeldb.StateWaitForFuturePublish:
		return f.stepWaitForFuturePublish(in)
	default:
		if f.state.IsPreFunding() {
			return f.stepPreFunding(in)
		}
		return FSMOutput{}, fmt.Errorf("htlcswitch: unhandled fsm state %v", f.state)
	}
}

// stepPreFunding handles every funding-negotiation state prior to
// WAIT_FOR_FUNDING_CONFIRMED. The core treats the handshake itself as a
// straight-line sequence: every input other than the open timeout
// advances one state, and a repeated open message is not told apart from
// a new one. Full message validation belongs to the embedding daemon's
// funding manager, which is out of scope here.
func (f *ChannelFSM) stepPreFunding(in FSMInput) (FSMOutput, error) {
	if in.Kind == InputChainEvent && in.Event != nil && in.Event.Kind == EventTickOpenTimeout {
		f.transition(channeldb.StateClosed)
		return FSMOutput{}, nil
	}

	// Every other input advances one step along the funding sequence;
	// the actual message contents are produced/validated by the
	// funding manager driving this FSM, not by the FSM itself.
	next := f.nextFundingState()
	f.transition(next)
	return FSMOutput{}, nil
}

func (f *ChannelFSM) nextFundingState() channeldb.ChannelStateName {
	sequence := []channeldb.ChannelStateName{
		channeldb.StateWaitForInit,
		channeldb.StateWaitForOpen,
		channeldb.StateWaitForAccept,
		channeldb.StateWaitForFundingInternal,
		channeldb.StateWaitForFundingCreated,
		channeldb.StateWaitForFundingSigned,
		channeldb.StateWaitForFundingConfirmed,
	}
	for i, s := range sequence {
		if s == f.state && i+1 < len(sequence) {
			return sequence[i+1]
		}
	}
	return channeldb.StateWaitForFundingConfirmed
}

// stepWaitForFundingConfirmed waits for the funding transaction to reach
// its required confirmation depth, then announces funding_locked.
func (f *ChannelFSM) stepWaitForFundingConfirmed(in FSMInput) (FSMOutput, error) {
	switch {
	case in.Kind == InputChainEvent && in.Event != nil && in.Event.Kind == EventFundingConfirmed:
		_, nextPoint, err := f.link.cfg.RevocationProducer(
			f.link.channel.State().LocalCommitment.CommitHeight + 1)
		if err != nil {
			return FSMOutput{}, err
		}
		f.transition(channeldb.StateWaitForFundingLocked)
		return FSMOutput{Messages: []lnwire.Message{&lnwire.FundingLocked{
			ChanID:                 f.link.ChanID(),
			NextPerCommitmentPoint: nextPoint,
		}}}, nil

	case in.Kind == InputChainEvent && in.Event != nil && in.Event.Kind == EventTickOpenTimeout:
		f.transition(channeldb.StateClosed)
		return FSMOutput{}, nil

	default:
		return FSMOutput{}, nil
	}
}

// stepWaitForFundingLocked waits for the peer's funding_locked before
// entering NORMAL; both sides may send theirs before either has seen the
// other's, so receipt (not exchange order) is what gates the transition.
func (f *ChannelFSM) stepWaitForFundingLocked(in FSMInput) (FSMOutput, error) {
	if in.Kind == InputPeerMessage {
		if _, ok := in.Message.(*lnwire.FundingLocked); ok {
			f.transition(channeldb.StateNormal)
			return FSMOutput{}, nil
		}
	}
	return FSMOutput{}, nil
}

// stepNormal is the operational state: HTLC adds/settles/fails and the
// commitment/revocation dance are the channelLink's job; this method only
// recognizes the inputs that leave NORMAL (peer shutdown, local close
// commands, disconnection).
func (f *ChannelFSM) stepNormal(in FSMInput) (FSMOutput, error) {
	switch in.Kind {
	case InputPeerMessage:
		switch msg := in.Message.(type) {
		case *lnwire.Shutdown:
			f.transition(channeldb.StateShutdown)
			return FSMOutput{Messages: []lnwire.Message{&lnwire.Shutdown{
				ChanID:      f.link.ChanID(),
				ScriptToPay: f.link.cfg.DeliveryScript,
			}}}, nil
		default:
			if err := f.link.HandleChannelUpdate(msg); err != nil {
				return FSMOutput{}, err
			}
			return FSMOutput{}, nil
		}

	case InputLocalCommand:
		return f.stepNormalCommand(in.Command)

	case InputChainEvent:
		if in.Event == nil {
			return FSMOutput{}, nil
		}
		switch in.Event.Kind {
		case EventDisconnected:
			f.transition(channeldb.StateOffline)
			return FSMOutput{}, nil
		case EventFundingSpent:
			f.transition(channeldb.StateClosing)
			return FSMOutput{ForceClose: true}, nil
		}
	}
	return FSMOutput{}, nil
}

func (f *ChannelFSM) stepNormalCommand(cmd *LocalCommand) (FSMOutput, error) {
	if cmd == nil {
		return FSMOutput{}, fmt.Errorf("htlcswitch: nil local command")
	}

	switch cmd.Kind {
	case CmdAddHTLC:
		if err := f.link.HandleSwitchPacket(&htlcPacket{htlc: cmd.AddHTLC}); err != nil {
			return FSMOutput{}, err
		}
	case CmdFulfillHTLC:
		pkt := &htlcPacket{
			outgoingHTLCID: cmd.HTLCID,
			htlc:           &lnwire.UpdateFulfillHTLC{ID: cmd.HTLCID, PaymentPreimage: cmd.Preimage},
		}
		if err := f.link.HandleSwitchPacket(pkt); err != nil {
			return FSMOutput{}, err
		}
	case CmdFailHTLC:
		pkt := &htlcPacket{
			outgoingHTLCID: cmd.HTLCID,
			htlc:           &lnwire.UpdateFailHTLC{ID: cmd.HTLCID, Reason: cmd.FailData},
		}
		if err := f.link.HandleSwitchPacket(pkt); err != nil {
			return FSMOutput{}, err
		}
	case CmdSign:
		if err := f.link.updateCommitment(); err != nil {
			return FSMOutput{}, err
		}
	case CmdClose:
		script := cmd.CloseScript
		if script == nil {
			script = f.link.cfg.DeliveryScript
		}
		f.transition(channeldb.StateShutdown)
		return FSMOutput{Messages: []lnwire.Message{&lnwire.Shutdown{
			ChanID:      f.link.ChanID(),
			ScriptToPay: script,
		}}}, nil
	default:
		return FSMOutput{}, fmt.Errorf("htlcswitch: command %v not supported in NORMAL", cmd.Kind)
	}

	return FSMOutput{}, nil
}

// stepShutdown moves to fee negotiation as soon as the peer's shutdown
// arrives; pending HTLCs are not checked. A spend of the funding output
// moves to CLOSING instead.
func (f *ChannelFSM) stepShutdown(in FSMInput) (FSMOutput, error) {
	if in.Kind == InputPeerMessage {
		if _, ok := in.Message.(*lnwire.Shutdown); ok {
			f.transition(channeldb.StateNegotiating)
			return FSMOutput{}, nil
		}
	}
	if in.Kind == InputChainEvent && in.Event != nil && in.Event.Kind == EventFundingSpent {
		f.transition(channeldb.StateClosing)
		return FSMOutput{ForceClose: true}, nil
	}
	return FSMOutput{}, nil
}

// stepNegotiating runs the closing_signed fee-convergence loop of S3: a
// proposal within the local tolerance is accepted verbatim (converging
// immediately); otherwise the midpoint is re-proposed.
func (f *ChannelFSM) stepNegotiating(in FSMInput) (FSMOutput, error) {
	if in.Kind != InputPeerMessage {
		return FSMOutput{}, nil
	}

	closing, ok := in.Message.(*lnwire.ClosingSigned)
	if !ok {
		return FSMOutput{}, nil
	}

	var ourFee btcutil.Amount
	if f.link.cfg.FeeEstimate != nil {
		ourFee = f.link.cfg.FeeEstimate()
	}
	const toleranceNum, toleranceDen = 1, 2 // accept within 50% of our fee either way

	diff := closing.FeeSatoshis - ourFee
	if diff < 0 {
		diff = -diff
	}
	converged := diff*toleranceDen <= ourFee*toleranceNum

	if converged {
		f.transition(channeldb.StateClosing)
		return FSMOutput{
			Messages:   []lnwire.Message{closing},
			ForceClose: false,
		}, nil
	}

	counter := (ourFee + closing.FeeSatoshis) / 2
	return FSMOutput{Messages: []lnwire.Message{&lnwire.ClosingSigned{
		ChanID:      f.link.ChanID(),
		FeeSatoshis: counter,
	}}}, nil
}

// stepClosing waits for the funding outpoint to actually be spent; branch
// classification and resolver dispatch belong to contractcourt, which the
// driver invokes once this returns ForceClose/the spend details.
func (f *ChannelFSM) stepClosing(in FSMInput) (FSMOutput, error) {
	if in.Kind == InputChainEvent && in.Event != nil && in.Event.Kind == EventFundingSpent {
		f.transition(channeldb.StateClosed)
		return FSMOutput{ForceClose: true}, nil
	}
	return FSMOutput{}, nil
}

// stepOffline parks everything except reconnection and a funding-spend
// witnessed while disconnected (watches stay armed even with no peer
// connection).
func (f *ChannelFSM) stepOffline(in FSMInput) (FSMOutput, error) {
	switch {
	case in.Kind == InputChainEvent && in.Event != nil && in.Event.Kind == EventReconnected:
		f.transition(channeldb.StateSyncing)
		msg, err := f.link.channel.ChanSyncMsg()
		if err != nil {
			return FSMOutput{}, err
		}
		return FSMOutput{Messages: []lnwire.Message{msg}}, nil

	case in.Kind == InputChainEvent && in.Event != nil && in.Event.Kind == EventFundingSpent:
		f.transition(channeldb.StateClosing)
		return FSMOutput{ForceClose: true}, nil

	default:
		return FSMOutput{}, nil
	}
}

// stepSyncing processes the peer's channel_reestablish, per §4.3's rule
// for comparing next-commitment-height claims: a future claim we cannot
// prove moves us to WAIT_FOR_REMOTE_PUBLISH_FUTURE_COMMITMENT rather than
// NORMAL.
func (f *ChannelFSM) stepSyncing(in FSMInput) (FSMOutput, error) {
	if in.Kind != InputPeerMessage {
		return FSMOutput{}, nil
	}

	reest, ok := in.Message.(*lnwire.ChannelReestablish)
	if !ok {
		return FSMOutput{}, nil
	}

	msgs, err := f.link.channel.ProcessChanSyncMsg(reest)
	if err != nil {
		f.transition(channeldb.StateWaitForFuturePublish)
		return FSMOutput{}, nil
	}

	f.transition(channeldb.StateNormal)
	return FSMOutput{Messages: msgs}, nil
}

// stepWaitForFuturePublish is data-loss recovery (S5): the only useful
// input left is witnessing the peer publish their current commitment, at
// which point we claim only our main output (no HTLC information
// survived the rollback).
func (f *ChannelFSM) stepWaitForFuturePublish(in FSMInput) (FSMOutput, error) {
	if in.Kind == InputChainEvent && in.Event != nil && in.Event.Kind == EventFundingSpent {
		f.transition(channeldb.StateClosing)
		return FSMOutput{ForceClose: true}, nil
	}
	return FSMOutput{}, nil
}
