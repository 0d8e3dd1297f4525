package htlcswitch

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/channeldb"
	"github.com/chanvault/lnchan/input"
	"github.com/chanvault/lnchan/lnwallet"
	"github.com/chanvault/lnchan/lnwire"
)

// fsmTestSigner satisfies input.Signer well enough for fsm tests: none of
// these tests exercise ReceiveNewCommitment (the only ledger call that
// verifies a signature), so a signature only needs to be well-formed, not
// correct.
type fsmTestSigner struct {
	key *btcec.PrivateKey
}

func (s *fsmTestSigner) SignOutputRaw(tx *wire.MsgTx, desc *input.SignDescriptor) (*ecdsa.Signature, error) {
	hash := tx.TxHash()
	return ecdsa.Sign(s.key, hash[:]), nil
}

func (s *fsmTestSigner) ComputeInputScript(tx *wire.MsgTx, desc *input.SignDescriptor) (*input.Script, error) {
	return &input.Script{}, nil
}

type fsmTestPersister struct {
	puts int
}

func (p *fsmTestPersister) GetChannel(id channeldb.ChannelID) (*channeldb.OpenChannel, error) {
	return nil, channeldb.ErrChannelNotFound
}
func (p *fsmTestPersister) PutChannel(id channeldb.ChannelID, state *channeldb.OpenChannel) error {
	p.puts++
	return nil
}
func (p *fsmTestPersister) AddPendingRelay(channeldb.ChannelID, channeldb.PendingRelayCmd) error {
	return nil
}
func (p *fsmTestPersister) RemovePendingRelay(channeldb.ChannelID, uint64) error { return nil }
func (p *fsmTestPersister) ListPendingRelay(channeldb.ChannelID) ([]channeldb.PendingRelayCmd, error) {
	return nil, nil
}

// fsmTestPeer records every message sent to it, standing in for a live wire
// connection.
type fsmTestPeer struct {
	sent []lnwire.Message
}

func (p *fsmTestPeer) SendMessage(msg lnwire.Message) error {
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fsmTestPeer) PubKey() [33]byte {
	return [33]byte{}
}

func randTestKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("unable to generate key: %v", err)
	}
	return key
}

// newTestFSM builds a ChannelFSM wrapping a single fresh, HTLC-free,
// single-sided channelLink, starting in startState. It only models one
// side of the channel: these tests exercise the FSM's state transitions,
// not the two-party ledger exchange already covered in
// lnwallet/channel_test.go.
func newTestFSM(t *testing.T, startState channeldb.ChannelStateName) (*ChannelFSM, *channelLink, *fsmTestPeer, *fsmTestPersister) {
	t.Helper()

	multiSig := randTestKey(t)
	remoteMultiSig := randTestKey(t)
	rev, pay, delay, htlcKey := randTestKey(t), randTestKey(t), randTestKey(t), randTestKey(t)
	remoteRev, remotePay, remoteDelay, remoteHtlc := randTestKey(t), randTestKey(t), randTestKey(t), randTestKey(t)

	constraints := channeldb.ChannelConstraints{
		DustLimit:        btcutil.Amount(573),
		ChanReserve:      btcutil.Amount(0),
		MaxPendingAmount: lnwire.NewMSatFromSatoshis(1_000_000),
		MinHTLC:          1,
		MaxAcceptedHtlcs: 483,
		CsvDelay:         144,
	}

	localCfg := channeldb.ChannelConfig{
		ChannelConstraints:  constraints,
		MultiSigKey:         multiSig.PubKey(),
		RevocationBasePoint: rev.PubKey(),
		PaymentBasePoint:    pay.PubKey(),
		DelayBasePoint:      delay.PubKey(),
		HtlcBasePoint:       htlcKey.PubKey(),
	}
	remoteCfg := channeldb.ChannelConfig{
		ChannelConstraints:  constraints,
		MultiSigKey:         remoteMultiSig.PubKey(),
		RevocationBasePoint: remoteRev.PubKey(),
		PaymentBasePoint:    remotePay.PubKey(),
		DelayBasePoint:      remoteDelay.PubKey(),
		HtlcBasePoint:       remoteHtlc.PubKey(),
	}

	var txid [32]byte
	rand.Read(txid[:])
	fundingOutpoint := wire.OutPoint{Hash: txid, Index: 0}

	half := lnwire.NewMSatFromSatoshis(500_000)
	commit := channeldb.ChannelCommitment{
		CommitHeight:  0,
		LocalBalance:  half,
		RemoteBalance: half,
		FeePerKw:      btcutil.Amount(253),
	}

	state := &channeldb.OpenChannel{
		ChanID:           lnwire.DeriveChannelID(&fundingOutpoint),
		ChanType:         channeldb.ChannelTypeLegacy,
		IsInitiator:      true,
		FundingOutpoint:  fundingOutpoint,
		Capacity:         btcutil.Amount(1_000_000),
		LocalChanCfg:     localCfg,
		RemoteChanCfg:    remoteCfg,
		LocalCommitment:  commit,
		RemoteCommitment: commit,
		RevocationStore:  channeldb.NewRevocationStore(),
		State:            startState,
	}

	remoteKeyRing := lnwallet.CommitmentKeyRing{
		ToLocalKey:    remoteCfg.DelayBasePoint,
		ToRemoteKey:   localCfg.PaymentBasePoint,
		RevocationKey: remoteCfg.RevocationBasePoint,
		LocalHtlcKey:  remoteCfg.HtlcBasePoint,
		RemoteHtlcKey: localCfg.HtlcBasePoint,
	}
	channel, err := lnwallet.NewLightningChannel(&fsmTestSigner{key: multiSig}, nil, state, remoteKeyRing)
	if err != nil {
		t.Fatalf("unable to create channel: %v", err)
	}

	peer := &fsmTestPeer{}
	persister := &fsmTestPersister{}

	nextPoint := randTestKey(t).PubKey()
	cfg := linkConfig{
		ForwardPacket: func(pkt *htlcPacket) error { return nil },
		Peer:          peer,
		DB:            persister,
		RevocationProducer: func(height uint64) ([32]byte, *btcec.PublicKey, error) {
			var secret [32]byte
			rand.Read(secret[:])
			return secret, nextPoint, nil
		},
		DeliveryScript: []byte{0x00, 0x14},
	}

	link := NewChannelLink(cfg, channel, ForwardingPolicy{}).(*channelLink)
	fsm := NewChannelFSM(link, persister, startState)

	return fsm, link, peer, persister
}

func TestPreFundingAdvancesLinearly(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateWaitForInit)

	sequence := []channeldb.ChannelStateName{
		channeldb.StateWaitForOpen,
		channeldb.StateWaitForAccept,
		channeldb.StateWaitForFundingInternal,
		channeldb.StateWaitForFundingCreated,
		channeldb.StateWaitForFundingSigned,
		channeldb.StateWaitForFundingConfirmed,
	}

	for _, want := range sequence {
		if _, err := fsm.Step(FSMInput{Kind: InputPeerMessage, Message: &lnwire.Init{}}); err != nil {
			t.Fatalf("unexpected error advancing funding sequence: %v", err)
		}
		if got := fsm.State(); got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	}
}

func TestPreFundingTimeoutClosesChannel(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateWaitForOpen)

	out, err := fsm.Step(FSMInput{
		Kind:  InputChainEvent,
		Event: &ChainEvent{Kind: EventTickOpenTimeout},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateClosed {
		t.Fatalf("state = %v, want CLOSED", fsm.State())
	}
	if out.ForceClose {
		t.Fatal("a pre-funding timeout is not a force-close")
	}
}

func TestForceCloseWorksFromAnyState(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateNormal)

	out, err := fsm.Step(FSMInput{
		Kind:    InputLocalCommand,
		Command: &LocalCommand{Kind: CmdForceClose},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateClosing {
		t.Fatalf("state = %v, want CLOSING", fsm.State())
	}
	if !out.ForceClose {
		t.Fatal("expected ForceClose to be set")
	}
}

func TestWaitForFundingConfirmedEmitsFundingLocked(t *testing.T) {
	fsm, link, _, _ := newTestFSM(t, channeldb.StateWaitForFundingConfirmed)

	out, err := fsm.Step(FSMInput{
		Kind:  InputChainEvent,
		Event: &ChainEvent{Kind: EventFundingConfirmed, BlockHeight: 144},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateWaitForFundingLocked {
		t.Fatalf("state = %v, want WAIT_FOR_FUNDING_LOCKED", fsm.State())
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(out.Messages))
	}
	locked, ok := out.Messages[0].(*lnwire.FundingLocked)
	if !ok {
		t.Fatalf("expected FundingLocked, got %T", out.Messages[0])
	}
	if locked.ChanID != link.ChanID() {
		t.Fatal("funding_locked carries the wrong channel id")
	}
	if locked.NextPerCommitmentPoint == nil {
		t.Fatal("expected a non-nil next commitment point")
	}
}

func TestWaitForFundingLockedEntersNormal(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateWaitForFundingLocked)

	_, err := fsm.Step(FSMInput{
		Kind:    InputPeerMessage,
		Message: &lnwire.FundingLocked{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateNormal {
		t.Fatalf("state = %v, want NORMAL", fsm.State())
	}
}

func TestNormalPeerShutdownEchoesAndTransitions(t *testing.T) {
	fsm, link, _, _ := newTestFSM(t, channeldb.StateNormal)

	out, err := fsm.Step(FSMInput{
		Kind:    InputPeerMessage,
		Message: &lnwire.Shutdown{ChanID: link.ChanID(), ScriptToPay: []byte{0x01}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateShutdown {
		t.Fatalf("state = %v, want SHUTDOWN", fsm.State())
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(out.Messages))
	}
	shutdown, ok := out.Messages[0].(*lnwire.Shutdown)
	if !ok {
		t.Fatalf("expected Shutdown, got %T", out.Messages[0])
	}
	if string(shutdown.ScriptToPay) != string(link.cfg.DeliveryScript) {
		t.Fatal("shutdown did not echo our configured delivery script")
	}
}

func TestNormalCmdAddHTLCSignsAndSends(t *testing.T) {
	fsm, _, peer, _ := newTestFSM(t, channeldb.StateNormal)

	htlc := &lnwire.UpdateAddHTLC{
		Amount:      lnwire.NewMSatFromSatoshis(10_000),
		PaymentHash: [32]byte{1},
		Expiry:      500,
	}

	_, err := fsm.Step(FSMInput{
		Kind:    InputLocalCommand,
		Command: &LocalCommand{Kind: CmdAddHTLC, AddHTLC: htlc},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateNormal {
		t.Fatalf("state = %v, want to remain NORMAL", fsm.State())
	}
	if len(peer.sent) != 2 {
		t.Fatalf("expected the add and a commitment signature to be sent, got %d messages", len(peer.sent))
	}
	if _, ok := peer.sent[0].(*lnwire.UpdateAddHTLC); !ok {
		t.Fatalf("expected first message to be UpdateAddHTLC, got %T", peer.sent[0])
	}
	if _, ok := peer.sent[1].(*lnwire.CommitSig); !ok {
		t.Fatalf("expected second message to be CommitSig, got %T", peer.sent[1])
	}
}

func TestNormalCmdCloseTransitionsToShutdown(t *testing.T) {
	fsm, link, _, _ := newTestFSM(t, channeldb.StateNormal)

	out, err := fsm.Step(FSMInput{
		Kind:    InputLocalCommand,
		Command: &LocalCommand{Kind: CmdClose},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateShutdown {
		t.Fatalf("state = %v, want SHUTDOWN", fsm.State())
	}
	shutdown, ok := out.Messages[0].(*lnwire.Shutdown)
	if !ok {
		t.Fatalf("expected Shutdown, got %T", out.Messages[0])
	}
	if string(shutdown.ScriptToPay) != string(link.cfg.DeliveryScript) {
		t.Fatal("expected CMD_CLOSE to fall back to the configured delivery script")
	}
}

func TestNormalDisconnectGoesOffline(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateNormal)

	_, err := fsm.Step(FSMInput{
		Kind:  InputChainEvent,
		Event: &ChainEvent{Kind: EventDisconnected},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateOffline {
		t.Fatalf("state = %v, want OFFLINE", fsm.State())
	}
}

func TestNormalFundingSpentForcesClose(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateNormal)

	out, err := fsm.Step(FSMInput{
		Kind:  InputChainEvent,
		Event: &ChainEvent{Kind: EventFundingSpent},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateClosing {
		t.Fatalf("state = %v, want CLOSING", fsm.State())
	}
	if !out.ForceClose {
		t.Fatal("expected ForceClose to be set")
	}
}

func TestShutdownPeerReplyEntersNegotiating(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateShutdown)

	_, err := fsm.Step(FSMInput{
		Kind:    InputPeerMessage,
		Message: &lnwire.Shutdown{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateNegotiating {
		t.Fatalf("state = %v, want NEGOTIATING", fsm.State())
	}
}

func TestNegotiatingConvergesWithinTolerance(t *testing.T) {
	fsm, link, _, _ := newTestFSM(t, channeldb.StateNegotiating)
	link.cfg.FeeEstimate = func() btcutil.Amount { return 1000 }

	out, err := fsm.Step(FSMInput{
		Kind:    InputPeerMessage,
		Message: &lnwire.ClosingSigned{FeeSatoshis: 1000},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateClosing {
		t.Fatalf("state = %v, want CLOSING", fsm.State())
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected one echoed message, got %d", len(out.Messages))
	}
}

func TestNegotiatingCountersOutsideTolerance(t *testing.T) {
	fsm, link, _, _ := newTestFSM(t, channeldb.StateNegotiating)
	link.cfg.FeeEstimate = func() btcutil.Amount { return 1000 }

	out, err := fsm.Step(FSMInput{
		Kind:    InputPeerMessage,
		Message: &lnwire.ClosingSigned{FeeSatoshis: 10000},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateNegotiating {
		t.Fatalf("state = %v, want to remain NEGOTIATING", fsm.State())
	}
	closing, ok := out.Messages[0].(*lnwire.ClosingSigned)
	if !ok {
		t.Fatalf("expected ClosingSigned, got %T", out.Messages[0])
	}
	if want := btcutil.Amount(5500); closing.FeeSatoshis != want {
		t.Fatalf("counter-proposal = %v, want %v", closing.FeeSatoshis, want)
	}
}

func TestClosingWaitsForSpend(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateClosing)

	out, err := fsm.Step(FSMInput{
		Kind:  InputChainEvent,
		Event: &ChainEvent{Kind: EventFundingSpent},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateClosed {
		t.Fatalf("state = %v, want CLOSED", fsm.State())
	}
	if !out.ForceClose {
		t.Fatal("expected ForceClose to be set")
	}
}

func TestOfflineReconnectEmitsChanSync(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateOffline)

	out, err := fsm.Step(FSMInput{
		Kind:  InputChainEvent,
		Event: &ChainEvent{Kind: EventReconnected},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateSyncing {
		t.Fatalf("state = %v, want SYNCING", fsm.State())
	}
	if _, ok := out.Messages[0].(*lnwire.ChannelReestablish); !ok {
		t.Fatalf("expected ChannelReestablish, got %T", out.Messages[0])
	}
}

func TestOfflineFundingSpentForcesClose(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateOffline)

	out, err := fsm.Step(FSMInput{
		Kind:  InputChainEvent,
		Event: &ChainEvent{Kind: EventFundingSpent},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateClosing {
		t.Fatalf("state = %v, want CLOSING", fsm.State())
	}
	if !out.ForceClose {
		t.Fatal("expected ForceClose to be set")
	}
}

func TestSyncingSuccessReturnsToNormal(t *testing.T) {
	fsm, link, _, _ := newTestFSM(t, channeldb.StateSyncing)

	reest := &lnwire.ChannelReestablish{
		ChanID:                 link.ChanID(),
		RemoteCommitTailHeight: 0,
	}

	_, err := fsm.Step(FSMInput{Kind: InputPeerMessage, Message: reest})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateNormal {
		t.Fatalf("state = %v, want NORMAL", fsm.State())
	}
}

func TestSyncingFutureClaimGoesToWaitForFuturePublish(t *testing.T) {
	fsm, link, _, _ := newTestFSM(t, channeldb.StateSyncing)

	keyRing := lnwallet.CommitmentKeyRing{
		ToLocalKey:    link.channel.State().LocalChanCfg.DelayBasePoint,
		ToRemoteKey:   link.channel.State().RemoteChanCfg.PaymentBasePoint,
		RevocationKey: link.channel.State().LocalChanCfg.RevocationBasePoint,
		LocalHtlcKey:  link.channel.State().LocalChanCfg.HtlcBasePoint,
		RemoteHtlcKey: link.channel.State().RemoteChanCfg.HtlcBasePoint,
	}
	if _, _, err := link.channel.SignNextCommitment(keyRing); err != nil {
		t.Fatalf("unable to sign a commitment to create an unacked state: %v", err)
	}

	reest := &lnwire.ChannelReestablish{
		ChanID:                 link.ChanID(),
		RemoteCommitTailHeight: 1,
	}

	_, err := fsm.Step(FSMInput{Kind: InputPeerMessage, Message: reest})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateWaitForFuturePublish {
		t.Fatalf("state = %v, want WAIT_FOR_REMOTE_PUBLISH_FUTURE_COMMITMENT", fsm.State())
	}
}

func TestWaitForFuturePublishClosesOnSpend(t *testing.T) {
	fsm, _, _, _ := newTestFSM(t, channeldb.StateWaitForFuturePublish)

	out, err := fsm.Step(FSMInput{
		Kind:  InputChainEvent,
		Event: &ChainEvent{Kind: EventFundingSpent},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fsm.State() != channeldb.StateClosing {
		t.Fatalf("state = %v, want CLOSING", fsm.State())
	}
	if !out.ForceClose {
		t.Fatal("expected ForceClose to be set")
	}
}
