package contractcourt

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	chainntfs "github.com/chanvault/lnchan/chainntfs"
	"github.com/chanvault/lnchan/channeldb"
	"github.com/chanvault/lnchan/input"
	"github.com/chanvault/lnchan/lnwallet"
	"github.com/chanvault/lnchan/lnwire"
)

// stubSigner signs with the real BIP143 sighash against a single fixed
// private key, mirroring lnwallet's own test mockSigner.
type stubSigner struct {
	key *btcec.PrivateKey
}

func (s *stubSigner) SignOutputRaw(tx *wire.MsgTx, desc *input.SignDescriptor) (*ecdsa.Signature, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(desc.Output.PkScript, desc.Output.Value)
	hashCache := txscript.NewTxSigHashes(tx, fetcher)
	sigHash, err := txscript.CalcWitnessSigHash(desc.WitnessScript, hashCache,
		desc.HashType, tx, desc.InputIndex, desc.Output.Value)
	if err != nil {
		return nil, err
	}
	return ecdsa.Sign(s.key, sigHash), nil
}

func (s *stubSigner) ComputeInputScript(tx *wire.MsgTx, desc *input.SignDescriptor) (*input.Script, error) {
	return &input.Script{}, nil
}

// stubPersister keeps channels in an in-memory map; these tests only assert
// on the resolvers an arbitrator produces, never on persisted state.
type stubPersister struct {
	chans map[channeldb.ChannelID]*channeldb.OpenChannel
}

func newStubPersister() *stubPersister {
	return &stubPersister{chans: make(map[channeldb.ChannelID]*channeldb.OpenChannel)}
}

func (s *stubPersister) GetChannel(id channeldb.ChannelID) (*channeldb.OpenChannel, error) {
	return s.chans[id], nil
}
func (s *stubPersister) PutChannel(id channeldb.ChannelID, state *channeldb.OpenChannel) error {
	s.chans[id] = state
	return nil
}
func (s *stubPersister) AddPendingRelay(channeldb.ChannelID, channeldb.PendingRelayCmd) error {
	return nil
}
func (s *stubPersister) RemovePendingRelay(channeldb.ChannelID, uint64) error { return nil }
func (s *stubPersister) ListPendingRelay(channeldb.ChannelID) ([]channeldb.PendingRelayCmd, error) {
	return nil, nil
}

// stubNotifier never watches a real chain; RegisterConfirmationsNtfn fires
// immediately so a resolver under test doesn't block waiting for a block.
type stubNotifier struct{}

func (n *stubNotifier) RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte,
	numConfs, heightHint uint32) (*chainntfs.ConfirmationEvent, error) {

	ev := &chainntfs.ConfirmationEvent{
		Confirmed:    make(chan *chainntfs.TxConfirmation, 1),
		NegativeConf: make(chan int32, 1),
		Cancel:       func() {},
	}
	ev.Confirmed <- &chainntfs.TxConfirmation{Tx: wire.NewMsgTx(2)}
	return ev, nil
}

func (n *stubNotifier) RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte,
	heightHint uint32) (*chainntfs.SpendEvent, error) {
	return &chainntfs.SpendEvent{Spend: make(chan *chainntfs.SpendDetail, 1), Cancel: func() {}}, nil
}

func (n *stubNotifier) RegisterBlockEpochNtfn(bestHeight int32) (*chainntfs.BlockEpochEvent, error) {
	return &chainntfs.BlockEpochEvent{Epochs: make(chan *chainntfs.BlockEpoch, 1), Cancel: func() {}}, nil
}

func (n *stubNotifier) Start() error { return nil }
func (n *stubNotifier) Stop() error  { return nil }

// stubPublisher records every transaction handed to it for publication.
type stubPublisher struct {
	published []*wire.MsgTx
}

func (p *stubPublisher) PublishAsap(tx *wire.MsgTx, label string) error {
	p.published = append(p.published, tx)
	return nil
}

func noopCheckpoint(ContractResolver) error { return nil }

func randPrivKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("unable to generate key: %v", err)
	}
	return key
}

type keySet struct {
	multiSig, rev, pay, delay, htlc *btcec.PrivateKey
}

func newKeySet(t *testing.T) keySet {
	return keySet{
		multiSig: randPrivKey(t),
		rev:      randPrivKey(t),
		pay:      randPrivKey(t),
		delay:    randPrivKey(t),
		htlc:     randPrivKey(t),
	}
}

func (k keySet) cfg(c channeldb.ChannelConstraints) channeldb.ChannelConfig {
	return channeldb.ChannelConfig{
		ChannelConstraints:  c,
		MultiSigKey:         k.multiSig.PubKey(),
		RevocationBasePoint: k.rev.PubKey(),
		PaymentBasePoint:    k.pay.PubKey(),
		DelayBasePoint:      k.delay.PubKey(),
		HtlcBasePoint:       k.htlc.PubKey(),
	}
}

// keyRingFor builds the CommitmentKeyRing local's own commitment outputs
// were signed against, given its counterparty's config.
func keyRingFor(local, remote channeldb.ChannelConfig) lnwallet.CommitmentKeyRing {
	return lnwallet.CommitmentKeyRing{
		ToLocalKey:    local.DelayBasePoint,
		ToRemoteKey:   remote.PaymentBasePoint,
		RevocationKey: local.RevocationBasePoint,
		LocalHtlcKey:  local.HtlcBasePoint,
		RemoteHtlcKey: remote.HtlcBasePoint,
	}
}

// buildChannelPair constructs a mirrored pair of HTLC-free LightningChannels
// sharing a funding outpoint, the same fixture shape lnwallet's own tests use.
func buildChannelPair(t *testing.T, capacity btcutil.Amount) (alice, bob *lnwallet.LightningChannel) {
	t.Helper()

	aliceKeys, bobKeys := newKeySet(t), newKeySet(t)

	constraints := channeldb.ChannelConstraints{
		DustLimit:        btcutil.Amount(573),
		ChanReserve:      btcutil.Amount(0),
		MaxPendingAmount: lnwire.NewMSatFromSatoshis(capacity),
		MinHTLC:          1,
		MaxAcceptedHtlcs: 483,
		CsvDelay:         144,
	}

	aliceCfg := aliceKeys.cfg(constraints)
	bobCfg := bobKeys.cfg(constraints)

	var txid [32]byte
	rand.Read(txid[:])
	fundingOutpoint := wire.OutPoint{Hash: txid, Index: 0}

	half := lnwire.NewMSatFromSatoshis(capacity / 2)
	initialCommit := channeldb.ChannelCommitment{
		CommitHeight:  0,
		LocalBalance:  half,
		RemoteBalance: half,
		FeePerKw:      btcutil.Amount(253),
	}

	aliceState := &channeldb.OpenChannel{
		ChanID:           lnwire.DeriveChannelID(&fundingOutpoint),
		ChanType:         channeldb.ChannelTypeLegacy,
		IsInitiator:      true,
		FundingOutpoint:  fundingOutpoint,
		Capacity:         capacity,
		LocalChanCfg:     aliceCfg,
		RemoteChanCfg:    bobCfg,
		LocalCommitment:  initialCommit,
		RemoteCommitment: initialCommit,
		RevocationStore:  channeldb.NewRevocationStore(),
	}
	bobState := &channeldb.OpenChannel{
		ChanID:           aliceState.ChanID,
		ChanType:         channeldb.ChannelTypeLegacy,
		IsInitiator:      false,
		FundingOutpoint:  fundingOutpoint,
		Capacity:         capacity,
		LocalChanCfg:     bobCfg,
		RemoteChanCfg:    aliceCfg,
		LocalCommitment:  initialCommit,
		RemoteCommitment: initialCommit,
		RevocationStore:  channeldb.NewRevocationStore(),
	}

	var err error
	alice, err = lnwallet.NewLightningChannel(&stubSigner{key: aliceKeys.multiSig}, newStubPersister(),
		aliceState, keyRingFor(bobCfg, aliceCfg))
	if err != nil {
		t.Fatalf("unable to create alice channel: %v", err)
	}
	bob, err = lnwallet.NewLightningChannel(&stubSigner{key: bobKeys.multiSig}, newStubPersister(),
		bobState, keyRingFor(aliceCfg, bobCfg))
	if err != nil {
		t.Fatalf("unable to create bob channel: %v", err)
	}

	return alice, bob
}

// TestChannelArbitratorClassifiesLocalForceClose checks that Resolve()
// recognizes alice's own unilateral close of an HTLC-free channel and
// produces exactly one commitSweepResolver, for her delayed to_local output.
func TestChannelArbitratorClassifiesLocalForceClose(t *testing.T) {
	alice, _ := buildChannelPair(t, btcutil.Amount(1_000_000))

	state := alice.State()
	localKeyRing := keyRingFor(state.LocalChanCfg, state.RemoteChanCfg)
	remoteKeyRing := keyRingFor(state.RemoteChanCfg, state.LocalChanCfg)

	summary, err := alice.ForceClose(true, false, localKeyRing)
	if err != nil {
		t.Fatalf("unable to force close: %v", err)
	}
	if summary.CommitResolution == nil {
		t.Fatal("expected a commit resolution for alice's to_local output")
	}

	signerKey := randPrivKey(t)
	arb := NewChannelArbitrator(ArbitratorConfig{
		ChanPoint:    state.FundingOutpoint,
		Channel:      alice,
		Notifier:     &stubNotifier{},
		Publisher:    &stubPublisher{},
		Signer:       &stubSigner{key: signerKey},
		BreachSigner: &stubSigner{key: signerKey},
		SweepScript:  summary.CommitResolution.SelfOutputSignDesc.Output.PkScript,
		Checkpoint:   noopCheckpoint,
	})

	resolvers, err := arb.Resolve(summary.CloseTx, localKeyRing, remoteKeyRing)
	if err != nil {
		t.Fatalf("unable to classify force close: %v", err)
	}
	if len(resolvers) != 1 {
		t.Fatalf("expected exactly one resolver, got %d", len(resolvers))
	}
	if _, ok := resolvers[0].(*commitSweepResolver); !ok {
		t.Fatalf("expected a commitSweepResolver, got %T", resolvers[0])
	}
}

// TestChannelArbitratorClassifiesBreach drives a commit/revoke round, then
// checks that Resolve() recognizes the superseded remote commitment as a
// breach and produces a single breachResolver for the justice transaction.
func TestChannelArbitratorClassifiesBreach(t *testing.T) {
	alice, bob := buildChannelPair(t, btcutil.Amount(1_000_000))

	aliceState, bobState := alice.State(), bob.State()
	aliceKeyRing := keyRingFor(aliceState.LocalChanCfg, aliceState.RemoteChanCfg)
	bobKeyRing := keyRingFor(bobState.LocalChanCfg, bobState.RemoteChanCfg)

	htlc := &lnwire.UpdateAddHTLC{
		Amount:      lnwire.NewMSatFromSatoshis(10_000),
		PaymentHash: [32]byte{1, 2, 3},
		Expiry:      500,
	}
	htlcID := alice.AddHTLC(htlc)
	htlc.ID = htlcID
	if _, err := bob.ReceiveHTLC(htlc); err != nil {
		t.Fatalf("bob failed to receive htlc: %v", err)
	}

	commitSig, htlcSigs, err := alice.SignNextCommitment(bobKeyRing)
	if err != nil {
		t.Fatalf("alice unable to sign commitment: %v", err)
	}
	if err := bob.ReceiveNewCommitment(commitSig, htlcSigs, bobKeyRing); err != nil {
		t.Fatalf("bob unable to receive commitment: %v", err)
	}

	var secret [32]byte
	rand.Read(secret[:])
	rev, err := bob.RevokeCurrentCommitment(secret, bobState.LocalChanCfg.RevocationBasePoint)
	if err != nil {
		t.Fatalf("bob unable to revoke commitment: %v", err)
	}

	// The commitment bob is revoking here is the original, HTLC-free one
	// alice's remoteCommitChain still holds as its tail; capture its
	// transaction (signed against the pre-revocation keys) before
	// ReceiveRevocation discards it from the chain, to use as the
	// "breach" spend below.
	preRevocationSummary, err := alice.ForceClose(false, true, bobKeyRing)
	if err != nil {
		t.Fatalf("unable to snapshot bob's pre-revocation commitment: %v", err)
	}

	if _, err := alice.ReceiveRevocation(rev); err != nil {
		t.Fatalf("alice unable to receive revocation: %v", err)
	}

	if !alice.HasRevokedRemoteCommitment() {
		t.Fatal("expected alice to retain bob's revoked commitment")
	}

	retribution, err := alice.NewBreachRetribution()
	if err != nil {
		t.Fatalf("unable to build breach retribution: %v", err)
	}
	if retribution.CommitTx.TxHash() != preRevocationSummary.CloseTx.TxHash() {
		t.Fatal("breach retribution rebuilt a different transaction than the revoked commitment")
	}

	signerKey := randPrivKey(t)
	arb := NewChannelArbitrator(ArbitratorConfig{
		ChanPoint:    aliceState.FundingOutpoint,
		Channel:      alice,
		Notifier:     &stubNotifier{},
		Publisher:    &stubPublisher{},
		Signer:       &stubSigner{key: signerKey},
		BreachSigner: &stubSigner{key: signerKey},
		SweepScript:  aliceState.LocalChanCfg.MultiSigKey.SerializeCompressed(),
		Checkpoint:   noopCheckpoint,
	})

	resolvers, err := arb.Resolve(retribution.CommitTx, aliceKeyRing, bobKeyRing)
	if err != nil {
		t.Fatalf("unable to classify breach: %v", err)
	}
	if len(resolvers) != 1 {
		t.Fatalf("expected exactly one resolver, got %d", len(resolvers))
	}
	if _, ok := resolvers[0].(*breachResolver); !ok {
		t.Fatalf("expected a breachResolver, got %T", resolvers[0])
	}
}

// TestCommitSweepResolverClaimsRemoteMain exercises the MaturityDelay==0
// ("claim-remote-main") path directly: no confirmation wait, a single
// witness-satisfying sweep transaction handed to the publisher.
func TestCommitSweepResolverClaimsRemoteMain(t *testing.T) {
	alice, _ := buildChannelPair(t, btcutil.Amount(1_000_000))
	state := alice.State()
	remoteKeyRing := keyRingFor(state.RemoteChanCfg, state.LocalChanCfg)

	summary, err := alice.ForceClose(false, true, remoteKeyRing)
	if err != nil {
		t.Fatalf("unable to force close remote commitment: %v", err)
	}
	if summary.CommitResolution == nil {
		t.Fatal("expected a commit resolution for the remote to_remote output")
	}
	if summary.CommitResolution.MaturityDelay != 0 {
		t.Fatalf("expected zero maturity delay on a to_remote output, got %d",
			summary.CommitResolution.MaturityDelay)
	}

	pub := &stubPublisher{}
	r := newCommitSweepResolver(*summary.CommitResolution, &stubSigner{key: randPrivKey(t)}, []byte{0x00})
	r.AttachResolverKit(ResolverKit{
		Notifier:   &stubNotifier{},
		Publisher:  pub,
		Checkpoint: noopCheckpoint,
		Quit:       make(chan struct{}),
	})

	if _, err := r.Resolve(); err != nil {
		t.Fatalf("unable to resolve commit sweep: %v", err)
	}
	if !r.IsResolved() {
		t.Fatal("expected resolver to report resolved")
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected exactly one published sweep tx, got %d", len(pub.published))
	}
}
