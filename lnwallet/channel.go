package lnwallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/channeldb"
	"github.com/chanvault/lnchan/input"
	"github.com/chanvault/lnchan/lnwire"
)

var chainParams = chaincfg.MainNetParams

// updateType is the exact kind of an entry within the shared HTLC log.
type updateType uint8

const (
	Add updateType = iota
	Fail
	MalformedFail
	Settle
)

func (u updateType) String() string {
	switch u {
	case Add:
		return "Add"
	case Fail:
		return "Fail"
	case MalformedFail:
		return "MalformedFail"
	case Settle:
		return "Settle"
	default:
		return "<unknown type>"
	}
}

// PaymentDescriptor represents a single entry in a channel's shared update
// log: either a new HTLC, or a settle/fail/malformed-fail of a previously
// added one. Entries carry enough state to be re-evaluated against either
// commitment chain independently.
type PaymentDescriptor struct {
	EntryType updateType

	RHash     [32]byte
	RPreimage [32]byte

	Amount  lnwire.MilliSatoshi
	Timeout uint32

	// LogIndex is this entry's position in the log it was appended to.
	LogIndex uint64

	// HtlcIndex is the running HTLC counter this entry refers to. Add
	// entries populate it directly; Settle/Fail entries carry it via
	// ParentIndex to locate the Add they resolve.
	HtlcIndex   uint64
	ParentIndex uint64

	OnionBlob    []byte
	ShaOnionBlob [32]byte
	FailReason   []byte
	FailCode     lnwire.FailCode

	// addCommitHeight[Remote|Local] record the commitment height at
	// which this entry was first locked into the respective chain; zero
	// means not yet committed there.
	addCommitHeightRemote uint64
	addCommitHeightLocal  uint64

	// removeCommitHeight[Remote|Local] record the height at which a
	// settle/fail was first locked in, used to know when the
	// corresponding Add can be garbage collected from both logs.
	removeCommitHeightRemote uint64
	removeCommitHeightLocal  uint64
}

// updateLog is an append-only log of PaymentDescriptors plus an index from
// HtlcIndex to the Add entry that introduced it, so Settle/Fail entries can
// be resolved back to their origin in O(1).
type updateLog struct {
	logIndex    uint64
	htlcCounter uint64

	updates []*PaymentDescriptor
	htlcs   map[uint64]*PaymentDescriptor
}

func newUpdateLog(logIndex, htlcCounter uint64) *updateLog {
	return &updateLog{
		logIndex:    logIndex,
		htlcCounter: htlcCounter,
		htlcs:       make(map[uint64]*PaymentDescriptor),
	}
}

func (u *updateLog) appendUpdate(pd *PaymentDescriptor) {
	pd.LogIndex = u.logIndex
	u.updates = append(u.updates, pd)
	u.logIndex++
}

func (u *updateLog) appendHtlc(pd *PaymentDescriptor) {
	pd.HtlcIndex = u.htlcCounter
	u.htlcs[pd.HtlcIndex] = pd
	u.appendUpdate(pd)
	u.htlcCounter++
}

func (u *updateLog) lookupHtlc(i uint64) *PaymentDescriptor {
	return u.htlcs[i]
}

// compactLogs removes Add entries from both logs once their matching
// Settle/Fail has been locked into both commitment chains, the point at
// which the state machine no longer needs to recall them.
func compactLogs(ourLog, theirLog *updateLog, localChainTail, remoteChainTail uint64) {
	compact := func(logPtr *updateLog) {
		var kept []*PaymentDescriptor
		for _, entry := range logPtr.updates {
			if entry.EntryType != Add {
				if entry.removeCommitHeightLocal != 0 && entry.removeCommitHeightLocal <= localChainTail &&
					entry.removeCommitHeightRemote != 0 && entry.removeCommitHeightRemote <= remoteChainTail {
					continue
				}
			}
			kept = append(kept, entry)
		}
		logPtr.updates = kept
	}

	compact(ourLog)
	compact(theirLog)
}

// commitment is one side's in-memory view of a proposed or committed
// commitment transaction: the balances, HTLC set, and fee that result from
// evaluating the update logs up to this commitment's message indexes.
type commitment struct {
	height uint64
	isOurs bool

	ourMessageIndex   uint64
	theirMessageIndex uint64
	ourHtlcIndex      uint64
	theirHtlcIndex    uint64

	txn *wire.MsgTx
	sig []byte

	ourBalance   lnwire.MilliSatoshi
	theirBalance lnwire.MilliSatoshi

	fee       btcutil.Amount
	feePerKw  btcutil.Amount
	dustLimit btcutil.Amount

	outgoingHTLCs []PaymentDescriptor
	incomingHTLCs []PaymentDescriptor

	// keyRing is the set of keys the commitment transaction's outputs
	// were built against. It is retained so a remote commitment that is
	// later revoked can still be reconstructed for breach retribution
	// after commitmentChain.advanceTail discards it from the chain.
	keyRing CommitmentKeyRing
}

// commitmentChain tracks the sequence of commitments proposed for one side
// of the channel: new commitments extend the tip, and the tail advances once
// a revocation is received for the state preceding it.
type commitmentChain struct {
	commitments []*commitment
}

func newCommitmentChain() *commitmentChain {
	return &commitmentChain{}
}

func (s *commitmentChain) addCommitment(c *commitment) {
	s.commitments = append(s.commitments, c)
}

func (s *commitmentChain) advanceTail() {
	s.commitments = s.commitments[1:]
}

func (s *commitmentChain) tip() *commitment {
	return s.commitments[len(s.commitments)-1]
}

func (s *commitmentChain) tail() *commitment {
	return s.commitments[0]
}

func (s *commitmentChain) hasUnackedCommitment() bool {
	return len(s.commitments) > 1
}

// htlcView is the set of log entries, from both sides, not yet reflected in
// a given commitment -- the delta that must be folded in to produce the
// next one.
type htlcView struct {
	ourUpdates   []*PaymentDescriptor
	theirUpdates []*PaymentDescriptor
}

// fetchHTLCView returns every log entry past the indexes already reflected
// in the commitment under construction.
func (lc *LightningChannel) fetchHTLCView(theirLogIndex, ourLogIndex uint64) *htlcView {
	var ourHTLCs []*PaymentDescriptor
	for _, entry := range lc.localUpdateLog.updates {
		if entry.LogIndex < ourLogIndex {
			continue
		}
		ourHTLCs = append(ourHTLCs, entry)
	}

	var theirHTLCs []*PaymentDescriptor
	for _, entry := range lc.remoteUpdateLog.updates {
		if entry.LogIndex < theirLogIndex {
			continue
		}
		theirHTLCs = append(theirHTLCs, entry)
	}

	return &htlcView{ourUpdates: ourHTLCs, theirUpdates: theirHTLCs}
}

func processAddEntry(htlc *PaymentDescriptor, ourBalance, theirBalance *lnwire.MilliSatoshi,
	nextHeight uint64, remoteChain, isIncoming bool) {

	addHeight := &htlc.addCommitHeightLocal
	if remoteChain {
		addHeight = &htlc.addCommitHeightRemote
	}
	if *addHeight != 0 {
		return
	}

	if isIncoming {
		*theirBalance -= htlc.Amount
	} else {
		*ourBalance -= htlc.Amount
	}
	*addHeight = nextHeight
}

func processRemoveEntry(htlc *PaymentDescriptor, ourBalance, theirBalance *lnwire.MilliSatoshi,
	nextHeight uint64, remoteChain, isIncoming bool) {

	removeHeight := &htlc.removeCommitHeightLocal
	if remoteChain {
		removeHeight = &htlc.removeCommitHeightRemote
	}
	if *removeHeight != 0 {
		return
	}

	switch {
	case isIncoming && htlc.EntryType == Settle:
		*ourBalance += htlc.Amount
	case isIncoming && (htlc.EntryType == Fail || htlc.EntryType == MalformedFail):
		*theirBalance += htlc.Amount
	case !isIncoming && htlc.EntryType == Settle:
		*theirBalance += htlc.Amount
	case !isIncoming && (htlc.EntryType == Fail || htlc.EntryType == MalformedFail):
		*ourBalance += htlc.Amount
	}
	*removeHeight = nextHeight
}

// evaluateHTLCView folds the pending log entries into the running balances,
// in two passes: settle/fail entries first (so the Add they resolve can be
// skipped), then surviving Add entries. The returned view holds exactly the
// entries that belong on the commitment being built.
func (lc *LightningChannel) evaluateHTLCView(view *htlcView, ourBalance,
	theirBalance *lnwire.MilliSatoshi, nextHeight uint64, remoteChain bool) *htlcView {

	newView := &htlcView{}

	skipUs := make(map[uint64]struct{})
	skipThem := make(map[uint64]struct{})

	for _, entry := range view.ourUpdates {
		if entry.EntryType == Add {
			continue
		}
		addEntry := lc.remoteUpdateLog.lookupHtlc(entry.ParentIndex)
		if addEntry != nil {
			skipThem[addEntry.HtlcIndex] = struct{}{}
		}
		processRemoveEntry(entry, ourBalance, theirBalance, nextHeight, remoteChain, true)
	}
	for _, entry := range view.theirUpdates {
		if entry.EntryType == Add {
			continue
		}
		addEntry := lc.localUpdateLog.lookupHtlc(entry.ParentIndex)
		if addEntry != nil {
			skipUs[addEntry.HtlcIndex] = struct{}{}
		}
		processRemoveEntry(entry, ourBalance, theirBalance, nextHeight, remoteChain, false)
	}

	for _, entry := range view.ourUpdates {
		isAdd := entry.EntryType == Add
		if _, ok := skipUs[entry.HtlcIndex]; !isAdd || ok {
			continue
		}
		processAddEntry(entry, ourBalance, theirBalance, nextHeight, remoteChain, false)
		newView.ourUpdates = append(newView.ourUpdates, entry)
	}
	for _, entry := range view.theirUpdates {
		isAdd := entry.EntryType == Add
		if _, ok := skipThem[entry.HtlcIndex]; !isAdd || ok {
			continue
		}
		processAddEntry(entry, ourBalance, theirBalance, nextHeight, remoteChain, true)
		newView.theirUpdates = append(newView.theirUpdates, entry)
	}

	return newView
}

// LightningChannel is the commitment ledger for a single channel: it
// maintains both parties' update logs and commitment chains, and exposes the
// mutating operations the channel's state machine drives.
type LightningChannel struct {
	signer input.Signer

	// db durably persists channelState. Per §4.5, every method that
	// produces a commitment_signed or revoke_and_ack message calls
	// db.PutChannel with the updated state and waits for it to return
	// before handing the message back to its caller to send.
	db channeldb.Persister

	channelState  *channeldb.OpenChannel
	localChanCfg  *channeldb.ChannelConfig
	remoteChanCfg *channeldb.ChannelConfig

	commitType CommitmentType

	currentHeight uint64

	localCommitChain  *commitmentChain
	remoteCommitChain *commitmentChain

	localUpdateLog  *updateLog
	remoteUpdateLog *updateLog

	pendingFeeUpdate    *btcutil.Amount
	pendingAckFeeUpdate *btcutil.Amount

	fundingWitnessScript []byte
	fundingTxIn          wire.TxIn
	fundingP2WSH         []byte

	obscurer uint64

	// lastRevokedRemote is the remote commitment most recently
	// superseded by ReceiveRevocation, retained so BreachRetribution can
	// still rebuild its outputs after commitmentChain.advanceTail drops
	// it from remoteCommitChain. Only one generation back is kept; see
	// DESIGN.md for why a full revocation log is out of scope.
	lastRevokedRemote *commitment

	sync.RWMutex
}

// NewLightningChannel reconstructs a LightningChannel from its persisted
// root: the persisted update logs are replayed into fresh update logs, and
// each commitment chain starts from the persisted commitments.
// remoteKeyRing must be the ring the persisted RemoteCommitment (and, if
// present, RemoteNextCommitment) was built against: it's retained on the
// bootstrapped remote commitment the same way fetchCommitmentView retains
// one for every later commitment, so a breach on a freshly opened channel's
// very first commitment — one never produced by fetchCommitmentView — can
// still be rebuilt by NewBreachRetribution.
func NewLightningChannel(signer input.Signer, db channeldb.Persister,
	state *channeldb.OpenChannel, remoteKeyRing CommitmentKeyRing) (*LightningChannel, error) {
	fundingScript, err := input.GenMultiSigScript(
		state.LocalChanCfg.MultiSigKey.SerializeCompressed(),
		state.RemoteChanCfg.MultiSigKey.SerializeCompressed(),
	)
	if err != nil {
		return nil, err
	}
	fundingPkScript, err := input.WitnessScriptHash(fundingScript)
	if err != nil {
		return nil, err
	}

	var obscurer uint64
	if state.IsInitiator {
		obscurer = ObscureCommitNumber(
			state.LocalChanCfg.PaymentBasePoint,
			state.RemoteChanCfg.PaymentBasePoint,
		)
	} else {
		obscurer = ObscureCommitNumber(
			state.RemoteChanCfg.PaymentBasePoint,
			state.LocalChanCfg.PaymentBasePoint,
		)
	}

	// StaticRemoteKey channels share the legacy transaction shape; only
	// the untweaked to_remote key (applied when scripting the output,
	// not here) distinguishes them from the original format.
	commitType := CommitmentTypeLegacy
	if state.ChanType == channeldb.ChannelTypeAnchors {
		commitType = CommitmentTypeAnchors
	}

	lc := &LightningChannel{
		signer:               signer,
		db:                   db,
		channelState:         state,
		localChanCfg:         &state.LocalChanCfg,
		remoteChanCfg:        &state.RemoteChanCfg,
		commitType:           commitType,
		currentHeight:        state.LocalCommitment.CommitHeight,
		localCommitChain:     newCommitmentChain(),
		remoteCommitChain:    newCommitmentChain(),
		fundingWitnessScript: fundingScript,
		fundingP2WSH:         fundingPkScript,
		obscurer:             obscurer,
	}
	lc.fundingTxIn = *wire.NewTxIn(&state.FundingOutpoint, nil, nil)

	lc.localUpdateLog = newUpdateLog(0, state.LocalNextHTLCID)
	lc.remoteUpdateLog = newUpdateLog(0, state.RemoteNextHTLCID)

	for _, up := range state.LocalUpdateLog {
		pd := logUpdateToPayDesc(up)
		lc.localUpdateLog.appendUpdate(pd)
		if pd.EntryType == Add {
			lc.localUpdateLog.htlcs[pd.HtlcIndex] = pd
		}
	}
	for _, up := range state.RemoteUpdateLog {
		pd := logUpdateToPayDesc(up)
		lc.remoteUpdateLog.appendUpdate(pd)
		if pd.EntryType == Add {
			lc.remoteUpdateLog.htlcs[pd.HtlcIndex] = pd
		}
	}

	localCommit := &commitment{
		height:       state.LocalCommitment.CommitHeight,
		isOurs:       true,
		ourBalance:   state.LocalCommitment.LocalBalance,
		theirBalance: state.LocalCommitment.RemoteBalance,
		txn:          state.LocalCommitment.CommitTx,
		sig:          state.LocalCommitment.CommitSig,
		feePerKw:     state.LocalCommitment.FeePerKw,
		dustLimit:    state.LocalChanCfg.DustLimit,
	}
	remoteCommit := &commitment{
		height:       state.RemoteCommitment.CommitHeight,
		isOurs:       false,
		ourBalance:   state.RemoteCommitment.RemoteBalance,
		theirBalance: state.RemoteCommitment.LocalBalance,
		txn:          state.RemoteCommitment.CommitTx,
		sig:          state.RemoteCommitment.CommitSig,
		feePerKw:     state.RemoteCommitment.FeePerKw,
		dustLimit:    state.RemoteChanCfg.DustLimit,
		keyRing:      remoteKeyRing,
	}
	lc.localCommitChain.addCommitment(localCommit)
	lc.remoteCommitChain.addCommitment(remoteCommit)

	if state.RemoteNextCommitment != nil {
		lc.remoteCommitChain.addCommitment(&commitment{
			height:       state.RemoteNextCommitment.CommitHeight,
			isOurs:       false,
			ourBalance:   state.RemoteNextCommitment.RemoteBalance,
			theirBalance: state.RemoteNextCommitment.LocalBalance,
			txn:          state.RemoteNextCommitment.CommitTx,
			sig:          state.RemoteNextCommitment.CommitSig,
			feePerKw:     state.RemoteNextCommitment.FeePerKw,
			dustLimit:    state.RemoteChanCfg.DustLimit,
			keyRing:      remoteKeyRing,
		})
	}

	return lc, nil
}

func logUpdateToPayDesc(up channeldb.LogUpdate) *PaymentDescriptor {
	pd := &PaymentDescriptor{LogIndex: up.LogIndex}

	switch msg := up.Message.(type) {
	case *lnwire.UpdateAddHTLC:
		pd.EntryType = Add
		pd.HtlcIndex = msg.ID
		pd.Amount = msg.Amount
		pd.RHash = msg.PaymentHash
		pd.Timeout = msg.Expiry
		pd.OnionBlob = msg.OnionBlob[:]
	case *lnwire.UpdateFulfillHTLC:
		pd.EntryType = Settle
		pd.ParentIndex = msg.ID
		pd.RPreimage = msg.PaymentPreimage
	case *lnwire.UpdateFailHTLC:
		pd.EntryType = Fail
		pd.ParentIndex = msg.ID
		pd.FailReason = msg.Reason
	case *lnwire.UpdateFailMalformedHTLC:
		pd.EntryType = MalformedFail
		pd.ParentIndex = msg.ID
		pd.ShaOnionBlob = msg.ShaOnionBlob
		pd.FailCode = msg.FailureCode
	}

	return pd
}

// AddHTLC adds an HTLC we're originating to the local update log, returning
// the HtlcIndex it was assigned. It does not validate channel constraints;
// callers must run SignNextCommitment to learn whether this addition keeps
// the channel within its negotiated limits.
func (lc *LightningChannel) AddHTLC(htlc *lnwire.UpdateAddHTLC) uint64 {
	lc.Lock()
	defer lc.Unlock()

	pd := &PaymentDescriptor{
		EntryType: Add,
		RHash:     htlc.PaymentHash,
		Amount:    htlc.Amount,
		Timeout:   htlc.Expiry,
		OnionBlob: htlc.OnionBlob[:],
	}
	lc.localUpdateLog.appendHtlc(pd)
	htlc.ID = pd.HtlcIndex

	return pd.HtlcIndex
}

// ReceiveHTLC records an HTLC offered by the remote party into their update
// log, mirroring AddHTLC.
func (lc *LightningChannel) ReceiveHTLC(htlc *lnwire.UpdateAddHTLC) (uint64, error) {
	lc.Lock()
	defer lc.Unlock()

	if htlc.ID != lc.remoteUpdateLog.htlcCounter {
		return 0, fmt.Errorf("lnwallet: out of order htlc id: got %d, want %d",
			htlc.ID, lc.remoteUpdateLog.htlcCounter)
	}

	pd := &PaymentDescriptor{
		EntryType: Add,
		RHash:     htlc.PaymentHash,
		Amount:    htlc.Amount,
		Timeout:   htlc.Expiry,
		OnionBlob: htlc.OnionBlob[:],
	}
	lc.remoteUpdateLog.appendHtlc(pd)

	return pd.HtlcIndex, nil
}

// SettleHTLC appends a Settle entry to our update log for an HTLC the remote
// party originally added, and that we are now redeeming with preimage.
func (lc *LightningChannel) SettleHTLC(preimage [32]byte, htlcIndex uint64) error {
	lc.Lock()
	defer lc.Unlock()

	addEntry := lc.remoteUpdateLog.lookupHtlc(htlcIndex)
	if addEntry == nil {
		return fmt.Errorf("lnwallet: unknown htlc index %d", htlcIndex)
	}

	pd := &PaymentDescriptor{
		EntryType:   Settle,
		ParentIndex: htlcIndex,
		RPreimage:   preimage,
		RHash:       addEntry.RHash,
		Amount:      addEntry.Amount,
	}
	lc.localUpdateLog.appendUpdate(pd)

	return nil
}

// ReceiveHTLCSettle records the remote party's settle of an HTLC we
// originally added.
func (lc *LightningChannel) ReceiveHTLCSettle(preimage [32]byte, htlcIndex uint64) error {
	lc.Lock()
	defer lc.Unlock()

	addEntry := lc.localUpdateLog.lookupHtlc(htlcIndex)
	if addEntry == nil {
		return fmt.Errorf("lnwallet: unknown htlc index %d", htlcIndex)
	}

	pd := &PaymentDescriptor{
		EntryType:   Settle,
		ParentIndex: htlcIndex,
		RPreimage:   preimage,
		RHash:       addEntry.RHash,
		Amount:      addEntry.Amount,
	}
	lc.remoteUpdateLog.appendUpdate(pd)

	return nil
}

// FailHTLC appends a Fail entry for an HTLC the remote party originally
// added, carrying the onion-encrypted reason to relay back to them.
func (lc *LightningChannel) FailHTLC(htlcIndex uint64, reason []byte) error {
	lc.Lock()
	defer lc.Unlock()

	addEntry := lc.remoteUpdateLog.lookupHtlc(htlcIndex)
	if addEntry == nil {
		return fmt.Errorf("lnwallet: unknown htlc index %d", htlcIndex)
	}

	pd := &PaymentDescriptor{
		EntryType:   Fail,
		ParentIndex: htlcIndex,
		FailReason:  reason,
		Amount:      addEntry.Amount,
	}
	lc.localUpdateLog.appendUpdate(pd)

	return nil
}

// ReceiveFailHTLC records the remote party's fail of an HTLC we originally
// added.
func (lc *LightningChannel) ReceiveFailHTLC(htlcIndex uint64, reason []byte) error {
	lc.Lock()
	defer lc.Unlock()

	addEntry := lc.localUpdateLog.lookupHtlc(htlcIndex)
	if addEntry == nil {
		return fmt.Errorf("lnwallet: unknown htlc index %d", htlcIndex)
	}

	pd := &PaymentDescriptor{
		EntryType:   Fail,
		ParentIndex: htlcIndex,
		FailReason:  reason,
		Amount:      addEntry.Amount,
	}
	lc.remoteUpdateLog.appendUpdate(pd)

	return nil
}

// fetchCommitmentView builds the commitment that results from folding every
// HTLC view entry not yet reflected into the commitment at the given
// message indexes, for whichever side remoteChain selects.
func (lc *LightningChannel) fetchCommitmentView(remoteChain bool,
	ourLogIndex, ourHtlcIndex, theirLogIndex, theirHtlcIndex uint64,
	keyRing CommitmentKeyRing) (*commitment, error) {

	var commitChain *commitmentChain
	if remoteChain {
		commitChain = lc.remoteCommitChain
	} else {
		commitChain = lc.localCommitChain
	}

	var ourBalance, theirBalance lnwire.MilliSatoshi
	var feePerKw btcutil.Amount
	if len(commitChain.commitments) == 0 {
		ourBalance = lc.channelState.LocalCommitment.LocalBalance
		theirBalance = lc.channelState.LocalCommitment.RemoteBalance
		feePerKw = lc.channelState.LocalCommitment.FeePerKw
	} else {
		tip := commitChain.tip()
		ourBalance = tip.ourBalance
		theirBalance = tip.theirBalance
		feePerKw = tip.feePerKw
	}
	if !remoteChain && lc.pendingAckFeeUpdate != nil {
		feePerKw = *lc.pendingAckFeeUpdate
	}
	if remoteChain && lc.pendingFeeUpdate != nil {
		feePerKw = *lc.pendingFeeUpdate
	}

	view := lc.fetchHTLCView(theirLogIndex, ourLogIndex)
	nextHeight := lc.currentHeight + 1

	filteredView := lc.evaluateHTLCView(view, &ourBalance, &theirBalance, nextHeight, remoteChain)

	var dustLimit btcutil.Amount
	if remoteChain {
		dustLimit = lc.remoteChanCfg.DustLimit
	} else {
		dustLimit = lc.localChanCfg.DustLimit
	}

	c := &commitment{
		height:            nextHeight,
		isOurs:            !remoteChain,
		ourMessageIndex:   ourLogIndex,
		ourHtlcIndex:      ourHtlcIndex,
		theirMessageIndex: theirLogIndex,
		theirHtlcIndex:    theirHtlcIndex,
		ourBalance:        ourBalance,
		theirBalance:      theirBalance,
		feePerKw:          feePerKw,
		dustLimit:         dustLimit,
		keyRing:           keyRing,
	}

	for _, entry := range filteredView.ourUpdates {
		if entry.EntryType != Add {
			continue
		}
		if HtlcIsDust(lc.commitType, remoteChain, !remoteChain, feePerKw, entry.Amount.ToSatoshis(), dustLimit) {
			continue
		}
		c.outgoingHTLCs = append(c.outgoingHTLCs, *entry)
	}
	for _, entry := range filteredView.theirUpdates {
		if entry.EntryType != Add {
			continue
		}
		if HtlcIsDust(lc.commitType, !remoteChain, !remoteChain, feePerKw, entry.Amount.ToSatoshis(), dustLimit) {
			continue
		}
		c.incomingHTLCs = append(c.incomingHTLCs, *entry)
	}

	txn, fee, err := lc.createCommitmentTx(c, keyRing, remoteChain)
	if err != nil {
		return nil, err
	}
	c.txn = txn
	c.fee = fee

	return c, nil
}

// createCommitmentTx builds the actual wire.MsgTx for commitment c, using
// keyRing to script the to_local/to_remote/HTLC outputs.
func (lc *LightningChannel) createCommitmentTx(c *commitment, keyRing CommitmentKeyRing,
	remoteChain bool) (*wire.MsgTx, btcutil.Amount, error) {

	ourBalance := c.ourBalance
	theirBalance := c.theirBalance

	numHTLCs := len(c.outgoingHTLCs) + len(c.incomingHTLCs)
	commitFee := CommitFee(lc.commitType, c.feePerKw, numHTLCs)
	commitFeeMSat := lnwire.NewMSatFromSatoshis(commitFee)

	if lc.channelState.IsInitiator {
		ourBalance -= commitFeeMSat
	} else {
		theirBalance -= commitFeeMSat
	}

	var toLocal, toRemote *wire.TxOut
	selfAmt, otherAmt := ourBalance, theirBalance
	if remoteChain {
		selfAmt, otherAmt = theirBalance, ourBalance
	}

	selfDelay := uint32(lc.localChanCfg.CsvDelay)
	if remoteChain {
		selfDelay = uint32(lc.remoteChanCfg.CsvDelay)
	}

	if selfAmt.ToSatoshis() >= c.dustLimit {
		script, err := input.CommitScriptToSelf(selfDelay, keyRing.ToLocalKey, keyRing.RevocationKey)
		if err != nil {
			return nil, 0, err
		}
		pkScript, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, 0, err
		}
		toLocal = wire.NewTxOut(int64(selfAmt.ToSatoshis()), pkScript)
	}
	if otherAmt.ToSatoshis() >= c.dustLimit {
		hash := btcutil.Hash160(keyRing.ToRemoteKey.SerializeCompressed())
		addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chainParams)
		if err != nil {
			return nil, 0, err
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, 0, err
		}
		toRemote = wire.NewTxOut(int64(otherAmt.ToSatoshis()), pkScript)
	}

	var htlcOuts []*wire.TxOut
	for _, htlc := range c.outgoingHTLCs {
		script, err := input.SenderHTLCScript(keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
			keyRing.RevocationKey, htlc.RHash[:], lc.commitType.HasAnchors())
		if err != nil {
			return nil, 0, err
		}
		pkScript, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, 0, err
		}
		htlcOuts = append(htlcOuts, wire.NewTxOut(int64(htlc.Amount.ToSatoshis()), pkScript))
	}
	for _, htlc := range c.incomingHTLCs {
		script, err := input.ReceiverHTLCScript(htlc.Timeout, keyRing.LocalHtlcKey,
			keyRing.RemoteHtlcKey, keyRing.RevocationKey, htlc.RHash[:], lc.commitType.HasAnchors())
		if err != nil {
			return nil, 0, err
		}
		pkScript, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, 0, err
		}
		htlcOuts = append(htlcOuts, wire.NewTxOut(int64(htlc.Amount.ToSatoshis()), pkScript))
	}

	txn, err := CreateCommitTx(lc.fundingTxIn, keyRing, lc.commitType, c.height,
		lc.obscurer, toLocal, toRemote, htlcOuts, lc.localChanCfg.MultiSigKey)
	if err != nil {
		return nil, 0, err
	}

	return txn, commitFee, nil
}

// validateCommitmentSanity checks a proposed new state, before it is
// signed, against the HTLC-count and in-flight-value limits, and rejects it
// when both balances would fall below the channel reserve. Capacity, dust
// and feerate are not checked, and a state with only one side below the
// reserve passes.
func (lc *LightningChannel) validateCommitmentSanity(theirLogCounter, ourLogCounter uint64,
	remoteChain bool) error {

	view := lc.fetchHTLCView(theirLogCounter, ourLogCounter)

	var ourBalance, theirBalance lnwire.MilliSatoshi
	if len(lc.localCommitChain.commitments) > 0 {
		tip := lc.localCommitChain.tip()
		ourBalance, theirBalance = tip.ourBalance, tip.theirBalance
	} else {
		ourBalance = lc.channelState.LocalCommitment.LocalBalance
		theirBalance = lc.channelState.LocalCommitment.RemoteBalance
	}

	filtered := lc.evaluateHTLCView(view, &ourBalance, &theirBalance, lc.currentHeight+1, remoteChain)

	var numHTLCs int
	var htlcValue lnwire.MilliSatoshi
	for _, entry := range filtered.ourUpdates {
		if entry.EntryType == Add {
			numHTLCs++
			htlcValue += entry.Amount
		}
	}
	for _, entry := range filtered.theirUpdates {
		if entry.EntryType == Add {
			numHTLCs++
			htlcValue += entry.Amount
		}
	}

	constraints := lc.remoteChanCfg.ChannelConstraints
	if remoteChain {
		constraints = lc.localChanCfg.ChannelConstraints
	}

	if uint16(numHTLCs) > constraints.MaxAcceptedHtlcs {
		return fmt.Errorf("lnwallet: htlc count %d exceeds limit %d",
			numHTLCs, constraints.MaxAcceptedHtlcs)
	}
	if htlcValue > constraints.MaxPendingAmount {
		return fmt.Errorf("lnwallet: in-flight htlc value %v exceeds limit %v",
			htlcValue, constraints.MaxPendingAmount)
	}

	reserve := lnwire.NewMSatFromSatoshis(constraints.ChanReserve)
	if ourBalance < reserve && theirBalance < reserve {
		return fmt.Errorf("lnwallet: state would strand both sides below reserve")
	}

	return nil
}

// SignNextCommitment evaluates the pending update log entries, builds the
// next remote commitment, signs it, and returns that signature plus one
// signature per non-dust HTLC on it, advancing the remote commitment chain.
func (lc *LightningChannel) SignNextCommitment(keyRing CommitmentKeyRing) (*ecdsa.Signature, []*ecdsa.Signature, error) {
	lc.Lock()
	defer lc.Unlock()

	if err := lc.validateCommitmentSanity(lc.remoteUpdateLog.logIndex,
		lc.localUpdateLog.logIndex, true); err != nil {
		return nil, nil, err
	}

	newCommit, err := lc.fetchCommitmentView(true, lc.localUpdateLog.logIndex,
		lc.localUpdateLog.htlcCounter, lc.remoteUpdateLog.logIndex,
		lc.remoteUpdateLog.htlcCounter, keyRing)
	if err != nil {
		return nil, nil, err
	}

	commitSig, err := lc.signFundingOutput(newCommit.txn)
	if err != nil {
		return nil, nil, err
	}

	htlcSigs, err := lc.signHTLCs(newCommit, keyRing)
	if err != nil {
		return nil, nil, err
	}

	newCommit.sig = commitSig.Serialize()
	lc.remoteCommitChain.addCommitment(newCommit)

	nextRemote := channelCommitmentFromView(newCommit)
	lc.channelState.RemoteNextCommitment = &nextRemote
	lc.channelState.RemoteNextHTLCID = lc.remoteUpdateLog.htlcCounter
	lc.channelState.LocalUpdateLog = logUpdatesFromLog(lc.localUpdateLog)

	if lc.db != nil {
		if err := lc.db.PutChannel(lc.channelState.ChanID, lc.channelState); err != nil {
			return nil, nil, fmt.Errorf("lnwallet: failed persisting before "+
				"commitment_signed: %w", err)
		}
	}

	return commitSig, htlcSigs, nil
}

// channelCommitmentFromView projects an in-memory commitment into its
// persisted form.
func channelCommitmentFromView(c *commitment) channeldb.ChannelCommitment {
	cc := channeldb.ChannelCommitment{
		CommitHeight:  c.height,
		LocalBalance:  c.ourBalance,
		RemoteBalance: c.theirBalance,
		FeePerKw:      c.feePerKw,
		CommitFee:     c.fee,
		CommitTx:      c.txn,
		CommitSig:     c.sig,
	}
	for _, htlc := range c.outgoingHTLCs {
		cc.Htlcs = append(cc.Htlcs, htlc.toChannelHTLC(channeldb.Outgoing))
	}
	for _, htlc := range c.incomingHTLCs {
		cc.Htlcs = append(cc.Htlcs, htlc.toChannelHTLC(channeldb.Incoming))
	}
	return cc
}

// toChannelHTLC projects a PaymentDescriptor's Add fields into their
// persisted HTLC form.
func (pd *PaymentDescriptor) toChannelHTLC(dir channeldb.HTLCDirection) channeldb.HTLC {
	return channeldb.HTLC{
		Direction:     dir,
		Amt:           pd.Amount,
		RHash:         pd.RHash,
		RefundTimeout: pd.Timeout,
		OnionBlob:     pd.OnionBlob,
		HtlcIndex:     pd.HtlcIndex,
		LogIndex:      pd.LogIndex,
	}
}

// logUpdatesFromLog projects an in-memory update log back into its
// persisted wire-message form.
func logUpdatesFromLog(l *updateLog) []channeldb.LogUpdate {
	var out []channeldb.LogUpdate
	for _, entry := range l.updates {
		out = append(out, channeldb.LogUpdate{
			LogIndex: entry.LogIndex,
			Message:  entry.toWireMessage(),
		})
	}
	return out
}

// toWireMessage recovers the wire message this log entry was built from,
// for replay into a fresh LightningChannel on restart.
func (pd *PaymentDescriptor) toWireMessage() lnwire.Message {
	switch pd.EntryType {
	case Add:
		var onion [1366]byte
		copy(onion[:], pd.OnionBlob)
		return &lnwire.UpdateAddHTLC{
			ID:          pd.HtlcIndex,
			Amount:      pd.Amount,
			PaymentHash: pd.RHash,
			Expiry:      pd.Timeout,
			OnionBlob:   onion,
		}
	case Settle:
		return &lnwire.UpdateFulfillHTLC{
			ID:              pd.ParentIndex,
			PaymentPreimage: pd.RPreimage,
		}
	case MalformedFail:
		return &lnwire.UpdateFailMalformedHTLC{
			ID:           pd.ParentIndex,
			ShaOnionBlob: pd.ShaOnionBlob,
			FailureCode:  pd.FailCode,
		}
	default:
		return &lnwire.UpdateFailHTLC{
			ID:     pd.ParentIndex,
			Reason: pd.FailReason,
		}
	}
}

func (lc *LightningChannel) signFundingOutput(tx *wire.MsgTx) (*ecdsa.Signature, error) {
	signDesc := &input.SignDescriptor{
		KeyLocator:    lc.localChanCfg.MultiSigKey,
		WitnessScript: lc.fundingWitnessScript,
		Output: &wire.TxOut{
			PkScript: lc.fundingP2WSH,
			Value:    int64(lc.channelState.Capacity),
		},
		HashType:   txscript.SigHashAll,
		InputIndex: 0,
	}
	return lc.signer.SignOutputRaw(tx, signDesc)
}

func (lc *LightningChannel) signHTLCs(c *commitment, keyRing CommitmentKeyRing) ([]*ecdsa.Signature, error) {
	var sigs []*ecdsa.Signature
	txHash := c.txn.TxHash()

	signSecondLevel := func(idx int, amt btcutil.Amount, expiry uint32) (*ecdsa.Signature, error) {
		htlcAmt := amt
		secondLevel, witnessScript, err := CreateSecondLevelHTLCTx(lc.commitType, txHash,
			uint32(idx), htlcAmt, c.feePerKw, expiry,
			uint32(lc.remoteChanCfg.CsvDelay), keyRing.RevocationKey, keyRing.ToLocalKey)
		if err != nil {
			return nil, err
		}
		var fee btcutil.Amount
		if expiry != 0 {
			fee = HtlcTimeoutFee(lc.commitType, c.feePerKw)
		} else {
			fee = HtlcSuccessFee(lc.commitType, c.feePerKw)
		}
		outAmt := htlcAmt - fee

		signDesc := &input.SignDescriptor{
			KeyLocator:    lc.localChanCfg.HtlcBasePoint,
			WitnessScript: witnessScript,
			Output:        wire.NewTxOut(int64(outAmt), nil),
			HashType:      input.HtlcSigHashType(lc.commitType.HasAnchors(), false),
			InputIndex:    0,
		}
		return lc.signer.SignOutputRaw(secondLevel, signDesc)
	}

	for i, htlc := range c.incomingHTLCs {
		sig, err := signSecondLevel(i, htlc.Amount.ToSatoshis(), htlc.Timeout)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	for i, htlc := range c.outgoingHTLCs {
		sig, err := signSecondLevel(len(c.incomingHTLCs)+i, htlc.Amount.ToSatoshis(), 0)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}

	return sigs, nil
}

// ReceiveNewCommitment validates the remote party's signature (and HTLC
// signatures) over our next commitment, advancing our local commitment
// chain on success.
func (lc *LightningChannel) ReceiveNewCommitment(commitSig *ecdsa.Signature,
	htlcSigs []*ecdsa.Signature, keyRing CommitmentKeyRing) error {

	lc.Lock()
	defer lc.Unlock()

	if err := lc.validateCommitmentSanity(lc.remoteUpdateLog.logIndex,
		lc.localUpdateLog.logIndex, false); err != nil {
		return err
	}

	newCommit, err := lc.fetchCommitmentView(false, lc.localUpdateLog.logIndex,
		lc.localUpdateLog.htlcCounter, lc.remoteUpdateLog.logIndex,
		lc.remoteUpdateLog.htlcCounter, keyRing)
	if err != nil {
		return err
	}

	hashCache := txscript.NewTxSigHashes(newCommit.txn, txscript.NewCannedPrevOutputFetcher(
		lc.fundingP2WSH, int64(lc.channelState.Capacity)))
	sigHash, err := txscript.CalcWitnessSigHash(lc.fundingWitnessScript, hashCache,
		txscript.SigHashAll, newCommit.txn, 0, int64(lc.channelState.Capacity))
	if err != nil {
		return err
	}
	if !commitSig.Verify(sigHash, lc.remoteChanCfg.MultiSigKey) {
		return fmt.Errorf("lnwallet: invalid commitment signature")
	}

	numExpected := len(newCommit.incomingHTLCs) + len(newCommit.outgoingHTLCs)
	if len(htlcSigs) != numExpected {
		return fmt.Errorf("lnwallet: expected %d htlc sigs, got %d",
			numExpected, len(htlcSigs))
	}

	newCommit.sig = commitSig.Serialize()
	lc.localCommitChain.addCommitment(newCommit)

	lc.channelState.LocalCommitment = channelCommitmentFromView(newCommit)
	lc.channelState.LocalNextHTLCID = lc.localUpdateLog.htlcCounter
	lc.channelState.RemoteUpdateLog = logUpdatesFromLog(lc.remoteUpdateLog)

	if lc.db != nil {
		if err := lc.db.PutChannel(lc.channelState.ChanID, lc.channelState); err != nil {
			return fmt.Errorf("lnwallet: failed persisting before "+
				"revoke_and_ack: %w", err)
		}
	}

	return nil
}

// RevokeCurrentCommitment reveals the per-commitment secret for the
// commitment being superseded, advancing the local chain's tail and
// compacting the update logs.
func (lc *LightningChannel) RevokeCurrentCommitment(secret [32]byte, nextPoint *btcec.PublicKey) (*lnwire.RevokeAndAck, error) {
	lc.Lock()
	defer lc.Unlock()

	lc.localCommitChain.advanceTail()
	newTail := lc.localCommitChain.tail()

	lc.currentHeight = newTail.height

	compactLogs(lc.localUpdateLog, lc.remoteUpdateLog, newTail.height,
		lc.remoteCommitChain.tail().height)

	lc.channelState.LocalCommitment = channelCommitmentFromView(newTail)
	lc.channelState.LocalUpdateLog = logUpdatesFromLog(lc.localUpdateLog)
	lc.channelState.RemoteUpdateLog = logUpdatesFromLog(lc.remoteUpdateLog)
	lc.channelState.RevocationProducerIndex++

	if lc.db != nil {
		if err := lc.db.PutChannel(lc.channelState.ChanID, lc.channelState); err != nil {
			return nil, fmt.Errorf("lnwallet: failed persisting before "+
				"revoke_and_ack: %w", err)
		}
	}

	return &lnwire.RevokeAndAck{
		ChanID:          lc.channelState.ChanID,
		Revocation:      secret,
		NextCommitPoint: nextPoint,
	}, nil
}

// ReceiveRevocation processes a revocation from the remote party, advancing
// the remote chain's tail, storing the revealed secret, and returning the
// set of PaymentDescriptors now fully locked-in on both sides (i.e. settled
// forwards that must be relayed upstream).
func (lc *LightningChannel) ReceiveRevocation(rev *lnwire.RevokeAndAck) ([]*PaymentDescriptor, error) {
	lc.Lock()
	defer lc.Unlock()

	if lc.channelState.RevocationStore == nil {
		lc.channelState.RevocationStore = channeldb.NewRevocationStore()
	}

	oldTail := lc.remoteCommitChain.tail()
	revIndex := uint64(1<<48-1) - oldTail.height
	if err := lc.channelState.RevocationStore.Insert(revIndex, rev.Revocation); err != nil {
		return nil, fmt.Errorf("lnwallet: invalid revocation: %w", err)
	}

	lc.lastRevokedRemote = oldTail
	lc.remoteCommitChain.advanceTail()
	newRemoteTail := lc.remoteCommitChain.tail()

	compactLogs(lc.localUpdateLog, lc.remoteUpdateLog, lc.currentHeight, newRemoteTail.height)

	lc.channelState.RemoteCommitment = channelCommitmentFromView(newRemoteTail)
	lc.channelState.RemoteNextCommitment = nil
	lc.channelState.LocalUpdateLog = logUpdatesFromLog(lc.localUpdateLog)
	lc.channelState.RemoteUpdateLog = logUpdatesFromLog(lc.remoteUpdateLog)

	if lc.db != nil {
		if err := lc.db.PutChannel(lc.channelState.ChanID, lc.channelState); err != nil {
			return nil, fmt.Errorf("lnwallet: failed persisting received "+
				"revocation: %w", err)
		}
	}

	var settled []*PaymentDescriptor
	for _, entry := range lc.remoteUpdateLog.updates {
		if entry.EntryType != Settle && entry.EntryType != Fail && entry.EntryType != MalformedFail {
			continue
		}
		if entry.removeCommitHeightLocal != 0 && entry.removeCommitHeightRemote != 0 {
			settled = append(settled, entry)
		}
	}

	return settled, nil
}

// AvailableBalance returns the balance, in millisatoshi, this side could
// still add to an outgoing HTLC without violating reserve, dust, or fee
// constraints on the next commitment it would produce.
func (lc *LightningChannel) AvailableBalance() lnwire.MilliSatoshi {
	lc.RLock()
	defer lc.RUnlock()

	bal, _ := lc.availableBalance()
	return bal
}

func (lc *LightningChannel) availableBalance() (lnwire.MilliSatoshi, int64) {
	settledBalance := lc.channelState.LocalCommitment.LocalBalance
	if lc.channelState.IsInitiator {
		settledBalance += lnwire.NewMSatFromSatoshis(lc.localCommitChain.tip().fee)
	}

	localTip := lc.localCommitChain.tip()
	view := lc.fetchHTLCView(localTip.theirMessageIndex, localTip.ourMessageIndex)
	feePerKw := lc.channelState.LocalCommitment.FeePerKw
	dustLimit := lc.channelState.LocalChanCfg.DustLimit

	var totalHtlcWeight int64
	for _, htlc := range lc.channelState.LocalCommitment.Htlcs {
		if HtlcIsDust(lc.commitType, false, true, feePerKw, htlc.Amt.ToSatoshis(), dustLimit) {
			continue
		}
		totalHtlcWeight += input.HTLCWeight
	}

	for _, entry := range view.ourUpdates {
		switch {
		case entry.EntryType == Add && entry.addCommitHeightLocal == 0:
			settledBalance -= entry.Amount
			if !HtlcIsDust(lc.commitType, false, true, feePerKw, entry.Amount.ToSatoshis(), dustLimit) {
				totalHtlcWeight += input.HTLCWeight
			}
		case entry.EntryType == Settle && entry.removeCommitHeightLocal == 0:
			totalHtlcWeight -= input.HTLCWeight
			settledBalance += entry.Amount
		case (entry.EntryType == Fail || entry.EntryType == MalformedFail) && entry.removeCommitHeightLocal == 0:
			totalHtlcWeight -= input.HTLCWeight
		}
	}
	for _, entry := range view.theirUpdates {
		switch {
		case entry.EntryType == Add && entry.addCommitHeightLocal == 0:
			if !HtlcIsDust(lc.commitType, true, true, feePerKw, entry.Amount.ToSatoshis(), dustLimit) {
				totalHtlcWeight += input.HTLCWeight
			}
		case entry.EntryType == Settle && entry.removeCommitHeightLocal == 0:
			totalHtlcWeight -= input.HTLCWeight
		case (entry.EntryType == Fail || entry.EntryType == MalformedFail) && entry.removeCommitHeightLocal == 0:
			totalHtlcWeight -= input.HTLCWeight
			settledBalance += entry.Amount
		}
	}

	if totalHtlcWeight < 0 {
		totalHtlcWeight = 0
	}

	totalCommitWeight := input.CommitmentTxWeight + totalHtlcWeight
	if lc.channelState.IsInitiator {
		additionalFee := lnwire.NewMSatFromSatoshis(
			btcutil.Amount((int64(feePerKw) * totalCommitWeight) / 1000),
		)
		settledBalance -= additionalFee
	}

	return settledBalance, totalCommitWeight
}

// ChanSyncMsg builds the channel_reestablish this node should send upon
// reconnection, carrying the data-loss-protect fields needed to detect a
// rolled-back peer.
func (lc *LightningChannel) ChanSyncMsg() (*lnwire.ChannelReestablish, error) {
	lc.RLock()
	defer lc.RUnlock()

	var lastRemoteSecret [32]byte
	remoteTailHeight := lc.remoteCommitChain.tail().height
	if remoteTailHeight > 0 {
		revIndex := uint64(1<<48-1) - (remoteTailHeight - 1)
		if secret, ok := lc.channelState.RevocationStore.LookUp(revIndex); ok {
			lastRemoteSecret = secret
		}
	}

	return &lnwire.ChannelReestablish{
		ChanID:                 lc.channelState.ChanID,
		NextLocalCommitHeight:  lc.localCommitChain.tip().height + 1,
		RemoteCommitTailHeight: remoteTailHeight,
		LastRemoteCommitSecret: lastRemoteSecret,
	}, nil
}

// ProcessChanSyncMsg compares the remote party's reestablish message against
// our own state, returning the messages we must send in response (or none,
// if already synced), or an error if the peer's message indicates
// irrecoverable desync (it claims a future local height we never signed).
func (lc *LightningChannel) ProcessChanSyncMsg(msg *lnwire.ChannelReestablish) ([]lnwire.Message, error) {
	lc.RLock()
	defer lc.RUnlock()

	var msgsToSend []lnwire.Message

	localHeight := lc.localCommitChain.tip().height
	if msg.RemoteCommitTailHeight == localHeight+1 && lc.remoteCommitChain.hasUnackedCommitment() {
		return nil, fmt.Errorf("lnwallet: peer claims a future local height we never signed")
	}

	if msg.RemoteCommitTailHeight < localHeight {
		rev, err := lc.retransmitRevocation(msg.RemoteCommitTailHeight)
		if err != nil {
			return nil, err
		}
		msgsToSend = append(msgsToSend, rev)
	}

	return msgsToSend, nil
}

func (lc *LightningChannel) retransmitRevocation(height uint64) (*lnwire.RevokeAndAck, error) {
	return nil, fmt.Errorf("lnwallet: revocation for height %d not retained", height)
}

// ChannelPoint returns the outpoint that funds this channel.
func (lc *LightningChannel) ChannelPoint() *wire.OutPoint {
	return &lc.channelState.FundingOutpoint
}

// IsInitiator reports whether the local node funded this channel.
func (lc *LightningChannel) IsInitiator() bool {
	return lc.channelState.IsInitiator
}

// CommitFeeRate returns the feerate currently in force on the local
// commitment.
func (lc *LightningChannel) CommitFeeRate() btcutil.Amount {
	return lc.channelState.LocalCommitment.FeePerKw
}

// State returns the underlying persisted channel root.
func (lc *LightningChannel) State() *channeldb.OpenChannel {
	return lc.channelState
}

// RemoteHasUnackedCommitment reports whether we've signed a remote
// commitment the counterparty has not yet revoked its predecessor for,
// i.e. whether a "next remote commitment" distinct from the last acked one
// exists.
func (lc *LightningChannel) RemoteHasUnackedCommitment() bool {
	lc.RLock()
	defer lc.RUnlock()

	return lc.remoteCommitChain.hasUnackedCommitment()
}

// HasRevokedRemoteCommitment reports whether a superseded remote
// commitment is retained for breach retribution (see NewBreachRetribution).
func (lc *LightningChannel) HasRevokedRemoteCommitment() bool {
	lc.RLock()
	defer lc.RUnlock()

	return lc.lastRevokedRemote != nil
}
