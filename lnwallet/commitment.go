package lnwallet

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/input"
	"github.com/chanvault/lnchan/lnwire"
)

// CommitmentType selects which of the two output shapes a channel's
// commitment transactions use. Every weight, fee, and sighash rule in this
// file is parameterized on it so the rest of the ledger never special-cases
// a format by hand.
type CommitmentType uint8

const (
	// CommitmentTypeLegacy is the original tweaked-pubkey commitment
	// format with no anchor outputs.
	CommitmentTypeLegacy CommitmentType = iota

	// CommitmentTypeAnchors adds two 330-sat anchor outputs and changes
	// HTLC second-level sequence/sighash rules to support fee-bumping
	// via CPFP under mempool congestion.
	CommitmentTypeAnchors
)

// HasAnchors reports whether this format includes anchor outputs.
func (c CommitmentType) HasAnchors() bool { return c == CommitmentTypeAnchors }

// weights bundles the fixed weight figures for one commitment format.
type weights struct {
	commitWeight  int64
	htlcWeight    int64
	htlcTimeout   int64
	htlcSuccess   int64
}

func weightsFor(c CommitmentType) weights {
	if c.HasAnchors() {
		return weights{
			commitWeight: input.AnchorCommitmentTxWeight,
			htlcWeight:   input.HTLCWeight,
			htlcTimeout:  input.HTLCTimeoutWeightAnchor,
			htlcSuccess:  input.HTLCSuccessWeightAnchor,
		}
	}
	return weights{
		commitWeight: input.CommitmentTxWeight,
		htlcWeight:   input.HTLCWeight,
		htlcTimeout:  input.HTLCTimeoutWeight,
		htlcSuccess:  input.HTLCSuccessWeight,
	}
}

// weight2fee converts a weight figure into a satoshi fee at the given
// feerate, expressed in satoshis-per-kiloweight.
func weight2fee(feePerKw btcutil.Amount, weight int64) btcutil.Amount {
	return feePerKw * btcutil.Amount(weight) / 1000
}

// HtlcTimeoutFee returns the fee an HTLC-timeout transaction pays at the
// given feerate for the given commitment format.
func HtlcTimeoutFee(c CommitmentType, feePerKw btcutil.Amount) btcutil.Amount {
	return weight2fee(feePerKw, weightsFor(c).htlcTimeout)
}

// HtlcSuccessFee returns the fee an HTLC-success transaction pays at the
// given feerate for the given commitment format.
func HtlcSuccessFee(c CommitmentType, feePerKw btcutil.Amount) btcutil.Amount {
	return weight2fee(feePerKw, weightsFor(c).htlcSuccess)
}

// HtlcIsDust determines whether an HTLC output would be trimmed from a
// commitment transaction: an offered HTLC is trimmed below
// dust_limit + fee(htlc_timeout_weight); a received HTLC is trimmed below
// dust_limit + fee(htlc_success_weight). Trimmed HTLCs still count toward
// the commit_fee but never produce an output.
func HtlcIsDust(c CommitmentType, incoming, ourCommit bool, feePerKw,
	htlcAmt, dustLimit btcutil.Amount) bool {

	var htlcFee btcutil.Amount
	switch {
	case incoming && ourCommit:
		htlcFee = HtlcSuccessFee(c, feePerKw)
	case incoming && !ourCommit:
		htlcFee = HtlcTimeoutFee(c, feePerKw)
	case !incoming && ourCommit:
		htlcFee = HtlcTimeoutFee(c, feePerKw)
	case !incoming && !ourCommit:
		htlcFee = HtlcSuccessFee(c, feePerKw)
	}

	return htlcAmt < dustLimit+htlcFee
}

// CommitFee computes the total miner fee a commitment transaction pays: the
// fixed base weight of the format plus one htlcWeight per HTLC output that
// survives dust trimming.
func CommitFee(c CommitmentType, feePerKw btcutil.Amount, numHTLCs int) btcutil.Amount {
	w := weightsFor(c)
	totalWeight := w.commitWeight + w.htlcWeight*int64(numHTLCs)
	return weight2fee(feePerKw, totalWeight)
}

// ObscureCommitNumber XORs a 48-bit commitment number with the low 48 bits
// of SHA256(opener_payment_basepoint || accepter_payment_basepoint), per
// BOLT 3. Both parties derive the same obscuring factor independently from
// public keys exchanged during channel open.
func ObscureCommitNumber(openerPayBase, accepterPayBase *btcec.PublicKey) uint64 {
	h := sha256.New()
	h.Write(openerPayBase.SerializeCompressed())
	h.Write(accepterPayBase.SerializeCompressed())
	sum := h.Sum(nil)

	var obscurer uint64
	for i := 0; i < 6; i++ {
		obscurer <<= 8
		obscurer |= uint64(sum[26+i])
	}
	return obscurer
}

// EncodeCommitNumber maps a 48-bit commitment number, XORed with the
// obscuring factor, into the (sequence, locktime) pair a commitment
// transaction carries: the high 24 bits go into sequence (OR'd with the
// segwit-enable bit), the low 24 bits into locktime (OR'd with a marker that
// keeps it below any real absolute timelock a wallet would use).
func EncodeCommitNumber(commitNum, obscurer uint64) (sequence, locktime uint32) {
	obscured := (commitNum ^ obscurer) & 0xffffffffffff

	sequence = 0x80000000 | uint32((obscured>>24)&0xffffff)
	locktime = 0x20000000 | uint32(obscured&0xffffff)
	return sequence, locktime
}

// DecodeCommitNumber inverts EncodeCommitNumber, recovering the original
// commitment number from a transaction's sequence/locktime fields and the
// obscuring factor.
func DecodeCommitNumber(sequence, locktime uint32, obscurer uint64) uint64 {
	obscured := (uint64(sequence&0xffffff) << 24) | uint64(locktime&0xffffff)
	return obscured ^ obscurer
}

// HTLCView is a single HTLC as it appears on one side's commitment
// transaction: enough information to build its output and, for second-stage
// transactions, its witness script.
type HTLCView struct {
	// Incoming is true if this HTLC was added by the remote party (a
	// received HTLC from our point of view).
	Incoming bool

	Amount      lnwire.MilliSatoshi
	RHash       [32]byte
	RefundTimeout uint32
	HtlcIndex   uint64

	OutputIndex int32 // -1 if trimmed as dust
}

// outputSortEntry is the information needed to apply BIP69-with-CLTV-tiebreak
// ordering to a commitment transaction's outputs.
type outputSortEntry struct {
	txOut   *wire.TxOut
	isHTLC  bool
	offered bool
	rHash   [32]byte
	cltv    uint32
}

// SortCommitmentOutputs orders a commitment transaction's outputs using
// BIP69 lexicographic order on (amount, scriptPubKey), breaking ties between
// two *offered* HTLCs carrying the same amount and payment hash by ascending
// CLTV expiry, so both parties agree deterministically on which
// HTLC-timeout transaction pairs with which commitment output.
func SortCommitmentOutputs(entries []outputSortEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.txOut.Value != b.txOut.Value {
			return a.txOut.Value < b.txOut.Value
		}
		cmp := bytes.Compare(a.txOut.PkScript, b.txOut.PkScript)
		if cmp != 0 {
			return cmp < 0
		}
		if a.isHTLC && b.isHTLC && a.offered && b.offered &&
			a.rHash == b.rHash {

			return a.cltv < b.cltv
		}
		return false
	})
}

// NewOutputSortEntry is exported so callers outside this package (tests,
// the closing engine) can build the same ordering without reimplementing
// the HTLC tie-break rule.
func NewOutputSortEntry(txOut *wire.TxOut, isHTLC, offered bool, rHash [32]byte, cltv uint32) outputSortEntry {
	return outputSortEntry{txOut, isHTLC, offered, rHash, cltv}
}

// CreateCommitTx assembles the commitment transaction for one side, given
// the funding input, the two main outputs, the surviving HTLC outputs, the
// obscured commitment number, and (for the anchor format) the two anchor
// outputs. The funding input's sequence and the transaction's locktime are
// set to the encoded commitment number on input.
func CreateCommitTx(fundingInput wire.TxIn, keyRing CommitmentKeyRing,
	c CommitmentType, commitNum, obscurer uint64,
	toLocal, toRemote *wire.TxOut, htlcOutputs []*wire.TxOut,
	fundingKey *btcec.PublicKey) (*wire.MsgTx, error) {

	sequence, locktime := EncodeCommitNumber(commitNum, obscurer)

	commitTx := wire.NewMsgTx(2)
	commitTx.LockTime = locktime
	fundingInput.Sequence = sequence
	commitTx.AddTxIn(&fundingInput)

	entries := make([]outputSortEntry, 0, 2+len(htlcOutputs))
	if toLocal != nil {
		entries = append(entries, outputSortEntry{txOut: toLocal})
	}
	if toRemote != nil {
		entries = append(entries, outputSortEntry{txOut: toRemote})
	}
	for _, out := range htlcOutputs {
		entries = append(entries, outputSortEntry{txOut: out, isHTLC: true})
	}

	if c.HasAnchors() {
		anchorScript, err := input.AnchorScript(fundingKey)
		if err != nil {
			return nil, fmt.Errorf("anchor script: %w", err)
		}
		anchorPk, err := input.WitnessScriptHash(anchorScript)
		if err != nil {
			return nil, err
		}
		entries = append(entries,
			outputSortEntry{txOut: wire.NewTxOut(input.AnchorSize, anchorPk)},
			outputSortEntry{txOut: wire.NewTxOut(input.AnchorSize, anchorPk)},
		)
	}

	SortCommitmentOutputs(entries)
	for _, e := range entries {
		commitTx.AddTxOut(e.txOut)
	}

	return commitTx, nil
}

// CommitmentKeyRing holds the per-commitment derived keys needed to build
// scripts for one side of one commitment transaction. Derivation itself
// (base point + per-commitment point tweak) is owned by the embedding
// keychain; the ledger only consumes the results.
type CommitmentKeyRing struct {
	ToLocalKey     *btcec.PublicKey
	ToRemoteKey    *btcec.PublicKey
	RevocationKey  *btcec.PublicKey
	LocalHtlcKey   *btcec.PublicKey
	RemoteHtlcKey  *btcec.PublicKey
}

// CreateSecondLevelHTLCTx builds an HTLC-timeout (cltvExpiry != 0) or
// HTLC-success (cltvExpiry == 0) transaction: a single input spending the
// commitment's HTLC output, and a single output paying the to-self-delayed
// script, at the fee implied by feePerKw for this commitment format.
func CreateSecondLevelHTLCTx(c CommitmentType, commitHash [32]byte,
	htlcOutputIndex uint32, htlcAmt, feePerKw btcutil.Amount,
	cltvExpiry, toSelfDelay uint32, revocationKey,
	delayedKey *btcec.PublicKey) (*wire.MsgTx, []byte, error) {

	tx := wire.NewMsgTx(2)

	sequence := uint32(0)
	if c.HasAnchors() {
		sequence = 1
	}
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: commitHash, Index: htlcOutputIndex},
		Sequence:         sequence,
	})

	if cltvExpiry != 0 {
		tx.LockTime = cltvExpiry
		tx.TxIn[0].Sequence = sequence
	}

	toSelfScript, err := input.CommitScriptToSelf(toSelfDelay, delayedKey, revocationKey)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := input.WitnessScriptHash(toSelfScript)
	if err != nil {
		return nil, nil, err
	}

	var fee btcutil.Amount
	if cltvExpiry != 0 {
		fee = HtlcTimeoutFee(c, feePerKw)
	} else {
		fee = HtlcSuccessFee(c, feePerKw)
	}
	tx.AddTxOut(wire.NewTxOut(int64(htlcAmt-fee), pkScript))

	return tx, toSelfScript, nil
}

// HtlcSigHash returns the sighash digest for signing a second-level HTLC
// transaction's sole input against the given HTLC witness script.
func HtlcSigHash(tx *wire.MsgTx, witnessScript []byte, amt btcutil.Amount,
	hashType txscript.SigHashType) ([]byte, error) {

	hashCache := txscript.NewTxSigHashes(tx, txscript.NewCannedPrevOutputFetcher(nil, 0))
	return txscript.CalcWitnessSigHash(
		witnessScript, hashCache, hashType, tx, 0, int64(amt),
	)
}

// fundingWitnessScript rebuilds the 2-of-2 script for an outpoint the
// channel funds, used both to construct the funding output and to sign the
// commitment transaction's sole input.
func fundingWitnessScript(localFundingKey, remoteFundingKey *btcec.PublicKey) ([]byte, error) {
	return input.GenMultiSigScript(
		localFundingKey.SerializeCompressed(),
		remoteFundingKey.SerializeCompressed(),
	)
}
