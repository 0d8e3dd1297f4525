package lnwallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/input"
)

// CommitResolution describes a direct claim against our own main output:
// the delayed to_local output of our own commitment, or the to_remote
// output of the remote party's commitment.
type CommitResolution struct {
	SelfOutPoint       wire.OutPoint
	SelfOutputSignDesc input.SignDescriptor
	MaturityDelay      uint32
}

// OutgoingHtlcResolution describes how we reclaim an offered (outgoing)
// HTLC once its CLTV expiry passes without the preimage surfacing. On our
// own commitment this goes through a second-level timeout transaction; on
// the counterparty's commitment it's a direct spend of the HTLC output.
type OutgoingHtlcResolution struct {
	ClaimOutpoint   wire.OutPoint
	SweepSignDesc   input.SignDescriptor
	Expiry          uint32
	SignedTimeoutTx *wire.MsgTx
}

// IncomingHtlcResolution describes how we claim a received (incoming) HTLC
// once we learn its preimage, analogous to OutgoingHtlcResolution.
type IncomingHtlcResolution struct {
	ClaimOutpoint   wire.OutPoint
	SweepSignDesc   input.SignDescriptor
	Preimage        [32]byte
	SignedSuccessTx *wire.MsgTx
}

// AnchorResolution describes the anchor output used to CPFP a commitment
// transaction into a block.
type AnchorResolution struct {
	AnchorOutpoint wire.OutPoint
	AnchorSignDesc input.SignDescriptor
	CommitFee      btcutil.Amount
}

// ForceCloseSummary bundles everything needed to unilaterally close a
// channel from one commitment: the transaction itself, a resolution for
// our own output if we have one, and a resolution for every HTLC still
// live on it. Offered (outgoing) HTLCs resolve as OutgoingHtlcResolution;
// received (incoming) ones as IncomingHtlcResolution, since we can only
// claim the latter once we learn the preimage.
type ForceCloseSummary struct {
	CloseTx           *wire.MsgTx
	CommitResolution  *CommitResolution
	OutgoingHTLCs     []OutgoingHtlcResolution
	IncomingHTLCs     []IncomingHtlcResolution
	AnchorResolution  *AnchorResolution
}

// ForceClose builds a ForceCloseSummary for the given side's latest
// commitment transaction: our own when local is true (the "Local commit"
// branch of the closing engine's table), or a remote commitment when false
// (the "Remote commit" branch, or "Next-remote commit" when useTail is
// false and an unacked commitment is outstanding). keyRing must be built
// against the same basepoints the commitment in question was originally
// signed with.
func (lc *LightningChannel) ForceClose(local, useTail bool, keyRing CommitmentKeyRing) (*ForceCloseSummary, error) {
	lc.RLock()
	defer lc.RUnlock()

	chain := lc.localCommitChain
	if !local {
		chain = lc.remoteCommitChain
	}
	c := chain.tip()
	if !local && useTail {
		c = chain.tail()
	}

	txn, _, err := lc.createCommitmentTx(c, keyRing, !local)
	if err != nil {
		return nil, err
	}
	txHash := txn.TxHash()

	summary := &ForceCloseSummary{CloseTx: txn}

	selfAmt := c.ourBalance
	if selfAmt.ToSatoshis() >= c.dustLimit {
		var (
			script, pkScript []byte
			delay            uint32
		)
		if local {
			delay = uint32(lc.localChanCfg.CsvDelay)
			script, err = input.CommitScriptToSelf(delay, keyRing.ToLocalKey, keyRing.RevocationKey)
			if err == nil {
				pkScript, err = input.WitnessScriptHash(script)
			}
		} else {
			// Our balance on the remote commitment is its to_remote
			// P2WPKH output: OP_0 <hash160(ToRemoteKey)>.
			pkScript = append([]byte{0x00, 0x14},
				btcutil.Hash160(keyRing.ToRemoteKey.SerializeCompressed())...)
			script = pkScript
		}
		if err != nil {
			return nil, err
		}
		idx, ok := findOutput(txn, pkScript)
		if ok {
			summary.CommitResolution = &CommitResolution{
				SelfOutPoint: wire.OutPoint{Hash: txHash, Index: idx},
				SelfOutputSignDesc: input.SignDescriptor{
					WitnessScript: script,
					Output:        txn.TxOut[idx],
				},
				MaturityDelay: delay,
			}
		}
	}

	for _, htlc := range c.outgoingHTLCs {
		script, err := input.SenderHTLCScript(keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
			keyRing.RevocationKey, htlc.RHash[:], lc.commitType.HasAnchors())
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, err
		}
		idx, ok := findOutput(txn, pkScript)
		if !ok {
			continue
		}
		summary.OutgoingHTLCs = append(summary.OutgoingHTLCs, OutgoingHtlcResolution{
			ClaimOutpoint: wire.OutPoint{Hash: txHash, Index: idx},
			SweepSignDesc: input.SignDescriptor{
				WitnessScript: script,
				Output:        txn.TxOut[idx],
			},
			Expiry: htlc.Timeout,
		})
	}
	for _, htlc := range c.incomingHTLCs {
		script, err := input.ReceiverHTLCScript(htlc.Timeout, keyRing.LocalHtlcKey,
			keyRing.RemoteHtlcKey, keyRing.RevocationKey, htlc.RHash[:], lc.commitType.HasAnchors())
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, err
		}
		idx, ok := findOutput(txn, pkScript)
		if !ok {
			continue
		}
		summary.IncomingHTLCs = append(summary.IncomingHTLCs, IncomingHtlcResolution{
			ClaimOutpoint: wire.OutPoint{Hash: txHash, Index: idx},
			SweepSignDesc: input.SignDescriptor{
				WitnessScript: script,
				Output:        txn.TxOut[idx],
			},
		})
	}

	return summary, nil
}
