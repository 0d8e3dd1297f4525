package lnwallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/input"
)

// BreachedHTLC describes one HTLC output carried by a revoked commitment
// transaction, enough for a justice transaction to spend it with the
// revocation key.
type BreachedHTLC struct {
	Outpoint      wire.OutPoint
	Amount        btcutil.Amount
	WitnessScript []byte
	IsOffered     bool
}

// BreachRetribution holds everything needed to punish a counterparty who
// broadcasts a revoked commitment transaction: the revoked tx itself, the
// to_local output they would otherwise reclaim after RemoteDelay blocks, and
// every HTLC output on it. Spending any of these with the revocation key
// sweeps them to us immediately, bypassing the delay or HTLC timeout the
// cheating party was counting on.
//
// Only the most recently revoked remote commitment is retained (see
// lastRevokedRemote); punishing a breach from further back would require a
// full revocation log, which this module's condensed channeldb does not
// carry. See DESIGN.md.
type BreachRetribution struct {
	ChanPoint     wire.OutPoint
	RevokedHeight uint64
	CommitTx      *wire.MsgTx
	CommitFee     btcutil.Amount

	LocalOutpoint      wire.OutPoint
	LocalOutputValue   btcutil.Amount
	LocalWitnessScript []byte
	RemoteDelay        uint32

	HTLCs []BreachedHTLC
}

// NewBreachRetribution rebuilds the retribution data for the remote
// commitment that the most recent ReceiveRevocation call superseded. It
// reconstructs the exact transaction and witness scripts the counterparty
// signed, using the keyRing captured on that commitment at creation time
// (see fetchCommitmentView), so the result matches the transaction byte for
// byte whether or not the counterparty ever actually broadcasts it.
//
// Deriving the revocation private key needed to actually spend these
// outputs from the secret revealed in revoke_and_ack is the embedding
// keychain's job, not this module's — this module only carries per-channel
// keychain basepoints, never private key material.
func (lc *LightningChannel) NewBreachRetribution() (*BreachRetribution, error) {
	lc.RLock()
	defer lc.RUnlock()

	revoked := lc.lastRevokedRemote
	if revoked == nil {
		return nil, fmt.Errorf("lnwallet: no revoked remote commitment retained")
	}

	commitTx, commitFee, err := lc.createCommitmentTx(revoked, revoked.keyRing, true)
	if err != nil {
		return nil, fmt.Errorf("lnwallet: unable to rebuild revoked commitment: %w", err)
	}
	commitHash := commitTx.TxHash()

	ret := &BreachRetribution{
		ChanPoint:     lc.channelState.FundingOutpoint,
		RevokedHeight: revoked.height,
		CommitTx:      commitTx,
		CommitFee:     commitFee,
		RemoteDelay:   uint32(lc.remoteChanCfg.CsvDelay),
	}

	keyRing := revoked.keyRing
	localScript, err := input.CommitScriptToSelf(ret.RemoteDelay, keyRing.ToLocalKey, keyRing.RevocationKey)
	if err != nil {
		return nil, err
	}
	localPkScript, err := input.WitnessScriptHash(localScript)
	if err != nil {
		return nil, err
	}
	for i, out := range commitTx.TxOut {
		if bytes.Equal(out.PkScript, localPkScript) {
			ret.LocalOutpoint = wire.OutPoint{Hash: commitHash, Index: uint32(i)}
			ret.LocalOutputValue = btcutil.Amount(out.Value)
			ret.LocalWitnessScript = localScript
			break
		}
	}

	for _, htlc := range revoked.outgoingHTLCs {
		script, err := input.SenderHTLCScript(keyRing.LocalHtlcKey, keyRing.RemoteHtlcKey,
			keyRing.RevocationKey, htlc.RHash[:], lc.commitType.HasAnchors())
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, err
		}
		idx, ok := findOutput(commitTx, pkScript)
		if !ok {
			continue
		}
		ret.HTLCs = append(ret.HTLCs, BreachedHTLC{
			Outpoint:      wire.OutPoint{Hash: commitHash, Index: idx},
			Amount:        htlc.Amount.ToSatoshis(),
			WitnessScript: script,
			IsOffered:     true,
		})
	}
	for _, htlc := range revoked.incomingHTLCs {
		script, err := input.ReceiverHTLCScript(htlc.Timeout, keyRing.LocalHtlcKey,
			keyRing.RemoteHtlcKey, keyRing.RevocationKey, htlc.RHash[:], lc.commitType.HasAnchors())
		if err != nil {
			return nil, err
		}
		pkScript, err := input.WitnessScriptHash(script)
		if err != nil {
			return nil, err
		}
		idx, ok := findOutput(commitTx, pkScript)
		if !ok {
			continue
		}
		ret.HTLCs = append(ret.HTLCs, BreachedHTLC{
			Outpoint:      wire.OutPoint{Hash: commitHash, Index: idx},
			Amount:        htlc.Amount.ToSatoshis(),
			WitnessScript: script,
			IsOffered:     false,
		})
	}

	return ret, nil
}

func findOutput(tx *wire.MsgTx, pkScript []byte) (uint32, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), true
		}
	}
	return 0, false
}
