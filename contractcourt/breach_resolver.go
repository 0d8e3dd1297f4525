package contractcourt

import (
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/input"
	"github.com/chanvault/lnchan/lnwallet"
)

// breachResolver punishes a counterparty who broadcasts a revoked
// commitment transaction by sweeping every output it carries — their
// to_local balance and every HTLC output — into a single justice
// transaction signed with the revocation private key. This is the
// "Revoked remote commit" branch of the closing engine's branch table:
// main-penalty plus one htlc-penalty per HTLC output. Deriving the
// revocation private key itself is the embedding keychain's job: this
// resolver is handed a Signer already capable of producing signatures
// against lnwallet.BreachRetribution's revocation-keyed witness scripts.
type breachResolver struct {
	retribution *lnwallet.BreachRetribution

	signer      input.Signer
	sweepScript []byte

	resolved bool

	ResolverKit
}

func newBreachResolver(ret *lnwallet.BreachRetribution, signer input.Signer,
	sweepScript []byte) *breachResolver {

	return &breachResolver{retribution: ret, signer: signer, sweepScript: sweepScript}
}

func (b *breachResolver) ResolverKey() []byte {
	id := newResolverID(b.retribution.ChanPoint)
	return id[:]
}

// Resolve builds and publishes the justice transaction, spending the
// revoked commitment's to_local output and every HTLC output in a single
// transaction. It does not wait for confirmation: the resolver marks itself
// resolved as soon as the publisher accepts the transaction, so a resolver
// restored as resolved after a restart does not publish it again.
func (b *breachResolver) Resolve() (ContractResolver, error) {
	if b.resolved {
		return nil, nil
	}

	justiceTx := wire.NewMsgTx(2)

	type spend struct {
		outpoint wire.OutPoint
		signDesc input.SignDescriptor
	}
	var spends []spend

	ret := b.retribution
	if ret.LocalWitnessScript != nil {
		pkScript, err := input.WitnessScriptHash(ret.LocalWitnessScript)
		if err != nil {
			return nil, err
		}
		signDesc := input.SignDescriptor{
			WitnessScript: ret.LocalWitnessScript,
			Output:        wire.NewTxOut(int64(ret.LocalOutputValue), pkScript),
			HashType:      txscript.SigHashAll,
		}
		spends = append(spends, spend{outpoint: ret.LocalOutpoint, signDesc: signDesc})
	}
	for _, htlc := range ret.HTLCs {
		pkScript, err := input.WitnessScriptHash(htlc.WitnessScript)
		if err != nil {
			return nil, err
		}
		signDesc := input.SignDescriptor{
			WitnessScript: htlc.WitnessScript,
			Output:        wire.NewTxOut(int64(htlc.Amount), pkScript),
			HashType:      txscript.SigHashAll,
		}
		spends = append(spends, spend{outpoint: htlc.Outpoint, signDesc: signDesc})
	}

	var total int64
	for _, s := range spends {
		justiceTx.AddTxIn(wire.NewTxIn(&s.outpoint, nil, nil))
		total += s.signDesc.Output.Value
	}
	justiceTx.AddTxOut(wire.NewTxOut(total, b.sweepScript))

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, s := range spends {
		fetcher.AddPrevOut(s.outpoint, s.signDesc.Output)
	}
	hashCache := txscript.NewTxSigHashes(justiceTx, fetcher)

	for i, s := range spends {
		s.signDesc.InputIndex = i
		s.signDesc.SigHashes = hashCache
		witness, err := input.CommitSpendRevoke(b.signer, &s.signDesc, justiceTx)
		if err != nil {
			return nil, err
		}
		justiceTx.TxIn[i].Witness = witness
	}

	if err := b.Publisher.PublishAsap(justiceTx, "breach-justice"); err != nil {
		return nil, err
	}

	b.resolved = true
	return nil, b.Checkpoint(b)
}

func (b *breachResolver) Stop()            { close(b.Quit) }
func (b *breachResolver) IsResolved() bool { return b.resolved }

func (b *breachResolver) Encode(w io.Writer) error {
	return binary.Write(w, endian, b.resolved)
}

func (b *breachResolver) Decode(r io.Reader) error {
	return binary.Read(r, endian, &b.resolved)
}

func (b *breachResolver) AttachResolverKit(r ResolverKit) {
	b.ResolverKit = r
}

var _ ContractResolver = (*breachResolver)(nil)
