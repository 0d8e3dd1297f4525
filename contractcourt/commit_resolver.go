package contractcourt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/input"
	"github.com/chanvault/lnchan/lnwallet"
)

// buildSweepTx assembles a single-input transaction spending outpoint to
// sweepScript, signs it with the supplied witness builder, and returns it
// ready to publish. commitSweepResolver is its only caller; the breach
// resolver builds its own multi-input justice transaction, and the HTLC
// resolvers build no sweep.
func buildSweepTx(signer input.Signer, outpoint wire.OutPoint, amt int64,
	sweepScript []byte, csvDelay uint32, signDesc *input.SignDescriptor,
	witness func(input.Signer, *input.SignDescriptor, *wire.MsgTx) (wire.TxWitness, error)) (*wire.MsgTx, error) {

	sweepTx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(&outpoint, nil, nil)
	if csvDelay > 0 {
		txIn.Sequence = csvDelay
	}
	sweepTx.AddTxIn(txIn)
	sweepTx.AddTxOut(wire.NewTxOut(amt, sweepScript))

	signDesc.InputIndex = 0
	fetcher := txscript.NewCannedPrevOutputFetcher(signDesc.Output.PkScript, signDesc.Output.Value)
	signDesc.SigHashes = txscript.NewTxSigHashes(sweepTx, fetcher)

	w, err := witness(signer, signDesc, sweepTx)
	if err != nil {
		return nil, err
	}
	sweepTx.TxIn[0].Witness = w

	return sweepTx, nil
}

// commitSweepResolver claims a single, unconditional commitment output: our
// delayed to_local balance (after MaturityDelay confirmations of the
// commitment) or a static-remote-key to_remote balance (MaturityDelay 0).
// It covers the "claim-local-delayed" and "claim-remote-main" branches of
// the closing engine's branch table.
type commitSweepResolver struct {
	res lnwallet.CommitResolution

	signer      input.Signer
	sweepScript []byte

	resolved bool

	ResolverKit
}

func newCommitSweepResolver(res lnwallet.CommitResolution, signer input.Signer, sweepScript []byte) *commitSweepResolver {
	return &commitSweepResolver{res: res, signer: signer, sweepScript: sweepScript}
}

func (c *commitSweepResolver) ResolverKey() []byte {
	id := newResolverID(c.res.SelfOutPoint)
	return id[:]
}

func (c *commitSweepResolver) Resolve() (ContractResolver, error) {
	if c.resolved {
		return nil, nil
	}

	if c.res.MaturityDelay > 0 {
		confNtfn, err := c.Notifier.RegisterConfirmationsNtfn(
			&c.res.SelfOutPoint.Hash, c.res.SelfOutputSignDesc.Output.PkScript,
			c.res.MaturityDelay+1, 0,
		)
		if err != nil {
			return nil, err
		}
		select {
		case _, ok := <-confNtfn.Confirmed:
			if !ok {
				return nil, fmt.Errorf("contractcourt: notifier quit")
			}
		case <-c.Quit:
			return nil, fmt.Errorf("contractcourt: resolver stopped")
		}
	}

	var (
		sweepTx *wire.MsgTx
		err     error
	)
	signDesc := c.res.SelfOutputSignDesc
	if c.res.MaturityDelay > 0 {
		sweepTx, err = buildSweepTx(c.signer, c.res.SelfOutPoint,
			signDesc.Output.Value, c.sweepScript, c.res.MaturityDelay,
			&signDesc, input.CommitSpendTimeout)
	} else {
		sweepTx, err = buildSweepTx(c.signer, c.res.SelfOutPoint,
			signDesc.Output.Value, c.sweepScript, 0,
			&signDesc, input.CommitSpendNoDelay)
	}
	if err != nil {
		return nil, err
	}

	if err := c.Publisher.PublishAsap(sweepTx, "commit-sweep"); err != nil {
		return nil, err
	}

	c.resolved = true
	return nil, c.Checkpoint(c)
}

func (c *commitSweepResolver) Stop()            { close(c.Quit) }
func (c *commitSweepResolver) IsResolved() bool { return c.resolved }

func (c *commitSweepResolver) Encode(w io.Writer) error {
	return binary.Write(w, endian, c.resolved)
}

func (c *commitSweepResolver) Decode(r io.Reader) error {
	return binary.Read(r, endian, &c.resolved)
}

func (c *commitSweepResolver) AttachResolverKit(r ResolverKit) {
	c.ResolverKit = r
}

var _ ContractResolver = (*commitSweepResolver)(nil)
