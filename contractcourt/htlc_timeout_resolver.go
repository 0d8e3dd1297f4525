package contractcourt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chanvault/lnchan/input"
	"github.com/chanvault/lnchan/lnwire"
	"github.com/chanvault/lnchan/lnwallet"
)

// htlcTimeoutResolver resolves an outgoing HTLC we offered on a commitment
// transaction. It publishes the resolution's SignedTimeoutTx when one is
// set, waits until the HTLC output is spent by any transaction, and then
// fails the HTLC upstream. It builds no sweep of its own and does not wait
// for the spend to confirm.
type htlcTimeoutResolver struct {
	htlcResolution lnwallet.OutgoingHtlcResolution

	signer input.Signer

	broadcastHeight uint32
	htlcIndex       uint64

	resolved bool

	ResolverKit
}

func newHtlcTimeoutResolver(res lnwallet.OutgoingHtlcResolution, signer input.Signer,
	htlcIndex uint64, broadcastHeight uint32) *htlcTimeoutResolver {

	return &htlcTimeoutResolver{
		htlcResolution:  res,
		signer:          signer,
		htlcIndex:       htlcIndex,
		broadcastHeight: broadcastHeight,
	}
}

// ResolverKey returns an identifier unique to this resolver within the
// chain the original contract resides within.
//
// NOTE: Part of the ContractResolver interface.
func (h *htlcTimeoutResolver) ResolverKey() []byte {
	id := newResolverID(h.htlcResolution.ClaimOutpoint)
	return id[:]
}

// Resolve kicks off resolution of an outgoing HTLC output: it publishes the
// signed timeout tx if the resolution carries one, waits for a spend of the
// claim output, and then delivers the failure upstream.
//
// NOTE: Part of the ContractResolver interface.
func (h *htlcTimeoutResolver) Resolve() (ContractResolver, error) {
	if h.resolved {
		return nil, nil
	}

	if h.htlcResolution.SignedTimeoutTx != nil {
		if err := h.Publisher.PublishAsap(h.htlcResolution.SignedTimeoutTx, "htlc-timeout"); err != nil {
			return nil, err
		}
	}

	if err := h.waitForSweepable(); err != nil {
		return nil, err
	}

	log.Infof("htlcTimeoutResolver(%v): resolving htlc with fail message, "+
		"claim output spent", h.htlcResolution.ClaimOutpoint)

	failureMsg := lnwire.CodePermanentChannelFailure
	if err := h.DeliverResolutionMsg(ResolutionMsg{
		SourceChan: lnwire.ChannelID(h.ChanPoint.Hash),
		HtlcIndex:  h.htlcIndex,
		Failure:    failureMsg,
	}); err != nil {
		return nil, err
	}

	h.resolved = true
	return nil, h.Checkpoint(h)
}

// waitForSweepable blocks until a spend of the claim output is notified,
// whichever transaction spends it. It does not wait for that spend to
// confirm.
func (h *htlcTimeoutResolver) waitForSweepable() error {
	spendNtfn, err := h.Notifier.RegisterSpendNtfn(
		&h.htlcResolution.ClaimOutpoint,
		h.htlcResolution.SweepSignDesc.Output.PkScript,
		h.broadcastHeight,
	)
	if err != nil {
		return err
	}

	select {
	case _, ok := <-spendNtfn.Spend:
		if !ok {
			return fmt.Errorf("contractcourt: notifier quit")
		}
	case <-h.Quit:
		return fmt.Errorf("contractcourt: resolver stopped")
	}

	return nil
}

// Stop signals the resolver to cancel any current resolution processes, and
// suspend.
//
// NOTE: Part of the ContractResolver interface.
func (h *htlcTimeoutResolver) Stop() {
	close(h.Quit)
}

// IsResolved returns true if the stored state in the resolve is fully
// resolved. In this case the target output can be forgotten.
//
// NOTE: Part of the ContractResolver interface.
func (h *htlcTimeoutResolver) IsResolved() bool {
	return h.resolved
}

// Encode writes an encoded version of the ContractResolver into the passed
// Writer.
//
// NOTE: Part of the ContractResolver interface.
func (h *htlcTimeoutResolver) Encode(w io.Writer) error {
	if err := binary.Write(w, endian, h.resolved); err != nil {
		return err
	}
	return binary.Write(w, endian, h.htlcIndex)
}

// Decode attempts to decode an encoded ContractResolver from the passed
// Reader instance, returning an active ContractResolver instance.
//
// NOTE: Part of the ContractResolver interface.
func (h *htlcTimeoutResolver) Decode(r io.Reader) error {
	if err := binary.Read(r, endian, &h.resolved); err != nil {
		return err
	}
	return binary.Read(r, endian, &h.htlcIndex)
}

// AttachResolverKit should be called once a resolver is successfully decoded
// from its stored format. This struct delivers a generic tool kit that
// resolvers need to complete their duty.
//
// NOTE: Part of the ContractResolver interface.
func (h *htlcTimeoutResolver) AttachResolverKit(r ResolverKit) {
	h.ResolverKit = r
}

// A compile time assertion to ensure htlcTimeoutResolver meets the
// ContractResolver interface.
var _ ContractResolver = (*htlcTimeoutResolver)(nil)
