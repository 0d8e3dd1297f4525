package contractcourt

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/chanvault/lnchan/lnwire"
	"github.com/chanvault/lnchan/lnwallet"
)

// htlcSuccessResolver resolves an incoming HTLC. It publishes the
// resolution's SignedSuccessTx when one is set (no direct spend of the HTLC
// output is built), waits for one confirmation of the transaction that
// holds ClaimOutpoint, and then delivers the resolution's Preimage
// upstream.
type htlcSuccessResolver struct {
	htlcResolution lnwallet.IncomingHtlcResolution

	broadcastHeight uint32
	htlcIndex       uint64

	resolved bool

	ResolverKit
}

func newHtlcSuccessResolver(res lnwallet.IncomingHtlcResolution, htlcIndex uint64,
	broadcastHeight uint32) *htlcSuccessResolver {

	return &htlcSuccessResolver{
		htlcResolution:  res,
		htlcIndex:       htlcIndex,
		broadcastHeight: broadcastHeight,
	}
}

func (h *htlcSuccessResolver) ResolverKey() []byte {
	id := newResolverID(h.htlcResolution.ClaimOutpoint)
	return id[:]
}

func (h *htlcSuccessResolver) Resolve() (ContractResolver, error) {
	if h.resolved {
		return nil, nil
	}

	if h.htlcResolution.SignedSuccessTx != nil {
		if err := h.Publisher.PublishAsap(h.htlcResolution.SignedSuccessTx, "htlc-success"); err != nil {
			return nil, err
		}
	}

	confNtfn, err := h.Notifier.RegisterConfirmationsNtfn(
		&h.htlcResolution.ClaimOutpoint.Hash,
		h.htlcResolution.SweepSignDesc.Output.PkScript, 1, h.broadcastHeight,
	)
	if err != nil {
		return nil, err
	}
	select {
	case _, ok := <-confNtfn.Confirmed:
		if !ok {
			return nil, fmt.Errorf("contractcourt: notifier quit")
		}
	case <-h.Quit:
		return nil, fmt.Errorf("contractcourt: resolver stopped")
	}

	preimage := h.htlcResolution.Preimage
	if err := h.DeliverResolutionMsg(ResolutionMsg{
		SourceChan: lnwire.ChannelID(h.ChanPoint.Hash),
		HtlcIndex:  h.htlcIndex,
		Preimage:   &preimage,
	}); err != nil {
		return nil, err
	}

	h.resolved = true
	return nil, h.Checkpoint(h)
}

func (h *htlcSuccessResolver) Stop()            { close(h.Quit) }
func (h *htlcSuccessResolver) IsResolved() bool { return h.resolved }

func (h *htlcSuccessResolver) Encode(w io.Writer) error {
	if err := binary.Write(w, endian, h.resolved); err != nil {
		return err
	}
	return binary.Write(w, endian, h.htlcIndex)
}

func (h *htlcSuccessResolver) Decode(r io.Reader) error {
	if err := binary.Read(r, endian, &h.resolved); err != nil {
		return err
	}
	return binary.Read(r, endian, &h.htlcIndex)
}

func (h *htlcSuccessResolver) AttachResolverKit(r ResolverKit) {
	h.ResolverKit = r
}

var _ ContractResolver = (*htlcSuccessResolver)(nil)
