package contractcourt

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/chainntfs"
	"github.com/chanvault/lnchan/input"
	"github.com/chanvault/lnchan/lnwallet"
)

// ArbitratorConfig bundles everything a ChannelArbitrator needs to classify
// a funding-spend transaction and drive the resolvers it implies.
type ArbitratorConfig struct {
	ChanPoint wire.OutPoint
	Channel   *lnwallet.LightningChannel

	Notifier  chainntnfs.ChainNotifier
	Publisher chainntnfs.TxPublisher

	// Signer produces signatures for our own commitment/HTLC outputs.
	Signer input.Signer

	// BreachSigner produces signatures against revocation-keyed witness
	// scripts. Deriving the revocation private key from the secret the
	// counterparty reveals is the embedding keychain's job; this
	// arbitrator only calls it once a breach is detected.
	BreachSigner input.Signer

	SweepScript []byte

	DeliverResolutionMsg func(ResolutionMsg) error
	Checkpoint           func(ContractResolver) error
}

// ChannelArbitrator classifies the transaction that spends a channel's
// funding output against the branches of spec.md §4.4's table and launches
// one ContractResolver per output it implies.
type ChannelArbitrator struct {
	cfg ArbitratorConfig
}

// NewChannelArbitrator constructs a ChannelArbitrator ready to classify a
// funding-output spend once it's observed.
func NewChannelArbitrator(cfg ArbitratorConfig) *ChannelArbitrator {
	return &ChannelArbitrator{cfg: cfg}
}

// kit builds a fresh ResolverKit shared by every resolver this arbitrator
// spawns for one spend.
func (c *ChannelArbitrator) kit() ResolverKit {
	return ResolverKit{
		ChanPoint:             c.cfg.ChanPoint,
		Notifier:              c.cfg.Notifier,
		Publisher:             c.cfg.Publisher,
		DeliverResolutionMsg:  c.cfg.DeliverResolutionMsg,
		Checkpoint:            c.cfg.Checkpoint,
		Quit:                  make(chan struct{}),
	}
}

// Resolve classifies spendingTx — the transaction that just spent this
// channel's funding output — and returns the resolvers it implies. Calling
// Resolve() on each drives that output to final settlement; the caller is
// expected to run each concurrently, the way the teacher's arbitrator
// launches one goroutine per active resolver.
func (c *ChannelArbitrator) Resolve(spendingTx *wire.MsgTx,
	localKeyRing, remoteKeyRing lnwallet.CommitmentKeyRing) ([]ContractResolver, error) {

	spentHash := spendingTx.TxHash()
	ch := c.cfg.Channel

	if ch.HasRevokedRemoteCommitment() {
		ret, err := ch.NewBreachRetribution()
		if err != nil {
			return nil, err
		}
		if ret.CommitTx.TxHash() == spentHash {
			return c.resolveBreach(ret), nil
		}
	}

	local, err := ch.ForceClose(true, false, localKeyRing)
	if err != nil {
		return nil, err
	}
	if local.CloseTx.TxHash() == spentHash {
		return c.resolveForceClose(local, 0)
	}

	remoteTail, err := ch.ForceClose(false, true, remoteKeyRing)
	if err != nil {
		return nil, err
	}
	if remoteTail.CloseTx.TxHash() == spentHash {
		return c.resolveForceClose(remoteTail, 0)
	}

	if ch.RemoteHasUnackedCommitment() {
		remoteTip, err := ch.ForceClose(false, false, remoteKeyRing)
		if err != nil {
			return nil, err
		}
		if remoteTip.CloseTx.TxHash() == spentHash {
			return c.resolveForceClose(remoteTip, 0)
		}
	}

	// Neither a known commitment nor a breach: either a cooperative
	// mutual close (nothing further to do but wait for confirmation) or
	// a future state we lost data for (publish only what the commit
	// resolution branch below would, if anything is known — here,
	// nothing is).
	return nil, nil
}

// resolveForceClose turns one side's ForceCloseSummary into the resolvers
// for every output it still carries: a commitSweepResolver for our own
// balance, a timeout resolver for every offered HTLC, and a success
// resolver for every received HTLC. A success resolver delivers whatever
// Preimage its resolution carries; no preimage is looked up or waited for
// here.
func (c *ChannelArbitrator) resolveForceClose(summary *lnwallet.ForceCloseSummary,
	broadcastHeight uint32) ([]ContractResolver, error) {

	var resolvers []ContractResolver

	if summary.CommitResolution != nil {
		r := newCommitSweepResolver(*summary.CommitResolution, c.cfg.Signer, c.cfg.SweepScript)
		r.AttachResolverKit(c.kit())
		resolvers = append(resolvers, r)
	}

	for i, htlc := range summary.OutgoingHTLCs {
		r := newHtlcTimeoutResolver(htlc, c.cfg.Signer, uint64(i), broadcastHeight)
		r.AttachResolverKit(c.kit())
		resolvers = append(resolvers, r)
	}
	for i, htlc := range summary.IncomingHTLCs {
		r := newHtlcSuccessResolver(htlc, uint64(i), broadcastHeight)
		r.AttachResolverKit(c.kit())
		resolvers = append(resolvers, r)
	}

	return resolvers, nil
}

// resolveBreach builds the single justice-transaction resolver for a
// revoked remote commitment.
func (c *ChannelArbitrator) resolveBreach(ret *lnwallet.BreachRetribution) []ContractResolver {
	r := newBreachResolver(ret, c.cfg.BreachSigner, c.cfg.SweepScript)
	r.AttachResolverKit(c.kit())
	return []ContractResolver{r}
}

// RunResolvers drives every resolver to completion concurrently, the way
// the teacher's arbitrator fans each contract out to its own goroutine.
func RunResolvers(resolvers []ContractResolver) []error {
	errs := make([]error, len(resolvers))
	done := make(chan int, len(resolvers))
	for i, r := range resolvers {
		go func(i int, r ContractResolver) {
			_, err := r.Resolve()
			if err != nil {
				errs[i] = fmt.Errorf("resolver %x failed: %w", r.ResolverKey(), err)
			}
			done <- i
		}(i, r)
	}
	for range resolvers {
		<-done
	}
	return errs
}
