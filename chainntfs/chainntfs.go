// Package chainntnfs declares the chain oracle collaborator the closing
// engine depends on: registering confirmation/spend/block-epoch watches and
// broadcasting transactions. No concrete chain backend lives in this module;
// contractcourt and htlcswitch only consume this interface.
package chainntnfs

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ChainNotifier represents a trusted source to receive notifications
// concerning targeted events on the Bitcoin blockchain. The interface
// specification is intentionally general in order to support a wide array
// of chain notification implementations such as: btcd's websockets
// notifications, Bitcoin Core's ZeroMQ notifications, various Bitcoin API
// services, Electrum servers, etc.
//
// Concrete implementations of ChainNotifier should be able to support
// multiple concurrent client requests, as well as multiple concurrent
// notification events.
type ChainNotifier interface {
	// RegisterConfirmationsNtfn registers an intent to be notified once
	// txid's output pkScript reaches numConfs confirmations, starting
	// the search for spends/confirmations at heightHint. The returned
	// ConfirmationEvent is notified once that depth is reached, and
	// again if the original tx gets re-org'd out of the main chain.
	RegisterConfirmationsNtfn(txid *chainhash.Hash, pkScript []byte,
		numConfs, heightHint uint32) (*ConfirmationEvent, error)

	// RegisterSpendNtfn registers an intent to be notified once the
	// target outpoint is spent by a transaction on the network,
	// starting the search at heightHint. The returned SpendEvent fires
	// as soon as the spending transaction is seen, not once it
	// confirms.
	RegisterSpendNtfn(outpoint *wire.OutPoint, pkScript []byte,
		heightHint uint32) (*SpendEvent, error)

	// RegisterBlockEpochNtfn registers an intent to be notified of each
	// new block connected to the tip of the main chain, starting from
	// bestHeight if non-zero.
	RegisterBlockEpochNtfn(bestHeight int32) (*BlockEpochEvent, error)

	// Start starts the ChainNotifier, readying it to accept client
	// registrations.
	Start() error

	// Stop disallows any future registrations and cancels all pending
	// client notifications by closing the related channels.
	Stop() error
}

// TxPublisher broadcasts transactions the closing engine produces
// (second-level HTLC transactions, justice transactions, sweeps), without
// requiring full wallet/mempool plumbing from this module.
type TxPublisher interface {
	// PublishAsap broadcasts tx and returns immediately; failures (e.g.
	// insufficient fee, already-confirmed inputs) are logged by the
	// implementation rather than surfaced synchronously, since a
	// resolver re-arms and retries on restart regardless.
	PublishAsap(tx *wire.MsgTx, label string) error
}

// ConfirmationEvent encapsulates a confirmation notification. With this
// struct, callers can be notified of: the instance the target txid reaches
// the targeted number of confirmations, and also in the event that the
// original txid becomes disconnected from the blockchain as a result of a
// re-org.
type ConfirmationEvent struct {
	Confirmed chan *TxConfirmation // MUST be buffered.

	NegativeConf chan int32 // MUST be buffered.

	Cancel func()
}

// TxConfirmation carries the details of a confirmed transaction relevant to
// the resolver that registered for it.
type TxConfirmation struct {
	Tx          *wire.MsgTx
	BlockHeight uint32
	BlockHash   *chainhash.Hash
	TxIndex     uint32
}

// SpendDetail contains details pertaining to a spent output. This struct
// itself is the spentness notification. It includes the original outpoint
// which triggered the notification, the hash of the transaction spending
// the output, the spending transaction itself, and finally the input index
// which spent the target output.
type SpendDetail struct {
	SpentOutPoint     *wire.OutPoint
	SpenderTxHash     *chainhash.Hash
	SpendingTx        *wire.MsgTx
	SpenderInputIndex uint32
	SpendingHeight    int32
}

// SpendEvent encapsulates a spentness notification. Its only field 'Spend'
// will be sent upon once the target output passed into RegisterSpendNtfn
// has been spent on the blockchain.
type SpendEvent struct {
	Spend chan *SpendDetail // MUST be buffered.

	Cancel func()
}

// BlockEpoch represents meta-data concerning each new block connected to
// the main chain.
type BlockEpoch struct {
	Height int32
	Hash   *chainhash.Hash
}

// BlockEpochEvent encapsulates an on-going stream of block epoch
// notifications. Its only field 'Epochs' will be sent upon for each new
// block connected to the main chain.
type BlockEpochEvent struct {
	Epochs chan *BlockEpoch // MUST be buffered.

	Cancel func()
}
