package input

import (
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignDescriptor houses everything a Signer needs to produce a signature
// for a single input of a transaction being constructed by this module. It
// is intentionally decoupled from any particular keychain implementation:
// the embedding wallet supplies a Signer capable of deriving the private
// key from KeyLocator.
type SignDescriptor struct {
	// KeyLocator identifies which private key the signer should derive.
	// Its concrete shape is owned by the embedding wallet; the core only
	// ever threads it through opaquely.
	KeyLocator interface{}

	// WitnessScript is the script being satisfied.
	WitnessScript []byte

	// Output is the previous output being spent.
	Output *wire.TxOut

	// HashType is the sighash flag to use.
	HashType txscript.SigHashType

	// SigHashes caches the BIP143 midstate across inputs of the same
	// transaction.
	SigHashes *txscript.TxSigHashes

	// InputIndex is the index of the input being signed within the
	// transaction passed to SignOutputRaw.
	InputIndex int
}

// Signer produces raw ECDSA signatures over the inputs described by a
// SignDescriptor. Concrete implementations (an HD wallet, an HSM, a test
// double) live outside the core; the core only depends on this interface.
type Signer interface {
	// SignOutputRaw signs the input at signDesc.InputIndex of tx,
	// returning a signature without the trailing sighash-type byte.
	SignOutputRaw(tx *wire.MsgTx, signDesc *SignDescriptor) (*ecdsa.Signature, error)

	// ComputeInputScript is used for inputs the signer fully owns
	// (wallet UTXOs attached for fee-bumping) where no custom witness
	// script is involved.
	ComputeInputScript(tx *wire.MsgTx, signDesc *SignDescriptor) (*Script, error)
}

// Script is a fully assembled witness plus (legacy) sigScript pair.
type Script struct {
	Witness   wire.TxWitness
	SigScript []byte
}

// MultiSigSigner is the subset of Signer behavior the transaction builder
// needs to jointly sign the funding output's 2-of-2 script; kept as a
// distinct interface so tests can stub out only this capability.
type MultiSigSigner interface {
	SignOutputRaw(tx *wire.MsgTx, signDesc *SignDescriptor) (*ecdsa.Signature, error)
}
