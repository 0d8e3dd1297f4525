// Package input builds and spends the scripts shared by every commitment
// and second-level transaction: the funding multisig, the revocable
// to_local output, the two HTLC output variants, and (in the anchor
// format) the anchor outputs. The script shapes and witness stack layouts
// mirror BOLT 3 bit-for-bit; callers never need to hand-roll a script.
package input

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ErrPubkeyFormat is returned when a caller supplies a pubkey that isn't
// 33-byte compressed.
var ErrPubkeyFormat = fmt.Errorf("input: pubkey must be 33-byte compressed")

// WitnessScriptHash returns the p2wsh output script paying to the sha256 of
// witnessScript.
func WitnessScriptHash(witnessScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	scriptHash := chainhash.HashB(witnessScript)
	bldr.AddData(scriptHash)
	return bldr.Script()
}

// GenFundingPkScript creates the 2-of-2 multisig redeem script for the
// funding output (pubkeys sorted per BIP69-style lexicographic order) and
// its corresponding p2wsh pkScript.
func GenFundingPkScript(aPub, bPub []byte, amt int64) ([]byte, *wire.TxOut, error) {
	if amt <= 0 {
		return nil, nil, fmt.Errorf("funding amount must be positive")
	}
	witnessScript, err := GenMultiSigScript(aPub, bPub)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, nil, err
	}
	return witnessScript, wire.NewTxOut(amt, pkScript), nil
}

// GenMultiSigScript generates the bare 2-of-2 multisig witness script. The
// two pubkeys are sorted lexicographically so both parties independently
// derive the same script.
func GenMultiSigScript(aPub, bPub []byte) ([]byte, error) {
	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, ErrPubkeyFormat
	}
	if bytes.Compare(aPub, bPub) == 1 {
		aPub, bPub = bPub, aPub
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(aPub)
	bldr.AddData(bPub)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// SpendMultiSig returns the witness stack that satisfies the funding
// output's 2-of-2 script, ordering the two signatures to match the sorted
// pubkey order baked into the redeem script.
func SpendMultiSig(witnessScript, pubA, sigA, pubB, sigB []byte) wire.TxWitness {
	witness := make(wire.TxWitness, 4)
	witness[0] = nil

	if bytes.Compare(pubA, pubB) == 1 {
		witness[1] = sigB
		witness[2] = sigA
	} else {
		witness[1] = sigA
		witness[2] = sigB
	}
	witness[3] = witnessScript
	return witness
}

// CommitScriptToSelf constructs the witness script for the to_local output
// of a commitment transaction: spendable immediately by the counterparty
// with the revocation key, or by the owner after to_self_delay blocks via
// the delayed key.
//
//	OP_IF
//	    <revocationkey>
//	OP_ELSE
//	    <to_self_delay>
//	    OP_CHECKSEQUENCEVERIFY
//	    OP_DROP
//	    <local_delayedkey>
//	OP_ENDIF
//	OP_CHECKSIG
func CommitScriptToSelf(csvTimeout uint32, selfKey, revokeKey *btcec.PublicKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddData(revokeKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(csvTimeout))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(selfKey.SerializeCompressed())
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// CommitSpendRevoke returns the witness that lets the counterparty sweep a
// to_local output using the revocation private key, proving the commitment
// that produced it has been revoked.
func CommitSpendRevoke(signer Signer, signDesc *SignDescriptor, sweepTx *wire.MsgTx) (wire.TxWitness, error) {
	sig, err := signer.SignOutputRaw(sweepTx, signDesc)
	if err != nil {
		return nil, err
	}

	witnessStack := make(wire.TxWitness, 3)
	witnessStack[0] = append(sig.Serialize(), byte(txscript.SigHashAll))
	witnessStack[1] = []byte{1}
	witnessStack[2] = signDesc.WitnessScript
	return witnessStack, nil
}

// CommitSpendNoDelay returns the witness for the counterparty's direct
// to_remote output (used by the static-remote-key variant, where no relative
// delay applies and the output is a plain p2wpkh-equivalent CHECKSIG).
func CommitSpendNoDelay(signer Signer, signDesc *SignDescriptor, sweepTx *wire.MsgTx) (wire.TxWitness, error) {
	sig, err := signer.SignOutputRaw(sweepTx, signDesc)
	if err != nil {
		return nil, err
	}
	return wire.TxWitness{
		append(sig.Serialize(), byte(txscript.SigHashAll)),
		signDesc.WitnessScript,
	}, nil
}

// CommitSpendTimeout returns the witness for the owner reclaiming a
// to_local output after to_self_delay has matured.
func CommitSpendTimeout(signer Signer, signDesc *SignDescriptor, sweepTx *wire.MsgTx) (wire.TxWitness, error) {
	sig, err := signer.SignOutputRaw(sweepTx, signDesc)
	if err != nil {
		return nil, err
	}
	return wire.TxWitness{
		append(sig.Serialize(), byte(txscript.SigHashAll)),
		nil,
		signDesc.WitnessScript,
	}, nil
}

// SenderHTLCScript returns the witness script for an offered (outgoing)
// HTLC output on the owner's commitment transaction. The receiver can
// redeem it immediately with the preimage, or with the revocation key if
// the commitment was revoked; the sender can reclaim it after the absolute
// CLTV expiry (and, in the anchor format, an extra relative delay that
// creates a CPFP carve-out).
func SenderHTLCScript(senderKey, receiverKey, revokeKey *btcec.PublicKey,
	paymentHash []byte, anchors bool) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcec.Hash160(revokeKey.SerializeCompressed()))
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddData(receiverKey.SerializeCompressed())
	builder.AddOp(txscript.OP_SWAP)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_NOTIF)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_SWAP)
	builder.AddData(senderKey.SerializeCompressed())
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcec.Hash160(paymentHash))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)
	if anchors {
		builder.AddOp(txscript.OP_1)
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
		builder.AddOp(txscript.OP_DROP)
	}
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// ReceiverHTLCScript returns the witness script for a received (incoming)
// HTLC output. The owner can redeem it with the preimage before expiry, the
// counterparty can redeem it with the revocation key if the commitment was
// revoked, or reclaim it after the CLTV expiry has passed.
func ReceiverHTLCScript(cltvExpiry uint32, senderKey, receiverKey,
	revokeKey *btcec.PublicKey, paymentHash []byte, anchors bool) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcec.Hash160(revokeKey.SerializeCompressed()))
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddData(senderKey.SerializeCompressed())
	builder.AddOp(txscript.OP_SWAP)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(btcec.Hash160(paymentHash))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_SWAP)
	builder.AddData(receiverKey.SerializeCompressed())
	builder.AddInt64(2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(cltvExpiry))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)
	if anchors {
		builder.AddOp(txscript.OP_1)
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
		builder.AddOp(txscript.OP_DROP)
	}
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// AnchorScript returns the witness script for a commitment anchor output:
// spendable by anyone (to CPFP the commitment) once the funding key signs,
// or by either party unilaterally after 16 confirmations have passed
// (sweeping dust anchors that were never needed).
func AnchorScript(fundingKey *btcec.PublicKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddData(fundingKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_IFDUP)
	builder.AddOp(txscript.OP_NOTIF)
	builder.AddOp(txscript.OP_16)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_ENDIF)
	return builder.Script()
}

// HtlcSigHashType returns the sighash flags to use when signing a
// second-level HTLC transaction: the anchor format lets the holder of a
// transaction they don't control fee-bump it freely by signing
// SINGLE|ANYONECANPAY, while legacy channels always sign ALL.
func HtlcSigHashType(anchors, ownTx bool) txscript.SigHashType {
	if !anchors {
		return txscript.SigHashAll
	}
	if ownTx {
		return txscript.SigHashAll
	}
	return txscript.SigHashSingle | txscript.SigHashAnyOneCanPay
}

// VerifySig verifies a DER-encoded ECDSA signature (with trailing sighash
// byte stripped by the caller) against the provided public key and hash.
func VerifySig(pubKey *btcec.PublicKey, hash []byte, sig *ecdsa.Signature) bool {
	return sig.Verify(hash, pubKey)
}
