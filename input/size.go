package input

// Weight estimates for the commitment and second-level transactions of the
// two commitment formats the builder supports. All figures are in witness
// weight units (WU), matching the definitions used throughout BOLT 3.
const (
	// P2WSHSize is the size of a p2wsh output script:
	//   OP_0 OP_DATA_32 <32-byte-script-hash>
	P2WSHSize = 1 + 1 + 32

	// P2WKHSize is the size of a p2wpkh output script:
	//   OP_0 OP_DATA_20 <20-byte-hash>
	P2WKHSize = 1 + 1 + 20

	// P2WKHOutputSize is the size of a p2wpkh output including its value
	// and varint-prefixed script.
	P2WKHOutputSize = 8 + 1 + 22

	// P2WSHOutputSize is the size of a p2wsh output including its value
	// and varint-prefixed script.
	P2WSHOutputSize = 8 + 1 + 34

	// MultiSigWitnessSize is the weight of the witness stack that spends
	// the 2-of-2 funding output: nil, sigA, sigB, witnessScript.
	MultiSigWitnessSize = 1 + 1 + 73 + 1 + 73 + 1 + 71

	// WitnessScaleFactor is the number of weight units a byte of
	// non-witness transaction data costs versus a byte of witness data.
	WitnessScaleFactor = 4

	// CommitmentTxWeight is the base weight of the legacy commitment
	// transaction with no HTLC outputs: version, two commitment outputs
	// (to_local, to_remote), the funding input witness, locktime.
	CommitmentTxWeight = 724

	// AnchorCommitmentTxWeight is the base weight of an anchor-commitment
	// transaction: CommitmentTxWeight plus the two 330-sat anchor
	// outputs and the slightly larger funding witness.
	AnchorCommitmentTxWeight = 1124

	// HTLCWeight is the weight contributed to the commitment transaction
	// by a single HTLC output.
	HTLCWeight = 172

	// HTLCTimeoutWeight is the weight of a legacy HTLC-timeout
	// transaction.
	HTLCTimeoutWeight = 663

	// HTLCSuccessWeight is the weight of a legacy HTLC-success
	// transaction.
	HTLCSuccessWeight = 703

	// HTLCTimeoutWeightAnchor is the weight of an anchor-format
	// HTLC-timeout transaction (extra input for the optional
	// CPFP-carve-out sequence field costs nothing extra in weight, but
	// the witness script gains a relative-locktime check).
	HTLCTimeoutWeightAnchor = 666

	// HTLCSuccessWeightAnchor is the weight of an anchor-format
	// HTLC-success transaction.
	HTLCSuccessWeightAnchor = 706

	// AnchorSize is the value, in satoshis, of each of the two anchor
	// outputs added to an anchor-format commitment transaction.
	AnchorSize = 330
)

// TxWeightEstimator is not reimplemented here: the builder only ever needs
// the fixed constants above, since every commitment/second-level transaction
// shape is known in advance for a given commitment format.
