package lnwire_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/chanvault/lnchan/lnwire"
)

func TestMsgTypeIdentifiesMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  lnwire.Message
		want uint16
	}{
		{"Init", &lnwire.Init{}, lnwire.MsgInit},
		{"OpenChannel", &lnwire.OpenChannel{}, lnwire.MsgOpenChannel},
		{"FundingLocked", &lnwire.FundingLocked{}, lnwire.MsgFundingLocked},
		{"CommitSig", &lnwire.CommitSig{}, lnwire.MsgCommitSig},
		{"RevokeAndAck", &lnwire.RevokeAndAck{}, lnwire.MsgRevokeAndAck},
		{"ChannelReestablish", &lnwire.ChannelReestablish{}, lnwire.MsgChannelReestablish},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.msg.MsgType(); got != tc.want {
				t.Fatalf("MsgType() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFeatureVectorHasFeature(t *testing.T) {
	fv := lnwire.FeatureVector{
		lnwire.StaticRemoteKeyOptional: struct{}{},
	}

	if !fv.HasFeature(lnwire.StaticRemoteKeyOptional) {
		t.Fatal("expected StaticRemoteKeyOptional to be set")
	}
	if fv.HasFeature(lnwire.AnchorsOptional) {
		t.Fatal("did not expect AnchorsOptional to be set")
	}
}

func TestMilliSatoshiConversion(t *testing.T) {
	msat := lnwire.NewMSatFromSatoshis(btcutil.Amount(5))
	if msat != 5000 {
		t.Fatalf("NewMSatFromSatoshis(5) = %d, want 5000", msat)
	}
	if got := msat.ToSatoshis(); got != 5 {
		t.Fatalf("ToSatoshis() = %d, want 5", got)
	}
}

func TestDeriveChannelIDDeterministic(t *testing.T) {
	var txid chainhash.Hash
	txid[0] = 0xaa

	op := &wire.OutPoint{Hash: txid, Index: 1}

	id1 := lnwire.DeriveChannelID(op)
	id2 := lnwire.DeriveChannelID(op)
	if id1 != id2 {
		t.Fatal("DeriveChannelID is not deterministic")
	}
	if id1.IsTemporary() {
		t.Fatal("derived channel id should not look temporary")
	}

	other := &wire.OutPoint{Hash: txid, Index: 2}
	if lnwire.DeriveChannelID(other) == id1 {
		t.Fatal("different output indexes produced the same channel id")
	}
}
