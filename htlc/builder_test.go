package htlc

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/common"
	"github.com/TEENet-io/liquidsend/multisig"
)

type testEnv struct {
	user    *multisig.LocalSchnorrSigner
	coord   *multisig.LocalSchnorrSigner
	builder *Builder
}

func newTestEnv(t *testing.T) *testEnv {
	user, err := multisig.NewRandomLocalSchnorrSigner()
	require.NoError(t, err)
	coord, err := multisig.NewRandomLocalSchnorrSigner()
	require.NoError(t, err)
	b, err := NewBuilder(user, coord.PubKey())
	require.NoError(t, err)
	return &testEnv{user: user, coord: coord, builder: b}
}

func (env *testEnv) fund(amount btcutil.Amount) Vtxo {
	return Vtxo{
		Id:       agreement.VtxoId{Txid: chainhash.Hash(common.RandBytes32()), Vout: 0},
		Amount:   amount,
		PkScript: env.builder.ReceiveScript().PkScript,
	}
}

func signAll(t *testing.T, signer multisig.SchnorrSigner, hashes [][]byte) [][]byte {
	sigs := make([][]byte, len(hashes))
	for i, h := range hashes {
		sig, err := signer.Sign(h)
		require.NoError(t, err)
		sigs[i] = sig
	}
	return sigs
}

func randHash() agreement.PaymentHash {
	return agreement.NewPaymentHash(common.RandBytes(32))
}

func TestHashLock(t *testing.T) {
	preimage := common.RandBytes(32)
	hash := agreement.NewPaymentHash(preimage)
	lock := HashLock(hash)
	assert.Equal(t, btcutil.Hash160(preimage), lock[:])
}

func TestBuildAndAttachCosign(t *testing.T) {
	env := newTestEnv(t)
	inputs := []Vtxo{env.fund(30_000), env.fund(25_000)}
	hash := randHash()

	p, err := env.builder.Build(inputs, 50_000, hash, 144, 1_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1_144), p.ExpiryHeight)
	assert.Len(t, p.SigHashes(), 2)

	signed, err := env.builder.AttachCosign(p, signAll(t, env.coord, p.SigHashes()))
	require.NoError(t, err)

	require.Len(t, signed.Htlcs, 1)
	h := signed.Htlcs[0]
	assert.Equal(t, btcutil.Amount(50_000), h.Amount)
	assert.Equal(t, uint32(1_144), h.ExpiryHeight)
	assert.Equal(t, hash, h.PaymentHash)
	assert.Equal(t, signed.Tx.TxHash(), h.Id.Txid)
	assert.Equal(t, p.Txid(), h.Id.Txid.String())

	expected, err := NewHtlcScript(env.user.PubKey(), env.coord.PubKey(), hash, 1_144)
	require.NoError(t, err)
	assert.Equal(t, expected.PkScript, h.PkScript)
	assert.Equal(t, HashLock(hash), h.Script.HashLock)

	require.NotNil(t, signed.Change)
	assert.Equal(t, btcutil.Amount(5_000), signed.Change.Amount)
	assert.Equal(t, uint32(1), signed.Change.Id.Vout)
	assert.Equal(t, env.builder.ReceiveScript().PkScript, signed.Change.PkScript)

	for _, in := range signed.Tx.TxIn {
		assert.Len(t, in.Witness, 4)
	}

	// a proposal is consumed by its first attach
	_, err = env.builder.AttachCosign(p, signAll(t, env.coord, p.SigHashes()))
	assert.ErrorIs(t, err, ErrProposalConsumed)
}

func TestExactAmountHasNoChange(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.builder.Build([]Vtxo{env.fund(10_000)}, 10_000, randHash(), 10, 5)
	require.NoError(t, err)
	signed, err := env.builder.AttachCosign(p, signAll(t, env.coord, p.SigHashes()))
	require.NoError(t, err)
	assert.Nil(t, signed.Change)
	assert.Equal(t, btcutil.Amount(10_000), signed.HtlcTotal())
	assert.Len(t, signed.HtlcIds(), 1)
}

func TestAttachCosignRejectsBadSignatures(t *testing.T) {
	env := newTestEnv(t)
	stranger, err := multisig.NewRandomLocalSchnorrSigner()
	require.NoError(t, err)

	p, err := env.builder.Build([]Vtxo{env.fund(20_000)}, 15_000, randHash(), 10, 100)
	require.NoError(t, err)
	_, err = env.builder.AttachCosign(p, signAll(t, stranger, p.SigHashes()))
	assert.ErrorIs(t, err, ErrVerification)

	// the failed proposal cannot be reused even with good signatures
	_, err = env.builder.AttachCosign(p, signAll(t, env.coord, p.SigHashes()))
	assert.ErrorIs(t, err, ErrProposalConsumed)

	p, err = env.builder.Build([]Vtxo{env.fund(20_000)}, 15_000, randHash(), 10, 100)
	require.NoError(t, err)
	_, err = env.builder.AttachCosign(p, nil)
	assert.ErrorIs(t, err, ErrVerification)

	// signature over a different proposal
	other, err := env.builder.Build([]Vtxo{env.fund(20_000)}, 15_000, randHash(), 10, 100)
	require.NoError(t, err)
	p, err = env.builder.Build([]Vtxo{env.fund(20_000)}, 15_000, randHash(), 10, 100)
	require.NoError(t, err)
	_, err = env.builder.AttachCosign(p, signAll(t, env.coord, other.SigHashes()))
	assert.ErrorIs(t, err, ErrVerification)
}

func TestBuildValidation(t *testing.T) {
	env := newTestEnv(t)
	in := env.fund(1_000)

	_, err := env.builder.Build([]Vtxo{in}, 2_000, randHash(), 10, 100)
	assert.ErrorIs(t, err, ErrInputsTooSmall)

	_, err = env.builder.Build([]Vtxo{in}, 500, agreement.PaymentHash{}, 10, 100)
	assert.ErrorIs(t, err, ErrEmptyPaymentHash)

	_, err = env.builder.Build([]Vtxo{in, in}, 500, randHash(), 10, 100)
	assert.ErrorIs(t, err, ErrDuplicateInput)

	_, err = env.builder.Build(nil, 500, randHash(), 10, 100)
	assert.ErrorIs(t, err, ErrNoInputs)

	_, err = env.builder.Build([]Vtxo{in}, 0, randHash(), 10, 100)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.builder.Build([]Vtxo{in}, 500, randHash(), 10, 500_000_000)
	assert.ErrorIs(t, err, ErrExpiryOutOfRange)

	foreign := in
	foreign.PkScript = []byte{0x51}
	_, err = env.builder.Build([]Vtxo{foreign}, 500, randHash(), 10, 100)
	assert.ErrorIs(t, err, ErrScriptMismatch)
}

func TestCoordinatorRecomputesSigHashes(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.builder.Build([]Vtxo{env.fund(40_000), env.fund(1_000)}, 40_500, randHash(), 20, 700)
	require.NoError(t, err)

	req, err := p.CosignRequest("el1qqexample")
	require.NoError(t, err)
	assert.Equal(t, uint32(720), req.ExpiryHeight)
	assert.Equal(t, env.user.PubKey().SerializeCompressed(), req.UserPubKey)

	tx, err := DecodeTx(req.UnsignedTx)
	require.NoError(t, err)
	receive, err := NewVtxoScript(env.user.PubKey(), env.coord.PubKey())
	require.NoError(t, err)

	hashes, err := TapscriptSigHashes(tx, req.Inputs, receive.CosignLeaf)
	require.NoError(t, err)
	assert.Equal(t, p.SigHashes(), hashes)
}

func TestRevocation(t *testing.T) {
	env := newTestEnv(t)
	hash := randHash()
	p, err := env.builder.Build([]Vtxo{env.fund(60_000)}, 60_000, hash, 30, 200)
	require.NoError(t, err)
	signed, err := env.builder.AttachCosign(p, signAll(t, env.coord, p.SigHashes()))
	require.NoError(t, err)

	htlcs := []Vtxo{signed.Htlcs[0].Vtxo}

	_, err = env.builder.BuildRevocation(hash, 31+200, htlcs)
	assert.ErrorIs(t, err, ErrScriptMismatch)

	rp, err := env.builder.BuildRevocation(hash, p.ExpiryHeight, htlcs)
	require.NoError(t, err)

	req, err := rp.Request()
	require.NoError(t, err)
	tx, err := DecodeTx(req.UnsignedTx)
	require.NoError(t, err)
	hashes, err := TapscriptSigHashes(tx, req.Htlcs, signed.Htlcs[0].Script.RevocationLeaf)
	require.NoError(t, err)
	assert.Equal(t, rp.SigHashes(), hashes)

	revoked, err := env.builder.AttachRevocation(rp, signAll(t, env.coord, hashes))
	require.NoError(t, err)
	require.Len(t, revoked.Revoked, 1)
	assert.Equal(t, btcutil.Amount(60_000), revoked.Total())
	assert.Equal(t, signed.Htlcs[0].Id, revoked.Revoked[0].RevokedHtlc)
	assert.Equal(t, env.builder.ReceiveScript().PkScript, revoked.Revoked[0].PkScript)

	_, err = env.builder.BuildRevocation(hash, p.ExpiryHeight, nil)
	assert.ErrorIs(t, err, ErrNoInputs)
}

func TestRevocationRejectsBadSignatures(t *testing.T) {
	env := newTestEnv(t)
	hash := randHash()
	p, err := env.builder.Build([]Vtxo{env.fund(9_000)}, 9_000, hash, 30, 200)
	require.NoError(t, err)
	signed, err := env.builder.AttachCosign(p, signAll(t, env.coord, p.SigHashes()))
	require.NoError(t, err)

	rp, err := env.builder.BuildRevocation(hash, p.ExpiryHeight, []Vtxo{signed.Htlcs[0].Vtxo})
	require.NoError(t, err)
	_, err = env.builder.AttachRevocation(rp, signAll(t, env.user, rp.SigHashes()))
	assert.ErrorIs(t, err, ErrVerification)
}
