package coordinator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/chainrpc"
	"github.com/TEENet-io/liquidsend/common"
	"github.com/TEENet-io/liquidsend/htlc"
	"github.com/TEENet-io/liquidsend/multisig"
)

const (
	testDelta       = 144
	testHeight      = 1000
	testDestination = "tex1qdestination"
)

type fixture struct {
	sim     *Simulated
	chain   *chainrpc.SimChain
	builder *htlc.Builder
}

func newFixture(t *testing.T) *fixture {
	coordSigner, err := multisig.NewRandomLocalSchnorrSigner()
	require.NoError(t, err)
	userSigner, err := multisig.NewRandomLocalSchnorrSigner()
	require.NoError(t, err)

	chain := chainrpc.NewSimChain(testHeight)
	b, err := htlc.NewBuilder(userSigner, coordSigner.PubKey())
	require.NoError(t, err)

	return &fixture{
		sim:     NewSimulated(coordSigner, testDelta, chain),
		chain:   chain,
		builder: b,
	}
}

func (f *fixture) input(amount btcutil.Amount) htlc.Vtxo {
	return htlc.Vtxo{
		Id:       agreement.VtxoId{Txid: chainhash.Hash(common.RandBytes32()), Vout: 0},
		Amount:   amount,
		PkScript: f.builder.ReceiveScript().PkScript,
	}
}

func (f *fixture) propose(t *testing.T, amount btcutil.Amount) (*htlc.Proposal, *agreement.HtlcCosignRequest) {
	hash := agreement.NewPaymentHash(common.RandBytes(32))
	p, err := f.builder.Build([]htlc.Vtxo{f.input(amount + 1000)}, amount, hash, testDelta, testHeight)
	require.NoError(t, err)
	req, err := p.CosignRequest(testDestination)
	require.NoError(t, err)
	return p, req
}

func (f *fixture) cosign(t *testing.T, c agreement.CoordinatorClient, amount btcutil.Amount) (*htlc.Proposal, *htlc.SignedSend) {
	p, req := f.propose(t, amount)
	resp, err := c.RequestHtlcCosign(context.Background(), req)
	require.NoError(t, err)
	accepted, ok := resp.(*agreement.CosignAccepted)
	require.True(t, ok, "unexpected response %#v", resp)

	signed, err := f.builder.AttachCosign(p, accepted.Signatures)
	require.NoError(t, err)
	return p, signed
}

func revocationRequest(t *testing.T, b *htlc.Builder, p *htlc.Proposal, signed *htlc.SignedSend) (*htlc.RevocationProposal, *agreement.HtlcRevocationRequest) {
	rp, err := b.BuildRevocation(p.PaymentHash, p.ExpiryHeight, []htlc.Vtxo{signed.Htlcs[0].Vtxo})
	require.NoError(t, err)
	req, err := rp.Request()
	require.NoError(t, err)
	return rp, req
}

func TestSimulatedLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, signed := f.cosign(t, f.sim, 5000)
	status, ok := f.sim.Status(p.PaymentHash)
	require.True(t, ok)
	assert.Equal(t, StatusPending, status)

	iresp, err := f.sim.InitiatePayment(ctx, &agreement.InitiatePaymentRequest{
		PaymentHash: p.PaymentHash,
		Destination: testDestination,
		Amount:      5000,
		HtlcVtxoIds: signed.HtlcIds(),
	})
	require.NoError(t, err)
	assert.IsType(t, &agreement.InitiateAccepted{}, iresp)
	status, _ = f.sim.Status(p.PaymentHash)
	assert.Equal(t, StatusSent, status)

	cresp, err := f.sim.CheckPayment(ctx, &agreement.CheckPaymentRequest{PaymentHash: p.PaymentHash})
	require.NoError(t, err)
	assert.IsType(t, &agreement.PaymentPending{}, cresp)

	// not expired yet
	_, rreq := revocationRequest(t, f.builder, p, signed)
	rresp, err := f.sim.RequestHtlcRevocation(ctx, rreq)
	require.NoError(t, err)
	assert.IsType(t, &agreement.RevocationRejected{}, rresp)

	proof, err := f.sim.Settle(p.PaymentHash)
	require.NoError(t, err)
	cresp, err = f.sim.CheckPayment(ctx, &agreement.CheckPaymentRequest{PaymentHash: p.PaymentHash})
	require.NoError(t, err)
	completed, ok := cresp.(*agreement.PaymentCompleted)
	require.True(t, ok)
	assert.Equal(t, *proof, completed.Proof)

	// confirmed payments are never revoked, even after expiry
	f.chain.Mine(testDelta + 1)
	_, rreq = revocationRequest(t, f.builder, p, signed)
	rresp, err = f.sim.RequestHtlcRevocation(ctx, rreq)
	require.NoError(t, err)
	assert.IsType(t, &agreement.RevocationRejected{}, rresp)

	// nor is their hash cosigned again
	height, err := f.chain.GetLatestBlockHeight()
	require.NoError(t, err)
	again, err := f.builder.Build([]htlc.Vtxo{f.input(6000)}, 5000, p.PaymentHash, testDelta, height)
	require.NoError(t, err)
	req, err := again.CosignRequest(testDestination)
	require.NoError(t, err)
	resp, err := f.sim.RequestHtlcCosign(ctx, req)
	require.NoError(t, err)
	assert.IsType(t, &agreement.CosignRejected{}, resp)
}

func TestSimulatedRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, signed := f.cosign(t, f.sim, 5000)
	require.NoError(t, f.sim.Fail(p.PaymentHash, "no route"))

	cresp, err := f.sim.CheckPayment(ctx, &agreement.CheckPaymentRequest{PaymentHash: p.PaymentHash})
	require.NoError(t, err)
	failed, ok := cresp.(*agreement.PaymentFailed)
	require.True(t, ok)
	assert.Equal(t, "no route", failed.Reason)

	rp, rreq := revocationRequest(t, f.builder, p, signed)
	rresp, err := f.sim.RequestHtlcRevocation(ctx, rreq)
	require.NoError(t, err)
	accepted, ok := rresp.(*agreement.RevocationAccepted)
	require.True(t, ok, "unexpected response %#v", rresp)

	revoked, err := f.builder.AttachRevocation(rp, accepted.Signatures)
	require.NoError(t, err)
	require.Len(t, revoked.Revoked, 1)
	assert.Equal(t, signed.Htlcs[0].Amount, revoked.Revoked[0].Amount)

	_, err = f.sim.Settle(p.PaymentHash)
	assert.Error(t, err)

	// a revoked htlc frees the hash for a new payment
	again, err := f.builder.Build([]htlc.Vtxo{f.input(6000)}, 5000, p.PaymentHash, testDelta, testHeight)
	require.NoError(t, err)
	req, err := again.CosignRequest(testDestination)
	require.NoError(t, err)
	resp, err := f.sim.RequestHtlcCosign(ctx, req)
	require.NoError(t, err)
	assert.IsType(t, &agreement.CosignAccepted{}, resp)
	status, ok := f.sim.Status(p.PaymentHash)
	require.True(t, ok)
	assert.Equal(t, StatusPending, status)
}

func TestSimulatedRevocationAfterExpiry(t *testing.T) {
	f := newFixture(t)

	p, signed := f.cosign(t, f.sim, 1000)
	f.chain.SetHeight(int64(p.ExpiryHeight) + 1)

	rp, rreq := revocationRequest(t, f.builder, p, signed)
	rresp, err := f.sim.RequestHtlcRevocation(context.Background(), rreq)
	require.NoError(t, err)
	accepted, ok := rresp.(*agreement.RevocationAccepted)
	require.True(t, ok)
	_, err = f.builder.AttachRevocation(rp, accepted.Signatures)
	assert.NoError(t, err)
}

func TestSimulatedRejectsForeignInputs(t *testing.T) {
	f := newFixture(t)

	// a wallet that believes in another coordinator key
	other := newFixture(t)
	_, req := other.propose(t, 1000)

	resp, err := f.sim.RequestHtlcCosign(context.Background(), req)
	require.NoError(t, err)
	rejected, ok := resp.(*agreement.CosignRejected)
	require.True(t, ok)
	assert.Contains(t, rejected.Reason, "not owned by user")
}

func TestSimulatedFaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sim.SetFaults(Faults{CosignBadSig: true})
	p, req := f.propose(t, 1000)
	resp, err := f.sim.RequestHtlcCosign(ctx, req)
	require.NoError(t, err)
	_, err = f.builder.AttachCosign(p, resp.(*agreement.CosignAccepted).Signatures)
	assert.ErrorIs(t, err, htlc.ErrVerification)

	lost := errors.New("connection reset")
	f.sim.SetFaults(Faults{CosignErr: lost})
	_, req = f.propose(t, 1000)
	_, err = f.sim.RequestHtlcCosign(ctx, req)
	assert.ErrorIs(t, err, lost)
	// the coordinator did sign before the answer got lost
	_, ok := f.sim.Status(req.PaymentHash)
	assert.True(t, ok)

	f.sim.SetFaults(Faults{CosignReject: "maintenance"})
	_, req = f.propose(t, 1000)
	resp, err = f.sim.RequestHtlcCosign(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, &agreement.CosignRejected{Reason: "maintenance"}, resp)

	assert.Equal(t, 3, f.sim.Calls(MethodRequestHtlcCosign))
}

func startServer(t *testing.T, impl agreement.CoordinatorClient) *Client {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, impl)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet", 5*time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGrpcRoundTrip(t *testing.T) {
	f := newFixture(t)
	c := startServer(t, f.sim)
	ctx := context.Background()

	info, err := c.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.builder.CoordinatorKey().SerializeCompressed(), info.PubKey)
	assert.Equal(t, uint32(testDelta), info.HtlcExpiryDelta)

	p, signed := f.cosign(t, c, 2000)

	iresp, err := c.InitiatePayment(ctx, &agreement.InitiatePaymentRequest{
		PaymentHash: p.PaymentHash,
		Destination: testDestination,
		Amount:      2000,
		HtlcVtxoIds: signed.HtlcIds(),
	})
	require.NoError(t, err)
	assert.IsType(t, &agreement.InitiateAccepted{}, iresp)

	proof, err := f.sim.Settle(p.PaymentHash)
	require.NoError(t, err)
	cresp, err := c.CheckPayment(ctx, &agreement.CheckPaymentRequest{PaymentHash: p.PaymentHash})
	require.NoError(t, err)
	assert.Equal(t, &agreement.PaymentCompleted{Proof: *proof}, cresp)

	unknown := agreement.NewPaymentHash([]byte("unknown"))
	cresp, err = c.CheckPayment(ctx, &agreement.CheckPaymentRequest{PaymentHash: unknown})
	require.NoError(t, err)
	assert.IsType(t, &agreement.PaymentFailed{}, cresp)
}

func TestGrpcRevocationRoundTrip(t *testing.T) {
	f := newFixture(t)
	c := startServer(t, f.sim)

	p, signed := f.cosign(t, c, 3000)
	require.NoError(t, f.sim.Fail(p.PaymentHash, "expired invoice"))

	rp, rreq := revocationRequest(t, f.builder, p, signed)
	rresp, err := c.RequestHtlcRevocation(context.Background(), rreq)
	require.NoError(t, err)
	accepted, ok := rresp.(*agreement.RevocationAccepted)
	require.True(t, ok)
	_, err = f.builder.AttachRevocation(rp, accepted.Signatures)
	assert.NoError(t, err)
}

func TestGrpcErrors(t *testing.T) {
	f := newFixture(t)
	c := startServer(t, f.sim)
	ctx := context.Background()

	f.sim.SetFaults(Faults{CheckErr: errors.New("database down")})
	_, err := c.CheckPayment(ctx, &agreement.CheckPaymentRequest{PaymentHash: agreement.NewPaymentHash([]byte("x"))})
	assert.ErrorIs(t, err, ErrTransport)

	f.sim.SetFaults(Faults{RevocationReject: "not yet"})
	_, req := f.propose(t, 1000)
	resp, err := c.RequestHtlcCosign(ctx, req)
	require.NoError(t, err)
	assert.IsType(t, &agreement.CosignAccepted{}, resp)

	// nothing listens there
	dead, err := Dial("passthrough:///dead", 200*time.Millisecond,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return nil, errors.New("refused")
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer dead.Close()
	_, err = dead.GetInfo(ctx)
	assert.ErrorIs(t, err, ErrTransport)
}
