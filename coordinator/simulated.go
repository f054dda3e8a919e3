package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/common"
	"github.com/TEENet-io/liquidsend/htlc"
	"github.com/TEENet-io/liquidsend/multisig"
)

// PaymentStatus is the coordinator side view of a liquid payment.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"   // cosigned, not handed off
	StatusSent      PaymentStatus = "sent"      // settlement broadcast
	StatusConfirmed PaymentStatus = "confirmed" // settlement confirmed
	StatusFailed    PaymentStatus = "failed"
)

var ErrUnknownPayment = errors.New("unknown payment")

// Faults makes the simulated coordinator misbehave. The zero value is an
// honest coordinator.
type Faults struct {
	CosignReject     string
	CosignErr        error
	CosignBadSig     bool
	InitiateReject   string
	InitiateErr      error
	CheckErr         error
	RevocationReject string
	RevocationErr    error
	RevocationBadSig bool
}

type simPayment struct {
	destination string
	amount      btcutil.Amount
	expiry      uint32
	htlcIds     []agreement.VtxoId
	status      PaymentStatus
	proof       *agreement.CompletionProof
	reason      string
	revoked     bool
}

// Simulated is an in-memory coordinator. It checks and cosigns HTLC
// constructions the way the real one does and lets the caller decide
// when a payment settles or fails.
type Simulated struct {
	signer      multisig.SchnorrSigner
	expiryDelta uint32
	tip         agreement.ChainTip

	mu       sync.Mutex
	payments map[agreement.PaymentHash]*simPayment
	faults   Faults
	calls    map[string]int
}

func NewSimulated(signer multisig.SchnorrSigner, expiryDelta uint32, tip agreement.ChainTip) *Simulated {
	return &Simulated{
		signer:      signer,
		expiryDelta: expiryDelta,
		tip:         tip,
		payments:    make(map[agreement.PaymentHash]*simPayment),
		calls:       make(map[string]int),
	}
}

func (s *Simulated) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Calls returns how many times method was invoked.
func (s *Simulated) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Simulated) Status(hash agreement.PaymentHash) (PaymentStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[hash]
	if !ok {
		return "", false
	}
	return p.status, true
}

// Settle confirms a payment with a random settlement txid.
func (s *Simulated) Settle(hash agreement.PaymentHash) (*agreement.CompletionProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[hash]
	if !ok {
		return nil, ErrUnknownPayment
	}
	if p.revoked {
		return nil, fmt.Errorf("payment %s was revoked", hash.String())
	}
	txid := chainhash.Hash(common.RandBytes32())
	p.status = StatusConfirmed
	p.proof = &agreement.CompletionProof{
		SettlementTxid: txid.String(),
		Message:        fmt.Sprintf("paid %d sat to %s", int64(p.amount), p.destination),
	}
	return p.proof, nil
}

func (s *Simulated) Fail(hash agreement.PaymentHash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[hash]
	if !ok {
		return ErrUnknownPayment
	}
	if p.status == StatusConfirmed {
		return fmt.Errorf("payment %s already confirmed", hash.String())
	}
	p.status = StatusFailed
	p.reason = reason
	return nil
}

func (s *Simulated) enter(method string) Faults {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	return s.faults
}

func (s *Simulated) GetInfo(ctx context.Context) (*agreement.CoordinatorInfo, error) {
	s.enter(MethodGetInfo)
	return &agreement.CoordinatorInfo{
		PubKey:          s.signer.PubKey().SerializeCompressed(),
		HtlcExpiryDelta: s.expiryDelta,
	}, nil
}

func (s *Simulated) RequestHtlcCosign(ctx context.Context, req *agreement.HtlcCosignRequest) (agreement.CosignResponse, error) {
	f := s.enter(MethodRequestHtlcCosign)
	if f.CosignReject != "" {
		return &agreement.CosignRejected{Reason: f.CosignReject}, nil
	}

	sigs, reason := s.cosignHtlc(req)
	if reason != "" {
		logger.WithField("hash", req.PaymentHash.String()).Debugf("sim coordinator rejects cosign: %s", reason)
		return &agreement.CosignRejected{Reason: reason}, nil
	}
	if f.CosignBadSig {
		sigs[0][0] ^= 0xff
	}
	if f.CosignErr != nil {
		// signed, but the answer is lost on the way back
		return nil, f.CosignErr
	}
	return &agreement.CosignAccepted{Signatures: sigs}, nil
}

func (s *Simulated) cosignHtlc(req *agreement.HtlcCosignRequest) ([][]byte, string) {
	if req.Amount <= 0 {
		return nil, "invalid amount"
	}
	if req.PaymentHash.IsZero() {
		return nil, "empty payment hash"
	}
	tx, err := htlc.DecodeTx(req.UnsignedTx)
	if err != nil {
		return nil, "malformed transaction"
	}
	userKey, err := btcec.ParsePubKey(req.UserPubKey)
	if err != nil {
		return nil, "malformed user key"
	}
	height, err := s.tip.GetLatestBlockHeight()
	if err != nil {
		return nil, "chain tip unavailable"
	}
	if int64(req.ExpiryHeight) <= height {
		return nil, "htlc already expired"
	}

	receive, err := htlc.NewVtxoScript(userKey, s.signer.PubKey())
	if err != nil {
		return nil, err.Error()
	}
	for _, in := range req.Inputs {
		if !bytes.Equal(in.PkScript, receive.PkScript) {
			return nil, fmt.Sprintf("input %s is not owned by user", in.Id.String())
		}
	}

	script, err := htlc.NewHtlcScript(userKey, s.signer.PubKey(), req.PaymentHash, req.ExpiryHeight)
	if err != nil {
		return nil, err.Error()
	}
	if len(tx.TxOut) == 0 || !bytes.Equal(tx.TxOut[0].PkScript, script.PkScript) {
		return nil, "first output is not the htlc"
	}
	if btcutil.Amount(tx.TxOut[0].Value) < req.Amount {
		return nil, "htlc output below amount"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a revoked htlc frees its hash for a new payment
	if p, ok := s.payments[req.PaymentHash]; ok && p.status != StatusPending && !p.revoked {
		return nil, "payment hash already in use"
	}

	sigs, err := s.sign(tx, req.Inputs, receive.CosignLeaf)
	if err != nil {
		return nil, err.Error()
	}

	txid := tx.TxHash()
	s.payments[req.PaymentHash] = &simPayment{
		destination: req.Destination,
		amount:      req.Amount,
		expiry:      req.ExpiryHeight,
		htlcIds:     []agreement.VtxoId{{Txid: txid, Vout: 0}},
		status:      StatusPending,
	}
	return sigs, ""
}

func (s *Simulated) InitiatePayment(ctx context.Context, req *agreement.InitiatePaymentRequest) (agreement.InitiateResponse, error) {
	f := s.enter(MethodInitiatePayment)
	if f.InitiateErr != nil {
		return nil, f.InitiateErr
	}
	if f.InitiateReject != "" {
		return &agreement.InitiateRejected{Reason: f.InitiateReject}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[req.PaymentHash]
	if !ok {
		return &agreement.InitiateRejected{Reason: ErrUnknownPayment.Error()}, nil
	}
	if p.amount != req.Amount || p.destination != req.Destination {
		return &agreement.InitiateRejected{Reason: "payment does not match cosigned htlc"}, nil
	}
	if p.status == StatusPending {
		p.status = StatusSent
	}
	return &agreement.InitiateAccepted{Message: fmt.Sprintf("payment %s %s", req.PaymentHash.String(), p.status)}, nil
}

func (s *Simulated) CheckPayment(ctx context.Context, req *agreement.CheckPaymentRequest) (agreement.CheckResponse, error) {
	f := s.enter(MethodCheckPayment)
	if f.CheckErr != nil {
		return nil, f.CheckErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[req.PaymentHash]
	if !ok {
		return &agreement.PaymentFailed{Reason: ErrUnknownPayment.Error()}, nil
	}
	switch p.status {
	case StatusConfirmed:
		return &agreement.PaymentCompleted{Proof: *p.proof}, nil
	case StatusFailed:
		return &agreement.PaymentFailed{Reason: p.reason}, nil
	}
	return &agreement.PaymentPending{Message: string(p.status)}, nil
}

func (s *Simulated) RequestHtlcRevocation(ctx context.Context, req *agreement.HtlcRevocationRequest) (agreement.RevocationResponse, error) {
	f := s.enter(MethodRequestHtlcRevocation)
	if f.RevocationReject != "" {
		return &agreement.RevocationRejected{Reason: f.RevocationReject}, nil
	}

	sigs, reason := s.cosignRevocation(req)
	if reason != "" {
		logger.WithField("hash", req.PaymentHash.String()).Debugf("sim coordinator rejects revocation: %s", reason)
		return &agreement.RevocationRejected{Reason: reason}, nil
	}
	if f.RevocationBadSig {
		sigs[0][0] ^= 0xff
	}
	if f.RevocationErr != nil {
		return nil, f.RevocationErr
	}
	return &agreement.RevocationAccepted{Signatures: sigs}, nil
}

func (s *Simulated) cosignRevocation(req *agreement.HtlcRevocationRequest) ([][]byte, string) {
	tx, err := htlc.DecodeTx(req.UnsignedTx)
	if err != nil {
		return nil, "malformed transaction"
	}
	userKey, err := btcec.ParsePubKey(req.UserPubKey)
	if err != nil {
		return nil, "malformed user key"
	}
	height, err := s.tip.GetLatestBlockHeight()
	if err != nil {
		return nil, "chain tip unavailable"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[req.PaymentHash]
	if !ok {
		return nil, ErrUnknownPayment.Error()
	}
	switch {
	case p.status == StatusConfirmed:
		return nil, "payment confirmed"
	case p.status != StatusFailed && height <= int64(p.expiry):
		return nil, "htlc not expired"
	}
	if req.ExpiryHeight != p.expiry {
		return nil, "expiry does not match cosigned htlc"
	}

	script, err := htlc.NewHtlcScript(userKey, s.signer.PubKey(), req.PaymentHash, req.ExpiryHeight)
	if err != nil {
		return nil, err.Error()
	}
	receive, err := htlc.NewVtxoScript(userKey, s.signer.PubKey())
	if err != nil {
		return nil, err.Error()
	}
	if len(tx.TxOut) != len(req.Htlcs) {
		return nil, "one output per htlc expected"
	}
	for i, h := range req.Htlcs {
		if !bytes.Equal(h.PkScript, script.PkScript) {
			return nil, fmt.Sprintf("input %s is not the htlc", h.Id.String())
		}
		if tx.TxOut[i].Value != int64(h.Amount) || !bytes.Equal(tx.TxOut[i].PkScript, receive.PkScript) {
			return nil, fmt.Sprintf("output %d does not return the htlc to the user", i)
		}
	}

	sigs, err := s.sign(tx, req.Htlcs, script.RevocationLeaf)
	if err != nil {
		return nil, err.Error()
	}
	p.revoked = true
	p.status = StatusFailed
	return sigs, ""
}

// sign recomputes the sighashes from the transaction itself so the user
// cannot make the coordinator sign arbitrary bytes.
func (s *Simulated) sign(tx *wire.MsgTx, prevs []agreement.PrevOut, leaf txscript.TapLeaf) ([][]byte, error) {
	hashes, err := htlc.TapscriptSigHashes(tx, prevs, leaf)
	if err != nil {
		return nil, err
	}
	sigs := make([][]byte, len(hashes))
	for i, h := range hashes {
		if sigs[i], err = s.signer.Sign(h); err != nil {
			return nil, err
		}
	}
	return sigs, nil
}
