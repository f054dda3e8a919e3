package agreement

import (
	"github.com/btcsuite/btcd/btcutil"
)

// PrevOut describes a spent virtual output so that the coordinator can
// recompute the signature hashes of a proposal on its side.
type PrevOut struct {
	Id       VtxoId         `json:"id"`
	Amount   btcutil.Amount `json:"amount"`
	PkScript []byte         `json:"pk_script"`
}

// HtlcCosignRequest asks the coordinator to cosign the off-chain
// transaction that moves the inputs into the HTLC output.
type HtlcCosignRequest struct {
	Destination  string         `json:"destination"`
	Amount       btcutil.Amount `json:"amount"`
	PaymentHash  PaymentHash    `json:"payment_hash"`
	ExpiryHeight uint32         `json:"expiry_height"`
	Inputs       []PrevOut      `json:"inputs"`
	UnsignedTx   []byte         `json:"unsigned_tx"`
	UserPubKey   []byte         `json:"user_pubkey"`
}

type InitiatePaymentRequest struct {
	PaymentHash PaymentHash    `json:"payment_hash"`
	Destination string         `json:"destination"`
	Amount      btcutil.Amount `json:"amount"`
	HtlcVtxoIds []VtxoId       `json:"htlc_vtxo_ids"`
}

type CheckPaymentRequest struct {
	PaymentHash PaymentHash `json:"payment_hash"`
}

// HtlcRevocationRequest asks the coordinator to cosign the spends of
// the HTLC outputs through their revocation leaf.
type HtlcRevocationRequest struct {
	PaymentHash  PaymentHash `json:"payment_hash"`
	ExpiryHeight uint32      `json:"expiry_height"`
	Htlcs        []PrevOut   `json:"htlcs"`
	UnsignedTx   []byte      `json:"unsigned_tx"`
	UserPubKey   []byte      `json:"user_pubkey"`
}

// CosignResponse is one of CosignAccepted or CosignRejected.
type CosignResponse interface {
	isCosignResponse()
}

type CosignAccepted struct {
	Signatures [][]byte // one per input, in input order
}

type CosignRejected struct {
	Reason string
}

func (*CosignAccepted) isCosignResponse() {}
func (*CosignRejected) isCosignResponse() {}

// InitiateResponse is one of InitiateAccepted or InitiateRejected.
type InitiateResponse interface {
	isInitiateResponse()
}

type InitiateAccepted struct {
	Message string
}

type InitiateRejected struct {
	Reason string
}

func (*InitiateAccepted) isInitiateResponse() {}
func (*InitiateRejected) isInitiateResponse() {}

// CheckResponse is one of PaymentCompleted, PaymentPending or PaymentFailed.
type CheckResponse interface {
	isCheckResponse()
}

type PaymentCompleted struct {
	Proof CompletionProof
}

type PaymentPending struct {
	Message string
}

type PaymentFailed struct {
	Reason string
}

func (*PaymentCompleted) isCheckResponse() {}
func (*PaymentPending) isCheckResponse()   {}
func (*PaymentFailed) isCheckResponse()    {}

// RevocationResponse is one of RevocationAccepted or RevocationRejected.
type RevocationResponse interface {
	isRevocationResponse()
}

type RevocationAccepted struct {
	Signatures [][]byte // one per HTLC input, in request order
}

type RevocationRejected struct {
	Reason string
}

func (*RevocationAccepted) isRevocationResponse() {}
func (*RevocationRejected) isRevocationResponse() {}
