package liquidsend

import (
	"errors"
	"fmt"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/htlc"
)

var (
	ErrAmountTooSmall         = errors.New("amount below dust floor")
	ErrInvalidDestination     = errors.New("invalid liquid destination")
	ErrInvalidPaymentHash     = errors.New("invalid payment hash")
	ErrDuplicatePayment       = errors.New("payment hash already used")
	ErrUnknownPayment         = errors.New("unknown payment")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrCoordinatorRejected    = errors.New("coordinator rejected request")
	ErrCoordinatorUnreachable = errors.New("coordinator unreachable")
	ErrChainUnavailable       = errors.New("chain tip unavailable")
	ErrVerification           = htlc.ErrVerification
	ErrStorage                = errors.New("storage failure")

	// ErrReconciliationNeeded means a valid cosigned htlc exists that could
	// not be durably recorded. It needs manual recovery.
	ErrReconciliationNeeded = errors.New("cosigned htlc not recorded, reconciliation needed")

	// ErrHandoffFailed means the payment was recorded but the coordinator
	// did not acknowledge the broadcast request. The payment stays pending
	// and is resolved by Check.
	ErrHandoffFailed = errors.New("payment recorded but handoff failed")

	// ErrExpiredHtlc triggers revocation internally and is never returned.
	ErrExpiredHtlc = errors.New("htlc expired")
)

// PaymentError is returned by every Engine operation.
type PaymentError struct {
	Op   string
	Hash agreement.PaymentHash
	Err  error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("liquid send %s %s: %v", e.Op, e.Hash.String(), e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, hash agreement.PaymentHash, err error) error {
	if err == nil {
		return nil
	}
	return &PaymentError{Op: op, Hash: hash, Err: err}
}

// Retryable reports whether the same operation may succeed if repeated
// later without any change.
func Retryable(err error) bool {
	if errors.Is(err, ErrReconciliationNeeded) || errors.Is(err, ErrHandoffFailed) {
		return false
	}
	return errors.Is(err, ErrCoordinatorUnreachable) ||
		errors.Is(err, ErrChainUnavailable) ||
		errors.Is(err, ErrStorage)
}
