package liquidstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/TEENet-io/liquidsend/agreement"
)

var (
	ErrNotFound       = errors.New("liquid send not found")
	ErrAlreadyExists  = errors.New("liquid send already exists")
	ErrRecordFinished = errors.New("liquid send already finished")
	ErrInvalidRecord  = errors.New("invalid liquid send")
	ErrStageRegress   = errors.New("revocation stage cannot go backwards")
	ErrNotArchivable  = errors.New("only revoked liquid sends can be archived")
)

type SendStatus string

const (
	SendStatusPending   SendStatus = "pending"
	SendStatusConfirmed SendStatus = "confirmed"
	SendStatusRevoked   SendStatus = "revoked"
)

// RevocationStage checkpoints a revocation so that a crash between its
// durable steps resumes where it stopped.
type RevocationStage string

const (
	StageNone      RevocationStage = "none"
	StageReclaimed RevocationStage = "reclaimed"  // revoked vtxos stored as spendable
	StageHtlcSpent RevocationStage = "htlc_spent" // htlc vtxos marked spent
	StageClosed    RevocationStage = "closed"     // record finished
)

var stageOrder = map[RevocationStage]int{
	StageNone:      0,
	StageReclaimed: 1,
	StageHtlcSpent: 2,
	StageClosed:    3,
}

// Before reports whether s comes strictly before other.
func (s RevocationStage) Before(other RevocationStage) bool {
	return stageOrder[s] < stageOrder[other]
}

func (s RevocationStage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// LiquidSend is the persisted record of one Liquid payment.
type LiquidSend struct {
	PaymentHash     agreement.PaymentHash
	Destination     string
	Amount          btcutil.Amount
	HtlcVtxoIds     []agreement.VtxoId
	HtlcExpiry      uint32
	MovementId      int64
	Confirmed       bool
	RevocationStage RevocationStage
	Proof           *agreement.CompletionProof // set when confirmed
	CreatedAt       time.Time
	FinishedAt      *time.Time // nil until terminal
}

func (s *LiquidSend) IsFinished() bool {
	return s.FinishedAt != nil
}

func (s *LiquidSend) Status() SendStatus {
	switch {
	case s.FinishedAt == nil:
		return SendStatusPending
	case s.Confirmed:
		return SendStatusConfirmed
	default:
		return SendStatusRevoked
	}
}

func (s *LiquidSend) Clone() *LiquidSend {
	c := *s
	c.HtlcVtxoIds = append([]agreement.VtxoId(nil), s.HtlcVtxoIds...)
	if s.Proof != nil {
		p := *s.Proof
		c.Proof = &p
	}
	if s.FinishedAt != nil {
		f := *s.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

func (s *LiquidSend) String() string {
	return fmt.Sprintf("LiquidSend{hash=%s, amount=%d, status=%s, stage=%s}",
		s.PaymentHash.String(), int64(s.Amount), s.Status(), s.RevocationStage)
}

func (s *LiquidSend) validate() error {
	if s.PaymentHash.IsZero() {
		return fmt.Errorf("%w: empty payment hash", ErrInvalidRecord)
	}
	if s.Amount <= 0 {
		return fmt.Errorf("%w: amount=%d", ErrInvalidRecord, int64(s.Amount))
	}
	if len(s.HtlcVtxoIds) == 0 {
		return fmt.Errorf("%w: no htlc vtxos", ErrInvalidRecord)
	}
	if s.Destination == "" {
		return fmt.Errorf("%w: empty destination", ErrInvalidRecord)
	}
	return nil
}
