package movement

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("movement not found")
	ErrUnknownSubsystem  = errors.New("unknown subsystem")
	ErrMovementFinalized = errors.New("movement already closed with a different outcome")
)

// Kind is the user-visible stage of a movement.
type Kind string

const (
	KindSend      Kind = "Send"
	KindRevoked   Kind = "Revoked"
	KindFinalized Kind = "Finalized"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// SubsystemLiquidSend is the tag Liquid sends are recorded under.
const SubsystemLiquidSend = "LiquidSend"

// Movement is one entry of the wallet's balance history.
type Movement struct {
	Id               int64
	SubsystemId      int64
	Kind             Kind
	Status           Status
	Destination      string
	Reference        string // subsystem key, the payment hash for sends
	IntendedBalance  int64  // sats, negative for outgoing
	EffectiveBalance int64  // sats actually leaving the wallet, negative for outgoing
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Events           []Event
}

// Event is one append-only kind change of a movement.
type Event struct {
	Kind      Kind
	Status    Status
	Amount    int64
	CreatedAt time.Time
}

// NewMovementParams describes a movement at creation.
type NewMovementParams struct {
	SubsystemId      int64
	Kind             Kind
	Destination      string
	Reference        string
	IntendedBalance  int64
	EffectiveBalance int64
}
