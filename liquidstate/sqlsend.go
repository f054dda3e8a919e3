package liquidstate

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/TEENet-io/liquidsend/agreement"
)

type sqlLiquidSend struct {
	PaymentHash     string
	Destination     string
	Amount          int64
	HtlcVtxoIds     []byte
	HtlcExpiry      uint32
	MovementId      int64
	Confirmed       bool
	RevocationStage string
	Proof           []byte
	CreatedAt       int64
	FinishedAt      sql.NullInt64
}

// encode converts a LiquidSend into values that can be stored in sql db.
func (s *sqlLiquidSend) encode(r *LiquidSend) (*sqlLiquidSend, error) {
	ids, err := EncodeVtxoIds(r.HtlcVtxoIds)
	if err != nil {
		return nil, err
	}
	proof, err := encodeProof(r.Proof)
	if err != nil {
		return nil, err
	}

	stage := r.RevocationStage
	if stage == "" {
		stage = StageNone
	}

	s.PaymentHash = r.PaymentHash.String()
	s.Destination = r.Destination
	s.Amount = int64(r.Amount)
	s.HtlcVtxoIds = ids
	s.HtlcExpiry = r.HtlcExpiry
	s.MovementId = r.MovementId
	s.Confirmed = r.Confirmed
	s.RevocationStage = string(stage)
	s.Proof = proof
	s.CreatedAt = r.CreatedAt.Unix()
	if r.FinishedAt != nil {
		s.FinishedAt = sql.NullInt64{Int64: r.FinishedAt.Unix(), Valid: true}
	} else {
		s.FinishedAt = sql.NullInt64{}
	}

	return s, nil
}

func (s *sqlLiquidSend) decode() (*LiquidSend, error) {
	hash, err := agreement.PaymentHashFromHex(s.PaymentHash)
	if err != nil {
		return nil, err
	}
	ids, err := DecodeVtxoIds(s.HtlcVtxoIds)
	if err != nil {
		return nil, err
	}
	proof, err := decodeProof(s.Proof)
	if err != nil {
		return nil, err
	}

	r := &LiquidSend{
		PaymentHash:     hash,
		Destination:     s.Destination,
		Amount:          btcutil.Amount(s.Amount),
		HtlcVtxoIds:     ids,
		HtlcExpiry:      s.HtlcExpiry,
		MovementId:      s.MovementId,
		Confirmed:       s.Confirmed,
		RevocationStage: RevocationStage(s.RevocationStage),
		Proof:           proof,
		CreatedAt:       time.Unix(s.CreatedAt, 0),
	}
	if s.FinishedAt.Valid {
		t := time.Unix(s.FinishedAt.Int64, 0)
		r.FinishedAt = &t
	}
	return r, nil
}

func (s *sqlLiquidSend) scanFields() []any {
	return []any{
		&s.PaymentHash,
		&s.Destination,
		&s.Amount,
		&s.HtlcVtxoIds,
		&s.HtlcExpiry,
		&s.MovementId,
		&s.Confirmed,
		&s.RevocationStage,
		&s.Proof,
		&s.CreatedAt,
		&s.FinishedAt,
	}
}

// EncodeVtxoIds gob-encodes the ordered htlc vtxo ids.
func EncodeVtxoIds(ids []agreement.VtxoId) ([]byte, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(strs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeVtxoIds(data []byte) ([]agreement.VtxoId, error) {
	if len(data) == 0 {
		return nil, errors.New("expect non-empty bytes")
	}

	var strs []string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&strs); err != nil {
		return nil, err
	}

	ids := make([]agreement.VtxoId, len(strs))
	for i, s := range strs {
		id, err := agreement.ParseVtxoId(s)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func encodeProof(p *agreement.CompletionProof) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeProof(data []byte) (*agreement.CompletionProof, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p agreement.CompletionProof
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
