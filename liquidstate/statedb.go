package liquidstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/database"
)

const defaultCacheSize = 256

// StateDB persists liquid send records.
type StateDB struct {
	stmtCache *database.StmtCache
	cache     *finishedCache
}

func NewStateDB(db *sql.DB) (*StateDB, error) {
	// 1. Create the table.
	if _, err := db.Exec(liquidSendTable); err != nil {
		return nil, err
	}

	// 2. A stmt cache + db.
	return &StateDB{
		stmtCache: database.NewStmtCache(db),
		cache:     newFinishedCache(defaultCacheSize),
	}, nil
}

func (st *StateDB) Close() {
	st.stmtCache.Clear()
}

// Insert stores a new pending record. A record with the same payment hash,
// finished or not, yields ErrAlreadyExists.
func (st *StateDB) Insert(ctx context.Context, r *LiquidSend) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.IsFinished() || r.Confirmed {
		return fmt.Errorf("%w: new record must be pending", ErrInvalidRecord)
	}

	query := `INSERT INTO liquid_send (` + sendColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	s, err := new(sqlLiquidSend).encode(r)
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx,
		s.PaymentHash,
		s.Destination,
		s.Amount,
		s.HtlcVtxoIds,
		s.HtlcExpiry,
		s.MovementId,
		s.Confirmed,
		s.RevocationStage,
		s.Proof,
		s.CreatedAt,
		s.FinishedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, r.PaymentHash.String())
		}
		return err
	}

	return nil
}

// Get returns the record for hash; ok is false when there is none.
func (st *StateDB) Get(hash agreement.PaymentHash) (*LiquidSend, bool, error) {
	if r, ok := st.cache.get(hash); ok {
		return r, true, nil
	}

	query := `SELECT ` + sendColumns + ` FROM liquid_send WHERE payment_hash = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	var s sqlLiquidSend
	if err := stmt.QueryRow(hash.String()).Scan(s.scanFields()...); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	r, err := s.decode()
	if err != nil {
		return nil, false, err
	}
	st.cache.add(r)
	return r, true, nil
}

// GetPending returns all non-finished records, oldest first.
func (st *StateDB) GetPending() ([]*LiquidSend, error) {
	query := `SELECT ` + sendColumns + ` FROM liquid_send WHERE finished_at IS NULL ORDER BY created_at, payment_hash`
	return st.query(query)
}

// GetAll returns the most recent records, newest first.
func (st *StateDB) GetAll(limit int) ([]*LiquidSend, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sendColumns + ` FROM liquid_send ORDER BY created_at DESC, payment_hash LIMIT ?`
	return st.query(query, limit)
}

func (st *StateDB) query(query string, args ...any) ([]*LiquidSend, error) {
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sends []*LiquidSend
	for rows.Next() {
		var s sqlLiquidSend
		if err := rows.Scan(s.scanFields()...); err != nil {
			return nil, err
		}
		r, err := s.decode()
		if err != nil {
			return nil, err
		}
		sends = append(sends, r)
	}
	return sends, rows.Err()
}

// MarkConfirmed finishes a pending record as paid.
func (st *StateDB) MarkConfirmed(ctx context.Context, hash agreement.PaymentHash, proof *agreement.CompletionProof, at time.Time) error {
	encoded, err := encodeProof(proof)
	if err != nil {
		return err
	}

	query := `UPDATE liquid_send SET confirmed = 1, proof = ?, finished_at = ?
		WHERE payment_hash = ? AND finished_at IS NULL`
	return st.update(ctx, hash, query, encoded, at.Unix(), hash.String())
}

// SetRevocationStage advances the revocation checkpoint of a pending
// record. Setting the current stage again is a no-op.
func (st *StateDB) SetRevocationStage(ctx context.Context, hash agreement.PaymentHash, stage RevocationStage) error {
	if !stage.Valid() || stage == StageClosed {
		return fmt.Errorf("%w: stage=%s", ErrInvalidRecord, stage)
	}

	r, ok, err := st.Get(hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, hash.String())
	}
	if r.IsFinished() {
		return fmt.Errorf("%w: %s", ErrRecordFinished, hash.String())
	}
	if r.RevocationStage == stage {
		return nil
	}
	if stage.Before(r.RevocationStage) {
		return fmt.Errorf("%w: %s -> %s", ErrStageRegress, r.RevocationStage, stage)
	}

	query := `UPDATE liquid_send SET revocation_stage = ? WHERE payment_hash = ? AND finished_at IS NULL`
	return st.update(ctx, hash, query, string(stage), hash.String())
}

// MarkRevoked finishes a pending record as not paid.
func (st *StateDB) MarkRevoked(ctx context.Context, hash agreement.PaymentHash, at time.Time) error {
	query := `UPDATE liquid_send SET confirmed = 0, revocation_stage = 'closed', finished_at = ?
		WHERE payment_hash = ? AND finished_at IS NULL`
	return st.update(ctx, hash, query, at.Unix(), hash.String())
}

// Archive moves a revoked record out of the way so that its payment hash
// can be used again. Pending and confirmed records are never archived.
func (st *StateDB) Archive(ctx context.Context, hash agreement.PaymentHash, at time.Time) error {
	archiveQuery := `INSERT INTO liquid_send_archive (` + sendColumns + `, archived_at)
		SELECT ` + sendColumns + `, ? FROM liquid_send
		WHERE payment_hash = ? AND finished_at IS NOT NULL AND confirmed = 0`
	deleteQuery := `DELETE FROM liquid_send WHERE payment_hash = ?`

	err := database.WithTx(ctx, st.stmtCache.DB(), func(tx *sql.Tx) error {
		stmt, err := st.stmtCache.PrepareTx(ctx, tx, archiveQuery)
		if err != nil {
			return err
		}
		res, err := stmt.ExecContext(ctx, at.Unix(), hash.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return st.notArchivable(ctx, tx, hash)
		}

		del, err := st.stmtCache.PrepareTx(ctx, tx, deleteQuery)
		if err != nil {
			return err
		}
		_, err = del.ExecContext(ctx, hash.String())
		return err
	})
	st.cache.remove(hash)
	return err
}

func (st *StateDB) notArchivable(ctx context.Context, tx *sql.Tx, hash agreement.PaymentHash) error {
	var finished sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT finished_at FROM liquid_send WHERE payment_hash = ?`, hash.String()).Scan(&finished)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, hash.String())
	}
	if err != nil {
		return err
	}
	if !finished.Valid {
		return fmt.Errorf("%w: %s is pending", ErrNotArchivable, hash.String())
	}
	return fmt.Errorf("%w: %s is confirmed", ErrNotArchivable, hash.String())
}

// GetArchived returns the archived records of hash, oldest first.
func (st *StateDB) GetArchived(hash agreement.PaymentHash) ([]*LiquidSend, error) {
	query := `SELECT ` + sendColumns + ` FROM liquid_send_archive WHERE payment_hash = ? ORDER BY id`
	return st.query(query, hash.String())
}

// update runs a guarded UPDATE and tells a missing record apart from a
// finished one when nothing was changed.
func (st *StateDB) update(ctx context.Context, hash agreement.PaymentHash, query string, args ...any) error {
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	_, ok, err := st.Get(hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, hash.String())
	}
	return fmt.Errorf("%w: %s", ErrRecordFinished, hash.String())
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
