package vtxovault

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/TEENet-io/liquidsend/database"
)

const vtxoColumns = `tx_id, vout, amount, pkscript, kind, lockup, spent, timeout, linked_id, expiry_height`

// Reclaimed vtxos keep the payment they were revoked from as their link
// while reserved, so that a revocation can always find them.
const setLinkedID = `linked_id = CASE WHEN kind = 'revoked' THEN linked_id ELSE ? END`

// VtxoSQLiteStorage implements VtxoStorage for SQLite.
type VtxoSQLiteStorage struct {
	table     string
	db        *sql.DB
	stmtCache *database.StmtCache
}

// NewVtxoSQLiteStorage creates the vtxo table of one wallet on db.
// uniqueID separates wallets sharing a database file.
func NewVtxoSQLiteStorage(db *sql.DB, uniqueID string) (*VtxoSQLiteStorage, error) {
	storage := &VtxoSQLiteStorage{
		table:     "vtxo_" + uniqueID,
		db:        db,
		stmtCache: database.NewStmtCache(db),
	}
	if err := storage.init(); err != nil {
		return nil, err
	}
	return storage, nil
}

func (s *VtxoSQLiteStorage) init() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		tx_id CHAR(64) NOT NULL,
		vout INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		pkscript BLOB NOT NULL,
		kind VARCHAR(10) NOT NULL,
		lockup BOOLEAN NOT NULL DEFAULT 0,
		spent BOOLEAN NOT NULL DEFAULT 0,
		timeout INTEGER NOT NULL DEFAULT 0,
		linked_id TEXT NOT NULL DEFAULT '',
		expiry_height INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (tx_id, vout),
		CONSTRAINT chk_kind CHECK (kind IN ('spendable', 'htlc', 'revoked')),
		CONSTRAINT chk_amount CHECK (amount > 0)
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_linked_id ON %[1]s (linked_id);
	`, s.table)
	_, err := s.db.Exec(query)
	return err
}

func (s *VtxoSQLiteStorage) Close() {
	s.stmtCache.Clear()
}

func scanVtxos(rows *sql.Rows) ([]Vtxo, error) {
	defer rows.Close()

	var vtxos []Vtxo
	for rows.Next() {
		v, err := scanVtxo(rows)
		if err != nil {
			return nil, err
		}
		vtxos = append(vtxos, *v)
	}
	return vtxos, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVtxo(row scanner) (*Vtxo, error) {
	var v Vtxo
	var kind string
	if err := row.Scan(&v.TxID, &v.Vout, &v.Amount, &v.PkScript, &kind, &v.Lockup, &v.Spent, &v.Timeout, &v.LinkedId, &v.ExpiryHeight); err != nil {
		return nil, err
	}
	v.Kind = VtxoKind(kind)
	return &v, nil
}

func (s *VtxoSQLiteStorage) insertQuery(orIgnore bool) string {
	verb := "INSERT"
	if orIgnore {
		verb = "INSERT OR IGNORE"
	}
	return fmt.Sprintf(`%s INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, verb, s.table, vtxoColumns)
}

func insertArgs(v *Vtxo) []any {
	return []any{v.TxID, v.Vout, v.Amount, v.PkScript, string(v.Kind), v.Lockup, v.Spent, v.Timeout, v.LinkedId, v.ExpiryHeight}
}

func (s *VtxoSQLiteStorage) InsertVtxo(vtxo Vtxo) error {
	stmt, err := s.stmtCache.Prepare(s.insertQuery(false))
	if err != nil {
		return err
	}
	_, err = stmt.Exec(insertArgs(&vtxo)...)
	return err
}

func (s *VtxoSQLiteStorage) QueryByTxIDAndVout(txID string, vout uint32) (*Vtxo, error) {
	stmt, err := s.stmtCache.Prepare(fmt.Sprintf(`SELECT %s FROM %s WHERE tx_id = ? AND vout = ?`, vtxoColumns, s.table))
	if err != nil {
		return nil, err
	}
	v, err := scanVtxo(stmt.QueryRow(txID, vout))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func (s *VtxoSQLiteStorage) QueryByLinkedID(linkedID string, kind VtxoKind) ([]Vtxo, error) {
	stmt, err := s.stmtCache.Prepare(fmt.Sprintf(`SELECT %s FROM %s WHERE linked_id = ? AND kind = ? ORDER BY tx_id, vout`, vtxoColumns, s.table))
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(linkedID, string(kind))
	if err != nil {
		return nil, err
	}
	return scanVtxos(rows)
}

func (s *VtxoSQLiteStorage) QueryAllUsableVtxos() ([]Vtxo, error) {
	stmt, err := s.stmtCache.Prepare(fmt.Sprintf(`SELECT %s FROM %s
	WHERE kind IN ('spendable', 'revoked') AND lockup = 0 AND spent = 0`, vtxoColumns, s.table))
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	return scanVtxos(rows)
}

// ReserveEnoughVtxos selects usable vtxos, largest first, covering amount
// and reserves them for linkedID in one transaction. Each row is reserved
// only if it is still free, so a concurrent writer on the same file that
// selected the same rows makes this fail with ErrVtxoReserved instead of
// overwriting its reservation.
func (s *VtxoSQLiteStorage) ReserveEnoughVtxos(ctx context.Context, amount int64, timeout int64, linkedID string) ([]Vtxo, error) {
	selectQuery := fmt.Sprintf(`SELECT %s FROM %s
	WHERE kind IN ('spendable', 'revoked') AND lockup = 0 AND spent = 0
	ORDER BY amount DESC, tx_id, vout`, vtxoColumns, s.table)

	var vtxos []Vtxo
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := s.stmtCache.PrepareTx(ctx, tx, selectQuery)
		if err != nil {
			return err
		}
		rows, err := stmt.QueryContext(ctx)
		if err != nil {
			return err
		}
		if vtxos, err = pickEnough(rows, amount); err != nil {
			return err
		}
		return s.reserve(ctx, tx, vtxos, timeout, linkedID)
	})
	if err != nil {
		return nil, err
	}
	return vtxos, nil
}

// pickEnough consumes rows until amount is covered and closes them.
func pickEnough(rows *sql.Rows, amount int64) ([]Vtxo, error) {
	defer rows.Close()

	var vtxos []Vtxo
	var total int64
	for total < amount && rows.Next() {
		v, err := scanVtxo(rows)
		if err != nil {
			return nil, err
		}
		vtxos = append(vtxos, *v)
		total += v.Amount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if total < amount {
		return nil, fmt.Errorf("%w: required=%v, have=%v", ErrInsufficientFunds, amount, total)
	}
	return vtxos, nil
}

func (s *VtxoSQLiteStorage) reserve(ctx context.Context, tx *sql.Tx, vtxos []Vtxo, timeout int64, linkedID string) error {
	stmt, err := s.stmtCache.PrepareTx(ctx, tx, fmt.Sprintf(`UPDATE %s SET lockup = 1, timeout = ?, %s
	WHERE tx_id = ? AND vout = ? AND lockup = 0 AND spent = 0`, s.table, setLinkedID))
	if err != nil {
		return err
	}
	for i := range vtxos {
		res, err := stmt.ExecContext(ctx, timeout, linkedID, vtxos[i].TxID, vtxos[i].Vout)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s:%d", ErrVtxoReserved, vtxos[i].TxID, vtxos[i].Vout)
		}
		vtxos[i].Lockup = true
		vtxos[i].Timeout = timeout
		if vtxos[i].Kind != KindRevoked {
			vtxos[i].LinkedId = linkedID
		}
	}
	return nil
}

// QueryExpiredAndLockedVtxos only returns reservations of plain vtxos;
// htlc vtxos stay locked until their send is finished.
func (s *VtxoSQLiteStorage) QueryExpiredAndLockedVtxos(t int64) ([]Vtxo, error) {
	stmt, err := s.stmtCache.Prepare(fmt.Sprintf(`SELECT %s FROM %s
	WHERE kind IN ('spendable', 'revoked') AND lockup = 1 AND spent = 0 AND timeout < ?`, vtxoColumns, s.table))
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(t)
	if err != nil {
		return nil, err
	}
	return scanVtxos(rows)
}

func (s *VtxoSQLiteStorage) SetLockup(txID string, vout uint32, lockup bool, timeout int64, linkedID string) error {
	stmt, err := s.stmtCache.Prepare(fmt.Sprintf(`UPDATE %s SET lockup = ?, timeout = ?, %s WHERE tx_id = ? AND vout = ?`, s.table, setLinkedID))
	if err != nil {
		return err
	}
	_, err = stmt.Exec(lockup, timeout, linkedID, txID, vout)
	return err
}

func (s *VtxoSQLiteStorage) Commit(ctx context.Context, spent []Vtxo, created []Vtxo) error {
	spendQuery := fmt.Sprintf(`UPDATE %s SET spent = 1, lockup = 0, timeout = 0 WHERE tx_id = ? AND vout = ?`, s.table)
	insertQuery := s.insertQuery(true)

	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if len(spent) > 0 {
			stmt, err := s.stmtCache.PrepareTx(ctx, tx, spendQuery)
			if err != nil {
				return err
			}
			for i := range spent {
				res, err := stmt.ExecContext(ctx, spent[i].TxID, spent[i].Vout)
				if err != nil {
					return err
				}
				if n, _ := res.RowsAffected(); n == 0 {
					return fmt.Errorf("%w: %s:%d", ErrVtxoNotFound, spent[i].TxID, spent[i].Vout)
				}
			}
		}
		if len(created) > 0 {
			stmt, err := s.stmtCache.PrepareTx(ctx, tx, insertQuery)
			if err != nil {
				return err
			}
			for i := range created {
				if _, err := stmt.ExecContext(ctx, insertArgs(&created[i])...); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *VtxoSQLiteStorage) SetSpentByLinkedID(ctx context.Context, linkedID string, kind VtxoKind) error {
	stmt, err := s.stmtCache.Prepare(fmt.Sprintf(`UPDATE %s SET spent = 1, lockup = 0 WHERE linked_id = ? AND kind = ?`, s.table))
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, linkedID, string(kind))
	return err
}

// Relink moves every vtxo linked to from over to to and returns how many
// rows changed.
func (s *VtxoSQLiteStorage) Relink(ctx context.Context, from, to string) (int64, error) {
	stmt, err := s.stmtCache.Prepare(fmt.Sprintf(`UPDATE %s SET linked_id = ? WHERE linked_id = ?`, s.table))
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, to, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SumMoney calculates the total amount of usable vtxos.
func (s *VtxoSQLiteStorage) SumMoney() (int64, error) {
	// If SUM(amount) == NULL then will return 0
	stmt, err := s.stmtCache.Prepare(fmt.Sprintf(`SELECT COALESCE(SUM(amount), 0) FROM %s
	WHERE kind IN ('spendable', 'revoked') AND lockup = 0 AND spent = 0`, s.table))
	if err != nil {
		return 0, err
	}
	var total int64
	if err := stmt.QueryRow().Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
