package movement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/liquidsend/database"
)

var ledgerTables = `CREATE TABLE IF NOT EXISTS subsystem (
		tag VARCHAR(32) PRIMARY KEY NOT NULL,
		id INTEGER NOT NULL UNIQUE
	);
	CREATE TABLE IF NOT EXISTS movement (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subsystem_id INTEGER NOT NULL,
		kind VARCHAR(16) NOT NULL,
		status VARCHAR(10) NOT NULL,
		destination TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		intended_balance BIGINT NOT NULL DEFAULT 0,
		effective_balance BIGINT NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CONSTRAINT chk_status CHECK (status IN ('pending', 'finished', 'failed'))
	);
	CREATE INDEX IF NOT EXISTS idx_movement_reference ON movement (subsystem_id, reference);
	CREATE TABLE IF NOT EXISTS movement_event (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		movement_id INTEGER NOT NULL REFERENCES movement(id),
		kind VARCHAR(16) NOT NULL,
		status VARCHAR(10) NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_movement_event_movement_id ON movement_event (movement_id);`

const (
	insertMovementQuery = `INSERT INTO movement
		(subsystem_id, kind, status, destination, reference, intended_balance, effective_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	insertEventQuery = `INSERT INTO movement_event (movement_id, kind, status, amount, created_at) VALUES (?, ?, ?, ?, ?)`
	selectStateQuery = `SELECT kind, status FROM movement WHERE id = ?`
	updateKindQuery  = `UPDATE movement SET kind = ?, status = ?, updated_at = ? WHERE id = ?`
)

// Ledger is the wallet's append-only movement history.
type Ledger struct {
	db        *sql.DB
	stmtCache *database.StmtCache
	now       func() time.Time
}

func NewLedger(db *sql.DB) (*Ledger, error) {
	if _, err := db.Exec(ledgerTables); err != nil {
		return nil, err
	}
	return &Ledger{
		db:        db,
		stmtCache: database.NewStmtCache(db),
		now:       time.Now,
	}, nil
}

func (l *Ledger) Close() {
	l.stmtCache.Clear()
}

// RegisterSubsystem returns the id of tag, assigning the next free id the
// first time the tag is seen.
func (l *Ledger) RegisterSubsystem(ctx context.Context, tag string) (int64, error) {
	var id int64
	err := database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM subsystem WHERE tag = ?`, tag).Scan(&id)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM subsystem`).Scan(&id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO subsystem (tag, id) VALUES (?, ?)`, tag, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// NewMovement records a new pending movement and its first event.
func (l *Ledger) NewMovement(ctx context.Context, p NewMovementParams) (int64, error) {
	now := l.now().Unix()
	var id int64

	err := database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		stmt, err := l.stmtCache.PrepareTx(ctx, tx, insertMovementQuery)
		if err != nil {
			return err
		}
		res, err := stmt.ExecContext(ctx, p.SubsystemId, string(p.Kind), string(StatusPending),
			p.Destination, p.Reference, p.IntendedBalance, p.EffectiveBalance, now, now)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return l.appendEvent(ctx, tx, id, p.Kind, StatusPending, p.EffectiveBalance, now)
	})
	if err != nil {
		return 0, err
	}

	logger.WithFields(logger.Fields{
		"movement":  id,
		"subsystem": p.SubsystemId,
		"kind":      p.Kind,
	}).Debug("new movement")
	return id, nil
}

// UpdateKind moves a movement to kind and status and appends an event.
// Repeating the current kind and status is a no-op. A closed movement
// only accepts its own outcome again.
func (l *Ledger) UpdateKind(ctx context.Context, id int64, kind Kind, status Status, amount int64) error {
	now := l.now().Unix()

	return database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		stmt, err := l.stmtCache.PrepareTx(ctx, tx, selectStateQuery)
		if err != nil {
			return err
		}
		var curKind, curStatus string
		if err := stmt.QueryRowContext(ctx, id).Scan(&curKind, &curStatus); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: id=%d", ErrNotFound, id)
			}
			return err
		}

		if Kind(curKind) == kind && Status(curStatus) == status {
			return nil
		}
		if Status(curStatus) != StatusPending {
			return fmt.Errorf("%w: id=%d, current=%s/%s, requested=%s/%s",
				ErrMovementFinalized, id, curKind, curStatus, kind, status)
		}

		upd, err := l.stmtCache.PrepareTx(ctx, tx, updateKindQuery)
		if err != nil {
			return err
		}
		if _, err := upd.ExecContext(ctx, string(kind), string(status), now, id); err != nil {
			return err
		}
		return l.appendEvent(ctx, tx, id, kind, status, amount, now)
	})
}

func (l *Ledger) appendEvent(ctx context.Context, tx *sql.Tx, id int64, kind Kind, status Status, amount int64, at int64) error {
	stmt, err := l.stmtCache.PrepareTx(ctx, tx, insertEventQuery)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, id, string(kind), string(status), amount, at)
	return err
}

// LatestPending returns the newest pending movement a subsystem created
// under reference; ok is false when there is none.
func (l *Ledger) LatestPending(subsystemId int64, reference string) (*Movement, bool, error) {
	stmt, err := l.stmtCache.Prepare(`SELECT id FROM movement
		WHERE subsystem_id = ? AND reference = ? AND status = ? ORDER BY id DESC LIMIT 1`)
	if err != nil {
		return nil, false, err
	}

	var id int64
	if err := stmt.QueryRow(subsystemId, reference, string(StatusPending)).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	m, err := l.Get(id)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Get returns a movement with its events in order.
func (l *Ledger) Get(id int64) (*Movement, error) {
	stmt, err := l.stmtCache.Prepare(`SELECT id, subsystem_id, kind, status, destination, reference,
		intended_balance, effective_balance, created_at, updated_at FROM movement WHERE id = ?`)
	if err != nil {
		return nil, err
	}

	var m Movement
	var kind, status string
	var createdAt, updatedAt int64
	if err := stmt.QueryRow(id).Scan(&m.Id, &m.SubsystemId, &kind, &status, &m.Destination, &m.Reference,
		&m.IntendedBalance, &m.EffectiveBalance, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: id=%d", ErrNotFound, id)
		}
		return nil, err
	}
	m.Kind = Kind(kind)
	m.Status = Status(status)
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)

	evStmt, err := l.stmtCache.Prepare(`SELECT kind, status, amount, created_at FROM movement_event
		WHERE movement_id = ? ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	rows, err := evStmt.Query(id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ev Event
		var evKind, evStatus string
		var at int64
		if err := rows.Scan(&evKind, &evStatus, &ev.Amount, &at); err != nil {
			return nil, err
		}
		ev.Kind = Kind(evKind)
		ev.Status = Status(evStatus)
		ev.CreatedAt = time.Unix(at, 0)
		m.Events = append(m.Events, ev)
	}
	return &m, rows.Err()
}
