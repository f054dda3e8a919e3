package database

import (
	"context"
	"database/sql"
	"sync"
)

// StmtCache caches prepared statements by query string.
type StmtCache struct {
	db *sql.DB
	m  sync.Map
}

func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{db: db}
}

func (sc *StmtCache) DB() *sql.DB {
	return sc.db
}

func (sc *StmtCache) Prepare(query string) (*sql.Stmt, error) {
	if cached, ok := sc.m.Load(query); ok {
		return cached.(*sql.Stmt), nil
	}

	stmt, err := sc.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	if actual, loaded := sc.m.LoadOrStore(query, stmt); loaded {
		_ = stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

func (sc *StmtCache) MustPrepare(query string) *sql.Stmt {
	stmt, err := sc.Prepare(query)
	if err != nil {
		panic(err)
	}
	return stmt
}

// PrepareTx returns a statement bound to tx. A cached statement is reused,
// otherwise the query is prepared on the transaction's own connection.
func (sc *StmtCache) PrepareTx(ctx context.Context, tx *sql.Tx, query string) (*sql.Stmt, error) {
	if cached, ok := sc.m.Load(query); ok {
		return tx.StmtContext(ctx, cached.(*sql.Stmt)), nil
	}
	return tx.PrepareContext(ctx, query)
}

func (sc *StmtCache) Clear() {
	sc.m.Range(func(k, v interface{}) bool {
		_ = v.(*sql.Stmt).Close()
		sc.m.Delete(k)
		return true
	})
}
