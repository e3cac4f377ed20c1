package database

import (
	"context"
	"database/sql"
	"sync"
)

// to cache prepared sql statement, which maps query string to stmt.
type StmtCache struct {
	db *sql.DB
	mu sync.Mutex
	m  map[string]*sql.Stmt
}

func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{db: db, m: make(map[string]*sql.Stmt)}
}

func (sc *StmtCache) Prepare(query string) (*sql.Stmt, error) {
	return sc.PrepareContext(context.Background(), query)
}

// PrepareContext returns the cached statement for query, preparing it on
// first use. Concurrent callers never prepare the same query twice.
func (sc *StmtCache) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if stmt, ok := sc.m[query]; ok {
		return stmt, nil
	}
	stmt, err := sc.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	sc.m[query] = stmt
	return stmt, nil
}

func (sc *StmtCache) MustPrepare(query string) *sql.Stmt {
	stmt, err := sc.Prepare(query)
	if err != nil {
		panic(err)
	}
	return stmt
}

// Len returns the number of cached statements.
func (sc *StmtCache) Len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.m)
}

func (sc *StmtCache) Clear() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for k, stmt := range sc.m {
		_ = stmt.Close()
		delete(sc.m, k)
	}
}
