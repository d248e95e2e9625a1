// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"
	_ "github.com/mattn/go-sqlite3"
)

type (
	// Cache is a sqlite-backed store of nostr events used by the client
	// wrapper for optimistic writes and cache-first reads. It is safe for
	// concurrent use by multiple in-flight wrapper calls.
	Cache struct {
		*sqlx.DB

		stmtCacheMx *sync.RWMutex
		stmtCache   map[string]*sqlx.NamedStmt
	}
)

var (
	//go:embed DDL.sql
	ddl string
)

// New opens (or creates) the event cache at the given sqlite target,
// ":memory:" included, and applies the schema.
func New(target string) (*Cache, error) {
	db, err := sqlx.Connect("sqlite3", target)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open event cache at %q", target)
	}

	c := &Cache{
		DB:          db,
		stmtCacheMx: new(sync.RWMutex),
		stmtCache:   make(map[string]*sqlx.NamedStmt),
	}
	c.Mapper = reflectx.NewMapperFunc("divine", func(in string) (out string) {
		n := strings.ToLower(in)
		switch n {
		case "createdat":
			out = "created_at"
		case "systemcreatedat":
			out = "system_created_at"
		default:
			out = n
		}

		return out
	})

	for _, statement := range strings.Split(ddl, "--------") {
		if _, err = c.Exec(statement); err != nil {
			return nil, errors.Wrapf(err, "failed to apply DDL statement: `%v`", statement)
		}
	}

	return c, nil
}

func (c *Cache) exec(ctx context.Context, sql string, arg any) (rowsAffected int64, err error) {
	stmt, err := c.prepare(ctx, sql, hashSQL(sql))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prepare exec sql: `%v`", sql)
	}

	result, err := stmt.ExecContext(ctx, arg)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to exec prepared sql: `%v`", sql)
	}
	if rowsAffected, err = result.RowsAffected(); err != nil {
		return 0, errors.Wrapf(err, "failed to process rows affected for exec prepared sql: `%v`", sql)
	}

	return rowsAffected, nil
}

func (c *Cache) prepare(ctx context.Context, sql, hash string) (stmt *sqlx.NamedStmt, err error) {
	c.stmtCacheMx.RLock()
	stmt, found := c.stmtCache[hash]
	c.stmtCacheMx.RUnlock()
	if found {
		return stmt, nil
	}

	c.stmtCacheMx.Lock()
	stmt, found = c.stmtCache[hash]
	if found {
		c.stmtCacheMx.Unlock()

		return stmt, nil
	}

	stmt, err = c.PrepareNamedContext(ctx, sql)
	if err == nil {
		c.stmtCache[hash] = stmt
	}
	c.stmtCacheMx.Unlock()

	return stmt, err
}

func hashSQL(sql string) (hash string) {
	sum := sha256.Sum256([]byte(sql))

	return string(sum[:])
}
