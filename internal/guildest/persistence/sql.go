// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guildest/internal/guildest/core"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Dialect selects placeholder style and DDL for SQLPersister.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func (d Dialect) placeholders(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		if d == DialectPostgres {
			b.WriteString("$" + strconv.Itoa(i))
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}

// Schema returns the DDL for the tables owned by the persister.
//
// Transcriptions (both dialects):
//
//	id            auto-increment primary key
//	op_id         TEXT UNIQUE, the write queue op id (NULL when written outside the queue)
//	guild_id      scope id
//	channel_id    sub-scope id
//	user_id
//	username
//	content
//	duration_secs
//	created_at    insert time
//
// Ids are stored as signed 64-bit integers.
func (d Dialect) Schema() []string {
	pk, id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER", "TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP"
	if d == DialectPostgres {
		pk, id, ts = "BIGSERIAL PRIMARY KEY", "BIGINT", "TIMESTAMPTZ NOT NULL DEFAULT now()"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS transcriptions (
  id %s,
  op_id TEXT UNIQUE,
  guild_id %s NOT NULL,
  channel_id %s NOT NULL,
  user_id %s NOT NULL,
  username TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  duration_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
  created_at %s
)`, pk, id, id, id, ts),
		`CREATE INDEX IF NOT EXISTS idx_transcriptions_guild ON transcriptions(guild_id, created_at)`,
	}
}

// SQLPersister stores transcriptions in the transcriptions table and generic
// records in the table they name.
//
// Idempotency: transcriptions are keyed by op id (INSERT ... ON CONFLICT DO
// NOTHING). Generic inserts that hit a unique constraint are treated as
// already applied.
type SQLPersister struct {
	db             *sql.DB
	dialect        Dialect
	guard          tableGuard
	log            *zerolog.Logger
	defaultTimeout time.Duration
}

// NewSQLPersister wraps an open database. allowTables, when non-empty,
// restricts generic writes to the listed tables.
func NewSQLPersister(db *sql.DB, dialect Dialect, allowTables []string, log *zerolog.Logger) *SQLPersister {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &SQLPersister{
		db:             db,
		dialect:        dialect,
		guard:          newTableGuard(allowTables),
		log:            log,
		defaultTimeout: 10 * time.Second,
	}
}

// OpenSQLite opens a SQLite database at path (":memory:" allowed) with a
// single shared connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite is single-writer; an in-memory database also lives in one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA synchronous = NORMAL"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	return db, nil
}

// OpenPostgres opens a Postgres database through the pgx stdlib driver and
// verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the persister's own tables. Generic tables are owned by
// whoever writes to them.
func (p *SQLPersister) Migrate(ctx context.Context) error {
	for _, stmt := range p.dialect.Schema() {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (p *SQLPersister) Close() error { return p.db.Close() }

func (p *SQLPersister) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && p.defaultTimeout > 0 {
		return context.WithTimeout(ctx, p.defaultTimeout)
	}
	return ctx, func() {}
}

// SaveTranscription inserts one row into transcriptions.
func (p *SQLPersister) SaveTranscription(ctx context.Context, t core.Transcription) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	opID := sql.NullString{String: core.OpIDFromContext(ctx), Valid: core.OpIDFromContext(ctx) != ""}
	q := `INSERT INTO transcriptions (op_id, guild_id, channel_id, user_id, username, content, duration_secs) VALUES (` +
		p.dialect.placeholders(7) + `) ON CONFLICT DO NOTHING`
	if _, err := p.db.ExecContext(ctx, q,
		opID, int64(t.ScopeID), int64(t.SubScopeID), int64(t.UserID), t.DisplayName, t.Content, t.DurationSecs); err != nil {
		return fmt.Errorf("insert transcription op=%s: %w", opID.String, err)
	}
	return nil
}

// ApplyGeneric inserts rec into table, one column per key.
func (p *SQLPersister) ApplyGeneric(ctx context.Context, table string, rec core.Record) error {
	if err := p.guard.check(table); err != nil {
		return err
	}
	cols := rec.Columns()
	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		if !ValidIdentifier(c) {
			return fmt.Errorf("column %q: %w", c, ErrInvalidIdentifier)
		}
		quoted[i] = `"` + c + `"`
		v, err := sqlValue(rec[c])
		if err != nil {
			return fmt.Errorf("column %q: %w", c, err)
		}
		args[i] = v
	}

	var q string
	if len(cols) == 0 {
		q = `INSERT INTO "` + table + `" DEFAULT VALUES`
	} else {
		q = `INSERT INTO "` + table + `" (` + strings.Join(quoted, ", ") + `) VALUES (` + p.dialect.placeholders(len(cols)) + `)`
	}

	ctx, cancel := p.bound(ctx)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, q, args...); err != nil {
		if isDuplicateKey(err) && isReplay(ctx, rec) {
			p.log.Debug().Str("op_id", core.OpIDFromContext(ctx)).Str("table", table).Msg("record already applied")
			return nil
		}
		return fmt.Errorf("insert %s op=%s: %w", table, core.OpIDFromContext(ctx), err)
	}
	return nil
}

// isReplay reports whether rec carries the current op id in its op_id column.
// Only then does a unique violation prove the same op was applied before; any
// other conflict is a lost write.
func isReplay(ctx context.Context, rec core.Record) bool {
	id := core.OpIDFromContext(ctx)
	if id == "" {
		return false
	}
	v, ok := rec["op_id"].(string)
	return ok && v == id
}

// sqlValue maps a decoded JSON value onto a driver value. Nested objects and
// arrays are stored as their JSON text.
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64, float64:
		return x, nil
	case json.Number:
		return x.String(), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

const (
	pgUniqueViolation          = "23505"
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// isDuplicateKey reports whether err is a unique or primary key violation from
// either driver.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		c := coded.Code()
		return c == sqliteConstraintUnique || c == sqliteConstraintPrimaryKey
	}
	return false
}
