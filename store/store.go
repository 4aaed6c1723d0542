// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package store persists parameter descriptions and cached values in an
// SQLite database.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/creachadair/param"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// A Store is a database of parameters. Each parameter is keyed by its node
// and ID. A Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. Use ":memory:" for a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite admits one writer, and each :memory: connection is a new database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		schemaSQL,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize database: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save writes the descriptions and current values of ps, replacing any
// records with the same node and ID. The writes are a single transaction.
func (s *Store) Save(ctx context.Context, ps []*param.Param) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	defer tx.Rollback()

	// A parameter renamed since the last save must not collide with itself.
	del, err := tx.PrepareContext(ctx, `DELETE FROM params WHERE node = ? AND (id = ? OR name = ?)`)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	defer del.Close()
	ins, err := tx.PrepareContext(ctx, `
		INSERT INTO params (node, id, name, type, count, mask, doc, unit, value, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	defer ins.Close()

	for _, p := range ps {
		d := p.Desc()
		var updated int64
		if ts := p.Timestamp(); !ts.IsZero() {
			updated = ts.UnixMilli()
		}
		if _, err := del.ExecContext(ctx, d.Node, d.ID, d.Name); err != nil {
			return fmt.Errorf("save %q: %w", d.Name, err)
		}
		if _, err := ins.ExecContext(ctx,
			d.Node, d.ID, d.Name, d.Type.String(), d.Count, uint32(d.Mask), d.Doc, d.Unit,
			p.Bytes(), updated,
		); err != nil {
			return fmt.Errorf("save %q: %w", d.Name, err)
		}
	}
	return tx.Commit()
}

// A Record is a stored parameter.
type Record struct {
	param.Desc
	Value   []byte    // raw storage, as reported by param.Param.Bytes
	Updated time.Time // zero if no value was ever stored
}

// Records returns the stored records in node and ID order. If all is false,
// only records of the given node are returned.
func (s *Store) Records(ctx context.Context, node param.Node, all bool) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node, id, name, type, count, mask, doc, unit, value, updated
		FROM params WHERE ? OR node = ? ORDER BY node, id`, all, node)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			typ     string
			mask    uint32
			updated int64
		)
		if err := rows.Scan(&r.Node, &r.ID, &r.Name, &typ, &r.Count, &mask, &r.Doc, &r.Unit, &r.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.Type, err = param.ParseType(typ); err != nil {
			return nil, fmt.Errorf("record %q: %w", r.Name, err)
		}
		r.Mask = param.Mask(mask)
		if updated != 0 {
			r.Updated = time.UnixMilli(updated)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Load adds the stored records to reg, as selected by node and all (see
// Records), and restores their values. It returns the registered parameters.
func (s *Store) Load(ctx context.Context, reg *param.Registry, node param.Node, all bool) ([]*param.Param, error) {
	recs, err := s.Records(ctx, node, all)
	if err != nil {
		return nil, err
	}
	var out []*param.Param
	for _, r := range recs {
		p, _, err := reg.Add(r.Desc)
		if err != nil {
			return out, fmt.Errorf("load %q: %w", r.Name, err)
		}
		if !r.Updated.IsZero() {
			if err := p.SetBytes(r.Value); err != nil {
				return out, fmt.Errorf("load %q: %w", r.Name, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Forget deletes the stored records of node, and reports how many were
// deleted.
func (s *Store) Forget(ctx context.Context, node param.Node) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM params WHERE node = ?`, node)
	if err != nil {
		return 0, fmt.Errorf("forget node %d: %w", node, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
