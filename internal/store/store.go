// Copyright 2025 The Courier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store implements the per-tenant durable document store on
// SQLite.  Every collection is a set of JSON documents keyed by
// (collection, doc_id); collection writes are full-document
// replacements (last writer wins).  Callers that need conflict
// detection layer it on top with Update.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var createTableSql = []string{
	// The documents table holds every persisted collection for one
	// tenant.
	//
	// Field: collection
	//
	//   The collection name ("accounts", "conversations", ...).
	//   The set of valid names is owned by the tenant package.
	//
	// Field: doc_id
	//
	//   The document's unique ID within its collection.
	//
	// Field: body
	//
	//   The document encoded as JSON.
	//
	// Field: updated_at
	//
	//   Unix milliseconds of the last replacement.  Informational;
	//   ordering guarantees come from the callers, not this column.
	`
CREATE TABLE IF NOT EXISTS documents (
collection TEXT NOT NULL,
doc_id TEXT NOT NULL,
body TEXT NOT NULL,
updated_at INTEGER NOT NULL,
PRIMARY KEY (collection, doc_id)
);`,
}

// ErrNotFound reports an unknown document id.  Detect it with
// errors.Cause.
var ErrNotFound = errors.New("document not found")

// DB is one tenant's document store.
type DB struct {
	db *sql.DB
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (creating if necessary) the document database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short when several tenant goroutines write at
	// once; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	// _txlock=immediate makes every transaction take the write lock
	// up front.  Without it, two concurrent Update calls both start
	// reading and then deadlock upgrading to the write lock, failing
	// with SQLITE_BUSY instead of serializing.
	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_txlock":       {"immediate"}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// Put replaces the document with the given id, creating it if absent.
func (db *DB) Put(ctx context.Context, collection, id string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s/%s", collection, id)
	}
	const q = `INSERT OR REPLACE INTO documents
		(collection, doc_id, body, updated_at) values ($1, $2, $3, $4)`
	_, err = db.db.ExecContext(ctx, q, collection, id, string(body),
		time.Now().UnixMilli())
	return errors.Wrapf(err, "db upsert failed for %s/%s", collection, id)
}

// Get decodes the document with the given id into v.  Returns a
// wrapped ErrNotFound for unknown ids.
func (db *DB) Get(ctx context.Context, collection, id string, v interface{}) error {
	const q = `SELECT body FROM documents WHERE collection = $1 AND doc_id = $2`
	var body string
	err := db.db.QueryRowContext(ctx, q, collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return errors.Wrapf(ErrNotFound, "%s/%s", collection, id)
	}
	if err != nil {
		return errors.Wrapf(err, "db select failed for %s/%s", collection, id)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return errors.Wrapf(err, "decoding %s/%s", collection, id)
	}
	return nil
}

// List streams every document body in a collection to handler, in
// doc_id order.
func (db *DB) List(ctx context.Context, collection string, handler func(id string, body []byte) error) error {
	const q = `SELECT doc_id, body FROM documents
		WHERE collection = $1 ORDER BY doc_id`
	rows, err := db.db.QueryContext(ctx, q, collection)
	if err != nil {
		return errors.Wrapf(err, "db select failed for collection %s", collection)
	}
	defer rows.Close()

	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return errors.Wrapf(err, "db scan failed for collection %s", collection)
		}
		if err := handler(id, []byte(body)); err != nil {
			return err
		}
	}
	return errors.Wrapf(rows.Err(), "db rows failed for collection %s", collection)
}

// Delete removes a single document.  Deleting an unknown id returns a
// wrapped ErrNotFound.
func (db *DB) Delete(ctx context.Context, collection, id string) error {
	const q = `DELETE FROM documents WHERE collection = $1 AND doc_id = $2`
	res, err := db.db.ExecContext(ctx, q, collection, id)
	if err != nil {
		return errors.Wrapf(err, "db delete failed for %s/%s", collection, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "db delete rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s/%s", collection, id)
	}
	return nil
}

// DeleteMany removes the named documents in one transaction and
// returns the number actually deleted.  Unknown ids are skipped.
func (db *DB) DeleteMany(ctx context.Context, collection string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	const q = `DELETE FROM documents WHERE collection = $1 AND doc_id = $2`
	del, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return 0, errors.Wrap(err, "db prepare statement failed for delete")
	}
	defer del.Close()

	var total int64
	for _, id := range ids {
		res, err := del.ExecContext(ctx, collection, id)
		if err != nil {
			return 0, errors.Wrapf(err, "db delete failed for %s/%s", collection, id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, "db delete rows affected")
		}
		total += n
	}
	return total, errors.Wrap(tx.Commit(), "commit failed")
}

// Deletion names one document for DeleteBatch.
type Deletion struct {
	Collection string
	ID         string
}

// DeleteBatch removes documents spanning several collections in one
// transaction and returns the number actually deleted.  Unknown ids
// are skipped.
func (db *DB) DeleteBatch(ctx context.Context, dels []Deletion) (int64, error) {
	if len(dels) == 0 {
		return 0, nil
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	const q = `DELETE FROM documents WHERE collection = $1 AND doc_id = $2`
	del, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return 0, errors.Wrap(err, "db prepare statement failed for delete")
	}
	defer del.Close()

	var total int64
	for _, d := range dels {
		res, err := del.ExecContext(ctx, d.Collection, d.ID)
		if err != nil {
			return 0, errors.Wrapf(err, "db delete failed for %s/%s", d.Collection, d.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, "db delete rows affected")
		}
		total += n
	}
	return total, errors.Wrap(tx.Commit(), "commit failed")
}

// DeleteAll removes every document in a collection and returns the
// number deleted.
func (db *DB) DeleteAll(ctx context.Context, collection string) (int64, error) {
	const q = `DELETE FROM documents WHERE collection = $1`
	res, err := db.db.ExecContext(ctx, q, collection)
	if err != nil {
		return 0, errors.Wrapf(err, "db delete failed for collection %s", collection)
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "db delete rows affected")
}

// Count returns the number of documents in a collection.
func (db *DB) Count(ctx context.Context, collection string) (int64, error) {
	const q = `SELECT COUNT(*) FROM documents WHERE collection = $1`
	var n int64
	err := db.db.QueryRowContext(ctx, q, collection).Scan(&n)
	return n, errors.Wrapf(err, "db count failed for collection %s", collection)
}

// Update runs a read-modify-write on one document inside a single
// transaction.  fn receives the current body (nil when the document
// does not exist) and returns the replacement body; returning an error
// aborts the transaction and propagates the error unchanged, which is
// how callers express conflict rejection.
func (db *DB) Update(ctx context.Context, collection, id string, fn func(body []byte) ([]byte, error)) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback()

	const sel = `SELECT body FROM documents WHERE collection = $1 AND doc_id = $2`
	var cur []byte
	var body string
	err = tx.QueryRowContext(ctx, sel, collection, id).Scan(&body)
	switch {
	case err == sql.ErrNoRows:
		cur = nil
	case err != nil:
		return errors.Wrapf(err, "db select failed for %s/%s", collection, id)
	default:
		cur = []byte(body)
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	const q = `INSERT OR REPLACE INTO documents
		(collection, doc_id, body, updated_at) values ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, q, collection, id, string(next),
		time.Now().UnixMilli()); err != nil {
		return errors.Wrapf(err, "db upsert failed for %s/%s", collection, id)
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}
