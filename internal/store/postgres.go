package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	_ "github.com/lib/pq" // Postgres driver
)

// Postgres backs the document-store contract with a single JSONB table.
// Simple equality clauses are pushed down as `doc @> filter` so the GIN
// index does the heavy lifting; operator clauses ($lt, $in, ...) are
// evaluated client-side on the candidate rows. Single-document atomicity
// comes from SELECT ... FOR UPDATE inside a transaction.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         BIGSERIAL PRIMARY KEY,
	collection TEXT NOT NULL,
	doc        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection);
CREATE INDEX IF NOT EXISTS documents_doc_idx ON documents USING GIN (doc);
`

// NewPostgres opens a connection and ensures the schema exists.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// equalitySubset extracts the plain-equality clauses of a filter for
// pushdown. Operator and $or clauses stay client-side.
func equalitySubset(filter Filter) Doc {
	out := Doc{}
	for k, v := range filter {
		if k == "$or" {
			continue
		}
		if m, ok := v.(map[string]interface{}); ok && hasOperator(m) {
			continue
		}
		out[k] = v
	}
	return out
}

type row struct {
	id  int64
	doc Doc
}

func (p *Postgres) candidates(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
}, collection string, filter Filter, forUpdate bool) ([]row, error) {
	eq, err := json.Marshal(equalitySubset(filter))
	if err != nil {
		return nil, err
	}
	query := `SELECT id, doc FROM documents WHERE collection = $1 AND doc @> $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, collection, string(eq))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		var raw []byte
		if err := rows.Scan(&r.id, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &r.doc); err != nil {
			return nil, err
		}
		if Matches(r.doc, filter) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (p *Postgres) FindOne(ctx context.Context, collection string, filter Filter) (Doc, error) {
	rows, err := p.candidates(ctx, p.db, collection, filter, false)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0].doc, nil
}

func (p *Postgres) Find(ctx context.Context, collection string, filter Filter, opts FindOptions) ([]Doc, error) {
	rows, err := p.candidates(ctx, p.db, collection, filter, false)
	if err != nil {
		return nil, err
	}
	docs := make([]Doc, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, r.doc)
	}
	if opts.Sort != nil {
		s := opts.Sort
		sort.SliceStable(docs, func(i, j int) bool {
			c := Compare(docs[i][s.Field], docs[j][s.Field])
			if s.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}

func (p *Postgres) InsertOne(ctx context.Context, collection string, doc Doc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO documents (collection, doc) VALUES ($1, $2)`, collection, string(raw))
	if err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

func (p *Postgres) mutate(ctx context.Context, collection string, filter Filter, update Update, limit int) ([]Doc, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := p.candidates(ctx, tx, collection, filter, true)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	var updated []Doc
	for _, r := range rows {
		Apply(r.doc, update)
		raw, err := json.Marshal(r.doc)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET doc = $1 WHERE id = $2`, string(raw), r.id); err != nil {
			return nil, fmt.Errorf("update %s: %w", collection, err)
		}
		updated = append(updated, r.doc)
	}
	return updated, tx.Commit()
}

func (p *Postgres) UpdateOne(ctx context.Context, collection string, filter Filter, update Update) (bool, error) {
	docs, err := p.mutate(ctx, collection, filter, update, 1)
	return len(docs) > 0, err
}

func (p *Postgres) UpdateMany(ctx context.Context, collection string, filter Filter, update Update) (int, error) {
	docs, err := p.mutate(ctx, collection, filter, update, 0)
	return len(docs), err
}

func (p *Postgres) FindOneAndUpdate(ctx context.Context, collection string, filter Filter, update Update) (Doc, error) {
	docs, err := p.mutate(ctx, collection, filter, update, 1)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (p *Postgres) DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	rows, err := p.candidates(ctx, tx, collection, filter, true)
	if err != nil || len(rows) == 0 {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, rows[0].id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *Postgres) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	rows, err := p.candidates(ctx, p.db, collection, filter, false)
	return len(rows), err
}

func (p *Postgres) Distinct(ctx context.Context, collection string, field string, filter Filter) ([]interface{}, error) {
	rows, err := p.candidates(ctx, p.db, collection, filter, false)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []interface{}
	for _, r := range rows {
		v, ok := r.doc[field]
		if !ok {
			continue
		}
		key := fingerprint(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out, nil
}

var _ Store = (*Postgres)(nil)
