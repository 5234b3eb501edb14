package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const memberClause = `(d.owner_id = $2 OR EXISTS (
	SELECT 1 FROM document_collaborators c WHERE c.document_id = d.id AND c.user_id = $2))`

// Search ranks documents with plainto_tsquery and ts_rank, with ts_headline
// for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := buildWhere(q)

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM documents d WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.title,
			ts_headline('english', coalesce(d.content, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM documents d
		WHERE %s
		ORDER BY ts_rank(d.fts, plainto_tsquery('english', $1)) DESC, d.updated_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

func buildWhere(q Query) (string, []any) {
	where := "d.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.UserID != "" {
		where += " AND " + memberClause
		args = append(args, q.UserID)
	}
	return where, args
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.content, d.owner_id,
			coalesce(string_agg(c.user_id, ',' ORDER BY c.user_id), '')
		FROM documents d
		LEFT JOIN document_collaborators c ON c.document_id = d.id
		GROUP BY d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		var collaborators string
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.OwnerID, &collaborators); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Members = Members(d.OwnerID, splitNonEmpty(collaborators))
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}

// Members lists the owner followed by the collaborators, without duplicates.
func Members(ownerID string, collaborators []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(collaborators)+1)
	for _, id := range append([]string{ownerID}, collaborators...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func splitNonEmpty(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
