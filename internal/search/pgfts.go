package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements message search using PostgreSQL full-text search as the
// fallback when Meilisearch is down or unconfigured.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the generated tsvector column on messages with
// plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "m.fts @@ " + tsQuery
	if q.ChannelID != "" {
		where += fmt.Sprintf(" AND m.channel_id = $%d", argN)
		args = append(args, q.ChannelID)
		argN++
	}
	if q.ThreadID != "" {
		where += fmt.Sprintf(" AND m.thread_id = $%d", argN)
		args = append(args, q.ThreadID)
		argN++
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM messages m WHERE %s", where)
	dataSQL := fmt.Sprintf(`
		SELECT m.id, m.channel_id, coalesce(m.thread_id, ''), m.user_id,
			ts_headline('english', m.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet
		FROM messages m
		WHERE %s
		ORDER BY ts_rank(m.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ChannelID, &r.ThreadID, &r.UserID, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every message for full reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, channel_id, coalesce(thread_id, ''), user_id, body
		FROM messages
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.ChannelID, &rec.ThreadID, &rec.UserID, &rec.Body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
