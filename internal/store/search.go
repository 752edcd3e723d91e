package store

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const snippetRadius = 32

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMessages finds messages of an account whose content contains query,
// case-insensitively, newest first.
func (db *DB) SearchMessages(ctx context.Context, accountID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE account_id = ? AND content LIKE ? ESCAPE '\'
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, accountID, "%"+likeEscaper.Replace(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: *m, Snippet: snippet(m.Content, query)})
	}
	return results, rows.Err()
}

// snippet returns the text around the first match of query, marking the match
// with << >>.
func snippet(content, query string) string {
	lower := strings.ToLower(content)
	if len(lower) != len(content) {
		return content
	}
	lq := strings.ToLower(query)
	idx := strings.Index(lower, lq)
	if idx < 0 {
		return content
	}
	start := max(idx-snippetRadius, 0)
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	end := min(idx+len(lq)+snippetRadius, len(content))
	for end < len(content) && !utf8.RuneStart(content[end]) {
		end++
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(content[start:idx])
	b.WriteString("<<")
	b.WriteString(content[idx : idx+len(lq)])
	b.WriteString(">>")
	b.WriteString(content[idx+len(lq) : end])
	if end < len(content) {
		b.WriteString("...")
	}
	return b.String()
}
