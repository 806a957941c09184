// MateCode - Claude Code Telegram bridge
// License: MIT

package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// maxContentLength caps stored entries; anything longer is truncated.
const maxContentLength = 10000

const (
	SourceAuto   = "auto"
	SourceManual = "manual"
	// SourceMeta marks self-referential prompt updates the agent emitted in
	// <memory_update> tags.
	SourceMeta = "meta"
)

type Entry struct {
	ID        string
	Content   string
	CreatedAt time.Time
	Source    string
	Relevance float64
}

type Stats struct {
	Count    int
	Newest   time.Time
	Oldest   time.Time
	BySource map[string]int
}

// Store is the long-term memory: an SQLite database with an FTS5 index over
// entry text. Safe for concurrent use by the dispatcher (prompt-time reads)
// and the transcript monitor (response-time writes).
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory dir: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory db: %w", err)
	}
	// Single writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'auto'
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_search USING fts5(content)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize memory schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores one entry. Empty or whitespace-only content is ignored.
func (s *Store) Add(content, source string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	content = Clip(content, maxContentLength)

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to add memory: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO memories (id, content, created_at, source) VALUES (?, ?, ?, ?)`,
		id, content, now, source,
	); err != nil {
		return fmt.Errorf("failed to add memory: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO memory_search (rowid, content)
		 VALUES ((SELECT rowid FROM memories WHERE id = ?), ?)`,
		id, content,
	); err != nil {
		return fmt.Errorf("failed to index memory: %w", err)
	}
	return tx.Commit()
}

// Search runs a ranked full-text query. An unmatchable or empty query returns
// no entries, never an error.
func (s *Store) Search(query string, limit int) ([]Entry, error) {
	match := sanitizeQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT m.id, m.content, m.created_at, m.source, rank
		 FROM memories m
		 JOIN memory_search ON m.rowid = memory_search.rowid
		 WHERE memory_search MATCH ?
		 ORDER BY rank
		 LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows, true)
}

// Clip cuts s to at most max bytes without splitting a UTF-8 sequence.
func Clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// RecentBySource returns the newest entries with the given source.
func (s *Store) RecentBySource(source string, limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, content, created_at, source
		 FROM memories
		 WHERE source = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		source, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories by source: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows, false)
}

// Recent returns the newest entries, used by `recall` with no query.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, content, created_at, source
		 FROM memories
		 ORDER BY created_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent memories: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows, false)
}

// DeleteByQuery removes entries matching the query (capped at 100) and
// returns how many were deleted.
func (s *Store) DeleteByQuery(query string) (int, error) {
	matches, err := s.Search(query, 100)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, e := range matches {
		if err := s.delete(e.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM memory_search WHERE rowid = (SELECT rowid FROM memories WHERE id = ?)`, id,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Clear irrecoverably deletes every entry.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM memory_search`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM memories`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Stats() (Stats, error) {
	st := Stats{BySource: make(map[string]int)}

	var newest, oldest sql.NullString
	err := s.db.QueryRow(
		`SELECT COUNT(*), MAX(created_at), MIN(created_at) FROM memories`,
	).Scan(&st.Count, &newest, &oldest)
	if err != nil {
		return st, fmt.Errorf("failed to read memory stats: %w", err)
	}
	if newest.Valid {
		st.Newest, _ = time.Parse(time.RFC3339Nano, newest.String)
	}
	if oldest.Valid {
		st.Oldest, _ = time.Parse(time.RFC3339Nano, oldest.String)
	}

	rows, err := s.db.Query(`SELECT source, COUNT(*) FROM memories GROUP BY source`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			return st, err
		}
		st.BySource[source] = count
	}
	return st, rows.Err()
}

func scanEntries(rows *sql.Rows, withRank bool) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		var err error
		if withRank {
			err = rows.Scan(&e.ID, &e.Content, &created, &e.Source, &e.Relevance)
		} else {
			err = rows.Scan(&e.ID, &e.Content, &created, &e.Source)
		}
		if err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var reQueryStrip = regexp.MustCompile(`[^\w\s\-_.]`)

// sanitizeQuery turns free text into an FTS5 prefix query: punctuation
// stripped, short words dropped, remaining words AND-joined as prefixes.
func sanitizeQuery(query string) string {
	query = reQueryStrip.ReplaceAllString(query, " ")

	var terms []string
	for _, w := range strings.Fields(query) {
		if len(w) < 2 {
			continue
		}
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " AND ")
}

// FormatForPrompt renders entries as a contextual preamble, stopping before
// maxChars is exceeded.
func FormatForPrompt(entries []Entry, maxChars int) string {
	if len(entries) == 0 {
		return ""
	}

	header := "Relevant context from memory:"
	var b strings.Builder
	b.WriteString(header)
	used := len(header)

	wrote := false
	for _, e := range entries {
		line := "\n- " + strings.ReplaceAll(e.Content, "\n", " ")
		if used+len(line) > maxChars {
			break
		}
		b.WriteString(line)
		used += len(line)
		wrote = true
	}

	if !wrote {
		return ""
	}
	return b.String()
}
