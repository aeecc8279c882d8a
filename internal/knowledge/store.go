// Package knowledge indexes Markdown SOP documents into SQLite and retrieves
// the sections most relevant to a request, formatted as planning context.
package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harrison/cadpilot/internal/filelock"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

//go:embed builtin/*.md
var builtinDocs embed.FS

// DefaultTopK is the number of results Search returns when topK <= 0.
const DefaultTopK = 3

// DefaultContextBudget is the FormatContext budget used when maxChars <= 0.
const DefaultContextBudget = 2000

// truncationMarker ends a result whose content was cut to fit the budget.
const truncationMarker = "...(truncated)"

// Result is one retrieved chunk with its relevance score in [0, 1].
type Result struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
	Title   string  `json:"title"`
}

// Options tunes a Store.
type Options struct {
	ChunkSize    int     // paragraph-split threshold, DefaultChunkSize when <= 0
	MinScore     float64 // results scoring below this are dropped
	CacheMaxCost int64   // bytes of cached results; 0 disables the cache
}

// Stats describes the index.
type Stats struct {
	Mode          string `json:"mode"`
	Path          string `json:"path"`
	DocumentCount int    `json:"document_count"`
	SourceCount   int    `json:"source_count"`
}

// Store is a SQLite-backed SOP index.
type Store struct {
	db       *sql.DB
	dbPath   string
	chunker  *Chunker
	minScore float64
	cache    *resultCache
}

// NewStore opens (or creates) the index at dbPath. ":memory:" keeps it in process.
func NewStore(dbPath string, opts Options) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		schemaSQL,
	} {
		if err := execWithRetry(db, stmt, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("init knowledge database: %w", err)
		}
	}

	s := &Store{
		db:       db,
		dbPath:   dbPath,
		chunker:  NewChunker(opts.ChunkSize),
		minScore: opts.MinScore,
	}
	if opts.CacheMaxCost > 0 {
		cache, err := newResultCache(opts.CacheMaxCost)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// execWithRetry executes a SQL statement with exponential backoff retry on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close releases the database and the cache.
func (s *Store) Close() error {
	if s.cache != nil {
		s.cache.close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Index indexes every *.md file below dir. Sources are recorded relative to dir.
// Files that fail are reported together; the others are still indexed.
func (s *Store) Index(ctx context.Context, dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("docs directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("docs directory %s: not a directory", dir)
	}
	return s.IndexFS(ctx, os.DirFS(dir), ".")
}

// IndexBuiltin indexes the SOP documents shipped with the binary.
func (s *Store) IndexBuiltin(ctx context.Context) (int, error) {
	return s.IndexFS(ctx, builtinDocs, "builtin")
}

// IndexFS indexes every *.md file below root in fsys.
func (s *Store) IndexFS(ctx context.Context, fsys fs.FS, root string) (int, error) {
	var files []string
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(path.Ext(p), ".md") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", root, err)
	}

	total := 0
	var errs []error
	err = s.withIndexLock(ctx, func() error {
		for _, p := range files {
			content, err := fs.ReadFile(fsys, p)
			if err != nil {
				errs = append(errs, fmt.Errorf("read %s: %w", p, err))
				continue
			}
			n, err := s.indexDocument(ctx, sourceName(root, p), content)
			if err != nil {
				errs = append(errs, fmt.Errorf("index %s: %w", p, err))
				continue
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	return total, errors.Join(errs...)
}

// IndexDocument indexes a single document, replacing any chunks previously stored for source.
func (s *Store) IndexDocument(ctx context.Context, source string, content []byte) (int, error) {
	var n int
	err := s.withIndexLock(ctx, func() error {
		var err error
		n, err = s.indexDocument(ctx, source, content)
		return err
	})
	return n, err
}

func (s *Store) indexDocument(ctx context.Context, source string, content []byte) (int, error) {
	chunks := s.chunker.Split(source, content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return 0, fmt.Errorf("delete previous chunks: %w", err)
	}
	for _, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO chunks (id, source, title, content, char_count) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.Source, c.Title, c.Content, utf8.RuneCountInString(c.Content))
		if err != nil {
			return 0, fmt.Errorf("insert chunk %s: %w", c.Title, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	if s.cache != nil {
		s.cache.clear()
	}
	return len(chunks), nil
}

// withIndexLock serializes writers across processes sharing the same database file.
func (s *Store) withIndexLock(ctx context.Context, fn func() error) error {
	if s.dbPath == ":memory:" {
		return fn()
	}
	return filelock.WithLock(ctx, s.dbPath+".lock", fn)
}

func sourceName(root, p string) string {
	if root == "." {
		return p
	}
	return strings.TrimPrefix(p, root+"/")
}

// Search scores every chunk by the fraction of query keywords it contains and
// returns the best topK with a score above zero and at least the store's minimum.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	kws := keywords(query)
	if len(kws) == 0 {
		return nil, nil
	}

	key := cacheKey(query, topK)
	if s.cache != nil {
		if cached, ok := s.cache.get(key); ok {
			return cached, nil
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT source, title, content FROM chunks ORDER BY source, rowid`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Source, &r.Title, &r.Content); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		r.Score = score(kws, strings.ToLower(r.Content))
		if r.Score > 0 && r.Score >= s.minScore {
			results = append(results, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}

	if s.cache != nil {
		s.cache.set(key, results)
	}
	return results, nil
}

// keywords returns the distinct lower-cased words of query in sorted order.
func keywords(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

func score(kws []string, lowerContent string) float64 {
	if len(kws) == 0 {
		return 0
	}
	matches := 0
	for _, kw := range kws {
		if strings.Contains(lowerContent, kw) {
			matches++
		}
	}
	return float64(matches) / float64(len(kws))
}

// FormatContext renders results as prompt context of at most roughly maxChars characters.
// Each result gets a numbered header with its score and source. When the next
// result does not fit, its content is cut and marked as truncated if more than
// 100 characters remain, and formatting stops.
func (s *Store) FormatContext(results []Result, maxChars int) string {
	return FormatContext(results, maxChars)
}

// FormatContext is the package-level form of Store.FormatContext.
func FormatContext(results []Result, maxChars int) string {
	if len(results) == 0 {
		return ""
	}
	if maxChars <= 0 {
		maxChars = DefaultContextBudget
	}

	var parts []string
	current := 0
	for i, r := range results {
		header := fmt.Sprintf("### Relevant document %d (score: %.2f)\n", i+1, r.Score)
		source := ""
		if r.Source != "" {
			source = fmt.Sprintf("Source: %s\n", r.Source)
		}
		part := header + source + "\n" + r.Content + "\n\n---\n"
		partLen := utf8.RuneCountInString(part)

		if current+partLen > maxChars {
			available := maxChars - current - utf8.RuneCountInString(header) - utf8.RuneCountInString(source) - 20
			if available > 100 {
				parts = append(parts, header+source+"\n"+truncateRunes(r.Content, available)+truncationMarker+"\n\n---\n")
			}
			break
		}
		parts = append(parts, part)
		current += partLen
	}
	return strings.Join(parts, "\n")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Stats reports how many chunks and source documents are indexed.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Mode: "sqlite", Path: s.dbPath}
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT source) FROM chunks`).
		Scan(&st.DocumentCount, &st.SourceCount)
	if err != nil {
		return st, fmt.Errorf("count chunks: %w", err)
	}
	return st, nil
}

// Clear empties the index.
func (s *Store) Clear(ctx context.Context) error {
	return s.withIndexLock(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
			return fmt.Errorf("clear chunks: %w", err)
		}
		if s.cache != nil {
			s.cache.clear()
		}
		return nil
	})
}
