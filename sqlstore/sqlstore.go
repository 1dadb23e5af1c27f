// Package sqlstore persists articles in a relational news_articles table on
// SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pevans/borsradar/newsfeed"
	"github.com/rs/zerolog"
)

// timeLayout is fixed-width so SQLite text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store implements newsfeed.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect string
	pool    *pgxpool.Pool // set for postgres only
	logger  zerolog.Logger
}

var _ newsfeed.Store = (*Store)(nil)

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the store.
func (s *Store) Dialect() string {
	return s.dialect
}

// Close closes the database and, for postgres, the pool behind it.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *Store) fail(op string, err error) error {
	return &newsfeed.PersistenceError{Backend: s.dialect, Op: op, Err: err}
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg converts a timestamp to the column representation of the dialect.
func (s *Store) timeArg(t time.Time) any {
	t = t.UTC().Truncate(time.Microsecond)
	if s.dialect == DialectSQLite {
		return t.Format(timeLayout)
	}
	return t
}

// UpsertMany writes the listing fields of the batch in one transaction. On a
// (url, published_at) conflict only summary and image_url are updated. Any
// error rolls the whole batch back.
func (s *Store) UpsertMany(ctx context.Context, articles []newsfeed.Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.fail("upsert", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO news_articles (
			title, url, summary, image_url, published_at, source, scraped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url, published_at) DO UPDATE SET
			summary = excluded.summary,
			image_url = excluded.image_url
	`))
	if err != nil {
		return 0, s.fail("upsert", fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	affected := 0
	for _, a := range articles {
		result, err := stmt.ExecContext(ctx,
			a.Title,
			a.URL,
			a.Summary,
			a.ImageURL,
			s.timeArg(a.PublishedAt),
			a.Source,
			s.timeArg(a.ScrapedAt),
		)
		if err != nil {
			return 0, s.fail("upsert", fmt.Errorf("failed to upsert %s: %w", a.URL, err))
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, s.fail("upsert", fmt.Errorf("failed to get rows affected: %w", err))
		}
		affected += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, s.fail("upsert", fmt.Errorf("failed to commit transaction: %w", err))
	}

	s.logger.Debug().Int("rows", affected).Msg("upserted articles")
	return affected, nil
}

// Backfill writes content, authors and tags for every row with a matching
// URL and marks it fully scraped. Each article is its own transaction; the
// first failure rolls that article back and stops the backfill.
func (s *Store) Backfill(ctx context.Context, articles []newsfeed.FullArticle) (int, error) {
	query := s.rebind(`
		UPDATE news_articles
		SET content = ?, full_article_scraped = TRUE, authors = ?, tags = ?
		WHERE url = ?
	`)

	matched := 0
	for _, full := range articles {
		n, err := s.backfillOne(ctx, query, full)
		if err != nil {
			return 0, s.fail("backfill", err)
		}
		matched += n
	}

	return matched, nil
}

func (s *Store) backfillOne(ctx context.Context, query string, full newsfeed.FullArticle) (int, error) {
	authors, err := encodeList(full.Authors)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal authors: %w", err)
	}
	tags, err := encodeList(full.Tags)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, query, full.Content, authors, tags, full.URL)
	if err != nil {
		return 0, fmt.Errorf("failed to backfill %s: %w", full.URL, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return int(n), nil
}

// Query returns a page of articles, newest published first.
func (s *Store) Query(ctx context.Context, filter newsfeed.QueryFilter) (*newsfeed.Page, error) {
	var where []string
	var args []any

	if filter.FullOnly {
		where = append(where, "full_article_scraped = TRUE")
	}
	if filter.IncompleteOnly {
		where = append(where, "full_article_scraped = FALSE")
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	page := &newsfeed.Page{
		Offset: filter.Offset,
		Limit:  filter.Limit,
		Items:  []newsfeed.Article{},
	}

	if err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT COUNT(*) FROM news_articles"+clause), args...,
	).Scan(&page.Total); err != nil {
		return nil, s.fail("query", fmt.Errorf("failed to count articles: %w", err))
	}

	query := `
		SELECT title, url, summary, image_url, published_at, source,
		       content, full_article_scraped, authors, tags, scraped_at
		FROM news_articles` + clause + `
		ORDER BY published_at DESC, id DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	} else if filter.Offset > 0 && s.dialect == DialectSQLite {
		// SQLite only accepts OFFSET after a LIMIT.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.fail("query", fmt.Errorf("failed to query articles: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, s.fail("query", err)
		}
		page.Items = append(page.Items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("query", fmt.Errorf("failed to iterate articles: %w", err))
	}

	return page, nil
}

// URLs returns every distinct stored URL.
func (s *Store) URLs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT url FROM news_articles")
	if err != nil {
		return nil, s.fail("urls", fmt.Errorf("failed to query urls: %w", err))
	}
	defer rows.Close()

	urls := []string{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, s.fail("urls", fmt.Errorf("failed to scan url: %w", err))
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("urls", fmt.Errorf("failed to iterate urls: %w", err))
	}

	return urls, nil
}

func scanArticle(rows *sql.Rows) (newsfeed.Article, error) {
	var a newsfeed.Article
	var imageURL, content sql.NullString
	var publishedAt, scrapedAt dbTime
	var authors, tags string

	err := rows.Scan(
		&a.Title, &a.URL, &a.Summary, &imageURL, &publishedAt, &a.Source,
		&content, &a.FullyScraped, &authors, &tags, &scrapedAt,
	)
	if err != nil {
		return a, fmt.Errorf("failed to scan article: %w", err)
	}

	if imageURL.Valid {
		a.ImageURL = &imageURL.String
	}
	if content.Valid {
		a.Content = &content.String
	}
	a.PublishedAt = publishedAt.Time
	a.ScrapedAt = scrapedAt.Time

	if a.Authors, err = decodeList(authors); err != nil {
		return a, fmt.Errorf("failed to unmarshal authors: %w", err)
	}
	if a.Tags, err = decodeList(tags); err != nil {
		return a, fmt.Errorf("failed to unmarshal tags: %w", err)
	}

	return a, nil
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

// dbTime scans timestamps stored either natively (postgres) or as text
// (sqlite).
type dbTime struct {
	Time time.Time
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}
