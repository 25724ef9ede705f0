package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresStorage maps the sorted-set / list / hash / string model onto
// plain tables. Key TTLs live in key_expiry and are enforced lazily.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger.Named("postgres")}

	// Initialize database schema
	if err := storage.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema(ctx context.Context) error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

const purgeExpiredSQL = `
WITH expired AS (
	DELETE FROM key_expiry WHERE expires_at <= now() %s RETURNING key
), z AS (
	DELETE FROM zset_members WHERE key IN (SELECT key FROM expired)
), l AS (
	DELETE FROM list_items WHERE key IN (SELECT key FROM expired)
), h AS (
	DELETE FROM hash_fields WHERE key IN (SELECT key FROM expired)
)
DELETE FROM kv_entries WHERE key IN (SELECT key FROM expired)`

func (s *PostgresStorage) purgeExpired(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(purgeExpiredSQL, "AND key = $1"), key); err != nil {
		return fmt.Errorf("error purging expired key %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStorage) purgeAllExpired(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(purgeExpiredSQL, "")); err != nil {
		return fmt.Errorf("error purging expired keys: %w", err)
	}
	return nil
}

func (s *PostgresStorage) count(ctx context.Context, table, key string) (int64, error) {
	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE key = $1`, table)
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("error counting %s: %w", table, err)
	}
	return n, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Sorted sets

func (s *PostgresStorage) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.purgeExpired(ctx, key); err != nil {
		return err
	}
	query := `
		INSERT INTO zset_members (key, member, score)
		VALUES ($1, $2, $3)
		ON CONFLICT (key, member) DO UPDATE SET score = EXCLUDED.score`
	if _, err := s.db.ExecContext(ctx, query, key, member, score); err != nil {
		return fmt.Errorf("error adding sorted set member: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ZCard(ctx context.Context, key string) (int64, error) {
	if err := s.purgeExpired(ctx, key); err != nil {
		return 0, err
	}
	return s.count(ctx, "zset_members", key)
}

func (s *PostgresStorage) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	n, err := s.ZCard(ctx, key)
	if err != nil {
		return nil, err
	}
	lo, hi, ok := normalizeRange(start, stop, n)
	if !ok {
		return []string{}, nil
	}

	query := `
		SELECT member FROM zset_members
		WHERE key = $1
		ORDER BY score, member
		OFFSET $2 LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, key, lo, hi-lo)
	if err != nil {
		return nil, fmt.Errorf("error querying sorted set: %w", err)
	}
	return scanStrings(rows)
}

func (s *PostgresStorage) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	n, err := s.ZCard(ctx, key)
	if err != nil {
		return err
	}
	lo, hi, ok := normalizeRange(start, stop, n)
	if !ok {
		return nil
	}

	query := `
		DELETE FROM zset_members
		WHERE key = $1 AND member IN (
			SELECT member FROM zset_members
			WHERE key = $1
			ORDER BY score, member
			OFFSET $2 LIMIT $3
		)`
	if _, err := s.db.ExecContext(ctx, query, key, lo, hi-lo); err != nil {
		return fmt.Errorf("error trimming sorted set: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ZMaxScore(ctx context.Context, key string) (float64, bool, error) {
	if err := s.purgeExpired(ctx, key); err != nil {
		return 0, false, err
	}
	var score sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT max(score) FROM zset_members WHERE key = $1`, key).Scan(&score)
	if err != nil {
		return 0, false, fmt.Errorf("error reading max score: %w", err)
	}
	return score.Float64, score.Valid, nil
}

// Lists

func (s *PostgresStorage) LPush(ctx context.Context, key, value string) error {
	if err := s.purgeExpired(ctx, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO list_items (key, value) VALUES ($1, $2)`, key, value); err != nil {
		return fmt.Errorf("error pushing list item: %w", err)
	}
	return nil
}

func (s *PostgresStorage) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.purgeExpired(ctx, key); err != nil {
		return err
	}
	n, err := s.count(ctx, "list_items", key)
	if err != nil {
		return err
	}
	lo, hi, ok := normalizeRange(start, stop, n)
	if !ok {
		_, err := s.db.ExecContext(ctx, `DELETE FROM list_items WHERE key = $1`, key)
		return err
	}

	query := `
		DELETE FROM list_items
		WHERE key = $1 AND id NOT IN (
			SELECT id FROM list_items
			WHERE key = $1
			ORDER BY id DESC
			OFFSET $2 LIMIT $3
		)`
	if _, err := s.db.ExecContext(ctx, query, key, lo, hi-lo); err != nil {
		return fmt.Errorf("error trimming list: %w", err)
	}
	return nil
}

func (s *PostgresStorage) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if err := s.purgeExpired(ctx, key); err != nil {
		return nil, err
	}
	n, err := s.count(ctx, "list_items", key)
	if err != nil {
		return nil, err
	}
	lo, hi, ok := normalizeRange(start, stop, n)
	if !ok {
		return []string{}, nil
	}

	query := `
		SELECT value FROM list_items
		WHERE key = $1
		ORDER BY id DESC
		OFFSET $2 LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, key, lo, hi-lo)
	if err != nil {
		return nil, fmt.Errorf("error querying list: %w", err)
	}
	return scanStrings(rows)
}

// Hashes

func (s *PostgresStorage) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := s.purgeExpired(ctx, key); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO hash_fields (key, field, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value`
	for field, value := range fields {
		if _, err := tx.ExecContext(ctx, query, key, field, value); err != nil {
			return fmt.Errorf("error setting hash field %s: %w", field, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStorage) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := s.purgeExpired(ctx, key); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM hash_fields WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("error querying hash: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("error scanning hash field: %w", err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (s *PostgresStorage) HIncrBy(ctx context.Context, key, field string, delta int64) error {
	if err := s.purgeExpired(ctx, key); err != nil {
		return err
	}
	query := `
		INSERT INTO hash_fields (key, field, value)
		VALUES ($1, $2, $3::text)
		ON CONFLICT (key, field) DO UPDATE
		SET value = (hash_fields.value::bigint + $4::bigint)::text`
	if _, err := s.db.ExecContext(ctx, query, key, field, strconv.FormatInt(delta, 10), delta); err != nil {
		return fmt.Errorf("error incrementing hash field: %w", err)
	}
	return nil
}

func (s *PostgresStorage) HIncrByFloat(ctx context.Context, key, field string, delta float64) error {
	if err := s.purgeExpired(ctx, key); err != nil {
		return err
	}
	query := `
		INSERT INTO hash_fields (key, field, value)
		VALUES ($1, $2, $3::text)
		ON CONFLICT (key, field) DO UPDATE
		SET value = (hash_fields.value::double precision + $4::double precision)::text`
	if _, err := s.db.ExecContext(ctx, query, key, field, strconv.FormatFloat(delta, 'f', -1, 64), delta); err != nil {
		return fmt.Errorf("error incrementing hash field: %w", err)
	}
	return nil
}

// Plain keys

func (s *PostgresStorage) Get(ctx context.Context, key string) (string, error) {
	if err := s.purgeExpired(ctx, key); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("error reading key: %w", err)
	}
	return value, nil
}

func (s *PostgresStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO kv_entries (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := tx.ExecContext(ctx, upsert, key, value); err != nil {
		return fmt.Errorf("error writing key: %w", err)
	}

	if ttl > 0 {
		if _, err := tx.ExecContext(ctx, upsertExpirySQL, key, time.Now().Add(ttl)); err != nil {
			return fmt.Errorf("error writing key expiry: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx, `DELETE FROM key_expiry WHERE key = $1`, key); err != nil {
		return fmt.Errorf("error clearing key expiry: %w", err)
	}
	return tx.Commit()
}

const upsertExpirySQL = `
	INSERT INTO key_expiry (key, expires_at) VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at`

func (s *PostgresStorage) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if _, err := s.db.ExecContext(ctx, upsertExpirySQL, key, time.Now().Add(ttl)); err != nil {
		return fmt.Errorf("error setting key expiry: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"kv_entries", "zset_members", "list_items", "hash_fields", "key_expiry"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, table)
		if _, err := tx.ExecContext(ctx, query, pq.Array(keys)); err != nil {
			return fmt.Errorf("error deleting from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// globToLike converts a Redis glob into a LIKE pattern escaped with '\'
func globToLike(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '%', '_', '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		case '*':
			b.WriteRune('%')
		case '?':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *PostgresStorage) Scan(ctx context.Context, pattern string) ([]string, error) {
	if err := s.purgeAllExpired(ctx); err != nil {
		return nil, err
	}
	query := `
		SELECT key FROM kv_entries WHERE key LIKE $1 ESCAPE '\'
		UNION SELECT key FROM zset_members WHERE key LIKE $1 ESCAPE '\'
		UNION SELECT key FROM list_items WHERE key LIKE $1 ESCAPE '\'
		UNION SELECT key FROM hash_fields WHERE key LIKE $1 ESCAPE '\'
		ORDER BY key`
	rows, err := s.db.QueryContext(ctx, query, globToLike(pattern))
	if err != nil {
		return nil, fmt.Errorf("error scanning keys: %w", err)
	}
	return scanStrings(rows)
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
