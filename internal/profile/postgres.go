package profile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps profiles in PostgreSQL with the pgvector extension.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, dim int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS voice_profiles (
			name TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			weight INTEGER NOT NULL CHECK (weight >= 1),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Fetch(ctx context.Context, name string) (Profile, bool, error) {
	var (
		text   string
		weight int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT embedding::text, weight FROM voice_profiles WHERE name=$1`, name,
	).Scan(&text, &weight)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("fetch profile %q: %w", name, err)
	}
	vec, err := parseVector(text)
	if err != nil {
		return Profile{}, false, fmt.Errorf("fetch profile %q: %w", name, err)
	}
	return Profile{Name: name, Embedding: vec, Weight: weight}, true, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, p Profile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_profiles (name, embedding, weight, updated_at)
		 VALUES ($1, $2::vector, $3, now())
		 ON CONFLICT (name) DO UPDATE SET embedding=EXCLUDED.embedding, weight=EXCLUDED.weight, updated_at=now()`,
		p.Name, formatVector(p.Embedding), p.Weight,
	)
	if err != nil {
		return fmt.Errorf("upsert profile %q: %w", p.Name, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM voice_profiles WHERE name=$1`, name); err != nil {
		return fmt.Errorf("delete profile %q: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) QueryTopK(ctx context.Context, vec []float32, k int) ([]Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT name, 1 - (embedding <=> $1::vector) AS cos
		 FROM voice_profiles ORDER BY embedding <=> $1::vector LIMIT $2`,
		formatVector(vec), k,
	)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, k)
	for rows.Next() {
		var (
			name string
			cos  float64
		)
		if err := rows.Scan(&name, &cos); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		out = append(out, Candidate{Name: name, Score: RemapScore(cos)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate rows: %w", err)
	}
	sortCandidates(out)
	return out, nil
}

func (s *PostgresStore) ListAll(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, weight FROM voice_profiles`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			name   string
			weight int
		)
		if err := rows.Scan(&name, &weight); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		out[name] = weight
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// formatVector renders vec in pgvector's text form, e.g. [0.1,0.2].
func formatVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '[' || text[len(text)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", text)
	}
	body := text[1 : len(text)-1]
	if strings.TrimSpace(body) == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("malformed vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
