package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	// Kind is one of auto, memory, badger, postgres.
	Kind        string
	DatabaseURL string
	BadgerDir   string
	Dim         int
}

// ResolvedKind applies the auto rule: DATABASE_URL selects postgres, a badger
// directory selects badger, and otherwise profiles live in memory.
func (c StoreConfig) ResolvedKind() string {
	kind := strings.ToLower(strings.TrimSpace(c.Kind))
	if kind != "" && kind != "auto" {
		return kind
	}
	switch {
	case strings.TrimSpace(c.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(c.BadgerDir) != "":
		return "badger"
	default:
		return "memory"
	}
}

// NewStore opens the backend named by cfg.ResolvedKind.
func NewStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (Store, error) {
	kind := cfg.ResolvedKind()
	switch kind {
	case "memory":
		return NewMemoryStore(), nil
	case "badger":
		return NewBadgerStore(cfg.BadgerDir, logger)
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("profile store postgres requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.Dim)
	default:
		return nil, fmt.Errorf("unknown profile store %q", cfg.Kind)
	}
}
