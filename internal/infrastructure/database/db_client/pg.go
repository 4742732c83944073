package db_client

import (
	"context"
	"fmt"

	"github.com/esogbengastephen/sendapp-offramp/internal/config"
	"github.com/esogbengastephen/sendapp-offramp/internal/infrastructure/database/repositories"
	"github.com/esogbengastephen/sendapp-offramp/pkg/postgresql"
	decimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGClient struct {
	cfg config.PostgreSQL
}

func NewPGClient(cfg config.PostgreSQL) *PGClient {
	return &PGClient{cfg: cfg}
}

// Connect connects to the database and returns a pgxpool.Pool.
func (c *PGClient) Connect(ctx context.Context) (*pgxpool.Pool, error) {
	pgxConfig, err := pgxpool.ParseConfig(c.cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("pgxpool.ParseConfig: %w", err)
	}

	// Register decimal type
	pgxConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		decimal.Register(conn.TypeMap())
		return nil
	}

	db, err := postgresql.NewClient(pgxConfig, c.cfg.MaxConnAttempts)
	if err != nil {
		return nil, fmt.Errorf("postgresql.NewClient: %w", err)
	}

	if c.cfg.AutoMigrate {
		if err = repositories.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}
