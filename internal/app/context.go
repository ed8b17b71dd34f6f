// Package app wires the shared pieces the CLI and server both need: the
// workspace database, migrations, config and the engine.
package app

import (
	"database/sql"
	"fmt"

	"batipay/internal/config"
	"batipay/internal/db"
	"batipay/internal/engine"
	"batipay/internal/migrate"
)

// Context is an opened, migrated workspace.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open opens the workspace database, applies pending migrations and loads
// config, seeding the default batipay.yml if missing.
func Open(workspace string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}
