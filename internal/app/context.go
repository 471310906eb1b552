package app

import (
	"context"
	"database/sql"
	"fmt"

	"quicktasker/internal/config"
	"quicktasker/internal/db"
	"quicktasker/internal/domain"
	"quicktasker/internal/engine"
	"quicktasker/internal/migrate"
)

// Bootstrap opens the workspace database, applies migrations, loads the
// marketplace config (falling back to defaults when quicktasker.yml is
// absent) and seeds the bootstrap admin account when one is configured.
func Bootstrap(ctx context.Context, workspace string) (*sql.DB, engine.Engine, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, engine.Engine{}, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, engine.Engine{}, err
	}
	eng := engine.New(conn, cfg)
	if err := seedAdmin(ctx, eng); err != nil {
		conn.Close()
		return nil, engine.Engine{}, err
	}
	return conn, eng, nil
}

// seedAdmin ensures the configured bootstrap admin exists. Registration is
// idempotent, so repeated startups leave the account untouched.
func seedAdmin(ctx context.Context, eng engine.Engine) error {
	email := eng.Config.Bootstrap.AdminEmail
	if email == "" {
		return nil
	}
	_, err := eng.RegisterAccount(ctx, engine.AccountCreateOptions{
		Email: email,
		Name:  "Administrator",
		Role:  domain.RoleAdmin,
	})
	if err != nil {
		return fmt.Errorf("seed admin account: %w", err)
	}
	return nil
}
