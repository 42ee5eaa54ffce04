// Package app opens a cadence workspace: database, configuration, the
// organization to act in and an engine wired with authorization, logging and
// metrics.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cadence/internal/config"
	"cadence/internal/db"
	"cadence/internal/engine"
	"cadence/internal/engine/auth"
	"cadence/internal/metrics"
	"cadence/internal/migrate"
	"cadence/internal/repo"
)

type Options struct {
	Workspace string
	// OrgID overrides the single organization of the workspace. A missing org
	// is created with ActorID as owner.
	OrgID   string
	ActorID string
	Logger  *slog.Logger
	// Registerer receives the engine metrics. Nil disables them.
	Registerer prometheus.Registerer
}

type Workspace struct {
	Dir    string
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	OrgID  string
	Engine engine.Engine
}

// Open migrates the workspace database and builds an engine for it.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.New(conn)
	orgID, err := ResolveOrg(ctx, r, opts.OrgID, opts.ActorID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := EnsureSystemActor(ctx, r, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := engine.New(r, cfg)
	e.Logger = logger
	e.Authorize = Authorizer(r, cfg).Predicate()
	if opts.Registerer != nil {
		e.Metrics = metrics.New(opts.Registerer)
	}
	return &Workspace{Dir: opts.Workspace, DB: conn, Repo: r, Config: cfg, OrgID: orgID, Engine: e}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// Authorizer builds the role-table predicate for cfg.
func Authorizer(r repo.Repo, cfg *config.Config) auth.RoleAuthorizer {
	return auth.RoleAuthorizer{
		Lookup:      r,
		Roles:       cfg.RolePermissions(),
		DefaultRole: cfg.RBAC.DefaultRole,
		SystemActor: cfg.Engine.SystemActor,
	}
}

// ResolveOrg picks the organization to act in. It prefers override, then the
// single organization of the workspace. An override that does not exist yet
// is created with actorID as its owner.
func ResolveOrg(ctx context.Context, r repo.Repo, override, actorID string) (string, error) {
	if override == "" {
		org, err := r.SingleOrg(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no organization in workspace; run cadence init")
		}
		if err != nil {
			return "", err
		}
		return org.ID, nil
	}
	if _, err := r.GetOrg(ctx, override); err == nil {
		return override, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	if err := InitOrg(ctx, r, override, "", actorID); err != nil {
		return "", err
	}
	return override, nil
}

// InitOrg creates an organization with ownerID as owner in one transaction.
func InitOrg(ctx context.Context, r repo.Repo, orgID, name, ownerID string) error {
	if orgID == "" {
		return fmt.Errorf("organization id required")
	}
	if ownerID == "" {
		ownerID = "local-user"
	}
	now := time.Now()
	return r.Tx(ctx, func(tx repo.Repo) error {
		if err := tx.EnsureOrg(ctx, orgID, name, now); err != nil {
			return fmt.Errorf("ensure org: %w", err)
		}
		if err := tx.EnsureActor(ctx, ownerID, "", now); err != nil {
			return fmt.Errorf("ensure actor: %w", err)
		}
		if err := tx.AssignOrgRole(ctx, orgID, ownerID, "owner"); err != nil {
			return fmt.Errorf("assign org role: %w", err)
		}
		return nil
	})
}

// EnsureSystemActor records the sweep actor so history shows its name.
func EnsureSystemActor(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	return r.EnsureActor(ctx, cfg.Engine.SystemActor, cfg.Engine.SystemActorName, time.Now())
}

// GrantRole assigns role to actorID after checking the role exists and the
// granting actor may manage roles.
func GrantRole(ctx context.Context, w *Workspace, granterID, actorID, role string) error {
	if _, ok := w.Config.RBAC.Roles[role]; !ok {
		return engine.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %s", role)}
	}
	authz := Authorizer(w.Repo, w.Config)
	current, err := authz.ActorRole(ctx, w.OrgID, granterID)
	if err != nil {
		return err
	}
	if current != "owner" && current != "admin" {
		return auth.ForbiddenError{Permission: "roles.grant", ActorID: granterID}
	}
	return w.Repo.Tx(ctx, func(tx repo.Repo) error {
		if err := tx.EnsureActor(ctx, actorID, "", time.Now()); err != nil {
			return err
		}
		return tx.AssignOrgRole(ctx, w.OrgID, actorID, role)
	})
}
