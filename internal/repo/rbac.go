package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cadence/internal/db"
	"cadence/internal/domain"
)

// OrgRoleRow is one actor's role inside an organization.
type OrgRoleRow struct {
	OrgID   string `json:"org_id"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

func (r Repo) EnsureActor(ctx context.Context, actorID, displayName string, now time.Time) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO actors(id, display_name, created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=COALESCE(excluded.display_name, actors.display_name)`,
		actorID, nullable(displayName), db.FormatTime(now))
	return err
}

func (r Repo) EnsureOrg(ctx context.Context, orgID, name string, now time.Time) error {
	if name == "" {
		name = orgID
	}
	_, err := r.conn().ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, db.FormatTime(now))
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	var (
		o       domain.Org
		created string
	)
	err := r.conn().QueryRowContext(ctx, `SELECT id,name,created_at FROM organizations WHERE id=?`, id).Scan(&o.ID, &o.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.CreatedAt, err = db.ParseTime(created)
	return o, err
}

// SingleOrg returns the only organization of a workspace.
func (r Repo) SingleOrg(ctx context.Context) (domain.Org, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT id FROM organizations ORDER BY created_at LIMIT 2`)
	if err != nil {
		return domain.Org{}, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return domain.Org{}, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Org{}, err
	}
	switch len(ids) {
	case 0:
		return domain.Org{}, ErrNotFound
	case 1:
		return r.GetOrg(ctx, ids[0])
	default:
		return domain.Org{}, fmt.Errorf("multiple organizations exist; specify --org")
	}
}

// AssignOrgRole sets the role of actorID in orgID, replacing any previous one.
func (r Repo) AssignOrgRole(ctx context.Context, orgID, actorID, role string) error {
	_, err := r.conn().ExecContext(ctx, `INSERT INTO org_roles(org_id, actor_id, role) VALUES (?,?,?)
ON CONFLICT(org_id, actor_id) DO UPDATE SET role=excluded.role`, orgID, actorID, role)
	return err
}

func (r Repo) OrgRole(ctx context.Context, orgID, actorID string) (string, error) {
	var role string
	err := r.conn().QueryRowContext(ctx, `SELECT role FROM org_roles WHERE org_id=? AND actor_id=?`, orgID, actorID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return role, err
}

func (r Repo) ListOrgRoles(ctx context.Context, orgID string) ([]OrgRoleRow, error) {
	rows, err := r.conn().QueryContext(ctx, `SELECT org_id, actor_id, role FROM org_roles WHERE org_id=? ORDER BY actor_id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []OrgRoleRow
	for rows.Next() {
		var row OrgRoleRow
		if err := rows.Scan(&row.OrgID, &row.ActorID, &row.Role); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// ActorName returns the display name of an actor, falling back to its id.
func (r Repo) ActorName(ctx context.Context, id string) (string, error) {
	var name sql.NullString
	err := r.conn().QueryRowContext(ctx, `SELECT display_name FROM actors WHERE id=?`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if name.String == "" {
		return id, nil
	}
	return name.String, nil
}
