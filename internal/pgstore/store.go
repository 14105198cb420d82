// Package pgstore persists dashboards in PostgreSQL.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const selectColumns = `id, owner, slug, name, source, presentation_type, start_path,
	visitors, allow_all, group_name, group_members, final_backend, started_at, created_at`

// Store implements the dashboard store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  pslog.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, logger pslog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if logger != nil {
		logger = logger.With("store", "postgres", "database", cfg.ConnConfig.Database)
	}
	return &Store{pool: pool, log: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureSchema creates the dashboards table when missing. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	s.debug("store schema ready")
	return nil
}

// Create inserts a dashboard, failing with schema.ErrSlugTaken on slug collision.
func (s *Store) Create(ctx context.Context, dashboard schema.Dashboard) error {
	if err := dashboard.Validate(); err != nil {
		return err
	}
	row, err := toRow(dashboard)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO showcase.dashboards (id, owner, slug, name, source, presentation_type, start_path,
			visitors, allow_all, group_name, group_members, final_backend, started_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11::jsonb,$12,$13,$14)
	`, row.args()...)
	if err != nil {
		if isUniqueViolation(err, "dashboards_slug_key") {
			s.debug("store create rejected", "slug", dashboard.Slug, "reason", "slug taken")
			return schema.ErrSlugTaken
		}
		return fmt.Errorf("insert dashboard: %w", err)
	}
	s.debug("store create ok", "dashboard_id", dashboard.ID, "slug", dashboard.Slug)
	return nil
}

// Save replaces an existing dashboard.
func (s *Store) Save(ctx context.Context, dashboard schema.Dashboard) error {
	if err := dashboard.Validate(); err != nil {
		return err
	}
	row, err := toRow(dashboard)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE showcase.dashboards SET
			owner=$2, slug=$3, name=$4, source=$5, presentation_type=$6, start_path=$7,
			visitors=$8::jsonb, allow_all=$9, group_name=$10, group_members=$11::jsonb,
			final_backend=$12, started_at=$13, created_at=$14
		WHERE id=$1
	`, row.args()...)
	if err != nil {
		if isUniqueViolation(err, "dashboards_slug_key") {
			return schema.ErrSlugTaken
		}
		return fmt.Errorf("update dashboard: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return schema.ErrDashboardNotFound
	}
	s.debug("store save ok", "dashboard_id", dashboard.ID)
	return nil
}

// Get loads a dashboard by ID.
func (s *Store) Get(ctx context.Context, id schema.DashboardID) (schema.Dashboard, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM showcase.dashboards WHERE id=$1`, string(id))
	if err != nil {
		return schema.Dashboard{}, err
	}
	return collectOne(rows)
}

// FindBySlug loads a dashboard by slug.
func (s *Store) FindBySlug(ctx context.Context, slug schema.Slug) (schema.Dashboard, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM showcase.dashboards WHERE slug=$1`, string(slug))
	if err != nil {
		return schema.Dashboard{}, err
	}
	return collectOne(rows)
}

// List returns all dashboards ordered by creation time.
func (s *Store) List(ctx context.Context) ([]schema.Dashboard, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM showcase.dashboards ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanDashboard)
}

func collectOne(rows pgx.Rows) (schema.Dashboard, error) {
	dashboard, err := pgx.CollectExactlyOneRow(rows, scanDashboard)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Dashboard{}, schema.ErrDashboardNotFound
	}
	return dashboard, err
}

type dashboardRow struct {
	dashboard    schema.Dashboard
	visitors     []byte
	groupMembers []byte
}

func toRow(dashboard schema.Dashboard) (dashboardRow, error) {
	visitors, err := json.Marshal(nonNil(dashboard.Visitors))
	if err != nil {
		return dashboardRow{}, err
	}
	members, err := json.Marshal(nonNil(dashboard.Group.Members))
	if err != nil {
		return dashboardRow{}, err
	}
	return dashboardRow{dashboard: dashboard, visitors: visitors, groupMembers: members}, nil
}

func (r dashboardRow) args() []any {
	d := r.dashboard
	return []any{
		string(d.ID), string(d.Owner), string(d.Slug), d.Name, string(d.Source),
		string(d.PresentationType), d.StartPath, string(r.visitors), d.AllowAll,
		string(d.Group.Name), string(r.groupMembers), string(d.FinalBackend), d.Started, d.Created,
	}
}

func scanDashboard(row pgx.CollectableRow) (schema.Dashboard, error) {
	var (
		d                 schema.Dashboard
		id, owner, slug   string
		source, presType  string
		groupName, final  string
		visitors, members []byte
		started           *time.Time
	)
	if err := row.Scan(&id, &owner, &slug, &d.Name, &source, &presType, &d.StartPath,
		&visitors, &d.AllowAll, &groupName, &members, &final, &started, &d.Created); err != nil {
		return schema.Dashboard{}, err
	}
	d.ID = schema.DashboardID(id)
	d.Owner = schema.UserID(owner)
	d.Slug = schema.Slug(slug)
	d.Source = schema.ProcessName(source)
	d.PresentationType = schema.PresentationType(presType)
	d.Group.Name = schema.GroupName(groupName)
	d.FinalBackend = schema.ProcessName(final)
	if started != nil {
		utc := started.UTC()
		d.Started = &utc
	}
	d.Created = d.Created.UTC()
	if err := json.Unmarshal(visitors, &d.Visitors); err != nil {
		return schema.Dashboard{}, fmt.Errorf("decode visitors: %w", err)
	}
	if err := json.Unmarshal(members, &d.Group.Members); err != nil {
		return schema.Dashboard{}, fmt.Errorf("decode group members: %w", err)
	}
	if len(d.Visitors) == 0 {
		d.Visitors = nil
	}
	if len(d.Group.Members) == 0 {
		d.Group.Members = nil
	}
	return d, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func nonNil(users []schema.UserID) []schema.UserID {
	if users == nil {
		return []schema.UserID{}
	}
	return users
}

func (s *Store) debug(msg string, keyvals ...any) {
	if s.log != nil {
		s.log.Debug(msg, keyvals...)
	}
}
