// Package store keeps estimated source models in PostgreSQL. Each row is
// one estimation run: bias is the transmitted power in dBm and gamma the
// path-loss exponent, the parameters RSSI ranging needs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"rssi-engine/radio"
)

var ErrNotFound = errors.New("store: model not found")

const schema = `
create table if not exists models (
	run_id       uuid primary key,
	id           text not null,
	bias         double precision not null,
	gamma        double precision not null,
	x            double precision not null,
	y            double precision not null,
	z            double precision,
	position_std double precision,
	readings     integer not null,
	inliers      integer not null,
	created_at   timestamptz not null
);
create index if not exists models_id_created on models (id, created_at desc);
`

const columns = `run_id, id, bias, gamma, x, y, z, position_std, readings, inliers, created_at`

type Model struct {
	RunID       string          `db:"run_id" json:"runId"`
	ID          string          `db:"id" json:"id"`
	Bias        float64         `db:"bias" json:"bias"`
	Gamma       float64         `db:"gamma" json:"gamma"`
	X           float64         `db:"x" json:"x"`
	Y           float64         `db:"y" json:"y"`
	Z           sql.NullFloat64 `db:"z" json:"-"`
	PositionStd sql.NullFloat64 `db:"position_std" json:"-"`
	Readings    int             `db:"readings" json:"readings"`
	Inliers     int             `db:"inliers" json:"inliers"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}

// NewModel records est as the outcome of run runID.
func NewModel(runID string, est *radio.EstimatedSource, readings, inliers int, at time.Time) *Model {
	m := &Model{
		RunID:     runID,
		ID:        est.Source.ID,
		Bias:      est.PowerDbm,
		Gamma:     est.PathLossExponent,
		Readings:  readings,
		Inliers:   inliers,
		CreatedAt: at,
	}
	p := est.Position
	if len(p) > 0 {
		m.X = p[0]
	}
	if len(p) > 1 {
		m.Y = p[1]
	}
	if len(p) > 2 {
		m.Z = sql.NullFloat64{Float64: p[2], Valid: true}
	}
	if est.PositionCovariance != nil {
		m.PositionStd = sql.NullFloat64{Float64: est.PositionStdDev(), Valid: true}
	}
	return m
}

// Position is the stored source position, 2D when z is null.
func (m *Model) Position() radio.Point {
	if m.Z.Valid {
		return radio.NewPoint3(m.X, m.Y, m.Z.Float64)
	}
	return radio.NewPoint2(m.X, m.Y)
}

type Store struct {
	db *sqlx.DB
}

// Open connects to the PostgreSQL database at dsn.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the models table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, m *Model) error {
	_, err := s.db.NamedExecContext(ctx, `
		insert into models (`+columns+`)
		values (:run_id, :id, :bias, :gamma, :x, :y, :z, :position_std, :readings, :inliers, :created_at)
	`, m)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", m.ID, err)
	}
	return nil
}

// Latest returns the newest model of source id.
func (s *Store) Latest(ctx context.Context, id string) (*Model, error) {
	var m Model
	err := s.db.GetContext(ctx, &m, `
		select `+columns+`
		from models
		where id = $1
		order by created_at desc
		limit 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest %s: %w", id, err)
	}
	return &m, nil
}

// List returns the newest model of every source, ordered by id.
func (s *Store) List(ctx context.Context) ([]Model, error) {
	var models []Model
	err := s.db.SelectContext(ctx, &models, `
		select distinct on (id) `+columns+`
		from models
		order by id, created_at desc
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return models, nil
}
