package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

// clientRepo implements ClientRepository.
type clientRepo struct {
	db *DB
}

// NewClientRepository creates a new ClientRepository.
func NewClientRepository(db *DB) ClientRepository {
	return &clientRepo{db: db}
}

func (r *clientRepo) Create(ctx context.Context, c *models.Client) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, active, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, c.Active, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

func (r *clientRepo) GetByID(ctx context.Context, id string) (*models.Client, error) {
	var c models.Client
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, active, created_at FROM clients WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Active, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying client by id: %w", err)
	}
	return &c, nil
}

// branchRepo implements BranchRepository.
type branchRepo struct {
	db *DB
}

// NewBranchRepository creates a new BranchRepository.
func NewBranchRepository(db *DB) BranchRepository {
	return &branchRepo{db: db}
}

func (r *branchRepo) Create(ctx context.Context, b *models.Branch) error {
	if b.ID == "" {
		b.ID = newID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO branches (id, client_id, name, active, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.ClientID, b.Name, b.Active, b.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting branch: %w", err)
	}
	return nil
}

func (r *branchRepo) GetByID(ctx context.Context, id string) (*models.Branch, error) {
	var b models.Branch
	err := r.db.QueryRowContext(ctx,
		`SELECT id, client_id, name, active, created_at FROM branches WHERE id = ?`, id,
	).Scan(&b.ID, &b.ClientID, &b.Name, &b.Active, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying branch by id: %w", err)
	}
	return &b, nil
}

// locationRepo implements LocationRepository.
type locationRepo struct {
	db *DB
}

// NewLocationRepository creates a new LocationRepository.
func NewLocationRepository(db *DB) LocationRepository {
	return &locationRepo{db: db}
}

func (r *locationRepo) Create(ctx context.Context, loc *models.Location) error {
	if loc.ID == "" {
		loc.ID = newID()
	}
	now := time.Now().UTC()
	loc.CreatedAt, loc.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO locations (id, name, address, active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		loc.ID, loc.Name, loc.Address, loc.Active, now, now)
	if err != nil {
		return fmt.Errorf("inserting location: %w", err)
	}
	return nil
}

func (r *locationRepo) GetByID(ctx context.Context, id string) (*models.Location, error) {
	var loc models.Location
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, address, active, created_at, updated_at FROM locations WHERE id = ?`, id,
	).Scan(&loc.ID, &loc.Name, &loc.Address, &loc.Active, &loc.CreatedAt, &loc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying location by id: %w", err)
	}
	return &loc, nil
}

func (r *locationRepo) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE locations SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating location active flag: %w", err)
	}
	return nil
}

func (r *locationRepo) List(ctx context.Context) ([]models.Location, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, address, active, created_at, updated_at FROM locations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying locations: %w", err)
	}
	defer rows.Close()

	var locs []models.Location
	for rows.Next() {
		var loc models.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Address, &loc.Active, &loc.CreatedAt, &loc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning location row: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}
