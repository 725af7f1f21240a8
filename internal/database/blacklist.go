package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kioskguard/kioskguard/internal/database/models"
)

const blacklistColumns = `id, fingerprint, reason, blocked_by, device_info, last_seen_ip,
	violation_count, is_permanent, unblock_after, blocked_at`

// blacklistRepo implements BlacklistRepository.
type blacklistRepo struct {
	db *DB
}

// NewBlacklistRepository creates a new BlacklistRepository.
func NewBlacklistRepository(db *DB) BlacklistRepository {
	return &blacklistRepo{db: db}
}

func scanBlacklist(s rowScanner) (*models.BlacklistEntry, error) {
	var e models.BlacklistEntry
	err := s.Scan(&e.ID, &e.Fingerprint, &e.Reason, &e.BlockedBy, &e.DeviceInfo, &e.LastSeenIP,
		&e.ViolationCount, &e.IsPermanent, &e.UnblockAfter, &e.BlockedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *blacklistRepo) Create(ctx context.Context, e *models.BlacklistEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.DeviceInfo == "" {
		e.DeviceInfo = "{}"
	}
	if e.ViolationCount == 0 {
		e.ViolationCount = 1
	}
	e.Fingerprint = strings.ToLower(e.Fingerprint)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO blacklist (`+blacklistColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Fingerprint, e.Reason, e.BlockedBy, e.DeviceInfo, e.LastSeenIP,
		e.ViolationCount, e.IsPermanent, nullTime(e.UnblockAfter), e.BlockedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting blacklist entry: %w", err)
	}
	return nil
}

func (r *blacklistRepo) GetByFingerprint(ctx context.Context, fingerprint string) (*models.BlacklistEntry, error) {
	e, err := scanBlacklist(r.db.QueryRowContext(ctx,
		`SELECT `+blacklistColumns+` FROM blacklist WHERE fingerprint = ?`, strings.ToLower(fingerprint)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying blacklist by fingerprint: %w", err)
	}
	return e, nil
}

func (r *blacklistRepo) Update(ctx context.Context, e *models.BlacklistEntry) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE blacklist SET reason = ?, blocked_by = ?, device_info = ?, last_seen_ip = ?,
		   violation_count = ?, is_permanent = ?, unblock_after = ?, blocked_at = ?
		 WHERE id = ?`,
		e.Reason, e.BlockedBy, e.DeviceInfo, e.LastSeenIP,
		e.ViolationCount, e.IsPermanent, nullTime(e.UnblockAfter), e.BlockedAt.UTC(), e.ID)
	if err != nil {
		return fmt.Errorf("updating blacklist entry: %w", err)
	}
	return nil
}

func (r *blacklistRepo) Delete(ctx context.Context, fingerprint string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM blacklist WHERE fingerprint = ?`, strings.ToLower(fingerprint))
	if err != nil {
		return false, fmt.Errorf("deleting blacklist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking deleted blacklist rows: %w", err)
	}
	return n > 0, nil
}

func (r *blacklistRepo) List(ctx context.Context) ([]models.BlacklistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+blacklistColumns+` FROM blacklist ORDER BY blocked_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("querying blacklist: %w", err)
	}
	defer rows.Close()

	var entries []models.BlacklistEntry
	for rows.Next() {
		e, err := scanBlacklist(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning blacklist row: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
