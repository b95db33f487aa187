package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

// maxClaimAttempts bounds the retry loop when a conditional claim loses a
// race against a concurrent caller.
const maxClaimAttempts = 5

// SeedAddresses bulk-inserts pool addresses. Values that already exist are
// skipped silently (INSERT OR IGNORE); the batch never fails on duplicates.
func (s *Service) SeedAddresses(ctx context.Context, addresses []store.SeedAddress) (*models.SeedResult, error) {
	result := &models.SeedResult{}
	for _, a := range addresses {
		if a.Address == "" {
			return nil, fmt.Errorf("seed entry with empty address")
		}
		network := a.Network
		if network == "" {
			network = "ETH"
		}
		res, err := s.db.ExecContext(ctx, queryInsertAddress, uuid.New().String(), a.Address, network)
		if err != nil {
			return nil, fmt.Errorf("unable to insert address %s: %w", a.Address, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("unable to get rows affected: %w", err)
		}
		if affected == 0 {
			result.Skipped++
		} else {
			result.Inserted++
		}
	}

	zap.L().Info("Address pool seeded",
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

// AssignAddress atomically claims one available pool address for the user
// and updates the user's display cache in the same database transaction.
// Idempotent: a user already holding an address gets that address back.
// Returns ErrNoAddressAvailable when the pool is exhausted.
func (s *Service) AssignAddress(ctx context.Context, userId string) (*models.PublicAddress, error) {
	existing, err := s.GetUserAddress(ctx, userId)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		zap.L().Debug("User already holds an address",
			zap.String("user_id", userId),
			zap.String("address", existing.Address))
		return existing, nil
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		addr, err := s.claimAvailableAddress(ctx, userId)
		if err == nil {
			zap.L().Info("Address assigned",
				zap.String("user_id", userId),
				zap.String("address_id", addr.Id),
				zap.String("address", addr.Address))
			return addr, nil
		}
		if errors.Is(err, store.ErrConcurrentModification) {
			zap.L().Debug("Lost claim race, retrying",
				zap.String("user_id", userId),
				zap.Int("attempt", attempt+1))
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("address claim retries exhausted: %w", store.ErrConcurrentModification)
}

// claimAvailableAddress performs one conditional claim: pick a candidate,
// flip it where status is still available, attach the display cache.
// A lost race surfaces as ErrConcurrentModification so the caller retries.
func (s *Service) claimAvailableAddress(ctx context.Context, userId string) (*models.PublicAddress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var candidateId string
	err = tx.QueryRowContext(ctx, queryPickAvailableAddress).Scan(&candidateId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoAddressAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("unable to pick available address: %w", err)
	}

	res, err := tx.ExecContext(ctx, queryClaimAddress, userId, candidateId)
	if err != nil {
		return nil, fmt.Errorf("unable to claim address: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, store.ErrConcurrentModification
	}

	addr, err := getAddressByIdTx(ctx, tx, candidateId)
	if err != nil {
		return nil, err
	}

	if err := attachUserAddressTx(ctx, tx, userId, addr); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return addr, nil
}

// ReleaseAddress returns the user's address to the pool and clears the
// user's display cache. Returns (nil, nil) when the user holds nothing.
func (s *Service) ReleaseAddress(ctx context.Context, userId string) (*models.PublicAddress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var addr models.PublicAddress
	err = scanAddress(tx.QueryRowContext(ctx, queryGetUserAssignedAddress, userId), &addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query assigned address: %w", err)
	}

	res, err := tx.ExecContext(ctx, queryReleaseAddress, addr.Id, userId)
	if err != nil {
		return nil, fmt.Errorf("unable to release address: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("release lost a concurrent update: %w", store.ErrConcurrentModification)
	}

	if _, err := tx.ExecContext(ctx, queryDetachUserAddress, userId); err != nil {
		return nil, fmt.Errorf("unable to detach user address: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	addr.Status = models.AddressStatusAvailable
	addr.UserId = ""
	zap.L().Info("Address released",
		zap.String("user_id", userId),
		zap.String("address_id", addr.Id),
		zap.String("address", addr.Address))
	return &addr, nil
}

// ReassignAddress force-assigns a specific address (admin override). The
// caller's prior address, if any, is released inside the same transaction so
// a user never holds two addresses. Returns ErrAddressNotAvailable when the
// target is held by someone else.
func (s *Service) ReassignAddress(ctx context.Context, addressId, userId string) (*models.PublicAddress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	target, err := getAddressByIdTx(ctx, tx, addressId)
	if err != nil {
		return nil, err
	}

	if target.Status == models.AddressStatusAssigned {
		if target.UserId == userId {
			return target, nil
		}
		return nil, fmt.Errorf("address %s is held by another user: %w", addressId, store.ErrAddressNotAvailable)
	}

	// Release the caller's prior address first.
	var prior models.PublicAddress
	err = scanAddress(tx.QueryRowContext(ctx, queryGetUserAssignedAddress, userId), &prior)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// nothing to release
	case err != nil:
		return nil, fmt.Errorf("unable to query prior address: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, queryReleaseAddress, prior.Id, userId); err != nil {
			return nil, fmt.Errorf("unable to release prior address: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, queryClaimAddress, userId, addressId)
	if err != nil {
		return nil, fmt.Errorf("unable to claim address: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("address %s was claimed concurrently: %w", addressId, store.ErrAddressNotAvailable)
	}

	claimed, err := getAddressByIdTx(ctx, tx, addressId)
	if err != nil {
		return nil, err
	}
	if err := attachUserAddressTx(ctx, tx, userId, claimed); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Address reassigned",
		zap.String("user_id", userId),
		zap.String("address_id", claimed.Id),
		zap.String("address", claimed.Address))
	return claimed, nil
}

// RemoveAddress deletes a pool address (admin operation). Any user reference
// is cleared first so the directory never points at a deleted row.
func (s *Service) RemoveAddress(ctx context.Context, addressId string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	addr, err := getAddressByIdTx(ctx, tx, addressId)
	if err != nil {
		return err
	}

	if addr.UserId != "" {
		if _, err := tx.ExecContext(ctx, queryDetachUserAddress, addr.UserId); err != nil {
			return fmt.Errorf("unable to detach user address: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, queryDeleteAddress, addressId); err != nil {
		return fmt.Errorf("unable to delete address: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	zap.L().Info("Address removed",
		zap.String("address_id", addressId),
		zap.String("address", addr.Address))
	return nil
}

// GetUserAddress returns the address currently assigned to the user, or
// (nil, nil) when none is.
func (s *Service) GetUserAddress(ctx context.Context, userId string) (*models.PublicAddress, error) {
	var addr models.PublicAddress
	err := scanAddress(s.db.QueryRowContext(ctx, queryGetUserAssignedAddress, userId), &addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query user address: %w", err)
	}
	return &addr, nil
}

// GetAvailableAddresses lists unassigned pool addresses.
func (s *Service) GetAvailableAddresses(ctx context.Context) ([]models.PublicAddress, error) {
	rows, err := s.db.QueryContext(ctx, queryGetAvailableAddresses)
	if err != nil {
		return nil, fmt.Errorf("unable to query available addresses: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var addresses []models.PublicAddress
	for rows.Next() {
		var addr models.PublicAddress
		if err := scanAddressRows(rows, &addr); err != nil {
			return nil, fmt.Errorf("unable to scan address row: %w", err)
		}
		addresses = append(addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating address rows: %w", err)
	}
	return addresses, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAddress(row rowScanner, addr *models.PublicAddress) error {
	return row.Scan(&addr.Id, &addr.Address, &addr.Network, &addr.Status, &addr.UserId,
		&addr.CreatedAt, &addr.UpdatedAt)
}

func scanAddressRows(rows *sql.Rows, addr *models.PublicAddress) error {
	return scanAddress(rows, addr)
}

func getAddressByIdTx(ctx context.Context, tx *sql.Tx, addressId string) (*models.PublicAddress, error) {
	var addr models.PublicAddress
	err := scanAddress(tx.QueryRowContext(ctx, queryGetAddressById, addressId), &addr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("address %s: %w", addressId, store.ErrAddressNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query address by id: %w", err)
	}
	return &addr, nil
}

// attachUserAddressTx writes the display cache on the user row. It is only
// ever called as the second half of a pool claim, never independently.
func attachUserAddressTx(ctx context.Context, tx *sql.Tx, userId string, addr *models.PublicAddress) error {
	res, err := tx.ExecContext(ctx, queryAttachUserAddress, addr.Id, addr.Address, userId)
	if err != nil {
		return fmt.Errorf("unable to attach user address: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %s: %w", userId, store.ErrUserNotFound)
	}
	return nil
}
