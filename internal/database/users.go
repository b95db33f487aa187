package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

// DefaultCountryCode is applied when the configured country code is empty.
const DefaultCountryCode = "+963"

// NormalizePhoneNumber collapses a phone number to a single canonical
// international form: spaces and dashes stripped, one country-code prefix.
// Numbers already carrying the country code (with or without '+' or '00')
// are not double-prefixed.
func NormalizePhoneNumber(raw, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	ccDigits := strings.TrimPrefix(countryCode, "+")

	n := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	n = strings.TrimPrefix(n, "00")
	n = strings.TrimPrefix(n, "+")
	n = strings.TrimPrefix(n, ccDigits)
	return countryCode + n
}

// RegisterUser creates a directory record. The phone number is normalized
// before the uniqueness check; a duplicate surfaces as
// ErrDuplicatePhoneNumber. Address assignment is the caller's concern and is
// always best-effort: registration must succeed with an empty pool.
func (s *Service) RegisterUser(ctx context.Context, params store.RegisterUserParams) (*models.User, error) {
	if params.PhoneNumber == "" {
		return nil, fmt.Errorf("phone number cannot be empty")
	}
	if params.PasswordHash == "" {
		return nil, fmt.Errorf("password hash cannot be empty")
	}

	phone := NormalizePhoneNumber(params.PhoneNumber, s.countryCode)

	zap.L().Info("Registering user", zap.String("phone_number", phone))

	userId := uuid.New().String()
	_, err := s.db.ExecContext(ctx, queryInsertUser, userId, phone, params.Name, params.PasswordHash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("phone %s: %w", phone, store.ErrDuplicatePhoneNumber)
		}
		zap.L().Error("Failed to insert user", zap.String("phone_number", phone), zap.Error(err))
		return nil, fmt.Errorf("unable to insert user: %w", err)
	}

	user, err := s.GetUserById(ctx, userId)
	if err != nil {
		return nil, err
	}

	zap.L().Info("User registered", zap.String("user_id", user.Id), zap.String("phone_number", user.PhoneNumber))
	return user, nil
}

func (s *Service) GetUserById(ctx context.Context, userId string) (*models.User, error) {
	var user models.User
	err := scanUser(s.db.QueryRowContext(ctx, queryGetUserById, userId), &user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userId, store.ErrUserNotFound)
	}
	if err != nil {
		zap.L().Error("Failed to query user by id", zap.String("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by id: %w", err)
	}
	return &user, nil
}

func (s *Service) GetUserByPhone(ctx context.Context, phoneNumber string) (*models.User, error) {
	phone := NormalizePhoneNumber(phoneNumber, s.countryCode)
	var user models.User
	err := scanUser(s.db.QueryRowContext(ctx, queryGetUserByPhone, phone), &user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("phone %s: %w", phone, store.ErrUserNotFound)
	}
	if err != nil {
		zap.L().Error("Failed to query user by phone", zap.String("phone_number", phone), zap.Error(err))
		return nil, fmt.Errorf("unable to query user by phone: %w", err)
	}
	return &user, nil
}

// MarkUserVerified flips the verification flag after the SMS code check
// (the code exchange itself happens outside the core).
func (s *Service) MarkUserVerified(ctx context.Context, userId string) error {
	res, err := s.db.ExecContext(ctx, queryMarkUserVerified, userId)
	if err != nil {
		return fmt.Errorf("unable to mark user verified: %w", err)
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

// UsersWithoutAddress lists users registered while the pool was exhausted,
// for the reconciliation pass that retries assignment after a reseed.
func (s *Service) UsersWithoutAddress(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, queryUsersWithoutAddress)
	if err != nil {
		return nil, fmt.Errorf("unable to query users without address: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := scanUser(rows, &user); err != nil {
			return nil, fmt.Errorf("unable to scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

func scanUser(row rowScanner, user *models.User) error {
	return row.Scan(&user.Id, &user.PhoneNumber, &user.Name, &user.PasswordHash, &user.IsVerified,
		&user.AssignedAddressId, &user.AssignedAddress, &user.CreatedAt, &user.UpdatedAt)
}
