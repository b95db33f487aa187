package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

// CreatePurchase inserts a new purchase in the initial pending state.
func (s *Service) CreatePurchase(ctx context.Context, params store.CreatePurchaseParams) (*models.Purchase, error) {
	if params.UserId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if params.FiatAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("fiat amount must be positive, got %s", params.FiatAmount.String())
	}
	if params.ExchangeRate.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("exchange rate must be positive, got %s", params.ExchangeRate.String())
	}

	purchaseId := uuid.New().String()
	_, err := s.db.ExecContext(ctx, queryInsertPurchase,
		purchaseId, params.UserId,
		params.FiatAmount.String(), params.CryptoAmount.String(),
		params.ExchangeRate.String(), params.FeeAmount.String())
	if err != nil {
		return nil, fmt.Errorf("unable to insert purchase: %w", err)
	}

	p, err := s.GetPurchaseById(ctx, purchaseId)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Purchase created",
		zap.String("purchase_id", p.Id),
		zap.String("user_id", p.UserId),
		zap.String("fiat_amount", p.FiatAmount.String()),
		zap.String("crypto_amount", p.CryptoAmount.String()))
	return p, nil
}

func (s *Service) GetPurchaseById(ctx context.Context, id string) (*models.Purchase, error) {
	var p models.Purchase
	err := scanPurchase(s.db.QueryRowContext(ctx, queryGetPurchaseById, id), &p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("purchase %s: %w", id, store.ErrPurchaseNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query purchase by id: %w", err)
	}
	return &p, nil
}

func (s *Service) ListUserPurchases(ctx context.Context, userId string) ([]models.Purchase, error) {
	return s.queryPurchases(ctx, queryListUserPurchases, userId)
}

// ListUnconfirmedTransfers returns completed purchases whose on-chain
// transfer has not been confirmed yet. The monitor daemon rescans these on
// startup, so a restart mid-poll loses nothing: persisted status is the
// source of truth.
func (s *Service) ListUnconfirmedTransfers(ctx context.Context) ([]models.Purchase, error) {
	return s.queryPurchases(ctx, queryListUnconfirmedTransfers)
}

// SetPurchaseReceipt records the receipt artifact and moves the purchase to
// paymentUploaded with a single conditional update. Re-upload while already
// in paymentUploaded just replaces the artifact reference. Terminal states
// surface ErrAlreadyTerminal.
func (s *Service) SetPurchaseReceipt(ctx context.Context, id, receiptRef string) (*models.Purchase, error) {
	if receiptRef == "" {
		return nil, fmt.Errorf("receipt ref cannot be empty")
	}

	res, err := s.db.ExecContext(ctx, querySetPurchaseReceipt, receiptRef, id)
	if err != nil {
		return nil, fmt.Errorf("unable to set purchase receipt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, s.classifyPurchaseConflict(ctx, id)
	}

	p, err := s.GetPurchaseById(ctx, id)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Purchase receipt recorded",
		zap.String("purchase_id", id),
		zap.String("receipt_ref", receiptRef))
	return p, nil
}

// MarkPurchaseVerified claims the admin approval: paymentUploaded ->
// verified. The conditional update makes two concurrent approvals resolve to
// exactly one winner.
func (s *Service) MarkPurchaseVerified(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, queryMarkPurchaseVerified, id)
	if err != nil {
		return fmt.Errorf("unable to mark purchase verified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.classifyPurchaseConflict(ctx, id)
	}
	return nil
}

// ClaimPurchaseTransfer takes exclusive ownership of the transfer leg:
// verified -> transferring. A verified purchase can be approved again after a
// failed transfer attempt, so this claim is what guarantees that two such
// retries never both reach the chain. The loser observes ErrTransferInFlight.
func (s *Service) ClaimPurchaseTransfer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, queryClaimPurchaseTransfer, id)
	if err != nil {
		return fmt.Errorf("unable to claim purchase transfer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.classifyPurchaseConflict(ctx, id)
	}
	return nil
}

// ReleasePurchaseTransfer returns a claimed purchase to verified so the
// approval can be retried. Only valid while no transfer has been sent; a
// purchase whose transfer went out is completed, never released.
func (s *Service) ReleasePurchaseTransfer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, queryReleasePurchaseTransfer, id)
	if err != nil {
		return fmt.Errorf("unable to release purchase transfer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return s.classifyPurchaseConflict(ctx, id)
	}
	return nil
}

// CompletePurchase records the transfer hash and moves to completed.
func (s *Service) CompletePurchase(ctx context.Context, id, chainTxHash string) (*models.Purchase, error) {
	if chainTxHash == "" {
		return nil, fmt.Errorf("chain tx hash cannot be empty")
	}

	res, err := s.db.ExecContext(ctx, queryCompletePurchase, chainTxHash, id)
	if err != nil {
		return nil, fmt.Errorf("unable to complete purchase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, s.classifyPurchaseConflict(ctx, id)
	}

	p, err := s.GetPurchaseById(ctx, id)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Purchase completed",
		zap.String("purchase_id", id),
		zap.String("chain_tx_hash", chainTxHash))
	return p, nil
}

// RejectPurchase moves a non-terminal purchase to rejected with a reason.
func (s *Service) RejectPurchase(ctx context.Context, id, reason string) (*models.Purchase, error) {
	res, err := s.db.ExecContext(ctx, queryRejectPurchase, reason, id)
	if err != nil {
		return nil, fmt.Errorf("unable to reject purchase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, s.classifyPurchaseConflict(ctx, id)
	}

	p, err := s.GetPurchaseById(ctx, id)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Purchase rejected",
		zap.String("purchase_id", id),
		zap.String("reason", reason))
	return p, nil
}

// MarkTransferConfirmed stamps confirmed_at once. The boolean result tells
// the caller whether this invocation was the one that confirmed, so the
// completion notification fires exactly once however often the monitor runs.
func (s *Service) MarkTransferConfirmed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryMarkTransferConfirmed, id)
	if err != nil {
		return false, fmt.Errorf("unable to mark transfer confirmed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unable to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkTransferFailed moves completed -> failed when the on-chain transfer
// reverted. Idempotent: a second call affects no rows and returns false.
func (s *Service) MarkTransferFailed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryMarkTransferFailed, id)
	if err != nil {
		return false, fmt.Errorf("unable to mark transfer failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unable to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// classifyPurchaseConflict turns a zero-row conditional update into the
// right sentinel: the row is gone, terminal, mid-transfer, or was moved
// concurrently.
func (s *Service) classifyPurchaseConflict(ctx context.Context, id string) error {
	p, err := s.GetPurchaseById(ctx, id)
	if err != nil {
		return err
	}
	if models.TerminalPurchaseStatus(p.Status) {
		return fmt.Errorf("purchase %s is %s: %w", id, p.Status, store.ErrAlreadyTerminal)
	}
	if p.Status == models.PurchaseStatusTransferring {
		return fmt.Errorf("purchase %s: %w", id, store.ErrTransferInFlight)
	}
	return fmt.Errorf("purchase %s is %s: %w", id, p.Status, store.ErrInvalidTransition)
}

func (s *Service) queryPurchases(ctx context.Context, query string, args ...any) ([]models.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to query purchases: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var purchases []models.Purchase
	for rows.Next() {
		var p models.Purchase
		if err := scanPurchase(rows, &p); err != nil {
			return nil, fmt.Errorf("unable to scan purchase row: %w", err)
		}
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchase rows: %w", err)
	}
	return purchases, nil
}

func scanPurchase(row rowScanner, p *models.Purchase) error {
	var fiatStr, cryptoStr, rateStr, feeStr string
	var confirmedAt sql.NullTime
	err := row.Scan(&p.Id, &p.UserId, &fiatStr, &cryptoStr, &rateStr, &feeStr,
		&p.Status, &p.ReceiptRef, &p.RejectionReason, &p.ChainTxHash, &confirmedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}

	if p.FiatAmount, err = decimal.NewFromString(fiatStr); err != nil {
		return fmt.Errorf("failed to parse fiat_amount %q: %w", fiatStr, err)
	}
	if p.CryptoAmount, err = decimal.NewFromString(cryptoStr); err != nil {
		return fmt.Errorf("failed to parse crypto_amount %q: %w", cryptoStr, err)
	}
	if p.ExchangeRate, err = decimal.NewFromString(rateStr); err != nil {
		return fmt.Errorf("failed to parse exchange_rate %q: %w", rateStr, err)
	}
	if p.FeeAmount, err = decimal.NewFromString(feeStr); err != nil {
		return fmt.Errorf("failed to parse fee_amount %q: %w", feeStr, err)
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		p.ConfirmedAt = &t
	}
	return nil
}
