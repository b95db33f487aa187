package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"usdt-custody-go/internal/metadata"
	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

// maxMergeAttempts bounds the compare-and-swap loop in
// MergeTransactionMetadata.
const maxMergeAttempts = 5

// CreateTransaction appends a PENDING ledger entry. The correlation id is a
// client-generated idempotency key; a second create with the same id fails
// with ErrDuplicateCorrelationId and never writes a second row.
func (s *Service) CreateTransaction(ctx context.Context, params store.CreateTransactionParams) (*models.Transaction, error) {
	if params.CorrelationId == "" {
		return nil, fmt.Errorf("correlation id cannot be empty")
	}
	if params.UserId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if !models.ValidTxKind(params.Kind) {
		return nil, fmt.Errorf("invalid transaction kind %q", params.Kind)
	}

	var existingId string
	err := s.db.QueryRowContext(ctx, queryCheckCorrelationId, params.CorrelationId).Scan(&existingId)
	if err == nil {
		zap.L().Warn("Duplicate correlation id detected, skipping",
			zap.String("correlation_id", params.CorrelationId),
			zap.String("existing_transaction_id", existingId))
		return nil, fmt.Errorf("correlation_id %s already exists: %w", params.CorrelationId, store.ErrDuplicateCorrelationId)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check for duplicate correlation id: %w", err)
	}

	md := params.Metadata
	if md == nil {
		md = metadata.New()
	}
	mdJSON, err := md.Serialize()
	if err != nil {
		return nil, fmt.Errorf("unable to serialize metadata: %w", err)
	}

	transactionId := uuid.New().String()
	_, err = s.db.ExecContext(ctx, queryInsertTransaction,
		transactionId, params.CorrelationId, params.UserId, params.Kind,
		params.Amount.String(), "", params.FromAddress, params.ToAddress, mdJSON)
	if err != nil {
		// A concurrent create can slip past the pre-check; the unique index
		// on correlation_id still stops the second row.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("correlation_id %s already exists: %w", params.CorrelationId, store.ErrDuplicateCorrelationId)
		}
		return nil, fmt.Errorf("unable to insert transaction: %w", err)
	}

	tx, err := s.GetTransactionById(ctx, transactionId)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Transaction created",
		zap.String("transaction_id", tx.Id),
		zap.String("correlation_id", tx.CorrelationId),
		zap.String("user_id", tx.UserId),
		zap.String("kind", tx.Kind),
		zap.String("amount", tx.Amount.String()))
	return tx, nil
}

func (s *Service) GetTransactionById(ctx context.Context, id string) (*models.Transaction, error) {
	var tx models.Transaction
	err := scanTransaction(s.db.QueryRowContext(ctx, queryGetTransactionById, id), &tx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query transaction by id: %w", err)
	}
	return &tx, nil
}

func (s *Service) GetTransactionByCorrelationId(ctx context.Context, correlationId string) (*models.Transaction, error) {
	var tx models.Transaction
	err := scanTransaction(s.db.QueryRowContext(ctx, queryGetTransactionByCorrelationId, correlationId), &tx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("correlation_id %s: %w", correlationId, store.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query transaction by correlation id: %w", err)
	}
	return &tx, nil
}

// LookupTransaction resolves an identifier a mobile client may hold: the
// internal id is tried first only when the identifier is syntactically a
// UUID, otherwise the correlation lookup runs directly.
func (s *Service) LookupTransaction(ctx context.Context, identifier string) (*models.Transaction, error) {
	if _, err := uuid.Parse(identifier); err == nil {
		tx, err := s.GetTransactionById(ctx, identifier)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
	}
	return s.GetTransactionByCorrelationId(ctx, identifier)
}

// validTxTransition encodes the one-way state machine:
// PENDING -> APPROVED, PENDING -> REJECTED.
func validTxTransition(from, to string) bool {
	return from == models.TxStatusPending &&
		(to == models.TxStatusApproved || to == models.TxStatusRejected)
}

// TransitionTransaction moves a ledger entry to newStatus with an optimistic
// conditional update keyed on the expected current status. Of two concurrent
// transitions exactly one succeeds; the loser gets ErrAlreadyTerminal.
// Exactly one notification is dispatched per successful transition.
func (s *Service) TransitionTransaction(ctx context.Context, id, newStatus string, extra store.TransitionExtra) (*models.Transaction, error) {
	current, err := s.GetTransactionById(ctx, id)
	if err != nil {
		return nil, err
	}

	if models.TerminalTxStatus(current.Status) {
		return nil, fmt.Errorf("transaction %s is %s: %w", id, current.Status, store.ErrAlreadyTerminal)
	}
	if !validTxTransition(current.Status, newStatus) {
		return nil, fmt.Errorf("transaction %s: %s -> %s: %w", id, current.Status, newStatus, store.ErrInvalidTransition)
	}

	reason := current.RejectionReason
	if extra.RejectionReason != "" {
		reason = extra.RejectionReason
	}
	txHash := current.ChainTxHash
	if extra.ChainTxHash != "" {
		txHash = extra.ChainTxHash
	}
	md := current.Metadata.Clone()
	if extra.Metadata != nil {
		for _, k := range extra.Metadata.Keys() {
			v, _ := extra.Metadata.Get(k)
			md.Set(k, v)
		}
	}
	mdJSON, err := md.Serialize()
	if err != nil {
		return nil, fmt.Errorf("unable to serialize metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, queryTransitionTransaction,
		newStatus, reason, txHash, mdJSON, id, current.Status)
	if err != nil {
		return nil, fmt.Errorf("unable to transition transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to get rows affected: %w", err)
	}
	if affected == 0 {
		// A concurrent transition won. Reload to classify.
		latest, lerr := s.GetTransactionById(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		if models.TerminalTxStatus(latest.Status) {
			return nil, fmt.Errorf("transaction %s is %s: %w", id, latest.Status, store.ErrAlreadyTerminal)
		}
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrConcurrentModification)
	}

	updated, err := s.GetTransactionById(ctx, id)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Transaction transitioned",
		zap.String("transaction_id", id),
		zap.String("from", current.Status),
		zap.String("to", newStatus))

	switch newStatus {
	case models.TxStatusApproved:
		s.notify(updated.UserId, "Transaction Approved",
			fmt.Sprintf("Your %s transaction for %s USDT has been approved", updated.Kind, updated.Amount.String()))
	case models.TxStatusRejected:
		s.notify(updated.UserId, "Transaction Rejected",
			fmt.Sprintf("Your %s transaction for %s USDT has been rejected: %s", updated.Kind, updated.Amount.String(), reason))
	}

	return updated, nil
}

// MergeTransactionMetadata upserts a single metadata key without touching
// status. Allowed on terminal transactions: late-arriving audit details
// (remittance number, refined rejection reason) still land in the trail.
// A compare-and-swap on the serialized mapping guards concurrent merges.
func (s *Service) MergeTransactionMetadata(ctx context.Context, id, key, value string) error {
	if key == "" {
		return fmt.Errorf("metadata key cannot be empty")
	}

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		var rawMd string
		err := s.db.QueryRowContext(ctx, queryGetTransactionMetadata, id).Scan(&rawMd)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transaction %s: %w", id, store.ErrTransactionNotFound)
		}
		if err != nil {
			return fmt.Errorf("unable to read metadata: %w", err)
		}

		md, err := metadata.Parse(rawMd)
		if err != nil {
			return fmt.Errorf("unable to parse stored metadata: %w", err)
		}
		md.Set(key, value)
		newMd, err := md.Serialize()
		if err != nil {
			return fmt.Errorf("unable to serialize metadata: %w", err)
		}

		res, err := s.db.ExecContext(ctx, queryMergeTransactionMetadata, newMd, id, rawMd)
		if err != nil {
			return fmt.Errorf("unable to merge metadata: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("unable to get rows affected: %w", err)
		}
		if affected > 0 {
			zap.L().Debug("Transaction metadata merged",
				zap.String("transaction_id", id),
				zap.String("key", key))
			return nil
		}
		// Lost the CAS against a concurrent merge; re-read and retry.
	}

	return fmt.Errorf("metadata merge retries exhausted for %s: %w", id, store.ErrConcurrentModification)
}

// ListUserTransactions returns a page of the user's ledger entries, newest
// first.
func (s *Service) ListUserTransactions(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, queryListUserTransactions, userId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("unable to query user transactions: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			zap.L().Warn("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var transactions []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := scanTransaction(rows, &tx); err != nil {
			return nil, fmt.Errorf("unable to scan transaction row: %w", err)
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return transactions, nil
}

func scanTransaction(row rowScanner, tx *models.Transaction) error {
	var amountStr, mdStr string
	err := row.Scan(&tx.Id, &tx.CorrelationId, &tx.UserId, &tx.Kind, &amountStr, &tx.Status,
		&tx.ChainTxHash, &tx.FromAddress, &tx.ToAddress, &tx.RejectionReason, &mdStr,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return err
	}

	tx.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return fmt.Errorf("failed to parse amount %q: %w", amountStr, err)
	}
	tx.Metadata, err = metadata.Parse(mdStr)
	if err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	return nil
}
