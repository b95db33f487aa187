package workflow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"usdt-custody-go/internal/metadata"
	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

// RequestWithdrawal opens a pending WITHDRAW ledger entry for sending custody
// funds to an external address. When an admin files it on a user's behalf,
// initiatedBy carries the admin identity; the flow is otherwise identical to
// a user-initiated request.
func (s *Service) RequestWithdrawal(ctx context.Context, correlationId, userId, toAddress string, amount decimal.Decimal, initiatedBy string) (*models.Transaction, error) {
	if _, err := s.db.GetUserById(ctx, userId); err != nil {
		return nil, err
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %s", amount.String())
	}
	if toAddress == "" {
		return nil, fmt.Errorf("withdrawal destination address cannot be empty")
	}

	md := metadata.New()
	if initiatedBy != "" && initiatedBy != userId {
		md.Set("initiatedBy", initiatedBy)
	}

	tx, err := s.db.CreateTransaction(ctx, store.CreateTransactionParams{
		CorrelationId: correlationId,
		UserId:        userId,
		Kind:          models.TxKindWithdraw,
		Amount:        amount,
		ToAddress:     toAddress,
		Metadata:      md,
	})
	if err != nil {
		return nil, err
	}

	s.notify(models.AdminRecipient, "New Withdrawal Request",
		fmt.Sprintf("Withdrawal request for %s USDT to %s", amount.String(), toAddress))
	return tx, nil
}

// ApproveWithdrawal sends the on-chain transfer for a pending withdrawal and
// moves the ledger entry to APPROVED with the transaction hash. The
// optimistic transition ensures a concurrent approve or reject loses cleanly.
func (s *Service) ApproveWithdrawal(ctx context.Context, transactionId string) (*models.Transaction, error) {
	tx, err := s.db.GetTransactionById(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	if tx.Kind != models.TxKindWithdraw {
		return nil, fmt.Errorf("transaction %s is %s, not a withdrawal: %w", transactionId, tx.Kind, store.ErrInvalidTransition)
	}
	if models.TerminalTxStatus(tx.Status) {
		return nil, fmt.Errorf("transaction %s is %s: %w", transactionId, tx.Status, store.ErrAlreadyTerminal)
	}

	ok, err := s.chain.CheckBalance(ctx, tx.Amount)
	if err != nil {
		return nil, fmt.Errorf("balance check failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("hot wallet cannot cover %s USDT: %w", tx.Amount.String(), store.ErrInsufficientBalance)
	}

	txHash, err := s.chain.TransferFunds(ctx, tx.ToAddress, tx.Amount)
	if err != nil {
		zap.L().Error("Withdrawal transfer failed",
			zap.String("transaction_id", transactionId),
			zap.Error(err))
		return nil, err
	}

	approved, err := s.db.TransitionTransaction(ctx, transactionId, models.TxStatusApproved, store.TransitionExtra{
		ChainTxHash: txHash,
	})
	if err != nil {
		// The transfer went out; never drop the hash.
		zap.L().Error("Failed to record approved withdrawal",
			zap.String("transaction_id", transactionId),
			zap.String("chain_tx_hash", txHash),
			zap.Error(err))
		if merr := s.db.MergeTransactionMetadata(ctx, transactionId, "chainTxHash", txHash); merr != nil {
			zap.L().Error("Failed to preserve withdrawal tx hash",
				zap.String("transaction_id", transactionId),
				zap.Error(merr))
		}
		return nil, err
	}
	return approved, nil
}

// RejectWithdrawal closes a pending withdrawal with a reason.
func (s *Service) RejectWithdrawal(ctx context.Context, transactionId, reason string) (*models.Transaction, error) {
	tx, err := s.db.GetTransactionById(ctx, transactionId)
	if err != nil {
		return nil, err
	}
	if tx.Kind != models.TxKindWithdraw {
		return nil, fmt.Errorf("transaction %s is %s, not a withdrawal: %w", transactionId, tx.Kind, store.ErrInvalidTransition)
	}

	return s.db.TransitionTransaction(ctx, transactionId, models.TxStatusRejected, store.TransitionExtra{
		RejectionReason: reason,
	})
}
