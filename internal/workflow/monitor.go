package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

const defaultPollInterval = 15 * time.Second

// scheduleMonitor runs MonitorTransfer in the background under the service
// root context. Callers without Start (tests, one-shot tools) can invoke
// MonitorTransfer directly instead.
func (s *Service) scheduleMonitor(purchaseId string) {
	s.mu.Lock()
	ctx := s.rootCtx
	s.mu.Unlock()
	if ctx == nil {
		zap.L().Warn("Monitor requested before workflow start, skipping",
			zap.String("purchase_id", purchaseId))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.MonitorTransfer(ctx, purchaseId)
	}()
}

// MonitorTransfer polls the chain for the receipt of a completed purchase's
// transfer until it confirms, fails, or the attempt budget runs out. The
// outcome is persisted through conditional updates, so concurrent monitors
// for the same purchase produce exactly one notification.
func (s *Service) MonitorTransfer(ctx context.Context, purchaseId string) {
	p, err := s.db.GetPurchaseById(ctx, purchaseId)
	if err != nil {
		zap.L().Error("Cannot monitor unknown purchase",
			zap.String("purchase_id", purchaseId),
			zap.Error(err))
		return
	}
	if p.Status != models.PurchaseStatusCompleted || p.ChainTxHash == "" {
		zap.L().Debug("Purchase has no transfer to monitor",
			zap.String("purchase_id", purchaseId),
			zap.String("status", p.Status))
		return
	}
	if p.ConfirmedAt != nil {
		return
	}

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= s.cfg.MaxPollAttempts; attempt++ {
		status, err := s.chain.GetTransferStatus(ctx, p.ChainTxHash)
		if err != nil {
			zap.L().Warn("Transfer status check failed",
				zap.String("purchase_id", purchaseId),
				zap.String("chain_tx_hash", p.ChainTxHash),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else {
			switch status {
			case store.TransferConfirmed:
				s.recordConfirmed(ctx, p)
				return
			case store.TransferFailed:
				s.recordFailed(ctx, p)
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			zap.L().Info("Transfer monitor stopped, will resume on restart",
				zap.String("purchase_id", purchaseId))
			return
		}
	}

	// Budget exhausted: the purchase stays completed and unconfirmed so a
	// restart rescan picks it up again.
	zap.L().Error("Transfer confirmation attempts exhausted",
		zap.String("purchase_id", purchaseId),
		zap.String("chain_tx_hash", p.ChainTxHash),
		zap.Int("attempts", s.cfg.MaxPollAttempts))
	s.notify(models.AdminRecipient, "Transfer Unconfirmed",
		"Transfer for purchase "+purchaseId+" could not be confirmed, manual review required")
}

func (s *Service) recordConfirmed(ctx context.Context, p *models.Purchase) {
	changed, err := s.db.MarkTransferConfirmed(ctx, p.Id)
	if err != nil {
		zap.L().Error("Failed to record transfer confirmation",
			zap.String("purchase_id", p.Id),
			zap.Error(err))
		return
	}
	if !changed {
		return
	}

	zap.L().Info("Transfer confirmed",
		zap.String("purchase_id", p.Id),
		zap.String("chain_tx_hash", p.ChainTxHash))
	s.notify(p.UserId, "Transfer Completed",
		"Your USDT has been delivered to your wallet address")
}

func (s *Service) recordFailed(ctx context.Context, p *models.Purchase) {
	changed, err := s.db.MarkTransferFailed(ctx, p.Id)
	if err != nil {
		zap.L().Error("Failed to record transfer failure",
			zap.String("purchase_id", p.Id),
			zap.Error(err))
		return
	}
	if !changed {
		return
	}

	s.transitionShadowFailure(ctx, p)

	zap.L().Error("Transfer reverted on chain",
		zap.String("purchase_id", p.Id),
		zap.String("chain_tx_hash", p.ChainTxHash))
	s.notify(models.AdminRecipient, "Transfer Failed",
		"On-chain transfer for purchase "+p.Id+" reverted, manual intervention required")
	s.notify(p.UserId, "Transfer Failed",
		"Your USDT transfer failed, support has been notified")
}

// transitionShadowFailure annotates the shadow transaction after a chain
// revert. The ledger row is already APPROVED (terminal), so the failure is
// recorded as metadata rather than a status change.
func (s *Service) transitionShadowFailure(ctx context.Context, p *models.Purchase) {
	shadow, err := s.db.GetTransactionByCorrelationId(ctx, shadowCorrelationId(p.Id))
	if err != nil {
		if !errors.Is(err, store.ErrTransactionNotFound) {
			zap.L().Warn("Shadow transaction lookup failed",
				zap.String("purchase_id", p.Id),
				zap.Error(err))
		}
		return
	}
	if err := s.db.MergeTransactionMetadata(ctx, shadow.Id, "transferFailed", "true"); err != nil {
		zap.L().Warn("Failed to annotate shadow transaction",
			zap.String("purchase_id", p.Id),
			zap.String("transaction_id", shadow.Id),
			zap.Error(err))
	}
}
