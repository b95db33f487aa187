package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"usdt-custody-go/internal/metadata"
	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

// Service drives a purchase from creation through receipt submission to the
// on-chain transfer. State lives in the store; the service holds no record
// cache, so any instance (or restart) can pick up any purchase.
type Service struct {
	db        store.WalletStore
	chain     store.Blockchain
	notifier  store.Notifier
	artifacts store.ArtifactStore
	cfg       models.WorkflowConfig
	feeRate   decimal.Decimal

	mu      sync.Mutex
	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(db store.WalletStore, chain store.Blockchain, notifier store.Notifier, artifacts store.ArtifactStore, cfg models.WorkflowConfig) (*Service, error) {
	feeRate := decimal.Zero
	if cfg.FeeRate != "" {
		var err error
		feeRate, err = decimal.NewFromString(cfg.FeeRate)
		if err != nil {
			return nil, fmt.Errorf("invalid fee rate %q: %w", cfg.FeeRate, err)
		}
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = 20
	}

	return &Service{
		db:        db,
		chain:     chain,
		notifier:  notifier,
		artifacts: artifacts,
		cfg:       cfg,
		feeRate:   feeRate,
	}, nil
}

// Start enables background monitor tasks and rescans transfers that were
// in flight when the previous process stopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.rootCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	pending, err := s.db.ListUnconfirmedTransfers(ctx)
	if err != nil {
		return fmt.Errorf("failed to rescan unconfirmed transfers: %w", err)
	}
	for _, p := range pending {
		zap.L().Info("Resuming transfer monitor",
			zap.String("purchase_id", p.Id),
			zap.String("chain_tx_hash", p.ChainTxHash))
		s.scheduleMonitor(p.Id)
	}

	zap.L().Info("Purchase workflow started", zap.Int("resumed_monitors", len(pending)))
	return nil
}

// Stop cancels background monitors and waits for them to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	zap.L().Info("Purchase workflow stopped")
}

// CreatePurchase opens a purchase request. The crypto amount is derived from
// the fiat amount at the quoted exchange rate using exact decimal division.
func (s *Service) CreatePurchase(ctx context.Context, userId string, fiatAmount, exchangeRate decimal.Decimal) (*models.Purchase, error) {
	if _, err := s.db.GetUserById(ctx, userId); err != nil {
		return nil, err
	}
	if exchangeRate.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("exchange rate must be positive, got %s", exchangeRate.String())
	}

	cryptoAmount := fiatAmount.DivRound(exchangeRate, 18)
	feeAmount := cryptoAmount.Mul(s.feeRate)

	p, err := s.db.CreatePurchase(ctx, store.CreatePurchaseParams{
		UserId:       userId,
		FiatAmount:   fiatAmount,
		CryptoAmount: cryptoAmount,
		ExchangeRate: exchangeRate,
		FeeAmount:    feeAmount,
	})
	if err != nil {
		return nil, err
	}

	s.notify(models.AdminRecipient, "New Purchase Request",
		fmt.Sprintf("New USDT purchase request for %s USDT", p.CryptoAmount.String()))
	return p, nil
}

// SubmitReceipt stores the payment receipt, moves the purchase to
// paymentUploaded and upserts the shadow BUY transaction. Identifier
// resolution is strict: an unknown purchase id fails with
// ErrPurchaseNotFound, never a guessed fallback.
func (s *Service) SubmitReceipt(ctx context.Context, purchaseId, filename string, r io.Reader) (*models.Purchase, error) {
	p, err := s.db.GetPurchaseById(ctx, purchaseId)
	if err != nil {
		return nil, err
	}
	if models.TerminalPurchaseStatus(p.Status) {
		return nil, fmt.Errorf("purchase %s is %s: %w", purchaseId, p.Status, store.ErrAlreadyTerminal)
	}

	ref, err := s.artifacts.Store(filename, r)
	if err != nil {
		return nil, fmt.Errorf("failed to store receipt: %w", err)
	}

	p, err = s.db.SetPurchaseReceipt(ctx, purchaseId, ref)
	if err != nil {
		return nil, err
	}

	if err := s.upsertShadowTransaction(ctx, p, ref); err != nil {
		return nil, err
	}

	s.notify(models.AdminRecipient, "Payment Receipt Uploaded",
		fmt.Sprintf("Payment receipt uploaded for purchase %s", purchaseId))
	return p, nil
}

// shadowCorrelationId keys the shadow transaction so a receipt re-upload or
// client retry can never create a second ledger row for one purchase.
func shadowCorrelationId(purchaseId string) string {
	return "purchase-" + purchaseId
}

func (s *Service) upsertShadowTransaction(ctx context.Context, p *models.Purchase, receiptRef string) error {
	receiptURL := s.artifacts.Resolve(receiptRef)

	md := metadata.New()
	md.Set("purchaseId", p.Id)
	md.Set("receiptUrl", receiptURL)
	md.Set("fiatAmount", p.FiatAmount.String())
	md.Set("exchangeRate", p.ExchangeRate.String())

	_, err := s.db.CreateTransaction(ctx, store.CreateTransactionParams{
		CorrelationId: shadowCorrelationId(p.Id),
		UserId:        p.UserId,
		Kind:          models.TxKindBuy,
		Amount:        p.CryptoAmount,
		Metadata:      md,
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrDuplicateCorrelationId) {
		return fmt.Errorf("failed to create shadow transaction: %w", err)
	}

	// Re-upload: refresh the receipt URL on the existing row.
	existing, err := s.db.GetTransactionByCorrelationId(ctx, shadowCorrelationId(p.Id))
	if err != nil {
		return err
	}
	if err := s.db.MergeTransactionMetadata(ctx, existing.Id, "receiptUrl", receiptURL); err != nil {
		return err
	}
	return nil
}

// Approve executes the admin approval: verify balance, send the on-chain
// transfer once, mark the purchase completed and start the monitor.
// Approving an already-completed purchase is an idempotent no-op that
// returns the purchase without a second transfer.
func (s *Service) Approve(ctx context.Context, purchaseId string) (*models.Purchase, error) {
	p, err := s.db.GetPurchaseById(ctx, purchaseId)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case models.PurchaseStatusCompleted:
		return p, nil
	case models.PurchaseStatusPaymentUploaded:
		if err := s.db.MarkPurchaseVerified(ctx, purchaseId); err != nil {
			if latest, lerr := s.db.GetPurchaseById(ctx, purchaseId); lerr == nil && latest.Status == models.PurchaseStatusCompleted {
				return latest, nil
			}
			return nil, err
		}
	case models.PurchaseStatusVerified:
		// A previous approval claimed the purchase but the transfer leg did
		// not finish; retry from here.
	case models.PurchaseStatusTransferring:
		return nil, fmt.Errorf("purchase %s: %w", purchaseId, store.ErrTransferInFlight)
	default:
		if models.TerminalPurchaseStatus(p.Status) {
			return nil, fmt.Errorf("purchase %s is %s: %w", purchaseId, p.Status, store.ErrAlreadyTerminal)
		}
		return nil, fmt.Errorf("purchase %s is %s, receipt required before approval: %w", purchaseId, p.Status, store.ErrInvalidTransition)
	}

	// Claim the transfer leg. The conditional verified -> transferring flip
	// ensures exactly one of any number of concurrent approvals, including
	// retries after a failed transfer attempt, proceeds to the chain.
	if err := s.db.ClaimPurchaseTransfer(ctx, purchaseId); err != nil {
		if latest, lerr := s.db.GetPurchaseById(ctx, purchaseId); lerr == nil && latest.Status == models.PurchaseStatusCompleted {
			return latest, nil
		}
		return nil, err
	}

	ok, err := s.chain.CheckBalance(ctx, p.CryptoAmount)
	if err != nil {
		s.releaseTransferClaim(ctx, purchaseId)
		return nil, fmt.Errorf("balance check failed: %w", err)
	}
	if !ok {
		s.releaseTransferClaim(ctx, purchaseId)
		return nil, fmt.Errorf("hot wallet cannot cover %s USDT: %w", p.CryptoAmount.String(), store.ErrInsufficientBalance)
	}

	addr, err := s.db.GetUserAddress(ctx, p.UserId)
	if err != nil {
		s.releaseTransferClaim(ctx, purchaseId)
		return nil, err
	}
	if addr == nil {
		s.releaseTransferClaim(ctx, purchaseId)
		return nil, fmt.Errorf("user %s holds no deposit address: %w", p.UserId, store.ErrAddressNotFound)
	}

	txHash, err := s.chain.TransferFunds(ctx, addr.Address, p.CryptoAmount)
	if err != nil {
		// Nothing went on chain: release the claim so the admin can retry.
		s.releaseTransferClaim(ctx, purchaseId)
		zap.L().Error("Transfer failed during approval",
			zap.String("purchase_id", purchaseId),
			zap.Error(err))
		return nil, err
	}

	p, err = s.db.CompletePurchase(ctx, purchaseId, txHash)
	if err != nil {
		// The transfer went out but the status write failed. Never revert:
		// the monitor rescan reconciles from the persisted verified state.
		zap.L().Error("Failed to record completed transfer",
			zap.String("purchase_id", purchaseId),
			zap.String("chain_tx_hash", txHash),
			zap.Error(err))
		return nil, err
	}

	s.transitionShadow(ctx, p, models.TxStatusApproved, store.TransitionExtra{ChainTxHash: txHash})

	s.notify(p.UserId, "Purchase Approved",
		"Your USDT purchase has been approved and transfer is in progress")

	s.scheduleMonitor(purchaseId)
	return p, nil
}

// releaseTransferClaim hands a claimed purchase back to verified. Called on
// every pre-transfer failure; once the transfer is sent the claim is never
// released.
func (s *Service) releaseTransferClaim(ctx context.Context, purchaseId string) {
	if err := s.db.ReleasePurchaseTransfer(ctx, purchaseId); err != nil {
		zap.L().Warn("Failed to release transfer claim",
			zap.String("purchase_id", purchaseId),
			zap.Error(err))
	}
}

// Reject closes the purchase with a reason and mirrors the rejection onto
// the shadow transaction when one exists.
func (s *Service) Reject(ctx context.Context, purchaseId, reason string) (*models.Purchase, error) {
	p, err := s.db.RejectPurchase(ctx, purchaseId, reason)
	if err != nil {
		return nil, err
	}

	s.transitionShadow(ctx, p, models.TxStatusRejected, store.TransitionExtra{RejectionReason: reason})

	s.notify(p.UserId, "Purchase Rejected",
		fmt.Sprintf("Your USDT purchase has been rejected: %s", reason))
	return p, nil
}

// transitionShadow moves the shadow transaction, tolerating its absence (a
// purchase rejected before any receipt upload has no ledger row yet).
func (s *Service) transitionShadow(ctx context.Context, p *models.Purchase, status string, extra store.TransitionExtra) {
	shadow, err := s.db.GetTransactionByCorrelationId(ctx, shadowCorrelationId(p.Id))
	if err != nil {
		if !errors.Is(err, store.ErrTransactionNotFound) {
			zap.L().Warn("Shadow transaction lookup failed",
				zap.String("purchase_id", p.Id),
				zap.Error(err))
		}
		return
	}
	if _, err := s.db.TransitionTransaction(ctx, shadow.Id, status, extra); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return
		}
		zap.L().Warn("Shadow transaction transition failed",
			zap.String("purchase_id", p.Id),
			zap.String("transaction_id", shadow.Id),
			zap.Error(err))
	}
}

func (s *Service) notify(recipient, title, body string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(recipient, title, body)
}
