package database

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

func createTestPurchase(t *testing.T, service *Service, phone string) *models.Purchase {
	t.Helper()
	user := registerTestUser(t, service, phone)
	p, err := service.CreatePurchase(context.Background(), store.CreatePurchaseParams{
		UserId:       user.Id,
		FiatAmount:   decimal.RequireFromString("1000"),
		CryptoAmount: decimal.RequireFromString("10"),
		ExchangeRate: decimal.RequireFromString("100"),
		FeeAmount:    decimal.RequireFromString("0.1"),
	})
	if err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}
	return p
}

func TestPurchaseLifecycle_HappyPath(t *testing.T) {
	service, _, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPurchase(t, service, "0992000001")
	if p.Status != models.PurchaseStatusPending {
		t.Fatalf("Expected pending, got %s", p.Status)
	}

	p, err := service.SetPurchaseReceipt(ctx, p.Id, "receipt-1.jpg")
	if err != nil {
		t.Fatalf("SetPurchaseReceipt failed: %v", err)
	}
	if p.Status != models.PurchaseStatusPaymentUploaded || p.ReceiptRef != "receipt-1.jpg" {
		t.Errorf("Expected paymentUploaded with ref, got %s / %s", p.Status, p.ReceiptRef)
	}

	// Re-upload replaces the ref without a state change.
	p, err = service.SetPurchaseReceipt(ctx, p.Id, "receipt-2.jpg")
	if err != nil {
		t.Fatalf("Receipt re-upload failed: %v", err)
	}
	if p.ReceiptRef != "receipt-2.jpg" || p.Status != models.PurchaseStatusPaymentUploaded {
		t.Errorf("Expected replaced ref, got %s / %s", p.ReceiptRef, p.Status)
	}

	if err := service.MarkPurchaseVerified(ctx, p.Id); err != nil {
		t.Fatalf("MarkPurchaseVerified failed: %v", err)
	}

	p, err = service.CompletePurchase(ctx, p.Id, "0xhash1")
	if err != nil {
		t.Fatalf("CompletePurchase failed: %v", err)
	}
	if p.Status != models.PurchaseStatusCompleted || p.ChainTxHash != "0xhash1" {
		t.Errorf("Expected completed with hash, got %s / %s", p.Status, p.ChainTxHash)
	}
	if p.ConfirmedAt != nil {
		t.Error("Completion must not imply on-chain confirmation")
	}
}

func TestMarkPurchaseVerified_ExactlyOneClaim(t *testing.T) {
	service, _, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPurchase(t, service, "0992000002")
	if _, err := service.SetPurchaseReceipt(ctx, p.Id, "receipt.jpg"); err != nil {
		t.Fatalf("SetPurchaseReceipt failed: %v", err)
	}

	if err := service.MarkPurchaseVerified(ctx, p.Id); err != nil {
		t.Fatalf("First claim failed: %v", err)
	}

	// Second admin loses the claim.
	err := service.MarkPurchaseVerified(ctx, p.Id)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for second claim, got %v", err)
	}
}

func TestClaimPurchaseTransfer_ExactlyOne(t *testing.T) {
	service, _, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPurchase(t, service, "0992000007")
	if _, err := service.SetPurchaseReceipt(ctx, p.Id, "receipt.jpg"); err != nil {
		t.Fatalf("SetPurchaseReceipt failed: %v", err)
	}
	if err := service.MarkPurchaseVerified(ctx, p.Id); err != nil {
		t.Fatalf("MarkPurchaseVerified failed: %v", err)
	}

	// Two admins retry the approval of the same verified purchase.
	var wg sync.WaitGroup
	outcomes := make([]error, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = service.ClaimPurchaseTransfer(ctx, p.Id)
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, err := range outcomes {
		if err == nil {
			claimed++
		} else if !errors.Is(err, store.ErrTransferInFlight) {
			t.Errorf("Unexpected loser error: %v", err)
		}
	}
	if claimed != 1 {
		t.Fatalf("Expected exactly one claim, got %d", claimed)
	}

	// A third approval while the transfer is in flight is refused too.
	if err := service.ClaimPurchaseTransfer(ctx, p.Id); !errors.Is(err, store.ErrTransferInFlight) {
		t.Errorf("Expected ErrTransferInFlight, got %v", err)
	}

	// Releasing hands the purchase back to verified for a retry.
	if err := service.ReleasePurchaseTransfer(ctx, p.Id); err != nil {
		t.Fatalf("ReleasePurchaseTransfer failed: %v", err)
	}
	reloaded, err := service.GetPurchaseById(ctx, p.Id)
	if err != nil {
		t.Fatalf("GetPurchaseById failed: %v", err)
	}
	if reloaded.Status != models.PurchaseStatusVerified {
		t.Errorf("Expected verified after release, got %s", reloaded.Status)
	}
	if err := service.ClaimPurchaseTransfer(ctx, p.Id); err != nil {
		t.Errorf("Reclaim after release failed: %v", err)
	}
}

func TestSetPurchaseReceipt_TerminalConflict(t *testing.T) {
	service, _, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPurchase(t, service, "0992000003")

	if _, err := service.RejectPurchase(ctx, p.Id, "payment never arrived"); err != nil {
		t.Fatalf("RejectPurchase failed: %v", err)
	}

	if _, err := service.SetPurchaseReceipt(ctx, p.Id, "late.jpg"); !errors.Is(err, store.ErrAlreadyTerminal) {
		t.Errorf("Expected ErrAlreadyTerminal, got %v", err)
	}

	// Rejecting again is a terminal conflict too.
	if _, err := service.RejectPurchase(ctx, p.Id, "again"); !errors.Is(err, store.ErrAlreadyTerminal) {
		t.Errorf("Expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestMarkTransferConfirmed_Once(t *testing.T) {
	service, _, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPurchase(t, service, "0992000004")
	if _, err := service.SetPurchaseReceipt(ctx, p.Id, "receipt.jpg"); err != nil {
		t.Fatalf("SetPurchaseReceipt failed: %v", err)
	}
	if _, err := service.CompletePurchase(ctx, p.Id, "0xhash2"); err != nil {
		t.Fatalf("CompletePurchase failed: %v", err)
	}

	unconfirmed, err := service.ListUnconfirmedTransfers(ctx)
	if err != nil {
		t.Fatalf("ListUnconfirmedTransfers failed: %v", err)
	}
	if len(unconfirmed) != 1 || unconfirmed[0].Id != p.Id {
		t.Fatalf("Expected the purchase in the unconfirmed scan, got %d rows", len(unconfirmed))
	}

	changed, err := service.MarkTransferConfirmed(ctx, p.Id)
	if err != nil {
		t.Fatalf("MarkTransferConfirmed failed: %v", err)
	}
	if !changed {
		t.Fatal("First confirmation must report a change")
	}

	// Idempotent: a second monitor pass changes nothing.
	changed, err = service.MarkTransferConfirmed(ctx, p.Id)
	if err != nil {
		t.Fatalf("Second MarkTransferConfirmed failed: %v", err)
	}
	if changed {
		t.Error("Second confirmation must be a no-op")
	}

	unconfirmed, err = service.ListUnconfirmedTransfers(ctx)
	if err != nil {
		t.Fatalf("ListUnconfirmedTransfers failed: %v", err)
	}
	if len(unconfirmed) != 0 {
		t.Errorf("Expected empty unconfirmed scan, got %d rows", len(unconfirmed))
	}

	reloaded, err := service.GetPurchaseById(ctx, p.Id)
	if err != nil {
		t.Fatalf("GetPurchaseById failed: %v", err)
	}
	if reloaded.ConfirmedAt == nil {
		t.Error("Expected confirmed_at set")
	}
}

func TestMarkTransferFailed_FromCompletedOnly(t *testing.T) {
	service, _, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	p := createTestPurchase(t, service, "0992000005")

	// Not completed yet: nothing to fail.
	changed, err := service.MarkTransferFailed(ctx, p.Id)
	if err != nil {
		t.Fatalf("MarkTransferFailed failed: %v", err)
	}
	if changed {
		t.Error("Failing a pending purchase must be a no-op")
	}

	if _, err := service.SetPurchaseReceipt(ctx, p.Id, "receipt.jpg"); err != nil {
		t.Fatalf("SetPurchaseReceipt failed: %v", err)
	}
	if _, err := service.CompletePurchase(ctx, p.Id, "0xhash3"); err != nil {
		t.Fatalf("CompletePurchase failed: %v", err)
	}

	changed, err = service.MarkTransferFailed(ctx, p.Id)
	if err != nil {
		t.Fatalf("MarkTransferFailed failed: %v", err)
	}
	if !changed {
		t.Fatal("Expected completed -> failed")
	}

	reloaded, err := service.GetPurchaseById(ctx, p.Id)
	if err != nil {
		t.Fatalf("GetPurchaseById failed: %v", err)
	}
	if reloaded.Status != models.PurchaseStatusFailed {
		t.Errorf("Expected failed, got %s", reloaded.Status)
	}

	// failed is terminal: a second call is a no-op.
	changed, err = service.MarkTransferFailed(ctx, p.Id)
	if err != nil {
		t.Fatalf("Second MarkTransferFailed failed: %v", err)
	}
	if changed {
		t.Error("Second failure mark must be a no-op")
	}
}

func TestListUserPurchases(t *testing.T) {
	service, _, cleanup := setupTestDb(t)
	defer cleanup()

	ctx := context.Background()
	user := registerTestUser(t, service, "0992000006")
	for i := 0; i < 3; i++ {
		if _, err := service.CreatePurchase(ctx, store.CreatePurchaseParams{
			UserId:       user.Id,
			FiatAmount:   decimal.New(int64(100*(i+1)), 0),
			CryptoAmount: decimal.New(int64(i+1), 0),
			ExchangeRate: decimal.New(100, 0),
			FeeAmount:    decimal.Zero,
		}); err != nil {
			t.Fatalf("CreatePurchase %d failed: %v", i, err)
		}
	}

	purchases, err := service.ListUserPurchases(ctx, user.Id)
	if err != nil {
		t.Fatalf("ListUserPurchases failed: %v", err)
	}
	if len(purchases) != 3 {
		t.Errorf("Expected 3 purchases, got %d", len(purchases))
	}

	if _, err := service.GetPurchaseById(ctx, "missing"); !errors.Is(err, store.ErrPurchaseNotFound) {
		t.Errorf("Expected ErrPurchaseNotFound, got %v", err)
	}
}
