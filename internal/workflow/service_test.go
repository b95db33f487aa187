package workflow

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usdt-custody-go/internal/database"
	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

type fakeChain struct {
	mu            sync.Mutex
	transferCalls int
	transferErr   error
	transferGate  chan struct{}
	balanceOk     bool
	balanceErr    error
	status        store.TransferStatus
	statusErr     error
}

func (c *fakeChain) TransferFunds(_ context.Context, to string, amount decimal.Decimal) (string, error) {
	c.mu.Lock()
	if c.transferErr != nil {
		c.mu.Unlock()
		return "", c.transferErr
	}
	c.transferCalls++
	n := c.transferCalls
	gate := c.transferGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return fmt.Sprintf("0xtransfer%d", n), nil
}

func (c *fakeChain) GetTransferStatus(_ context.Context, txHash string) (store.TransferStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.statusErr
}

func (c *fakeChain) CheckBalance(_ context.Context, amount decimal.Decimal) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceOk, c.balanceErr
}

func (c *fakeChain) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferCalls
}

type fakeNotifier struct {
	mu      sync.Mutex
	entries []models.Notification
}

func (n *fakeNotifier) Notify(recipient, title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, models.Notification{Recipient: recipient, Title: title, Body: body})
}

func (n *fakeNotifier) titlesFor(recipient string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var titles []string
	for _, e := range n.entries {
		if e.Recipient == recipient {
			titles = append(titles, e.Title)
		}
	}
	return titles
}

type fakeArtifacts struct {
	mu     sync.Mutex
	stored int
}

func (a *fakeArtifacts) Store(filename string, r io.Reader) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	a.stored++
	return fmt.Sprintf("ref-%d%s", a.stored, filepath.Ext(filename)), nil
}

func (a *fakeArtifacts) Resolve(ref string) string {
	return "http://files.local/" + ref
}

type testEnv struct {
	svc      *Service
	db       *database.Service
	chain    *fakeChain
	notifier *fakeNotifier
	user     *models.User
}

func setupWorkflow(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	notifier := &fakeNotifier{}
	db, err := database.NewService(ctx, models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  5 * time.Second,
	}, notifier)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	chain := &fakeChain{balanceOk: true, status: store.TransferPending}
	svc, err := NewService(db, chain, notifier, &fakeArtifacts{}, models.WorkflowConfig{
		FeeRate:         "0.01",
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 3,
	})
	require.NoError(t, err)

	user, err := db.RegisterUser(ctx, store.RegisterUserParams{
		PhoneNumber:  "0991234567",
		Name:         "Buyer",
		PasswordHash: "hash",
	})
	require.NoError(t, err)

	_, err = db.SeedAddresses(ctx, []store.SeedAddress{{Address: "0xdeposit1", Network: "ETH"}})
	require.NoError(t, err)
	_, err = db.AssignAddress(ctx, user.Id)
	require.NoError(t, err)

	return &testEnv{svc: svc, db: db, chain: chain, notifier: notifier, user: user}
}

func TestPurchaseEndToEnd(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()

	p, err := env.svc.CreatePurchase(ctx, env.user.Id,
		decimal.RequireFromString("1000"), decimal.RequireFromString("100"))
	require.NoError(t, err)
	assert.True(t, p.CryptoAmount.Equal(decimal.RequireFromString("10")),
		"1000 at rate 100 must buy exactly 10, got %s", p.CryptoAmount)
	assert.True(t, p.FeeAmount.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, models.PurchaseStatusPending, p.Status)

	p, err = env.svc.SubmitReceipt(ctx, p.Id, "receipt.jpg", strings.NewReader("image-bytes"))
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusPaymentUploaded, p.Status)

	// Shadow BUY entry keyed by the purchase.
	shadow, err := env.db.GetTransactionByCorrelationId(ctx, "purchase-"+p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.TxKindBuy, shadow.Kind)
	assert.Equal(t, models.TxStatusPending, shadow.Status)
	assert.True(t, shadow.Amount.Equal(p.CryptoAmount))
	url, ok := shadow.Metadata.Get("receiptUrl")
	require.True(t, ok)
	assert.Equal(t, "http://files.local/ref-1.jpg", url)

	p, err = env.svc.Approve(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, p.Status)
	assert.Equal(t, "0xtransfer1", p.ChainTxHash)
	assert.Equal(t, 1, env.chain.calls())

	shadow, err = env.db.GetTransactionByCorrelationId(ctx, "purchase-"+p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusApproved, shadow.Status)
	assert.Equal(t, "0xtransfer1", shadow.ChainTxHash)

	// Double approve: idempotent no-op, no second transfer.
	again, err := env.svc.Approve(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, again.Status)
	assert.Equal(t, 1, env.chain.calls())

	assert.Contains(t, env.notifier.titlesFor(models.AdminRecipient), "New Purchase Request")
	assert.Contains(t, env.notifier.titlesFor(models.AdminRecipient), "Payment Receipt Uploaded")
	assert.Contains(t, env.notifier.titlesFor(env.user.Id), "Purchase Approved")
}

func TestSubmitReceipt_ReuploadUpdatesShadowMetadataOnly(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()

	p, err := env.svc.CreatePurchase(ctx, env.user.Id,
		decimal.RequireFromString("500"), decimal.RequireFromString("100"))
	require.NoError(t, err)

	_, err = env.svc.SubmitReceipt(ctx, p.Id, "first.jpg", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = env.svc.SubmitReceipt(ctx, p.Id, "second.jpg", strings.NewReader("b"))
	require.NoError(t, err)

	// Still exactly one ledger row for this purchase.
	txs, err := env.db.ListUserTransactions(ctx, env.user.Id, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)

	url, ok := txs[0].Metadata.Get("receiptUrl")
	require.True(t, ok)
	assert.Equal(t, "http://files.local/ref-2.jpg", url)
}

func TestApprove_RequiresReceipt(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()

	p, err := env.svc.CreatePurchase(ctx, env.user.Id,
		decimal.RequireFromString("100"), decimal.RequireFromString("100"))
	require.NoError(t, err)

	_, err = env.svc.Approve(ctx, p.Id)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.Equal(t, 0, env.chain.calls())
}

func TestApprove_InsufficientBalance(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()
	env.chain.balanceOk = false

	p, err := env.svc.CreatePurchase(ctx, env.user.Id,
		decimal.RequireFromString("100"), decimal.RequireFromString("100"))
	require.NoError(t, err)
	_, err = env.svc.SubmitReceipt(ctx, p.Id, "r.jpg", strings.NewReader("x"))
	require.NoError(t, err)

	_, err = env.svc.Approve(ctx, p.Id)
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)
	assert.Equal(t, 0, env.chain.calls())

	// The purchase drops back to verified; a retry after topping up succeeds.
	env.chain.balanceOk = true
	p2, err := env.svc.Approve(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, p2.Status)
	assert.Equal(t, 1, env.chain.calls())
}

func TestApprove_ConcurrentRetrySingleTransfer(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()

	p, err := env.svc.CreatePurchase(ctx, env.user.Id,
		decimal.RequireFromString("1000"), decimal.RequireFromString("100"))
	require.NoError(t, err)
	_, err = env.svc.SubmitReceipt(ctx, p.Id, "r.jpg", strings.NewReader("x"))
	require.NoError(t, err)

	// A prior approval whose transfer leg failed leaves the purchase
	// verified; two admins then retry the approval at the same time.
	require.NoError(t, env.db.MarkPurchaseVerified(ctx, p.Id))

	gate := make(chan struct{})
	env.chain.mu.Lock()
	env.chain.transferGate = gate
	env.chain.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Approve(ctx, p.Id)
		done <- err
	}()

	// Wait until the first approval is inside the transfer call.
	require.Eventually(t, func() bool { return env.chain.calls() == 1 },
		2*time.Second, time.Millisecond)

	// The second approval must never reach the chain.
	_, err = env.svc.Approve(ctx, p.Id)
	assert.ErrorIs(t, err, store.ErrTransferInFlight)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, env.chain.calls())

	reloaded, err := env.db.GetPurchaseById(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, reloaded.Status)
}

func TestApprove_FailsWithoutDepositAddress(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()

	// A second user registered while the pool was empty.
	other, err := env.db.RegisterUser(ctx, store.RegisterUserParams{
		PhoneNumber:  "0997654321",
		Name:         "No Address",
		PasswordHash: "hash",
	})
	require.NoError(t, err)

	p, err := env.svc.CreatePurchase(ctx, other.Id,
		decimal.RequireFromString("100"), decimal.RequireFromString("100"))
	require.NoError(t, err)
	_, err = env.svc.SubmitReceipt(ctx, p.Id, "r.jpg", strings.NewReader("x"))
	require.NoError(t, err)

	_, err = env.svc.Approve(ctx, p.Id)
	assert.ErrorIs(t, err, store.ErrAddressNotFound)
	assert.Equal(t, 0, env.chain.calls())
}

func TestReject(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()

	p, err := env.svc.CreatePurchase(ctx, env.user.Id,
		decimal.RequireFromString("100"), decimal.RequireFromString("100"))
	require.NoError(t, err)
	_, err = env.svc.SubmitReceipt(ctx, p.Id, "r.jpg", strings.NewReader("x"))
	require.NoError(t, err)

	rejected, err := env.svc.Reject(ctx, p.Id, "receipt unreadable")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusRejected, rejected.Status)
	assert.Equal(t, "receipt unreadable", rejected.RejectionReason)

	shadow, err := env.db.GetTransactionByCorrelationId(ctx, "purchase-"+p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusRejected, shadow.Status)
	assert.Equal(t, "receipt unreadable", shadow.RejectionReason)

	assert.Contains(t, env.notifier.titlesFor(env.user.Id), "Purchase Rejected")

	// Terminal: a late receipt upload is refused.
	_, err = env.svc.SubmitReceipt(ctx, p.Id, "late.jpg", strings.NewReader("x"))
	assert.ErrorIs(t, err, store.ErrAlreadyTerminal)
}

func TestReject_BeforeReceiptHasNoShadow(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()

	p, err := env.svc.CreatePurchase(ctx, env.user.Id,
		decimal.RequireFromString("100"), decimal.RequireFromString("100"))
	require.NoError(t, err)

	rejected, err := env.svc.Reject(ctx, p.Id, "no payment")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusRejected, rejected.Status)

	_, err = env.db.GetTransactionByCorrelationId(ctx, "purchase-"+p.Id)
	assert.ErrorIs(t, err, store.ErrTransactionNotFound)
}

func completedPurchase(t *testing.T, env *testEnv) *models.Purchase {
	t.Helper()
	ctx := context.Background()
	p, err := env.svc.CreatePurchase(ctx, env.user.Id,
		decimal.RequireFromString("1000"), decimal.RequireFromString("100"))
	require.NoError(t, err)
	_, err = env.svc.SubmitReceipt(ctx, p.Id, "r.jpg", strings.NewReader("x"))
	require.NoError(t, err)
	p, err = env.svc.Approve(ctx, p.Id)
	require.NoError(t, err)
	return p
}

func TestMonitorTransfer_ConfirmsOnce(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()
	p := completedPurchase(t, env)

	env.chain.status = store.TransferConfirmed
	env.svc.MonitorTransfer(ctx, p.Id)

	reloaded, err := env.db.GetPurchaseById(ctx, p.Id)
	require.NoError(t, err)
	require.NotNil(t, reloaded.ConfirmedAt)
	assert.Equal(t, models.PurchaseStatusCompleted, reloaded.Status)

	// Re-running the monitor must not re-notify.
	env.svc.MonitorTransfer(ctx, p.Id)

	count := 0
	for _, title := range env.notifier.titlesFor(env.user.Id) {
		if title == "Transfer Completed" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMonitorTransfer_FailureNotifiesAdminAndUser(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()
	p := completedPurchase(t, env)

	env.chain.status = store.TransferFailed
	env.svc.MonitorTransfer(ctx, p.Id)

	reloaded, err := env.db.GetPurchaseById(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusFailed, reloaded.Status)

	assert.Contains(t, env.notifier.titlesFor(models.AdminRecipient), "Transfer Failed")
	assert.Contains(t, env.notifier.titlesFor(env.user.Id), "Transfer Failed")

	// The shadow entry keeps its terminal status but records the revert.
	shadow, err := env.db.GetTransactionByCorrelationId(ctx, "purchase-"+p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusApproved, shadow.Status)
	v, ok := shadow.Metadata.Get("transferFailed")
	require.True(t, ok)
	assert.Equal(t, "true", v)
}

func TestMonitorTransfer_AttemptsExhausted(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()
	p := completedPurchase(t, env)

	env.chain.status = store.TransferPending
	env.svc.MonitorTransfer(ctx, p.Id)

	// Still completed and unconfirmed for the restart rescan.
	reloaded, err := env.db.GetPurchaseById(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseStatusCompleted, reloaded.Status)
	assert.Nil(t, reloaded.ConfirmedAt)

	unconfirmed, err := env.db.ListUnconfirmedTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, unconfirmed, 1)

	assert.Contains(t, env.notifier.titlesFor(models.AdminRecipient), "Transfer Unconfirmed")
}

func TestWithdrawalFlow(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()

	tx, err := env.svc.RequestWithdrawal(ctx, "wd-001", env.user.Id, "0xexternal",
		decimal.RequireFromString("25.5"), "admin-7")
	require.NoError(t, err)
	assert.Equal(t, models.TxKindWithdraw, tx.Kind)
	assert.Equal(t, models.TxStatusPending, tx.Status)
	by, ok := tx.Metadata.Get("initiatedBy")
	require.True(t, ok)
	assert.Equal(t, "admin-7", by)

	approved, err := env.svc.ApproveWithdrawal(ctx, tx.Id)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusApproved, approved.Status)
	assert.Equal(t, "0xtransfer1", approved.ChainTxHash)
	assert.Equal(t, 1, env.chain.calls())

	// Terminal: a second approval never sends a second transfer.
	_, err = env.svc.ApproveWithdrawal(ctx, tx.Id)
	assert.ErrorIs(t, err, store.ErrAlreadyTerminal)
	assert.Equal(t, 1, env.chain.calls())
}

func TestRejectWithdrawal(t *testing.T) {
	env := setupWorkflow(t)
	ctx := context.Background()

	tx, err := env.svc.RequestWithdrawal(ctx, "wd-002", env.user.Id, "0xexternal",
		decimal.RequireFromString("5"), "")
	require.NoError(t, err)
	_, ok := tx.Metadata.Get("initiatedBy")
	assert.False(t, ok, "self-initiated withdrawal carries no initiatedBy tag")

	rejected, err := env.svc.RejectWithdrawal(ctx, tx.Id, "limit exceeded")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusRejected, rejected.Status)
	assert.Equal(t, "limit exceeded", rejected.RejectionReason)
	assert.Equal(t, 0, env.chain.calls())
}

func TestStartRescansUnconfirmedTransfers(t *testing.T) {
	env := setupWorkflow(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := completedPurchase(t, env)
	env.chain.status = store.TransferConfirmed

	require.NoError(t, env.svc.Start(ctx))
	defer env.svc.Stop()

	require.Eventually(t, func() bool {
		reloaded, err := env.db.GetPurchaseById(ctx, p.Id)
		return err == nil && reloaded.ConfirmedAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}
