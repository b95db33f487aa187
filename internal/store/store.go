package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"usdt-custody-go/internal/metadata"
	"usdt-custody-go/internal/models"
)

// Sentinel errors shared across all backend implementations.
var (
	// NotFound family
	ErrUserNotFound        = errors.New("user not found")
	ErrAddressNotFound     = errors.New("address not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrPurchaseNotFound    = errors.New("purchase not found")

	// Conflict family
	ErrDuplicatePhoneNumber   = errors.New("phone number already registered")
	ErrDuplicateCorrelationId = errors.New("duplicate correlation id")
	ErrAddressNotAvailable    = errors.New("address not available")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrAlreadyTerminal        = errors.New("status is terminal")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrTransferInFlight       = errors.New("transfer already in progress")

	// ResourceExhausted
	ErrNoAddressAvailable = errors.New("no address available for assignment")

	// ExternalDependencyFailure
	ErrTransferFailed      = errors.New("on-chain transfer failed")
	ErrInsufficientBalance = errors.New("insufficient hot-wallet balance")
)

// SeedAddress is one pool entry loaded from the addresses file.
type SeedAddress struct {
	Address string
	Network string
}

// RegisterUserParams contains the parameters for registering a user.
// PhoneNumber is normalized by the store before the uniqueness check.
type RegisterUserParams struct {
	PhoneNumber  string
	Name         string
	PasswordHash string
}

// CreateTransactionParams contains the parameters for a new ledger entry.
type CreateTransactionParams struct {
	CorrelationId string
	UserId        string
	Kind          string
	Amount        decimal.Decimal
	FromAddress   string
	ToAddress     string
	Metadata      *metadata.Map
}

// TransitionExtra carries the optional fields recorded alongside a status
// transition. Metadata pairs are merged into the existing mapping.
type TransitionExtra struct {
	RejectionReason string
	ChainTxHash     string
	Metadata        *metadata.Map
}

// CreatePurchaseParams contains the parameters for a new purchase row.
type CreatePurchaseParams struct {
	UserId       string
	FiatAmount   decimal.Decimal
	CryptoAmount decimal.Decimal
	ExchangeRate decimal.Decimal
	FeeAmount    decimal.Decimal
}

// WalletStore defines the contract the persistence backend must satisfy.
type WalletStore interface {
	// --- Address pool ---
	SeedAddresses(ctx context.Context, addresses []SeedAddress) (*models.SeedResult, error)
	AssignAddress(ctx context.Context, userId string) (*models.PublicAddress, error)
	ReleaseAddress(ctx context.Context, userId string) (*models.PublicAddress, error)
	ReassignAddress(ctx context.Context, addressId, userId string) (*models.PublicAddress, error)
	RemoveAddress(ctx context.Context, addressId string) error
	GetUserAddress(ctx context.Context, userId string) (*models.PublicAddress, error)
	GetAvailableAddresses(ctx context.Context) ([]models.PublicAddress, error)

	// --- User directory ---
	RegisterUser(ctx context.Context, params RegisterUserParams) (*models.User, error)
	GetUserById(ctx context.Context, userId string) (*models.User, error)
	GetUserByPhone(ctx context.Context, phoneNumber string) (*models.User, error)
	MarkUserVerified(ctx context.Context, userId string) error
	UsersWithoutAddress(ctx context.Context) ([]models.User, error)

	// --- Transaction ledger ---
	CreateTransaction(ctx context.Context, params CreateTransactionParams) (*models.Transaction, error)
	GetTransactionById(ctx context.Context, id string) (*models.Transaction, error)
	GetTransactionByCorrelationId(ctx context.Context, correlationId string) (*models.Transaction, error)
	LookupTransaction(ctx context.Context, identifier string) (*models.Transaction, error)
	TransitionTransaction(ctx context.Context, id, newStatus string, extra TransitionExtra) (*models.Transaction, error)
	MergeTransactionMetadata(ctx context.Context, id, key, value string) error
	ListUserTransactions(ctx context.Context, userId string, limit, offset int) ([]models.Transaction, error)

	// --- Purchases ---
	CreatePurchase(ctx context.Context, params CreatePurchaseParams) (*models.Purchase, error)
	GetPurchaseById(ctx context.Context, id string) (*models.Purchase, error)
	ListUserPurchases(ctx context.Context, userId string) ([]models.Purchase, error)
	ListUnconfirmedTransfers(ctx context.Context) ([]models.Purchase, error)
	SetPurchaseReceipt(ctx context.Context, id, receiptRef string) (*models.Purchase, error)
	MarkPurchaseVerified(ctx context.Context, id string) error
	ClaimPurchaseTransfer(ctx context.Context, id string) error
	ReleasePurchaseTransfer(ctx context.Context, id string) error
	CompletePurchase(ctx context.Context, id, chainTxHash string) (*models.Purchase, error)
	RejectPurchase(ctx context.Context, id, reason string) (*models.Purchase, error)
	MarkTransferConfirmed(ctx context.Context, id string) (bool, error)
	MarkTransferFailed(ctx context.Context, id string) (bool, error)

	// --- Lifecycle ---
	Close()
}
