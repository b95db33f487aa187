package models

import (
	"time"

	"github.com/shopspring/decimal"

	"usdt-custody-go/internal/metadata"
)

// Address pool states.
const (
	AddressStatusAvailable = "available"
	AddressStatusAssigned  = "assigned"
)

// Ledger transaction kinds.
const (
	TxKindBuy      = "BUY"
	TxKindSell     = "SELL"
	TxKindSend     = "SEND"
	TxKindReceive  = "RECEIVE"
	TxKindWithdraw = "WITHDRAW"
)

// Ledger transaction states. APPROVED and REJECTED are terminal.
const (
	TxStatusPending  = "PENDING"
	TxStatusApproved = "APPROVED"
	TxStatusRejected = "REJECTED"
)

// Purchase lifecycle states. completed, rejected and failed are terminal for
// admin actions; failed is reachable only from completed when the on-chain
// transfer is observed to have reverted. transferring marks a verified
// purchase whose approval currently holds the transfer leg, so no second
// approval can send the same funds.
const (
	PurchaseStatusPending         = "pending"
	PurchaseStatusAwaitingPayment = "awaitingPayment"
	PurchaseStatusPaymentUploaded = "paymentUploaded"
	PurchaseStatusVerified        = "verified"
	PurchaseStatusTransferring    = "transferring"
	PurchaseStatusCompleted       = "completed"
	PurchaseStatusRejected        = "rejected"
	PurchaseStatusFailed          = "failed"
)

// PublicAddress is a shared-pool deposit address. status = assigned if and
// only if UserId is set.
type PublicAddress struct {
	Id        string    `db:"id"`
	Address   string    `db:"address"`
	Network   string    `db:"network"`
	Status    string    `db:"status"`
	UserId    string    `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// User is a minimal directory record. AssignedAddressId/AssignedAddress are
// a display cache written only by the address pool; the public_addresses row
// is the source of truth.
type User struct {
	Id                string    `db:"id"`
	PhoneNumber       string    `db:"phone_number"`
	Name              string    `db:"name"`
	PasswordHash      string    `db:"password_hash"`
	IsVerified        bool      `db:"is_verified"`
	AssignedAddressId string    `db:"assigned_address_id"`
	AssignedAddress   string    `db:"assigned_address"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// Transaction is a ledger entry. Amount is arbitrary-precision decimal,
// stored as a string column. Metadata is the canonical ordered mapping.
type Transaction struct {
	Id              string          `db:"id"`
	CorrelationId   string          `db:"correlation_id"`
	UserId          string          `db:"user_id"`
	Kind            string          `db:"kind"`
	Amount          decimal.Decimal `db:"amount"`
	Status          string          `db:"status"`
	ChainTxHash     string          `db:"chain_tx_hash"`
	FromAddress     string          `db:"from_address"`
	ToAddress       string          `db:"to_address"`
	RejectionReason string          `db:"rejection_reason"`
	Metadata        *metadata.Map   `db:"metadata"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// Purchase is a fiat-to-USDT purchase with a receipt-upload step. It always
// gains a shadow BUY Transaction at receipt-upload time. ConfirmedAt is set
// once the on-chain transfer receipt has been observed.
type Purchase struct {
	Id              string          `db:"id"`
	UserId          string          `db:"user_id"`
	FiatAmount      decimal.Decimal `db:"fiat_amount"`
	CryptoAmount    decimal.Decimal `db:"crypto_amount"`
	ExchangeRate    decimal.Decimal `db:"exchange_rate"`
	FeeAmount       decimal.Decimal `db:"fee_amount"`
	Status          string          `db:"status"`
	ReceiptRef      string          `db:"receipt_ref"`
	RejectionReason string          `db:"rejection_reason"`
	ChainTxHash     string          `db:"chain_tx_hash"`
	ConfirmedAt     *time.Time      `db:"confirmed_at"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// TerminalPurchaseStatus reports whether no further admin transition may
// leave the given state.
func TerminalPurchaseStatus(status string) bool {
	switch status {
	case PurchaseStatusCompleted, PurchaseStatusRejected, PurchaseStatusFailed:
		return true
	}
	return false
}

// TerminalTxStatus reports whether a ledger status is terminal.
func TerminalTxStatus(status string) bool {
	return status == TxStatusApproved || status == TxStatusRejected
}

// ValidTxKind reports whether kind is one of the ledger transaction kinds.
func ValidTxKind(kind string) bool {
	switch kind {
	case TxKindBuy, TxKindSell, TxKindSend, TxKindReceive, TxKindWithdraw:
		return true
	}
	return false
}
