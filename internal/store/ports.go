package store

import (
	"context"
	"io"

	"github.com/shopspring/decimal"
)

// TransferStatus is the observed state of an on-chain transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// Notifier delivers best-effort notifications. Notify must never block the
// caller; failures are surfaced to observability only.
type Notifier interface {
	Notify(recipient, title, body string)
}

// Blockchain is the opaque on-chain service consumed by the core.
type Blockchain interface {
	// TransferFunds sends tokens from the hot wallet and returns the
	// transaction hash. Failures wrap ErrTransferFailed.
	TransferFunds(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error)
	// GetTransferStatus reports the state of a previously sent transfer.
	GetTransferStatus(ctx context.Context, txHash string) (TransferStatus, error)
	// CheckBalance reports whether the hot wallet covers amount.
	CheckBalance(ctx context.Context, amount decimal.Decimal) (bool, error)
}

// ArtifactStore persists receipt images and resolves their public URLs.
type ArtifactStore interface {
	Store(filename string, r io.Reader) (string, error)
	Resolve(ref string) string
}
