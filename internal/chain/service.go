package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

// Compile-time check: *Service must satisfy store.Blockchain.
var _ store.Blockchain = (*Service)(nil)

// erc20ABI covers the two token methods the core uses.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

// Service signs and sends USDT transfers from the hot wallet and reads
// transfer receipts. Everything above this package treats it as the opaque
// store.Blockchain port.
type Service struct {
	client   *ethclient.Client
	token    common.Address
	wallet   common.Address
	key      *ecdsa.PrivateKey
	chainId  *big.Int
	decimals int32
	timeout  time.Duration
	erc20    abi.ABI
}

func NewService(cfg models.ChainConfig) (*Service, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("chain endpoint cannot be empty")
	}
	if cfg.TokenAddress == "" {
		return nil, fmt.Errorf("token address cannot be empty")
	}
	if cfg.WalletKey == "" {
		return nil, fmt.Errorf("hot-wallet key cannot be empty")
	}

	client, err := ethclient.Dial(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("unable to dial chain endpoint: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.WalletKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hot-wallet key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("unable to parse token ABI: %w", err)
	}

	decimals := cfg.TokenDecimals
	if decimals == 0 {
		decimals = 6 // USDT
	}

	wallet := crypto.PubkeyToAddress(key.PublicKey)
	zap.L().Info("Chain service initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("token", cfg.TokenAddress),
		zap.String("hot_wallet", wallet.Hex()),
		zap.Int64("chain_id", cfg.ChainId))

	return &Service{
		client:   client,
		token:    common.HexToAddress(cfg.TokenAddress),
		wallet:   wallet,
		key:      key,
		chainId:  big.NewInt(cfg.ChainId),
		decimals: decimals,
		timeout:  cfg.RequestTimeout,
		erc20:    parsed,
	}, nil
}

// callCtx bounds every RPC round trip with the configured request timeout.
func (s *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// TransferFunds sends amount tokens to toAddress and returns the transaction
// hash. All failures wrap store.ErrTransferFailed.
func (s *Service) TransferFunds(ctx context.Context, toAddress string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(toAddress) {
		return "", fmt.Errorf("invalid destination address %q: %w", toAddress, store.ErrTransferFailed)
	}

	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	value := s.tokenUnits(amount)
	data, err := s.erc20.Pack("transfer", common.HexToAddress(toAddress), value)
	if err != nil {
		return "", fmt.Errorf("unable to pack transfer call: %w", err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.wallet)
	if err != nil {
		return "", fmt.Errorf("unable to get nonce: %w: %v", store.ErrTransferFailed, err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("unable to get gas price: %w: %v", store.ErrTransferFailed, err)
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.wallet,
		To:   &s.token,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("unable to estimate gas: %w: %v", store.ErrTransferFailed, err)
	}

	tx := types.NewTransaction(nonce, s.token, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainId), s.key)
	if err != nil {
		return "", fmt.Errorf("unable to sign transaction: %w: %v", store.ErrTransferFailed, err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("unable to send transaction: %w: %v", store.ErrTransferFailed, err)
	}

	txHash := signed.Hash().Hex()
	zap.L().Info("Token transfer submitted",
		zap.String("to", toAddress),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", txHash))
	return txHash, nil
}

// GetTransferStatus reports the receipt state of a submitted transfer. A
// missing receipt means the transaction is still pending.
func (s *Service) GetTransferStatus(ctx context.Context, txHash string) (store.TransferStatus, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	receipt, err := s.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return store.TransferPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("unable to get transaction receipt: %w", err)
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		return store.TransferConfirmed, nil
	}
	return store.TransferFailed, nil
}

// CheckBalance reports whether the hot wallet's token balance covers amount.
func (s *Service) CheckBalance(ctx context.Context, amount decimal.Decimal) (bool, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	data, err := s.erc20.Pack("balanceOf", s.wallet)
	if err != nil {
		return false, fmt.Errorf("unable to pack balanceOf call: %w", err)
	}

	res, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("unable to call balanceOf: %w", err)
	}

	out, err := s.erc20.Unpack("balanceOf", res)
	if err != nil {
		return false, fmt.Errorf("unable to unpack balanceOf result: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("unexpected balanceOf result type %T", out[0])
	}

	required := s.tokenUnits(amount)
	return balance.Cmp(required) >= 0, nil
}

// tokenUnits converts a decimal token amount into the smallest on-chain
// unit. Sub-unit dust is truncated.
func (s *Service) tokenUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(s.decimals).Truncate(0).BigInt()
}
