// Package settlement moves the platform token between the chain and
// the ledger: verified on-chain deposits credit trader accounts, and
// withdrawals pay ledger balances out of the custody wallet.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("settlement: invalid private key")
	ErrInvalidAddress    = errors.New("settlement: invalid address")
	ErrInvalidAmount     = errors.New("settlement: invalid amount")
	ErrInvalidTxHash     = errors.New("settlement: invalid transaction hash")
	ErrTxPending         = errors.New("settlement: transaction not yet mined")
	ErrTxFailed          = errors.New("settlement: transaction reverted")
	ErrNoDeposit         = errors.New("settlement: no transfer to custody in transaction")
	ErrTimeout           = errors.New("settlement: operation timed out")
	ErrRPCUnavailable    = errors.New("settlement: rpc circuit open")
	ErrRPCConnection     = errors.New("settlement: rpc connection failed")
)

// TransferError wraps an RPC interaction failure with its context.
type TransferError struct {
	Op     string // operation that failed
	TxHash string // transaction hash if one exists
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("settlement: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Transactor executes on-chain transfers out of custody.
type Transactor interface {
	Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) (*Receipt, error)
	Confirmation(ctx context.Context, txHash string) (*Receipt, error)
}

// DepositVerifier inspects a transaction for transfers into custody.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, txHash string) ([]Deposit, error)
}

// BalanceReader reads custody state.
type BalanceReader interface {
	Address() string
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// CustodyWallet combines the custody operations the service needs.
type CustodyWallet interface {
	Transactor
	DepositVerifier
	BalanceReader
	Close() error
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// Minimal ERC-20 ABI: transfer, balanceOf and the Transfer event.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// keccak256("Transfer(address,address,uint256)")
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

var txHashRe = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

const (
	// DefaultGasLimit for ERC-20 transfers when estimation fails.
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout bounds WaitForConfirmation.
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second

	// DefaultTokenDecimals is the on-chain precision assumed when the
	// config leaves it unset.
	DefaultTokenDecimals = 6
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for the custody wallet.
type Config struct {
	RPCURL        string
	PrivateKey    string // hex, 0x prefix optional
	ChainID       int64
	TokenContract string
	TokenDecimals int32
}

// Option configures the custody wallet.
type Option func(*Custody)

// WithClient sets a custom Ethereum client (used in tests).
func WithClient(client EthClient) Option {
	return func(c *Custody) {
		c.client = client
	}
}

// Receipt describes a transfer out of custody.
type Receipt struct {
	TxHash      string          `json:"txHash"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Amount      decimal.Decimal `json:"amount,omitempty"`
	BlockNumber uint64          `json:"blockNumber,omitempty"`
	GasUsed     uint64          `json:"gasUsed,omitempty"`
	Nonce       uint64          `json:"nonce"`
}

// Deposit is one verified token transfer into the custody wallet.
// TxHash plus LogIndex identifies it uniquely; that pair becomes the
// ledger deposit reference, so a deposit credits exactly once no
// matter how many times it is verified.
type Deposit struct {
	TxHash      string          `json:"txHash"`
	LogIndex    uint            `json:"logIndex"`
	From        string          `json:"from"`
	Amount      decimal.Decimal `json:"amount"`
	BlockNumber uint64          `json:"blockNumber"`
}

// Reference returns the ledger deposit reference for this transfer.
func (d Deposit) Reference() string {
	return fmt.Sprintf("%s:%d", d.TxHash, d.LogIndex)
}

// Custody is the platform's token wallet. One instance signs every
// outbound transfer.
type Custody struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	token      common.Address
	tokenABI   abi.ABI
	decimals   int32
}

var _ CustodyWallet = (*Custody)(nil)

// NewCustody creates the custody wallet. Unless WithClient is given it
// dials the configured RPC endpoint.
func NewCustody(cfg Config, opts ...Option) (*Custody, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse token ABI: %w", err)
	}

	decimals := cfg.TokenDecimals
	if decimals <= 0 {
		decimals = DefaultTokenDecimals
	}

	c := &Custody{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.TokenContract),
		tokenABI:   parsedABI,
		decimals:   decimals,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if key := strings.TrimPrefix(cfg.PrivateKey, "0x"); len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("settlement: chain ID required")
	}
	if cfg.TokenContract == "" {
		return errors.New("settlement: token contract address required")
	}
	return nil
}

// Address returns the custody address, lowercased to match platform
// addressing.
func (c *Custody) Address() string {
	return strings.ToLower(c.address.Hex())
}

// Balance returns the custody wallet's token balance.
func (c *Custody) Balance(ctx context.Context) (decimal.Decimal, error) {
	raw, err := c.BalanceOf(ctx, c.address)
	if err != nil {
		return decimal.Zero, err
	}
	return c.fromBase(raw), nil
}

// BalanceOf returns the token balance of any address in base units.
func (c *Custody) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf call: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Transfer sends tokens from custody to a recipient. The transaction
// is broadcast but not waited on; pair with Confirmation or
// WaitForConfirmation.
func (c *Custody) Transfer(ctx context.Context, to common.Address, amount decimal.Decimal) (*Receipt, error) {
	raw, err := c.toBase(amount)
	if err != nil {
		return nil, err
	}

	data, err := c.tokenABI.Pack("transfer", to, raw)
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &Receipt{
		TxHash: strings.ToLower(signedTx.Hash().Hex()),
		From:   c.Address(),
		To:     strings.ToLower(to.Hex()),
		Amount: amount,
		Nonce:  nonce,
	}, nil
}

// Confirmation checks a transaction once. ErrTxPending when it has not
// mined yet, ErrTxFailed (wrapped) when it reverted.
func (c *Custody) Confirmation(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxPending
		}
		return nil, &TransferError{Op: "receipt", TxHash: txHash, Err: err}
	}
	if receipt.Status == 0 {
		return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTxFailed}
	}
	return &Receipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

// WaitForConfirmation polls until the transaction mines or the timeout
// lapses.
func (c *Custody) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.Confirmation(ctx, txHash)
			if errors.Is(err, ErrTxPending) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return receipt, nil
		}
	}
}

// VerifyDeposit inspects a mined transaction and returns every token
// transfer into the custody wallet it carries.
func (c *Custody) VerifyDeposit(ctx context.Context, txHash string) ([]Deposit, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxPending
		}
		return nil, &TransferError{Op: "receipt", TxHash: txHash, Err: err}
	}
	if receipt.Status == 0 {
		return nil, ErrTxFailed
	}

	var deposits []Deposit
	for _, lg := range receipt.Logs {
		if lg.Address != c.token || len(lg.Topics) < 3 || lg.Topics[0] != transferEventSig {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != c.address {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		deposits = append(deposits, Deposit{
			TxHash:      strings.ToLower(txHash),
			LogIndex:    lg.Index,
			From:        strings.ToLower(from.Hex()),
			Amount:      c.fromBase(new(big.Int).SetBytes(lg.Data)),
			BlockNumber: receipt.BlockNumber.Uint64(),
		})
	}
	if len(deposits) == 0 {
		return nil, ErrNoDeposit
	}
	return deposits, nil
}

// Close closes the RPC connection.
func (c *Custody) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// toBase converts a decimal token amount to base units. Amounts finer
// than the token's precision cannot exist on chain and are rejected.
func (c *Custody) toBase(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	scaled := amount.Shift(c.decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: finer than %d decimals", ErrInvalidAmount, c.decimals)
	}
	return scaled.BigInt(), nil
}

func (c *Custody) fromBase(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -c.decimals)
}
