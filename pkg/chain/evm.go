package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

var ErrReadOnly = errors.New("chain: no settler contract or signing key configured")

const erc20ABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf",` +
	`"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// settlerABI is the merchant's settlement contract: sweeps deposit addresses and pays out in batches.
const settlerABI = `[` +
	`{"inputs":[{"name":"token","type":"address"},{"name":"from","type":"address[]"}],` +
	`"name":"collect","outputs":[],"stateMutability":"nonpayable","type":"function"},` +
	`{"inputs":[{"name":"token","type":"address"},{"name":"to","type":"address[]"},{"name":"amounts","type":"uint256[]"}],` +
	`"name":"batchTransfer","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

type EVMConfig struct {
	RPCURL string
	// Settler is the settlement contract address; empty makes the client read-only.
	Settler    string
	PrivateKey string
	ChainID    int64
}

// EVM implements Client against an EVM JSON-RPC endpoint.
type EVM struct {
	client  *ethclient.Client
	erc20   abi.ABI
	settler *bind.BoundContract
	key     *ecdsa.PrivateKey
	chainID *big.Int
	log     *zap.SugaredLogger
}

// DialEVM connects to cfg.RPCURL and resolves the chain id when not configured.
func DialEVM(ctx context.Context, cfg EVMConfig, logger *zap.SugaredLogger) (*EVM, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	e, err := NewEVM(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	if e.key != nil && e.chainID == nil {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
		e.chainID = id
	}
	return e, nil
}

func NewEVM(client *ethclient.Client, cfg EVMConfig, logger *zap.SugaredLogger) (*EVM, error) {
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}
	e := &EVM{client: client, erc20: erc20, log: util.OrNop(logger)}
	if cfg.ChainID != 0 {
		e.chainID = big.NewInt(cfg.ChainID)
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		e.key = key
	}
	if cfg.Settler != "" {
		if !common.IsHexAddress(cfg.Settler) {
			return nil, fmt.Errorf("%w: settler %q", ErrBadAddress, cfg.Settler)
		}
		parsed, err := abi.JSON(strings.NewReader(settlerABI))
		if err != nil {
			return nil, err
		}
		e.settler = bind.NewBoundContract(common.HexToAddress(cfg.Settler), parsed, client, client, client)
	}
	return e, nil
}

func (e *EVM) Close() { e.client.Close() }

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	return common.HexToAddress(s), nil
}

func (e *EVM) Balance(ctx context.Context, address, token string) (decimal.Decimal, error) {
	owner, err := parseAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	if token == "" {
		bal, err := e.client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromBigInt(bal, 0), nil
	}

	tokenAddr, err := parseAddress(token)
	if err != nil {
		return decimal.Zero, err
	}
	data, err := e.erc20.Pack("balanceOf", owner)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf %s: %w", address, err)
	}
	vals, err := e.erc20.Unpack("balanceOf", out)
	if err != nil || len(vals) != 1 {
		return decimal.Zero, fmt.Errorf("decode balanceOf %s: %v", address, err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("decode balanceOf %s: unexpected %T", address, vals[0])
	}
	return decimal.NewFromBigInt(bal, 0), nil
}

// TransactionInfo reports a missing receipt as pending.
func (e *EVM) TransactionInfo(ctx context.Context, hash string) (TxInfo, error) {
	r, err := e.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return TxInfo{Hash: hash, State: TxPending}, nil
	}
	if err != nil {
		return TxInfo{}, err
	}
	info := TxInfo{Hash: hash, State: TxConfirmed}
	if r.Status != types.ReceiptStatusSuccessful {
		info.State = TxReverted
	}
	if r.BlockNumber != nil {
		info.Block = r.BlockNumber.Uint64()
	}
	return info, nil
}

func (e *EVM) Collect(ctx context.Context, token string, from []string) (string, error) {
	tokenAddr, err := parseAddress(token)
	if err != nil {
		return "", err
	}
	addrs := make([]common.Address, 0, len(from))
	for _, f := range from {
		a, err := parseAddress(f)
		if err != nil {
			return "", err
		}
		addrs = append(addrs, a)
	}
	return e.transact(ctx, "collect", tokenAddr, addrs)
}

func (e *EVM) BatchTransfer(ctx context.Context, token string, transfers []Transfer) (string, error) {
	tokenAddr, err := parseAddress(token)
	if err != nil {
		return "", err
	}
	to := make([]common.Address, 0, len(transfers))
	amounts := make([]*big.Int, 0, len(transfers))
	for _, t := range transfers {
		a, err := parseAddress(t.To)
		if err != nil {
			return "", err
		}
		if t.Amount.Sign() <= 0 || !t.Amount.IsInteger() {
			return "", fmt.Errorf("chain: amount %s for %s is not a positive base-unit integer", t.Amount, t.To)
		}
		to = append(to, a)
		amounts = append(amounts, t.Amount.BigInt())
	}
	return e.transact(ctx, "batchTransfer", tokenAddr, to, amounts)
}

func (e *EVM) transact(ctx context.Context, method string, args ...any) (string, error) {
	if e.settler == nil || e.key == nil || e.chainID == nil {
		return "", ErrReadOnly
	}
	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return "", err
	}
	opts.Context = ctx
	tx, err := e.settler.Transact(opts, method, args...)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("%w: %v", ErrUserCancelled, err)
		}
		return "", fmt.Errorf("%s: %w", method, err)
	}
	e.log.Infow("evm_tx_sent", "method", method, "tx", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}
