package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

// BatchRegistryABI is the interface of the batch registry contract.
const BatchRegistryABI = `[
  {"type":"function","name":"registerBatch","stateMutability":"nonpayable",
   "inputs":[{"name":"batchId","type":"string"},{"name":"origin","type":"string"},{"name":"metadataHash","type":"bytes32"},{"name":"createdAt","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"transferBatch","stateMutability":"nonpayable",
   "inputs":[{"name":"batchId","type":"string"},{"name":"to","type":"address"},{"name":"additionalInfo","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"getBatch","stateMutability":"view",
   "inputs":[{"name":"batchId","type":"string"}],
   "outputs":[{"name":"id","type":"string"},{"name":"currentOwner","type":"address"},{"name":"origin","type":"string"},{"name":"createdAt","type":"uint256"},{"name":"metadataHash","type":"bytes32"},{"name":"exists","type":"bool"}]},
  {"type":"event","name":"BatchTransferred","anonymous":false,
   "inputs":[{"name":"batchId","type":"string","indexed":true},{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"timestamp","type":"uint256","indexed":false},{"name":"additionalInfo","type":"string","indexed":false}]}
]`

const transferEvent = "BatchTransferred"

type EVMConfig struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	// FromBlock bounds history scans; zero scans from genesis.
	FromBlock      uint64
	ReceiptTimeout time.Duration
	GasLimit       uint64
}

// EVMClient reads and writes the batch registry contract over JSON-RPC.
type EVMClient struct {
	rpc            *ethclient.Client
	contract       *bind.BoundContract
	abi            abi.ABI
	address        common.Address
	chainID        *big.Int
	fromBlock      uint64
	receiptTimeout time.Duration
	gasLimit       uint64
}

func DialEVM(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(BatchRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = rpc.ChainID(ctx); err != nil {
			rpc.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
	}
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	address := common.HexToAddress(cfg.ContractAddress)
	return &EVMClient{
		rpc:            rpc,
		contract:       bind.NewBoundContract(address, parsed, rpc, rpc, rpc),
		abi:            parsed,
		address:        address,
		chainID:        chainID,
		fromBlock:      cfg.FromBlock,
		receiptTimeout: timeout,
		gasLimit:       cfg.GasLimit,
	}, nil
}

func (c *EVMClient) Close() {
	c.rpc.Close()
}

func (c *EVMClient) RegisterBatch(ctx context.Context, req RegisterRequest) (SubmitResult, error) {
	return c.transact(ctx, req.Signer, "registerBatch",
		req.BatchID, req.Origin, common.HexToHash(req.MetadataHash), big.NewInt(req.CreatedAt.UnixMilli()))
}

func (c *EVMClient) SubmitTransfer(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if !common.IsHexAddress(req.To) {
		return SubmitResult{}, fmt.Errorf("%w: invalid recipient %q", ErrRejected, req.To)
	}
	return c.transact(ctx, req.Signer, "transferBatch", req.BatchID, common.HexToAddress(req.To), req.AdditionalInfo)
}

func (c *EVMClient) transact(ctx context.Context, signer Signer, method string, params ...any) (SubmitResult, error) {
	from := common.HexToAddress(signer.Address())
	opts := &bind.TransactOpts{
		From:     from,
		Context:  ctx,
		GasLimit: c.gasLimit,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != from {
				return nil, bind.ErrNotAuthorized
			}
			return signer.SignTx(tx, c.chainID)
		},
	}
	tx, err := c.contract.Transact(opts, method, params...)
	if err != nil {
		if isRevert(err) {
			return SubmitResult{}, fmt.Errorf("%w: %s: %v", ErrRejected, method, err)
		}
		return SubmitResult{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.rpc, tx)
	if err != nil {
		return SubmitResult{TransactionHash: tx.Hash().Hex()}, fmt.Errorf("%w: wait for %s: %v", ErrUnavailable, tx.Hash().Hex(), err)
	}
	out := SubmitResult{TransactionHash: tx.Hash().Hex(), BlockNumber: receipt.BlockNumber.Uint64()}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, fmt.Errorf("%w: %s reverted in block %d", ErrRejected, method, out.BlockNumber)
	}
	return out, nil
}

func (c *EVMClient) ReadBatch(ctx context.Context, batchID string) (*protocol.OnChainBatch, error) {
	var out []any
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getBatch", batchID); err != nil {
		return nil, fmt.Errorf("%w: getBatch: %v", ErrUnavailable, err)
	}
	if len(out) != 6 {
		return nil, fmt.Errorf("%w: getBatch returned %d values", ErrUnavailable, len(out))
	}
	exists, _ := out[5].(bool)
	if !exists {
		return nil, nil
	}
	owner, _ := out[1].(common.Address)
	origin, _ := out[2].(string)
	createdAt, _ := out[3].(*big.Int)
	hash, _ := out[4].([32]byte)
	state := &protocol.OnChainBatch{
		BatchID:      batchID,
		CurrentOwner: strings.ToLower(owner.Hex()),
		Origin:       origin,
		MetadataHash: common.Hash(hash).Hex(),
	}
	if createdAt != nil {
		state.CreatedAt = time.UnixMilli(createdAt.Int64()).UTC()
	}
	return state, nil
}

func (c *EVMClient) ReadHistory(ctx context.Context, batchID string) ([]protocol.OnChainTransferEvent, error) {
	event, ok := c.abi.Events[transferEvent]
	if !ok {
		return nil, errors.New("registry abi has no transfer event")
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.fromBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{event.ID}, {common.BytesToHash(keccakString(batchID))}},
	}
	logs, err := c.rpc.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs: %v", ErrUnavailable, err)
	}
	events := make([]protocol.OnChainTransferEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) != 4 {
			continue
		}
		fields := map[string]any{}
		if err := c.abi.UnpackIntoMap(fields, transferEvent, lg.Data); err != nil {
			return nil, fmt.Errorf("decode %s log %s: %w", transferEvent, lg.TxHash.Hex(), err)
		}
		ev := protocol.OnChainTransferEvent{
			From:            strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
			To:              strings.ToLower(common.BytesToAddress(lg.Topics[3].Bytes()).Hex()),
			TransactionHash: lg.TxHash.Hex(),
			BlockNumber:     lg.BlockNumber,
		}
		if ts, ok := fields["timestamp"].(*big.Int); ok {
			ev.Timestamp = time.Unix(ts.Int64(), 0).UTC()
		}
		ev.AdditionalInfo, _ = fields["additionalInfo"].(string)
		events = append(events, ev)
	}
	return events, nil
}

func (c *EVMClient) Ping(ctx context.Context) error {
	if _, err := c.rpc.BlockNumber(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}

func keccakString(s string) []byte {
	return common.FromHex(protocol.DigestString(s))
}
