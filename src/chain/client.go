// Package chain fetches contract bytecode and call traces from Ethereum nodes
// and turns them into detection requests.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// EthClient is the node surface used by the fetcher and the watcher.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	TraceTransaction(ctx context.Context, txHash common.Hash) (*CallFrame, error)
}

// CallFrame is one frame of geth's callTracer output. Quantities are hex.
type CallFrame struct {
	Type    string      `json:"type"`
	From    string      `json:"from"`
	To      string      `json:"to,omitempty"`
	Value   string      `json:"value,omitempty"`
	Gas     string      `json:"gas,omitempty"`
	GasUsed string      `json:"gasUsed,omitempty"`
	Input   string      `json:"input,omitempty"`
	Output  string      `json:"output,omitempty"`
	Error   string      `json:"error,omitempty"`
	Calls   []CallFrame `json:"calls,omitempty"`
}

// Client is an ethclient that can also issue debug_traceTransaction.
type Client struct {
	*ethclient.Client
	rpc *rpc.Client
}

func Dial(ctx context.Context, url string) (EthClient, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{Client: ethclient.NewClient(rc), rpc: rc}, nil
}

func (c *Client) TraceTransaction(ctx context.Context, txHash common.Hash) (*CallFrame, error) {
	var frame CallFrame
	err := c.rpc.CallContext(ctx, &frame, "debug_traceTransaction", txHash, map[string]interface{}{
		"tracer": "callTracer",
	})
	if err != nil {
		return nil, err
	}
	return &frame, nil
}
