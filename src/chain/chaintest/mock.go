// Package chaintest provides a scriptable chain.EthClient for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Abhi270303/RugLens/src/chain"
)

var errNotMocked = errors.New("chaintest: call not mocked")

// MockEthClient implements chain.EthClient for testing. Unset funcs return
// errNotMocked, except Close and SubscribeNewHead.
type MockEthClient struct {
	ChainIDFunc            func(ctx context.Context) (*big.Int, error)
	BlockNumberFunc        func(ctx context.Context) (uint64, error)
	CloseFunc              func()
	SubscribeNewHeadFunc   func(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	BlockByHashFunc        func(ctx context.Context, hash common.Hash) (*types.Block, error)
	TransactionReceiptFunc func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAtFunc             func(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	TraceTransactionFunc   func(ctx context.Context, txHash common.Hash) (*chain.CallFrame, error)

	mu     sync.Mutex
	closed int
}

var _ chain.EthClient = (*MockEthClient)(nil)

func (m *MockEthClient) ChainID(ctx context.Context) (*big.Int, error) {
	if m.ChainIDFunc != nil {
		return m.ChainIDFunc(ctx)
	}
	return nil, errNotMocked
}

func (m *MockEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	if m.BlockNumberFunc != nil {
		return m.BlockNumberFunc(ctx)
	}
	return 0, errNotMocked
}

func (m *MockEthClient) Close() {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}

// Closed reports how many times Close was called.
func (m *MockEthClient) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockEthClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if m.SubscribeNewHeadFunc != nil {
		return m.SubscribeNewHeadFunc(ctx, ch)
	}
	return NewSubscription(), nil
}

func (m *MockEthClient) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	if m.BlockByHashFunc != nil {
		return m.BlockByHashFunc(ctx, hash)
	}
	return nil, errNotMocked
}

func (m *MockEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.TransactionReceiptFunc != nil {
		return m.TransactionReceiptFunc(ctx, txHash)
	}
	return nil, errNotMocked
}

func (m *MockEthClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if m.CodeAtFunc != nil {
		return m.CodeAtFunc(ctx, account, blockNumber)
	}
	return nil, errNotMocked
}

func (m *MockEthClient) TraceTransaction(ctx context.Context, txHash common.Hash) (*chain.CallFrame, error) {
	if m.TraceTransactionFunc != nil {
		return m.TraceTransactionFunc(ctx, txHash)
	}
	return nil, errNotMocked
}

// MockSubscription is an ethereum.Subscription whose error channel the
// test controls.
type MockSubscription struct {
	ErrChan chan error
	once    sync.Once
}

func NewSubscription() *MockSubscription {
	return &MockSubscription{ErrChan: make(chan error, 1)}
}

func (m *MockSubscription) Unsubscribe() {}

func (m *MockSubscription) Err() <-chan error {
	return m.ErrChan
}

// Fail delivers err to the subscriber once.
func (m *MockSubscription) Fail(err error) {
	m.once.Do(func() { m.ErrChan <- err })
}
