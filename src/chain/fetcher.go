package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/Abhi270303/RugLens/src/detection"
	"github.com/Abhi270303/RugLens/src/metrics"
)

var ErrNotFound = errors.New("chain: not found")

// ClientSource hands out a live client, takes back ones that failed and hears
// about ones that worked. *Session implements it.
type ClientSource interface {
	Client(ctx context.Context) (EthClient, error)
	Drop(EthClient)
	Healthy(EthClient)
}

type FetcherOptions struct {
	RateLimit float64 // requests per second, <= 0 means unlimited
	Burst     int
	CacheSize int
	Timeout   time.Duration
	Traces    bool
	Metrics   *metrics.DetectorMetrics
}

// Fetcher fills in the bytecode and trace of a detection request from a node.
// Deployed code is immutable, so it is cached by address.
type Fetcher struct {
	src     ClientSource
	limiter *rate.Limiter
	cache   *lru.Cache[common.Address, []byte]
	timeout time.Duration
	traces  bool
	metrics *metrics.DetectorMetrics
}

func NewFetcher(src ClientSource, opts FetcherOptions) (*Fetcher, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[common.Address, []byte](size)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		src:     src,
		limiter: rate.NewLimiter(limit, burst),
		cache:   cache,
		timeout: timeout,
		traces:  opts.Traces,
		metrics: opts.Metrics,
	}, nil
}

// Code returns the runtime bytecode at addr. An empty result means the
// address holds no contract.
func (f *Fetcher) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	if code, ok := f.cache.Get(addr); ok {
		if f.metrics != nil {
			f.metrics.FetchCacheHits.Inc()
		}
		return code, nil
	}
	var code []byte
	err := f.call(ctx, func(ctx context.Context, c EthClient) error {
		var err error
		code, err = c.CodeAt(ctx, addr, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("eth_getCode %s: %w", addr.Hex(), err)
	}
	if len(code) > 0 {
		f.cache.Add(addr, code)
	}
	return code, nil
}

// Trace returns the flattened callTracer trace of a transaction.
func (f *Fetcher) Trace(ctx context.Context, txHash common.Hash) (*detection.Trace, error) {
	var frame *CallFrame
	err := f.call(ctx, func(ctx context.Context, c EthClient) error {
		var err error
		frame, err = c.TraceTransaction(ctx, txHash)
		return err
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			err = ErrNotFound
		}
		return nil, fmt.Errorf("debug_traceTransaction %s: %w", txHash.Hex(), err)
	}
	return Flatten(frame), nil
}

// Enrich returns a copy of req with missing bytecode fetched for Address
// and, when traces are enabled, a missing trace fetched for Hash. Inputs the
// caller already supplied are never replaced, and an Address that is not a
// 20-byte hex account is passed through to the engine untouched.
func (f *Fetcher) Enrich(ctx context.Context, req *detection.DetectionRequest) (*detection.DetectionRequest, error) {
	if req == nil {
		return nil, nil
	}
	out := *req

	if detection.NormalizeBytecode(out.Bytecode) == "" && out.Address != "" {
		addr := strings.TrimSpace(out.Address)
		if common.IsHexAddress(addr) {
			code, err := f.Code(ctx, common.HexToAddress(addr))
			if err != nil {
				return nil, err
			}
			out.Bytecode = hex.EncodeToString(code)
		} else {
			log.Debug("Address is not an account, skipping code fetch", "address", addr)
		}
	}

	if out.Trace == nil && f.traces && IsTxHash(out.Hash) {
		trace, err := f.Trace(ctx, common.HexToHash(out.Hash))
		if err != nil {
			return nil, err
		}
		out.Trace = trace
	}
	return &out, nil
}

func (f *Fetcher) call(ctx context.Context, fn func(context.Context, EthClient) error) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	client, err := f.src.Client(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	err = fn(callCtx, client)
	if f.metrics != nil {
		f.metrics.RPCLatency.Observe(time.Since(start).Seconds())
	}
	switch {
	case err == nil || answered(err):
		f.src.Healthy(client)
	case ctx.Err() == nil:
		log.Warn("RPC call failed, dropping client", "err", err)
		f.src.Drop(client)
	}
	return err
}

// answered reports whether err came back from a node that is still healthy.
func answered(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// IsTxHash reports whether s is a 0x-prefixed 32-byte hex hash.
func IsTxHash(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	if len(s) != 2+2*common.HashLength {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
