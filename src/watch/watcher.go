// Package watch follows new blocks, runs detection on every contract
// deployment and appends flagged deployments to a JSONL stream.
package watch

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/Abhi270303/RugLens/src/chain"
	"github.com/Abhi270303/RugLens/src/detection"
	"github.com/Abhi270303/RugLens/src/metrics"
)

var errStalled = errors.New("watch: RPC connection stalled")

// Event is one line of the output stream.
type Event struct {
	Contract string              `json:"contract"`
	Deployer string              `json:"deployer"`
	Block    uint64              `json:"block"`
	TxHash   string              `json:"txHash"`
	Detected bool                `json:"detected"`
	Message  string              `json:"message"`
	Findings []detection.Finding `json:"findings"`
}

type Stats struct {
	Blocks    uint64
	Contracts uint64
	Detected  uint64
}

type Options struct {
	Endpoints   *chain.Endpoints
	Engine      *detection.Engine
	Out         io.Writer
	Concurrency int
	Traces      bool
	Metrics     *metrics.DetectorMetrics
}

type Watcher struct {
	endpoints   *chain.Endpoints
	engine      atomic.Pointer[detection.Engine]
	out         io.Writer
	concurrency int
	traces      bool
	metrics     *metrics.DetectorMetrics

	stallTimeout     time.Duration
	watchdogInterval time.Duration
	retryDelay       time.Duration

	fileLock       sync.Mutex
	lock           sync.RWMutex
	lastHeaderTime time.Time
	stats          Stats
	startTime      time.Time
}

func New(opts Options) *Watcher {
	w := &Watcher{
		endpoints:        opts.Endpoints,
		out:              opts.Out,
		concurrency:      opts.Concurrency,
		traces:           opts.Traces,
		metrics:          opts.Metrics,
		stallTimeout:     60 * time.Second,
		watchdogInterval: 10 * time.Second,
		retryDelay:       5 * time.Second,
		startTime:        time.Now(),
	}
	if w.concurrency <= 0 {
		w.concurrency = 20
	}
	if w.metrics == nil {
		w.metrics = metrics.NewDetectorMetrics()
	}
	if w.out == nil {
		w.out = io.Discard
	}
	w.SetEngine(opts.Engine)
	if w.engine.Load() == nil {
		w.engine.Store(detection.New(nil))
	}
	return w
}

// SetEngine swaps the engine used for deployments seen from now on.
func (w *Watcher) SetEngine(e *detection.Engine) {
	if e != nil {
		w.engine.Store(e)
	}
}

func (w *Watcher) Stats() Stats {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.stats
}

// Run connects to the first healthy endpoint and follows its head until ctx
// is canceled, reconnecting on subscription errors and stalls. A session that
// ends in error counts as a failure of its endpoint.
func (w *Watcher) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		client, chainID, url, err := w.endpoints.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("All RPC connections failed, retrying", "in", w.retryDelay)
			w.sleep(ctx)
			continue
		}

		before := w.Stats().Blocks
		err = w.session(ctx, client, chainID)
		client.Close()
		if w.Stats().Blocks > before {
			w.endpoints.Succeed(url)
		}
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			w.endpoints.Fail(url)
		}
		log.Warn("Session ended, reconnecting", "url", url, "err", err, "in", w.retryDelay)
		w.sleep(ctx)
	}
	return nil
}

func (w *Watcher) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.retryDelay):
	}
}

func (w *Watcher) session(ctx context.Context, client chain.EthClient, chainID *big.Int) error {
	w.lock.Lock()
	w.lastHeaderTime = time.Now()
	w.lock.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.watchdog(gctx, client) })
	g.Go(func() error { return w.subscribeDeployments(gctx, client, chainID) })
	return g.Wait()
}

func (w *Watcher) watchdog(ctx context.Context, client chain.EthClient) error {
	ticker := time.NewTicker(w.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if _, err := client.BlockNumber(ctx); err == nil {
				w.metrics.RPCLatency.Observe(time.Since(start).Seconds())
			}

			w.lock.RLock()
			last := w.lastHeaderTime
			w.lock.RUnlock()

			if since := time.Since(last); since > w.stallTimeout {
				log.Error("RPC connection stalled, reconnecting", "idle", common.PrettyDuration(since))
				w.metrics.RPCStalled.Set(1)
				return errStalled
			}
			w.metrics.RPCStalled.Set(0)
		}
	}
}

func (w *Watcher) subscribeDeployments(ctx context.Context, client chain.EthClient, chainID *big.Int) error {
	headers := make(chan *types.Header)
	sub, err := client.SubscribeNewHead(ctx, headers)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	w.metrics.ActiveSubscriptions.Inc()
	defer w.metrics.ActiveSubscriptions.Dec()

	signer := types.LatestSignerForChainID(chainID)
	sem := make(chan struct{}, w.concurrency)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case header := <-headers:
			w.lock.Lock()
			w.lastHeaderTime = time.Now()
			w.lock.Unlock()

			w.handleHeader(ctx, client, signer, chainID, header, sem)
		}
	}
}

func (w *Watcher) handleHeader(ctx context.Context, client chain.EthClient, signer types.Signer, chainID *big.Int, header *types.Header, sem chan struct{}) {
	block, err := client.BlockByHash(ctx, header.Hash())
	if err != nil {
		log.Warn("Block lookup failed", "number", header.Number, "err", err)
		return
	}

	var wg sync.WaitGroup
	for _, tx := range block.Transactions() {
		if tx.To() != nil {
			continue
		}
		wg.Add(1)
		go func(tx *types.Transaction) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ev, err := w.inspect(ctx, client, signer, chainID, block.NumberU64(), tx)
			if err != nil {
				log.Debug("Skipping deployment", "tx", tx.Hash(), "err", err)
				return
			}
			if ev != nil && ev.Detected {
				w.writeEvent(*ev)
			}
		}(tx)
	}
	wg.Wait()

	w.lock.Lock()
	w.stats.Blocks++
	w.lock.Unlock()
	w.writeStats()
}

// inspect runs detection on the contract created by tx. It returns nil when
// tx did not leave code behind.
func (w *Watcher) inspect(ctx context.Context, client chain.EthClient, signer types.Signer, chainID *big.Int, blockNum uint64, tx *types.Transaction) (*Event, error) {
	if tx.To() != nil {
		return nil, nil
	}
	receipt, err := client.TransactionReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.ContractAddress == (common.Address{}) {
		return nil, nil
	}
	code, err := client.CodeAt(ctx, receipt.ContractAddress, nil)
	if err != nil || len(code) == 0 {
		return nil, err
	}
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, err
	}

	addr := strings.ToLower(receipt.ContractAddress.Hex())
	req := &detection.DetectionRequest{
		ChainID:  chainID.Int64(),
		Hash:     tx.Hash().Hex(),
		Address:  addr,
		Bytecode: hex.EncodeToString(code),
	}
	if w.traces {
		frame, err := client.TraceTransaction(ctx, tx.Hash())
		if err != nil {
			log.Debug("Trace unavailable", "tx", tx.Hash(), "err", err)
		} else {
			req.Trace = chain.Flatten(frame)
		}
	}

	start := time.Now()
	res := w.engine.Load().Detect(req)
	w.metrics.ObserveResult(res, time.Since(start))
	w.metrics.ContractsDiscovered.Inc()

	w.lock.Lock()
	w.stats.Contracts++
	if res.Detected {
		w.stats.Detected++
	}
	w.lock.Unlock()

	if receipt.BlockNumber != nil {
		blockNum = receipt.BlockNumber.Uint64()
	}
	log.Info("New contract", "address", addr, "deployer", from, "detected", res.Detected, "findings", len(res.Findings))

	return &Event{
		Contract: addr,
		Deployer: from.Hex(),
		Block:    blockNum,
		TxHash:   tx.Hash().Hex(),
		Detected: res.Detected,
		Message:  res.Message,
		Findings: res.Findings,
	}, nil
}

func (w *Watcher) writeEvent(ev Event) {
	w.fileLock.Lock()
	defer w.fileLock.Unlock()
	writer := bufio.NewWriter(w.out)
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error("Failed to encode event", "err", err)
		return
	}
	_, _ = writer.Write(b)
	_, _ = writer.Write([]byte("\n"))
	if err := writer.Flush(); err != nil {
		log.Error("Failed to write event", "err", err)
	}
}

func (w *Watcher) writeStats() {
	w.lock.RLock()
	defer w.lock.RUnlock()

	log.Info("Watcher stats",
		"uptime", common.PrettyDuration(time.Since(w.startTime).Round(time.Second)),
		"blocks", w.stats.Blocks,
		"contracts", w.stats.Contracts,
		"detected", w.stats.Detected,
	)
}
