package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/Abhi270303/RugLens/src/metrics"
)

const (
	maxRPCFailures  = 3
	rpcTripDuration = 5 * time.Minute
	chainIDAttempts = 3
)

var ErrNoEndpoints = errors.New("chain: no RPC endpoint available")

// Dialer opens a client for url. Dial is the production dialer.
type Dialer func(ctx context.Context, url string) (EthClient, error)

type rpcState struct {
	url          string
	failureCount int
	trippedUntil time.Time
}

// Endpoints rotates through a fixed RPC list, tripping an endpoint for
// rpcTripDuration after maxRPCFailures consecutive failures.
type Endpoints struct {
	mu      sync.Mutex
	states  []*rpcState
	next    int
	dial    Dialer
	metrics *metrics.DetectorMetrics

	now        func() time.Time
	retryDelay time.Duration
}

func NewEndpoints(urls []string, dial Dialer, m *metrics.DetectorMetrics) *Endpoints {
	states := make([]*rpcState, 0, len(urls))
	for _, u := range urls {
		states = append(states, &rpcState{url: u})
	}
	return &Endpoints{
		states:     states,
		dial:       dial,
		metrics:    m,
		now:        time.Now,
		retryDelay: time.Second,
	}
}

func (e *Endpoints) URLs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	urls := make([]string, len(e.states))
	for i, s := range e.states {
		urls[i] = s.url
	}
	return urls
}

// Connect tries every endpoint at most once, starting after the one used
// last, and returns the first that dials and answers eth_chainId.
func (e *Endpoints) Connect(ctx context.Context) (EthClient, *big.Int, string, error) {
	e.mu.Lock()
	n := len(e.states)
	start := e.next
	e.mu.Unlock()

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, "", err
		}
		idx := (start + i) % n

		e.mu.Lock()
		state := e.states[idx]
		tripped := e.now().Before(state.trippedUntil)
		e.mu.Unlock()
		if tripped {
			continue
		}

		client, chainID, err := e.try(ctx, state.url)
		if err == nil {
			e.mu.Lock()
			e.next = idx + 1
			e.mu.Unlock()
			e.markActive(state.url)
			log.Info("Connected to RPC", "url", state.url, "chainid", chainID)
			return client, chainID, state.url, nil
		}
		log.Warn("RPC connection failed, trying next", "url", state.url, "err", err)
		e.Fail(state.url)
	}
	return nil, nil, "", ErrNoEndpoints
}

func (e *Endpoints) try(ctx context.Context, url string) (EthClient, *big.Int, error) {
	client, err := e.dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	var cid *big.Int
	for attempt := 0; attempt < chainIDAttempts; attempt++ {
		cid, err = client.ChainID(ctx)
		if err == nil {
			return client, cid, nil
		}
		if e.metrics != nil {
			e.metrics.ChainIDFetchFailures.WithLabelValues(url).Inc()
		}
		if attempt+1 < chainIDAttempts {
			select {
			case <-ctx.Done():
				client.Close()
				return nil, nil, ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}
	}
	client.Close()
	return nil, nil, err
}

// Fail records a failure against url and trips its breaker when due.
func (e *Endpoints) Fail(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.states {
		if s.url != url {
			continue
		}
		s.failureCount++
		if s.failureCount >= maxRPCFailures {
			s.trippedUntil = e.now().Add(rpcTripDuration)
			s.failureCount = 0
			log.Warn("Circuit breaker tripped", "url", url, "for", rpcTripDuration)
			if e.metrics != nil {
				e.metrics.RPCCircuitBreakerTrips.WithLabelValues(url).Inc()
			}
		}
		return
	}
}

// Succeed clears the failure count of url. Callers report success only once
// the endpoint has served real work, so a node that dials but cannot serve
// still trips its breaker.
func (e *Endpoints) Succeed(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.states {
		if s.url == url {
			s.failureCount = 0
			return
		}
	}
}

func (e *Endpoints) markActive(url string) {
	if e.metrics == nil {
		return
	}
	for _, u := range e.URLs() {
		e.metrics.ActiveRPC.WithLabelValues(u).Set(0)
	}
	e.metrics.ActiveRPC.WithLabelValues(url).Set(1)
}

// Session keeps one live client and reconnects through Endpoints after the
// current one is dropped.
type Session struct {
	endpoints *Endpoints

	mu      sync.Mutex
	client  EthClient
	url     string
	chainID *big.Int
}

func NewSession(e *Endpoints) *Session {
	return &Session{endpoints: e}
}

func (s *Session) Client(ctx context.Context) (EthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	client, chainID, url, err := s.endpoints.Connect(ctx)
	if err != nil {
		return nil, err
	}
	s.client, s.url, s.chainID = client, url, chainID
	return client, nil
}

// ChainID of the current connection, or nil when disconnected.
func (s *Session) ChainID() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chainID
}

// Drop closes c if it is still the current client and counts a failure
// against its endpoint.
func (s *Session) Drop(c EthClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil || c != s.client {
		return
	}
	s.client.Close()
	s.endpoints.Fail(s.url)
	s.client, s.url, s.chainID = nil, "", nil
}

// Healthy reports that c served a call.
func (s *Session) Healthy(c EthClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil || c != s.client {
		return
	}
	s.endpoints.Succeed(s.url)
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}
