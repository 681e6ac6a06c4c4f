package chain_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abhi270303/RugLens/src/chain"
	"github.com/Abhi270303/RugLens/src/chain/chaintest"
	"github.com/Abhi270303/RugLens/src/metrics"
)

type dialLog struct {
	mu    sync.Mutex
	calls []string
}

func (d *dialLog) record(url string) {
	d.mu.Lock()
	d.calls = append(d.calls, url)
	d.mu.Unlock()
}

func (d *dialLog) get() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func healthy(id int64) *chaintest.MockEthClient {
	return &chaintest.MockEthClient{
		ChainIDFunc: func(ctx context.Context) (*big.Int, error) {
			return big.NewInt(id), nil
		},
	}
}

func TestEndpointsRotation(t *testing.T) {
	var dials dialLog
	badChainID := &chaintest.MockEthClient{
		ChainIDFunc: func(ctx context.Context) (*big.Int, error) {
			return nil, errors.New("chain id failed")
		},
	}
	m := metrics.NewDetectorMetrics()

	eps := chain.NewEndpoints([]string{"rpc1", "rpc2", "rpc3"}, func(ctx context.Context, url string) (chain.EthClient, error) {
		dials.record(url)
		switch url {
		case "rpc1":
			return nil, errors.New("connection failed")
		case "rpc2":
			return badChainID, nil
		default:
			return healthy(1), nil
		}
	}, m)
	chain.SetRetryDelay(eps, 0)

	client, chainID, url, err := eps.Connect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "rpc3", url)
	assert.Equal(t, int64(1), chainID.Int64())
	assert.Equal(t, []string{"rpc1", "rpc2", "rpc3"}, dials.get())

	assert.Equal(t, 1, badChainID.Closed(), "client with failing chain id must be closed")
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ChainIDFetchFailures.WithLabelValues("rpc2")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveRPC.WithLabelValues("rpc3")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveRPC.WithLabelValues("rpc1")))
}

func TestEndpointsRotateBetweenSessions(t *testing.T) {
	eps := chain.NewEndpoints([]string{"a", "b"}, func(ctx context.Context, url string) (chain.EthClient, error) {
		return healthy(1), nil
	}, nil)

	var got []string
	for i := 0; i < 3; i++ {
		_, _, url, err := eps.Connect(context.Background())
		require.NoError(t, err)
		got = append(got, url)
	}
	assert.Equal(t, []string{"a", "b", "a"}, got)
}

func TestEndpointsCircuitBreaker(t *testing.T) {
	var dials dialLog
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := metrics.NewDetectorMetrics()

	eps := chain.NewEndpoints([]string{"flaky"}, func(ctx context.Context, url string) (chain.EthClient, error) {
		dials.record(url)
		return nil, errors.New("refused")
	}, m)
	chain.SetClock(eps, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		_, _, _, err := eps.Connect(context.Background())
		assert.ErrorIs(t, err, chain.ErrNoEndpoints)
	}
	assert.Len(t, dials.get(), 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RPCCircuitBreakerTrips.WithLabelValues("flaky")))

	// Tripped: not dialed again until the trip expires.
	_, _, _, err := eps.Connect(context.Background())
	assert.ErrorIs(t, err, chain.ErrNoEndpoints)
	assert.Len(t, dials.get(), 3)

	now = now.Add(5*time.Minute + time.Second)
	_, _, _, err = eps.Connect(context.Background())
	assert.ErrorIs(t, err, chain.ErrNoEndpoints)
	assert.Len(t, dials.get(), 4)
}

func TestEndpointsCanceled(t *testing.T) {
	eps := chain.NewEndpoints([]string{"a"}, func(ctx context.Context, url string) (chain.EthClient, error) {
		t.Fatal("dial after cancel")
		return nil, nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, _, err := eps.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionReconnectsAfterDrop(t *testing.T) {
	first, second := healthy(1), healthy(1)
	clients := map[string]*chaintest.MockEthClient{"a": first, "b": second}
	eps := chain.NewEndpoints([]string{"a", "b"}, func(ctx context.Context, url string) (chain.EthClient, error) {
		return clients[url], nil
	}, nil)
	s := chain.NewSession(eps)

	c1, err := s.Client(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, c1)
	assert.Equal(t, int64(1), s.ChainID().Int64())

	again, err := s.Client(context.Background())
	require.NoError(t, err)
	assert.Same(t, c1, again, "live client must be reused")

	s.Drop(c1)
	assert.Equal(t, 1, first.Closed())
	assert.Nil(t, s.ChainID())

	// A stale client must not tear down the replacement.
	c2, err := s.Client(context.Background())
	require.NoError(t, err)
	assert.Same(t, second, c2)
	s.Drop(c1)
	assert.Equal(t, 0, second.Closed())

	s.Close()
	assert.Equal(t, 1, second.Closed())
}

func TestSessionFailuresTripBreaker(t *testing.T) {
	var dials dialLog
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := metrics.NewDetectorMetrics()
	eps := chain.NewEndpoints([]string{"a"}, func(ctx context.Context, url string) (chain.EthClient, error) {
		dials.record(url)
		return healthy(1), nil
	}, m)
	chain.SetClock(eps, func() time.Time { return now })
	s := chain.NewSession(eps)
	ctx := context.Background()

	dropNext := func(served bool) {
		t.Helper()
		c, err := s.Client(ctx)
		require.NoError(t, err)
		if served {
			s.Healthy(c)
		}
		s.Drop(c)
	}

	// Dialing alone does not clear failures; a served call does.
	dropNext(false)
	dropNext(false)
	dropNext(true)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.RPCCircuitBreakerTrips.WithLabelValues("a")))

	dropNext(false)
	dropNext(false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RPCCircuitBreakerTrips.WithLabelValues("a")))

	_, err := s.Client(ctx)
	assert.ErrorIs(t, err, chain.ErrNoEndpoints)
	assert.Len(t, dials.get(), 5)
}
