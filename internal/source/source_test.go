package source

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cityranker/citystats/internal/fetcher"
	"github.com/cityranker/citystats/internal/resilience"
)

func newTestClient() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   "citystats-test",
		Timeout:     5 * time.Second,
		Retry:       resilience.Fixed(3, time.Millisecond, nil),
		RatePerHost: 1000,
	})
}

func TestMemo_ComputesOncePerKey(t *testing.T) {
	var m memo[int]
	var calls atomic.Int32
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := m.get(ctx, "k", func(context.Context) int {
				calls.Add(1)
				time.Sleep(5 * time.Millisecond)
				return 42
			})
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())

	assert.Equal(t, 7, m.get(ctx, "other", func(context.Context) int { return 7 }))
	assert.Equal(t, 42, m.get(ctx, "k", func(context.Context) int { return 0 }))
}

func TestMemo_DoesNotKeepCancelledResults(t *testing.T) {
	var m memo[string]
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, "partial", m.get(ctx, "k", func(context.Context) string { return "partial" }))
	assert.Equal(t, "full", m.get(context.Background(), "k", func(context.Context) string { return "full" }))
}
