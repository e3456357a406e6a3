package gapfill

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cityranker/citystats/internal/cache"
	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/llm"
	"github.com/cityranker/citystats/internal/model"
	"github.com/cityranker/citystats/internal/resilience"
)

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func newTestFiller(client llm.Client, c cache.Cache) *Filler {
	return New(client, c, resilience.Fixed(3, time.Millisecond, nil))
}

func homicide() *catalog.Indicator {
	return &catalog.Indicator{Key: "homicide", Description: "intentional homicide rate per 100,000 people", Range: []float64{0, 100}}
}

func ptr(v float64) *float64 { return &v }

func TestFillBatch_NothingMissingMakesNoCall(t *testing.T) {
	m := &mockLLM{}
	f := newTestFiller(m, nil)

	in := map[string]*float64{"France": ptr(1.2), "Germany": ptr(0.9)}
	out, est := f.FillBatch(context.Background(), homicide(), in)

	assert.Equal(t, in, out)
	assert.Empty(t, est)
	m.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestFillBatch_FillsNullsAndPreservesKnownValues(t *testing.T) {
	m := &mockLLM{}
	m.On("Complete", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return assert.Contains(t, req.Prompt, `"Germany": null`) &&
			assert.Contains(t, req.Prompt, `"France": 1.2`)
	})).Return("```json\n{\"France\": 7.5, \"Germany\": 0.9, \"Spain\": \"0.6\", \"Mars\": 3}\n```", nil).Once()

	f := newTestFiller(m, nil)
	in := map[string]*float64{"France": ptr(1.2), "Germany": nil, "Spain": nil}
	out, est := f.FillBatch(context.Background(), homicide(), in)

	require.Len(t, out, 3)
	assert.InDelta(t, 1.2, *out["France"], 1e-9, "known value must not be overwritten")
	assert.InDelta(t, 0.9, *out["Germany"], 1e-9)
	assert.InDelta(t, 0.6, *out["Spain"], 1e-9)
	assert.NotContains(t, out, "Mars")
	assert.Equal(t, Estimates{"Germany": true, "Spain": true}, est)
	m.AssertExpectations(t)
}

func TestFillBatch_MalformedResponseLeavesInputUnchanged(t *testing.T) {
	m := &mockLLM{}
	m.On("Complete", mock.Anything, mock.Anything).Return("I think Germany is about 1", nil).Once()

	f := newTestFiller(m, nil)
	in := map[string]*float64{"France": ptr(1.2), "Germany": nil}
	out, est := f.FillBatch(context.Background(), homicide(), in)

	require.Len(t, out, 2)
	assert.InDelta(t, 1.2, *out["France"], 1e-9)
	assert.Nil(t, out["Germany"])
	assert.Empty(t, est)
}

func TestFillBatch_TransportFailureLeavesInputUnchanged(t *testing.T) {
	m := &mockLLM{}
	m.On("Complete", mock.Anything, mock.Anything).
		Return("", resilience.NewTransientError(errors.New("overloaded"), 503)).Times(3)

	f := newTestFiller(m, nil)
	in := map[string]*float64{"France": ptr(1.2), "Germany": nil}
	out, est := f.FillBatch(context.Background(), homicide(), in)

	assert.Nil(t, out["Germany"])
	assert.InDelta(t, 1.2, *out["France"], 1e-9)
	assert.Empty(t, est)
	m.AssertNumberOfCalls(t, "Complete", 3)
}

func TestFillBatch_OutOfRangeStaysNull(t *testing.T) {
	m := &mockLLM{}
	m.On("Complete", mock.Anything, mock.Anything).Return(`{"France": 1.2, "Germany": 250}`, nil).Once()

	f := newTestFiller(m, nil)
	out, est := f.FillBatch(context.Background(), homicide(), map[string]*float64{"France": ptr(1.2), "Germany": nil})

	assert.Nil(t, out["Germany"])
	assert.Empty(t, est)
}

func TestEstimate_CachesReply(t *testing.T) {
	m := &mockLLM{}
	m.On("Complete", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return assert.Contains(t, req.Prompt, "Prague, Czechia")
	})).Return(`{"value": 0.6}`, nil).Once()

	c := cache.NewFileCache(filepath.Join(t.TempDir(), "llm"), ".json")
	f := newTestFiller(m, c)
	e := model.Entity{ID: 3067696, Name: "Prague", Country: "CZ", CountryName: "Czechia"}

	for range 2 {
		o := f.Estimate(context.Background(), homicide(), e)
		require.True(t, o.OK(), o.String())
		assert.InDelta(t, 0.6, o.Value, 1e-9)
		assert.True(t, o.Estimated)
		assert.Equal(t, SourceName, o.Source)
	}
	m.AssertNumberOfCalls(t, "Complete", 1)

	data, ok, err := c.Get(context.Background(), CacheKey(homicide(), e))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"value": 0.6}`, string(data))
}

func TestEstimate_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		err    error
		status model.Status
		value  float64
	}{
		{name: "plain number", reply: "4.2", status: model.StatusFound, value: 4.2},
		{name: "keyed by indicator", reply: `{"homicide": 3}`, status: model.StatusFound, value: 3},
		{name: "fenced", reply: "```json\n{\"value\": 12}\n```", status: model.StatusFound, value: 12},
		{name: "null", reply: `{"value": null}`, status: model.StatusAbsent},
		{name: "prose", reply: "no idea", status: model.StatusAbsent},
		{name: "out of range", reply: `{"value": 101}`, status: model.StatusRejected},
		{name: "upper bound inclusive", reply: `{"value": 100}`, status: model.StatusFound, value: 100},
		{name: "permanent error", err: errors.New("http 401"), status: model.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockLLM{}
			m.On("Complete", mock.Anything, mock.Anything).Return(tt.reply, tt.err)

			o := newTestFiller(m, nil).Estimate(context.Background(), homicide(), model.Entity{Name: "Lyon", Country: "FR"})
			assert.Equal(t, tt.status, o.Status)
			if tt.status == model.StatusFound {
				assert.InDelta(t, tt.value, o.Value, 1e-9)
				assert.True(t, o.Estimated)
			} else {
				assert.False(t, o.Estimated)
			}
			m.AssertNumberOfCalls(t, "Complete", 1)
		})
	}
}

func TestEstimate_UnparsableReplyNotCached(t *testing.T) {
	m := &mockLLM{}
	m.On("Complete", mock.Anything, mock.Anything).Return("sorry", nil).Twice()

	c := cache.NewFileCache(t.TempDir(), ".json")
	f := newTestFiller(m, c)
	e := model.Entity{Name: "Lyon", Country: "FR"}

	f.Estimate(context.Background(), homicide(), e)
	f.Estimate(context.Background(), homicide(), e)
	m.AssertNumberOfCalls(t, "Complete", 2)
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"Sure! {\"a\": 1} hope that helps", `{"a": 1}`},
		{"  {\"a\": {\"b\": 2}}  ", `{"a": {"b": 2}}`},
		{"no json", "no json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanJSON(tt.in))
	}
}

func TestCacheKey(t *testing.T) {
	e := model.Entity{Name: "San Jose", Country: "CR"}
	assert.Equal(t, "llm|San Jose|CR|homicide", CacheKey(homicide(), e))
	assert.NotEqual(t, CacheKey(homicide(), e), CacheKey(homicide(), model.Entity{Name: "San Jose", Country: "US"}))
}
