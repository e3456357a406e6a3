// Package gapfill asks a language model for indicator values no source
// could supply. Every value it produces is marked as an estimate.
package gapfill

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cityranker/citystats/internal/cache"
	"github.com/cityranker/citystats/internal/catalog"
	"github.com/cityranker/citystats/internal/llm"
	"github.com/cityranker/citystats/internal/model"
	"github.com/cityranker/citystats/internal/resilience"
)

// SourceName is the outcome source of every estimate.
const SourceName = "llm"

const systemPrompt = `You return only JSON, without commentary or explanation.`

const batchPrompt = `You are given values of the parameter %q (%s) for several entities.
Some values are missing (null). Fill every null with a reasonable estimate consistent with the known values.
Do not change any value that is not null.

Input JSON:
%s

Return only valid JSON with the same keys, mapping each entity to a number.`

const singlePrompt = `Give a numeric value for %q (%s) for %s.
Return only JSON of the form {"value": <number>}, or {"value": null} if you cannot estimate it.`

// Filler produces estimates through an llm.Client.
type Filler struct {
	client llm.Client
	cache  cache.Cache
	retry  resilience.RetryConfig
}

// New returns a Filler. A nil cache disables caching of single estimates.
func New(client llm.Client, c cache.Cache, retry resilience.RetryConfig) *Filler {
	if c == nil {
		c = cache.Nop{}
	}
	return &Filler{client: client, cache: c, retry: retry.WithLogger("llm", "complete")}
}

// Estimates is the set of keys a batch fill supplied.
type Estimates map[string]bool

// FillBatch fills the nil entries of values for one indicator in a single
// request. Non-nil entries are never changed. Filled values outside the
// indicator's range stay nil. On any transport or parse failure the input is
// returned unchanged.
func (f *Filler) FillBatch(ctx context.Context, ind *catalog.Indicator, values map[string]*float64) (map[string]*float64, Estimates) {
	out := make(map[string]*float64, len(values))
	missing := 0
	for k, v := range values {
		out[k] = v
		if v == nil {
			missing++
		}
	}
	if missing == 0 {
		return out, Estimates{}
	}

	input, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return out, Estimates{}
	}
	prompt := fmt.Sprintf(batchPrompt, ind.Key, ind.Prompt(), input)

	text, err := f.complete(ctx, prompt)
	if err != nil {
		zap.L().Warn("gapfill: batch request failed",
			zap.String("indicator", ind.Key), zap.Error(err))
		return out, Estimates{}
	}

	var filled map[string]any
	if err := json.Unmarshal([]byte(cleanJSON(text)), &filled); err != nil {
		zap.L().Warn("gapfill: batch response is not json",
			zap.String("indicator", ind.Key), zap.Error(err))
		return out, Estimates{}
	}

	est := Estimates{}
	for k, v := range values {
		if v != nil {
			continue
		}
		n, ok := number(filled[k])
		if !ok {
			continue
		}
		o := ind.Validate(SourceName, n)
		if !o.OK() {
			zap.L().Debug("gapfill: estimate rejected",
				zap.String("indicator", ind.Key), zap.String("entity", k), zap.String("detail", o.Detail))
			continue
		}
		val := o.Value
		out[k] = &val
		est[k] = true
	}
	return out, est
}

// Estimate asks for a single value of ind for one entity. Cached replies are
// reused; failures come back as absent or failed outcomes, never errors.
func (f *Filler) Estimate(ctx context.Context, ind *catalog.Indicator, e model.Entity) model.Outcome {
	key := CacheKey(ind, e)

	var text string
	if data, ok, err := f.cache.Get(ctx, key); err != nil {
		zap.L().Warn("gapfill: cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		text = string(data)
	}

	if text == "" {
		subject := e.Name
		if c := e.DisplayCountry(); c != "" {
			subject = fmt.Sprintf("the city %s, %s", e.Name, c)
		}
		reply, err := f.complete(ctx, fmt.Sprintf(singlePrompt, ind.Key, ind.Prompt(), subject))
		if err != nil {
			return model.Failed(SourceName, err)
		}
		text = reply
		if _, ok := parseSingle(text, ind.Key); ok {
			if err := f.cache.Put(ctx, key, []byte(text)); err != nil {
				zap.L().Warn("gapfill: cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}

	v, ok := parseSingle(text, ind.Key)
	if !ok {
		return model.Absent(SourceName, "no estimate in reply")
	}
	if v == nil {
		return model.Absent(SourceName, "model declined")
	}
	o := ind.Validate(SourceName, *v)
	o.Estimated = o.OK()
	return o
}

// CacheKey identifies a single estimate by entity and indicator.
func CacheKey(ind *catalog.Indicator, e model.Entity) string {
	return strings.Join([]string{"llm", e.Name, e.Country, ind.Key}, "|")
}

func (f *Filler) complete(ctx context.Context, prompt string) (string, error) {
	return resilience.DoVal(ctx, f.retry, func(ctx context.Context) (string, error) {
		text, err := f.client.Complete(ctx, llm.Request{System: systemPrompt, Prompt: prompt})
		if err != nil {
			return "", eris.Wrap(err, "gapfill: complete")
		}
		return text, nil
	})
}

// parseSingle reads a single-mode reply. ok is false when the reply holds no
// usable answer; a nil value with ok means the model explicitly returned null.
func parseSingle(text, key string) (*float64, bool) {
	cleaned := cleanJSON(text)
	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil {
		for _, k := range []string{"value", key} {
			raw, present := obj[k]
			if !present {
				continue
			}
			if raw == nil {
				return nil, true
			}
			if n, ok := number(raw); ok {
				return &n, true
			}
		}
		return nil, false
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
		return &n, true
	}
	return nil, false
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", ""), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// cleanJSON strips markdown fences and keeps the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
