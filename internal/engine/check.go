package engine

import (
	"context"
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/autocraft/internal/modifiers"
	"github.com/rendis/autocraft/pkg/schema"
)

// checkRegion captures the node's region, recognizes every preprocessing
// variant, aggregates the lines and matches them against the node's
// modifiers.
func (x *FlowExecutor) checkRegion(ctx context.Context, node schema.Node) (modifiers.Match, bool, []schema.NormalizedModifierLine, error) {
	region := node.Data.Region
	if region == nil {
		return modifiers.Match{}, false, nil, schema.NewErrorf(schema.ErrCodeConfiguration, "%s has no region", node.Label()).WithNode(node.ID)
	}
	if len(node.Data.Modifiers) == 0 {
		return modifiers.Match{}, false, nil, schema.NewErrorf(schema.ErrCodeConfiguration, "%s has no modifiers", node.Label()).WithNode(node.ID)
	}

	lines, err := x.ReadRegion(ctx, *region)
	if err != nil {
		return modifiers.Match{}, false, nil, err
	}
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.OriginalText
	}
	x.journal.record(ctx, schema.EventRegionChecked, map[string]any{"region": region, "lines": texts})

	m, found, err := x.matcher.FindMatch(ctx, lines, node.Data.Modifiers)
	if err != nil {
		return modifiers.Match{}, false, lines, err
	}
	if found {
		x.journal.record(ctx, schema.EventModifierFound, map[string]any{
			"modifier":      m.Modifier,
			"detected_text": m.Line.OriginalText,
			"value":         m.Value,
		})
		x.caps.Logger.Emit(ctx, schema.LogSuccess, "modifier found", "modifier", m.Modifier.DisplayText(), "text", m.Line.OriginalText)
	}
	return m, found, lines, nil
}

// ReadRegion captures region, recognizes every preprocessing variant and
// returns the aggregated lines. It is the read half of a checkRegion step.
func (x *FlowExecutor) ReadRegion(ctx context.Context, region schema.Region) ([]schema.NormalizedModifierLine, error) {
	var variants []image.Image
	err := x.invoke(ctx, CapabilityCapture, true, func(ctx context.Context) error {
		img, err := x.caps.Capture.GrabRegion(ctx, region)
		if err != nil {
			return err
		}
		variants, err = x.caps.Capture.Variants(img)
		return err
	})
	if err != nil {
		return nil, err
	}

	sets, err := x.recognize(ctx, variants)
	if err != nil {
		return nil, err
	}
	lines := x.aggregator.Aggregate(sets)
	x.caps.Logger.Emit(ctx, schema.LogDebug, "region read", "lines", len(lines), "variants", len(variants))
	return lines, nil
}

// recognize runs OCR over the variants concurrently. Results are stored by
// variant index, so the aggregate does not depend on completion order. A
// failed variant is dropped; the step only fails when every variant does.
func (x *FlowExecutor) recognize(ctx context.Context, variants []image.Image) ([][]schema.OCRLineCandidate, error) {
	sets := make([][]schema.OCRLineCandidate, len(variants))
	errs := make([]error, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.variantWorkers)
	for i, img := range variants {
		g.Go(func() error {
			errs[i] = x.invoke(gctx, CapabilityOCR, true, func(ctx context.Context) error {
				lines, err := x.caps.OCR.RecognizeLines(ctx, img)
				sets[i] = lines
				return err
			})
			if schema.IsFatal(errs[i]) {
				return errs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var firstErr error
	ok := 0
	for i, err := range errs {
		if err == nil {
			ok++
			continue
		}
		sets[i] = nil
		if firstErr == nil {
			firstErr = err
		}
	}
	if ok == 0 && firstErr != nil {
		return nil, firstErr
	}
	if firstErr != nil {
		x.caps.Logger.Emit(ctx, schema.LogDebug, "ocr variant failed", "error", firstErr)
	}
	return sets, nil
}

// invoke calls fn under the capability's circuit breaker. Failures come
// back as CAPABILITY_ERROR, which the step treats as "no match", until
// the breaker opens; from then on they are CAPABILITY_UNAVAILABLE and
// fatal. With retry set, retryable failures are retried per the policy
// before they count against the breaker.
func (x *FlowExecutor) invoke(ctx context.Context, capability string, retry bool, fn func(context.Context) error) error {
	if err := x.breakers.AllowRequest(capability); err != nil {
		return err
	}

	tries := 1
	if retry {
		tries = x.retry.Attempts
	}

	var err error
	for i := 0; i < tries; i++ {
		if i > 0 {
			if werr := WaitForBackoff(ctx, ComputeBackoff(x.retry, i-1)); werr != nil {
				return schema.NewError(schema.ErrCodeCancelled, "retry interrupted").WithCause(werr)
			}
		}
		err = fn(ctx)
		if err == nil {
			x.breakers.RecordSuccess(capability)
			return nil
		}
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, capability+" call cancelled").WithCause(err)
		}
		if !IsRetryableError(err) {
			break
		}
	}

	if schema.ErrorCode(err) == schema.ErrCodeCapabilityUnavailable {
		x.breakers.RecordFailure(capability)
		return err
	}
	if x.breakers.RecordFailure(capability) == CircuitOpen {
		x.journal.record(ctx, schema.EventCapabilityOpen, map[string]any{"capability": capability, "error": err.Error()})
		return schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "%s capability keeps failing", capability).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeCapability, "%s call failed", capability).WithCause(err)
}
