package engine

import (
	"context"
	"time"

	"github.com/rendis/autocraft/internal/logging"
	"github.com/rendis/autocraft/internal/modifiers"
	"github.com/rendis/autocraft/pkg/schema"
)

// Flow is a resolved FlowGraph indexed for traversal. It is never mutated
// after CompileFlow.
type Flow struct {
	graph schema.FlowGraph
	nodes map[string]schema.Node
	next  map[edgeKey]string
}

type edgeKey struct {
	source, branch string
}

// CompileFlow resolves legacy fields and indexes nodes and edges. When two
// edges share a source and branch the first one wins; validation rejects
// such graphs before they get here.
func CompileFlow(g schema.FlowGraph) *Flow {
	resolved := g.Resolve()
	f := &Flow{
		graph: resolved,
		nodes: make(map[string]schema.Node, len(resolved.Nodes)),
		next:  make(map[edgeKey]string, len(resolved.Edges)),
	}
	for _, n := range resolved.Nodes {
		if _, dup := f.nodes[n.ID]; !dup {
			f.nodes[n.ID] = n
		}
	}
	for _, e := range resolved.Edges {
		k := edgeKey{e.Source, e.Branch}
		if _, dup := f.next[k]; !dup {
			f.next[k] = e.Target
		}
	}
	return f
}

// Graph returns the resolved graph.
func (f *Flow) Graph() schema.FlowGraph { return f.graph }

func (f *Flow) follow(source, branch string) (string, bool) {
	t, ok := f.next[edgeKey{source, branch}]
	return t, ok
}

// ExecutorState is the mutable state threaded through one attempt loop
// run: the modifier key and the node the next traversal starts from.
type ExecutorState struct {
	key modifierKey
	// Resume is the node the next traversal starts at. Empty means start.
	Resume string
}

// NewExecutorState creates the state for one run.
func NewExecutorState(in Input) *ExecutorState {
	st := &ExecutorState{}
	st.key.input = in
	return st
}

// ModifierHeld reports whether the modifier key is currently down.
func (s *ExecutorState) ModifierHeld() bool { return s.key.held.Load() }

// ReleaseModifier lets go of the modifier key if it is down and reports
// whether a release happened.
func (s *ExecutorState) ReleaseModifier(ctx context.Context) (bool, error) {
	return s.key.release(ctx)
}

// FlowResult is the outcome of one traversal.
type FlowResult struct {
	Found        bool
	Modifier     *schema.ModifierSpec
	DetectedText string
	Value        *int
	// Lines are the lines read by the last checkRegion node.
	Lines   []schema.NormalizedModifierLine
	Stopped bool
	Visited int
}

// ExecutorOptions configures a FlowExecutor. Zero values get defaults.
type ExecutorOptions struct {
	Matcher        *modifiers.Matcher
	Aggregator     *modifiers.Aggregator
	Sleeper        *Sleeper
	Breakers       *CircuitBreakerRegistry
	Retry          RetryPolicy
	VariantWorkers int
	// Stopped is polled before every node dispatch.
	Stopped  func() bool
	Appender EventAppender
}

// FlowExecutor interprets a Flow for one attempt.
type FlowExecutor struct {
	caps           Capabilities
	matcher        *modifiers.Matcher
	aggregator     *modifiers.Aggregator
	sleeper        *Sleeper
	breakers       *CircuitBreakerRegistry
	retry          RetryPolicy
	variantWorkers int
	stopped        func() bool
	journal        *journal
}

// NewFlowExecutor creates an executor around the given capabilities.
func NewFlowExecutor(caps Capabilities, opts ExecutorOptions) *FlowExecutor {
	if caps.Logger == nil {
		caps.Logger = discardLogger{}
	}
	x := &FlowExecutor{
		caps:           caps,
		matcher:        opts.Matcher,
		aggregator:     opts.Aggregator,
		sleeper:        opts.Sleeper,
		breakers:       opts.Breakers,
		retry:          opts.Retry,
		variantWorkers: opts.VariantWorkers,
		stopped:        opts.Stopped,
		journal:        &journal{appender: opts.Appender, logger: caps.Logger},
	}
	if x.stopped == nil {
		x.stopped = func() bool { return false }
	}
	if x.matcher == nil {
		x.matcher = modifiers.NewMatcher()
	}
	if x.aggregator == nil {
		x.aggregator = modifiers.NewAggregator(nil)
	}
	if x.sleeper == nil {
		x.sleeper = NewSleeper(DefaultDelayPolicy(), x.stopped)
	}
	if x.breakers == nil {
		x.breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	if x.retry.Attempts <= 0 {
		x.retry.Attempts = 1
	}
	if x.variantWorkers <= 0 {
		x.variantWorkers = 2
	}
	return x
}

// Run traverses the flow once, starting at st.Resume (or start).
//
// The traversal ends when it reaches end, a missing edge, a stop request,
// or a node it already visited during this traversal. In the last case
// st.Resume is set to that node so the next attempt continues the cycle
// from there instead of replaying the nodes leading into it.
//
// The returned error is non-nil only for conditions that are fatal for
// the whole run (missing node data, an unavailable capability).
func (x *FlowExecutor) Run(ctx context.Context, flow *Flow, st *ExecutorState) (FlowResult, error) {
	var res FlowResult
	cur := st.Resume
	if cur == "" {
		cur = schema.StartNodeID
	}
	st.Resume = ""
	visited := make(map[string]bool)

	for {
		if x.stopped() || ctx.Err() != nil {
			res.Stopped = true
			return res, nil
		}
		if visited[cur] {
			st.Resume = cur
			return res, nil
		}
		visited[cur] = true

		node, ok := flow.nodes[cur]
		if !ok {
			x.caps.Logger.Emit(ctx, schema.LogWarning, "edge points to unknown node, ending attempt", "node", cur)
			return res, nil
		}
		if node.Kind == schema.NodeKindEnd {
			return res, nil
		}
		res.Visited++

		nctx := logging.WithNodeID(ctx, node.ID)
		x.journal.record(nctx, schema.EventNodeEntered, map[string]any{"kind": node.Kind, "label": node.Label()})

		var (
			branch string
			err    error
		)
		switch node.Kind {
		case schema.NodeKindStart:
		case schema.NodeKindLeftClick:
			err = x.click(nctx, node, ButtonLeft, st)
		case schema.NodeKindRightClick:
			err = x.click(nctx, node, ButtonRight, st)
		case schema.NodeKindDelay:
			var completed bool
			completed, err = x.sleeper.Delay(nctx, time.Duration(node.Data.DurationMs)*time.Millisecond)
			if err == nil && !completed {
				res.Stopped = true
				return res, nil
			}
		case schema.NodeKindCheckRegion:
			var m modifiers.Match
			var found bool
			m, found, res.Lines, err = x.checkRegion(nctx, node)
			if err != nil {
				break
			}
			if !found {
				branch = schema.BranchFalse
				break
			}
			mod := m.Modifier
			res.Modifier, res.DetectedText, res.Value = &mod, m.Line.OriginalText, m.Value
			branch = schema.BranchTrue
			if target, ok := flow.follow(node.ID, schema.BranchTrue); ok && target == schema.EndNodeID {
				res.Found = true
				return res, nil
			}
		default:
			x.caps.Logger.Emit(nctx, schema.LogWarning, "unknown node type, skipping", "type", node.Kind)
		}

		if err != nil {
			if schema.ErrorCode(err) == schema.ErrCodeCancelled {
				res.Stopped = true
				return res, nil
			}
			if schema.IsFatal(err) {
				x.caps.Logger.Emit(nctx, schema.LogError, err.Error(), "node", node.Label())
				return res, err
			}
			x.caps.Logger.Emit(nctx, schema.LogWarning, "step failed, treating as no match", "node", node.Label(), "error", err)
			if node.Kind == schema.NodeKindCheckRegion {
				branch = schema.BranchFalse
			}
		}

		next, ok := flow.follow(node.ID, branch)
		if !ok {
			return res, nil
		}
		// A match whose true edge leads elsewhere keeps going; only the
		// direct true -> end edge reports success.
		res.Modifier, res.DetectedText, res.Value = nil, "", nil
		cur = next
	}
}

func (x *FlowExecutor) click(ctx context.Context, node schema.Node, button MouseButton, st *ExecutorState) error {
	pos := node.Data.Position
	if pos == nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "%s has no position", node.Label()).WithNode(node.ID)
	}

	err := x.invoke(ctx, CapabilityInput, false, func(ctx context.Context) error {
		return st.key.set(ctx, node.Data.UseShift)
	})
	if err != nil {
		return err
	}
	if node.Data.UseShift {
		x.journal.record(ctx, schema.EventModifierKey, map[string]any{"held": true})
	}

	err = x.invoke(ctx, CapabilityInput, false, func(ctx context.Context) error {
		return x.caps.Input.MoveAndClick(ctx, pos.X, pos.Y, button)
	})
	if err != nil {
		return err
	}
	x.caps.Logger.Emit(ctx, schema.LogDebug, "clicked", "button", button, "x", pos.X, "y", pos.Y, "shift", node.Data.UseShift)

	if node.Data.PostDelayMs != nil && *node.Data.PostDelayMs > 0 {
		if _, err := x.sleeper.Delay(ctx, time.Duration(*node.Data.PostDelayMs)*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}
