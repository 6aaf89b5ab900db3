package hooks

import (
	"sort"
	"sync"
	"time"

	"github.com/mkohler/cadence/session"
)

// Lifecycle names a point in the orchestration flow at which hooks may run.
type Lifecycle string

const (
	BeforeToolExecution Lifecycle = "before_tool_execution"
	AfterToolExecution  Lifecycle = "after_tool_execution"
	BeforeModelTurn     Lifecycle = "before_model_turn"
	AfterModelTurn      Lifecycle = "after_model_turn"
)

// DefaultPriority is assigned to hooks registered without one. Lower runs
// first.
const DefaultPriority = 100

// Context is the payload passed through the pipeline. It travels by value: a
// hook that wants to change it returns a Modified copy, and the call site's
// original is never touched.
type Context struct {
	Lifecycle  Lifecycle
	Message    string
	ToolCall   *session.ToolCall
	ToolResult *session.ToolResult
	Timestamp  time.Time
	Metadata   map[string]interface{}
}

// Result is what a pipeline run (or a single hook) produced. Once a hook sets
// Continue=false the rest of the pipeline is skipped and the caller must treat
// the event as vetoed.
type Result struct {
	Continue bool
	Modified *Context
	Metadata map[string]interface{}
}

// Handler is a single hook callback. Returning an error from a hook with
// priority below the registry's critical threshold vetoes the event; above it
// the error is recorded and the pipeline keeps going.
type Handler func(ctx Context) (Result, error)

// Hook is a named interceptor bound to one or more lifecycles.
type Hook struct {
	Name       string
	Lifecycles []Lifecycle
	Priority   int
	Disabled   bool
	Handler    Handler

	seq int // registration order, used to break priority ties
}

func (h *Hook) matches(lc Lifecycle) bool {
	for _, l := range h.Lifecycles {
		if l == lc {
			return true
		}
	}
	return false
}

// Registry holds registered hooks. It is an explicit instance wired through
// the engine constructor, not process-global state.
type Registry struct {
	mu               sync.Mutex
	hooks            map[string]*Hook
	criticalPriority int
	seq              int
}

// NewRegistry creates a registry. Hooks with priority below criticalPriority
// abort the pipeline when their handler errors; zero or negative means no
// hook is critical.
func NewRegistry(criticalPriority int) *Registry {
	return &Registry{
		hooks:            make(map[string]*Hook),
		criticalPriority: criticalPriority,
	}
}

// Register adds or replaces a hook by name. A zero priority gets
// DefaultPriority.
func (r *Registry) Register(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.Priority == 0 {
		h.Priority = DefaultPriority
	}
	r.seq++
	h.seq = r.seq
	r.hooks[h.Name] = &h
}

// Unregister removes a hook by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, name)
}

// ForLifecycle returns the enabled hooks for lc, sorted by ascending priority
// with registration order breaking ties.
func (r *Registry) ForLifecycle(lc Lifecycle) []*Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*Hook
	for _, h := range r.hooks {
		if !h.Disabled && h.matches(lc) {
			matched = append(matched, h)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

// Run executes the hooks registered for lc in priority order. Each hook sees
// the cumulative modifications of the hooks before it; metadata from hooks
// that ran is aggregated even when a later hook vetoes.
func (r *Registry) Run(lc Lifecycle, hctx Context) Result {
	hctx.Lifecycle = lc
	if hctx.Timestamp.IsZero() {
		hctx.Timestamp = time.Now()
	}

	agg := Result{Continue: true, Metadata: map[string]interface{}{}}
	current := hctx

	for _, h := range r.ForLifecycle(lc) {
		res, err := h.Handler(current)
		if err != nil {
			if r.criticalPriority > 0 && h.Priority < r.criticalPriority {
				agg.Continue = false
				agg.Metadata["critical_failure"] = h.Name
				agg.Metadata["error:"+h.Name] = err.Error()
				return agg
			}
			agg.Metadata["error:"+h.Name] = err.Error()
			continue
		}
		for k, v := range res.Metadata {
			agg.Metadata[k] = v
		}
		if res.Modified != nil {
			current = *res.Modified
			current.Lifecycle = lc
			agg.Modified = res.Modified
		}
		if !res.Continue {
			agg.Continue = false
			agg.Metadata["vetoed_by"] = h.Name
			return agg
		}
	}
	return agg
}
