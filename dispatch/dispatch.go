// Package dispatch schedules the tool calls requested in one model turn.
// Consecutive read-only calls run concurrently; mutating calls run one at a
// time in their original order. Hooks run around every execution, and
// cancellation is honored at group and call boundaries.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkohler/cadence/hooks"
	"github.com/mkohler/cadence/session"
)

// Group is one scheduling unit of a BatchPlan: either a run of read-only
// calls that may execute concurrently, or a single mutating call.
type Group struct {
	Parallel bool
	Calls    []session.ToolCall
}

// BatchPlan is the ordered partition of a turn's tool calls. Group order
// matches the order calls appeared in the model response; read-only calls
// within a parallel group carry no ordering guarantee among themselves.
type BatchPlan []Group

// Plan partitions calls left to right into maximal read-only runs and
// singleton mutating groups.
func Plan(calls []session.ToolCall, isReadOnly func(name string) bool) BatchPlan {
	var plan BatchPlan
	var run []session.ToolCall

	flush := func() {
		if len(run) > 0 {
			plan = append(plan, Group{Parallel: true, Calls: run})
			run = nil
		}
	}

	for _, call := range calls {
		if isReadOnly(call.Name) {
			run = append(run, call)
			continue
		}
		flush()
		plan = append(plan, Group{Calls: []session.ToolCall{call}})
	}
	flush()
	return plan
}

// ExecuteFunc runs a single tool call and returns its textual output.
type ExecuteFunc func(ctx context.Context, call session.ToolCall) (string, error)

// Scheduler executes batch plans. Width bounds how many calls of a parallel
// group are in flight at once.
type Scheduler struct {
	Hooks *hooks.Registry
	Width int
}

// NewScheduler returns a scheduler running hooks around each call. A width
// of zero or less means at most 4 concurrent calls.
func NewScheduler(reg *hooks.Registry, width int) *Scheduler {
	if width <= 0 {
		width = 4
	}
	return &Scheduler{Hooks: reg, Width: width}
}

// Schedule partitions calls with isReadOnly and executes the resulting plan.
// The returned results are in the same order as calls, one result per call,
// regardless of execution order. Execution errors become IsError results;
// calls never started because ctx was cancelled become Skipped results. The
// next group only starts once every call of the previous group has settled.
func (s *Scheduler) Schedule(ctx context.Context, calls []session.ToolCall, isReadOnly func(string) bool, execute ExecuteFunc) []session.ToolResult {
	index := make(map[string]int, len(calls))
	for i, call := range calls {
		index[call.ToolCallID] = i
	}
	results := make([]session.ToolResult, len(calls))

	for _, group := range Plan(calls, isReadOnly) {
		if ctx.Err() != nil {
			// Once cancelled, no new group starts; everything left is
			// recorded as skipped, not failed.
			for _, call := range group.Calls {
				results[index[call.ToolCallID]] = skippedResult(call)
			}
			continue
		}

		if !group.Parallel {
			call := group.Calls[0]
			results[index[call.ToolCallID]] = s.executeOne(ctx, call, execute)
			continue
		}

		var wg sync.WaitGroup
		sem := make(chan struct{}, s.Width)
		for _, call := range group.Calls {
			if ctx.Err() != nil {
				results[index[call.ToolCallID]] = skippedResult(call)
				continue
			}
			wg.Add(1)
			go func(call session.ToolCall) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results[index[call.ToolCallID]] = s.executeOne(ctx, call, execute)
			}(call)
		}
		wg.Wait()
	}
	return results
}

// executeOne wraps a single call with the before/after hook lifecycles. A
// veto from a before hook synthesizes an error result without executing; an
// after hook may rewrite the result content before it is returned.
func (s *Scheduler) executeOne(ctx context.Context, call session.ToolCall, execute ExecuteFunc) session.ToolResult {
	if ctx.Err() != nil {
		return skippedResult(call)
	}

	if s.Hooks != nil {
		res := s.Hooks.Run(hooks.BeforeToolExecution, hooks.Context{
			ToolCall:  &call,
			Timestamp: time.Now(),
		})
		if !res.Continue {
			reason := "blocked by hook"
			if name, ok := res.Metadata["vetoed_by"].(string); ok {
				reason = fmt.Sprintf("blocked by hook '%s'", name)
			} else if name, ok := res.Metadata["critical_failure"].(string); ok {
				reason = fmt.Sprintf("critical hook '%s' failed", name)
			}
			return session.ToolResult{
				ToolCallID: call.ToolCallID,
				Content:    fmt.Sprintf("Tool '%s' was not executed: %s", call.Name, reason),
				IsError:    true,
			}
		}
		if res.Modified != nil && res.Modified.ToolCall != nil {
			call = *res.Modified.ToolCall
		}
	}

	content, err := execute(ctx, call)
	result := session.ToolResult{ToolCallID: call.ToolCallID, Content: content}
	if err != nil {
		// Execution failures are fed back to the model, never propagated.
		result.Content = fmt.Sprintf("Error executing tool %s: %v", call.Name, err)
		result.IsError = true
		return result
	}

	if s.Hooks != nil {
		res := s.Hooks.Run(hooks.AfterToolExecution, hooks.Context{
			ToolCall:   &call,
			ToolResult: &result,
			Timestamp:  time.Now(),
		})
		if res.Modified != nil && res.Modified.ToolResult != nil {
			rewritten := *res.Modified.ToolResult
			rewritten.ToolCallID = call.ToolCallID
			return rewritten
		}
	}
	return result
}

func skippedResult(call session.ToolCall) session.ToolResult {
	return session.ToolResult{
		ToolCallID: call.ToolCallID,
		Content:    fmt.Sprintf("Tool '%s' was skipped: turn cancelled", call.Name),
		Skipped:    true,
	}
}
