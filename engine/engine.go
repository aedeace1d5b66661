// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package engine owns the task dependency graph: admission, mutation,
// cycle detection, topological layering and readiness evaluation.
package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/taskforge/helper/clock"
	"github.com/hashicorp/taskforge/structs"
)

// ResourceChecker is the slice of the resource budget the engine needs for
// readiness evaluation.
type ResourceChecker interface {
	CanAllocate(reqs map[string]float64) bool
}

// Node is the runtime view of an admitted task.
type Node struct {
	Definition *structs.TaskDefinition

	// Edges are the task's dependency edges. They start as a copy of the
	// definition's edges and are mutated by AddEdge/RemoveEdge.
	Edges []structs.DependencyEdge

	// Dependents are the reverse edges, rebuilt on every graph mutation.
	Dependents []string

	Status          structs.TaskStatus
	LastResult      *structs.Result
	LastExecutionAt time.Time
	ExecutionTime   time.Duration

	admittedAt time.Time
	seq        int
}

// Engine is the dependency engine. All mutation is serialized under a
// single lock; no blocking I/O happens while it is held.
type Engine struct {
	logger hclog.Logger
	clock  clock.Clock
	budget ResourceChecker

	mu    sync.Mutex
	nodes map[string]*Node

	executing *set.Set[string]
	completed *set.Set[string]
	failed    *set.Set[string]

	// results holds the outcome of every finished task for predicate
	// evaluation.
	results map[string]*structs.Result

	seq int
}

// New creates an empty engine.
func New(logger hclog.Logger, clk clock.Clock, budget ResourceChecker) *Engine {
	return &Engine{
		logger:    logger.Named("engine"),
		clock:     clk,
		budget:    budget,
		nodes:     make(map[string]*Node),
		executing: set.New[string](8),
		completed: set.New[string](8),
		failed:    set.New[string](8),
		results:   make(map[string]*structs.Result),
	}
}

// AddTask admits a definition into the graph. Self-loops are rejected, as
// is any definition whose edges would make the graph cyclic. Dependencies
// on tasks not yet admitted are allowed; they simply block readiness until
// the upstream task exists and completes.
func (e *Engine) AddTask(def *structs.TaskDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.nodes[def.TaskID]; ok {
		return fmt.Errorf("admitting %q: %w", def.TaskID, structs.ErrDuplicateTask)
	}
	for _, edge := range def.Dependencies {
		if edge.FromTaskID == def.TaskID {
			return fmt.Errorf("admitting %q: self dependency", def.TaskID)
		}
	}

	def = def.Copy()
	node := &Node{
		Definition: def,
		Edges:      append([]structs.DependencyEdge(nil), def.Dependencies...),
		Status:     structs.TaskStatusPending,
		admittedAt: e.clock.Now(),
		seq:        e.seq,
	}
	e.seq++
	e.nodes[def.TaskID] = node

	if cycles := e.findCyclesLocked(); len(cycles) > 0 {
		delete(e.nodes, def.TaskID)
		return fmt.Errorf("admitting %q: %w", def.TaskID, structs.ErrWouldCycle)
	}

	e.rebuildDependentsLocked()
	e.logger.Debug("task admitted", "task_id", def.TaskID, "deps", len(node.Edges))
	return nil
}

// RemoveTask drops a task and every edge touching it.
func (e *Engine) RemoveTask(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.nodes[id]; !ok {
		return fmt.Errorf("removing %q: %w", id, structs.ErrTaskNotFound)
	}
	delete(e.nodes, id)

	// Drop incoming edges held by other nodes.
	for _, node := range e.nodes {
		kept := node.Edges[:0]
		for _, edge := range node.Edges {
			if edge.FromTaskID != id {
				kept = append(kept, edge)
			}
		}
		node.Edges = kept
	}

	e.executing.Remove(id)
	e.completed.Remove(id)
	e.failed.Remove(id)
	delete(e.results, id)

	e.rebuildDependentsLocked()
	e.logger.Debug("task removed", "task_id", id)
	return nil
}

// AddEdge adds a dependency edge from -> to. The edge is rejected without
// mutation if either endpoint is unknown, the edge is a self-loop or a
// duplicate, or it would introduce a cycle.
func (e *Engine) AddEdge(from, to string, kind structs.DependencyKind, predicate structs.DependencyPredicate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if from == to {
		return fmt.Errorf("edge %q -> %q: self dependency", from, to)
	}
	if _, ok := e.nodes[from]; !ok {
		return fmt.Errorf("edge %q -> %q: %w", from, to, structs.ErrTaskNotFound)
	}
	node, ok := e.nodes[to]
	if !ok {
		return fmt.Errorf("edge %q -> %q: %w", from, to, structs.ErrTaskNotFound)
	}
	for _, edge := range node.Edges {
		if edge.FromTaskID == from {
			return fmt.Errorf("edge %q -> %q: %w", from, to, structs.ErrDuplicateTask)
		}
	}

	node.Edges = append(node.Edges, structs.DependencyEdge{
		FromTaskID: from,
		Kind:       kind,
		Predicate:  predicate,
	})

	if cycles := e.findCyclesLocked(); len(cycles) > 0 {
		node.Edges = node.Edges[:len(node.Edges)-1]
		return fmt.Errorf("edge %q -> %q: %w", from, to, structs.ErrWouldCycle)
	}

	e.rebuildDependentsLocked()
	return nil
}

// RemoveEdge drops the dependency edge from -> to if present.
func (e *Engine) RemoveEdge(from, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[to]
	if !ok {
		return fmt.Errorf("edge %q -> %q: %w", from, to, structs.ErrTaskNotFound)
	}
	for i, edge := range node.Edges {
		if edge.FromTaskID == from {
			node.Edges = append(node.Edges[:i], node.Edges[i+1:]...)
			e.rebuildDependentsLocked()
			return nil
		}
	}
	return fmt.Errorf("edge %q -> %q: %w", from, to, structs.ErrTaskNotFound)
}

// IsReady reports whether the task may start now: it exists, is not
// executing or finished, every required dependency is satisfied, every
// conditional predicate holds, and the budget can cover its requirements.
func (e *Engine) IsReady(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isReadyLocked(id)
}

func (e *Engine) isReadyLocked(id string) bool {
	node, ok := e.nodes[id]
	if !ok {
		return false
	}
	if e.executing.Contains(id) || e.completed.Contains(id) || e.failed.Contains(id) {
		return false
	}
	if !e.depsSatisfiedLocked(node) {
		return false
	}
	return e.budget.CanAllocate(node.Definition.ResourceRequirements)
}

func (e *Engine) depsSatisfiedLocked(node *Node) bool {
	for _, edge := range node.Edges {
		if !e.edgeSatisfiedLocked(edge) {
			return false
		}
	}
	return true
}

func (e *Engine) edgeSatisfiedLocked(edge structs.DependencyEdge) bool {
	switch edge.Kind {
	case structs.DependencyRequired:
		if !e.completed.Contains(edge.FromTaskID) {
			return false
		}
		if edge.Predicate != nil && !edge.Predicate(e.results) {
			return false
		}
	case structs.DependencyConditional:
		// A conditional edge with no predicate cannot gate anything.
		if edge.Predicate != nil && !edge.Predicate(e.results) {
			return false
		}
	case structs.DependencyOptional:
		// Never blocks.
	}
	return true
}

// UnsatisfiedEdges returns the dependency edges currently blocking the
// task, in definition order.
func (e *Engine) UnsatisfiedEdges(id string) []structs.DependencyEdge {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[id]
	if !ok {
		return nil
	}
	var blocked []structs.DependencyEdge
	for _, edge := range node.Edges {
		if !e.edgeSatisfiedLocked(edge) {
			blocked = append(blocked, edge)
		}
	}
	return blocked
}

// ReadySet returns the IDs of all tasks ready to run, ordered by
// descending priority and then by earliest admission.
func (e *Engine) ReadySet() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ready []*Node
	for id, node := range e.nodes {
		if e.isReadyLocked(id) {
			ready = append(ready, node)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Definition.Priority != ready[j].Definition.Priority {
			return ready[i].Definition.Priority > ready[j].Definition.Priority
		}
		return ready[i].admittedAt.Before(ready[j].admittedAt) ||
			(ready[i].admittedAt.Equal(ready[j].admittedAt) && ready[i].seq < ready[j].seq)
	})

	out := make([]string, len(ready))
	for i, node := range ready {
		out[i] = node.Definition.TaskID
	}
	return out
}

// MarkRunning moves the task into the executing set. A task that is
// already executing or unknown is rejected, which enforces the single
// instance rule at the graph level.
func (e *Engine) MarkRunning(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[id]
	if !ok {
		return fmt.Errorf("marking %q running: %w", id, structs.ErrTaskNotFound)
	}
	if e.executing.Contains(id) {
		return fmt.Errorf("marking %q running: %w", id, structs.ErrAlreadyRunning)
	}

	e.completed.Remove(id)
	e.failed.Remove(id)
	e.executing.Insert(id)
	node.Status = structs.TaskStatusRunning
	node.LastExecutionAt = e.clock.Now()
	return nil
}

// MarkCompleted records a successful finish and stores the result for
// dependent predicates.
func (e *Engine) MarkCompleted(id string, result *structs.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[id]
	if !ok {
		return
	}
	e.executing.Remove(id)
	e.failed.Remove(id)
	e.completed.Insert(id)
	node.Status = structs.TaskStatusCompleted
	node.LastResult = result
	node.ExecutionTime = e.clock.Now().Sub(node.LastExecutionAt)
	e.results[id] = result
}

// MarkFailed records a failed finish.
func (e *Engine) MarkFailed(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[id]
	if !ok {
		return
	}
	e.executing.Remove(id)
	e.completed.Remove(id)
	e.failed.Insert(id)
	node.Status = structs.TaskStatusFailed
	if err != nil {
		node.LastResult = structs.FailureResult(err)
		e.results[id] = node.LastResult
	}
	node.ExecutionTime = e.clock.Now().Sub(node.LastExecutionAt)
}

// MarkRetrying returns a task whose attempt failed straight to the pending
// pool ahead of its delayed resubmission. The failure result is kept on the
// node for inspection but the task neither blocks nor unblocks dependents
// while it waits.
func (e *Engine) MarkRetrying(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[id]
	if !ok {
		return
	}
	e.executing.Remove(id)
	e.completed.Remove(id)
	e.failed.Remove(id)
	node.Status = structs.TaskStatusPending
	if err != nil {
		node.LastResult = structs.FailureResult(err)
	}
	node.ExecutionTime = e.clock.Now().Sub(node.LastExecutionAt)
}

// ResetTask returns a finished or failed task to the pending pool so a
// retry or a new trigger fire can run it again.
func (e *Engine) ResetTask(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[id]
	if !ok {
		return fmt.Errorf("resetting %q: %w", id, structs.ErrTaskNotFound)
	}
	if e.executing.Contains(id) {
		return fmt.Errorf("resetting %q: %w", id, structs.ErrAlreadyRunning)
	}
	e.completed.Remove(id)
	e.failed.Remove(id)
	node.Status = structs.TaskStatusPending
	return nil
}

// Node returns a shallow copy of the runtime node for inspection.
func (e *Engine) Node(id string) (*Node, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[id]
	if !ok {
		return nil, false
	}
	cp := *node
	cp.Edges = append([]structs.DependencyEdge(nil), node.Edges...)
	cp.Dependents = append([]string(nil), node.Dependents...)
	return &cp, true
}

// Tasks returns the IDs of all admitted tasks in admission order.
func (e *Engine) Tasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	nodes := make([]*Node, 0, len(e.nodes))
	for _, node := range e.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].seq < nodes[j].seq })

	out := make([]string, len(nodes))
	for i, node := range nodes {
		out[i] = node.Definition.TaskID
	}
	return out
}

// Result returns the stored result of a finished task.
func (e *Engine) Result(id string) (*structs.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.results[id]
	return r, ok
}

// GraphSnapshot is a point-in-time view of the DAG for operators.
type GraphSnapshot struct {
	Nodes map[string]NodeSnapshot `json:"nodes"`
}

// NodeSnapshot is one node in a graph snapshot.
type NodeSnapshot struct {
	Status       structs.TaskStatus `json:"status"`
	Priority     int                `json:"priority"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Dependents   []string           `json:"dependents,omitempty"`
}

// Snapshot captures the graph for the control surface.
func (e *Engine) Snapshot() *GraphSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &GraphSnapshot{Nodes: make(map[string]NodeSnapshot, len(e.nodes))}
	for id, node := range e.nodes {
		deps := make([]string, len(node.Edges))
		for i, edge := range node.Edges {
			deps[i] = edge.FromTaskID
		}
		snap.Nodes[id] = NodeSnapshot{
			Status:       node.Status,
			Priority:     node.Definition.Priority,
			Dependencies: deps,
			Dependents:   append([]string(nil), node.Dependents...),
		}
	}
	return snap
}

// rebuildDependentsLocked recomputes every reverse edge. Linear in the
// number of edges; the graph is small.
func (e *Engine) rebuildDependentsLocked() {
	for _, node := range e.nodes {
		node.Dependents = node.Dependents[:0]
	}
	for id, node := range e.nodes {
		for _, edge := range node.Edges {
			if from, ok := e.nodes[edge.FromTaskID]; ok {
				from.Dependents = append(from.Dependents, id)
			}
		}
	}
	for _, node := range e.nodes {
		sort.Strings(node.Dependents)
	}
}
