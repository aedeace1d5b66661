// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"fmt"
	"sort"

	"github.com/hashicorp/taskforge/structs"
)

// CheckCycles walks the graph with a depth-first search and returns one
// representative cycle per strongly connected component of size greater
// than one. An empty result means the graph is acyclic.
func (e *Engine) CheckCycles() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findCyclesLocked()
}

const (
	colorWhite = iota // unvisited
	colorGray         // on the recursion stack
	colorBlack        // finished
)

func (e *Engine) findCyclesLocked() [][]string {
	colors := make(map[string]int, len(e.nodes))
	inCycle := make(map[string]bool)
	var cycles [][]string

	// Deterministic traversal order keeps the reported representative
	// stable between calls.
	ids := make([]string, 0, len(e.nodes))
	for id := range e.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var visit func(id string)
	visit = func(id string) {
		colors[id] = colorGray
		stack = append(stack, id)

		// Follow forward edges: dependency -> dependent.
		node := e.nodes[id]
		for _, depID := range e.dependentsOfLocked(node) {
			switch colors[depID] {
			case colorGray:
				cycle := extractCycle(stack, depID)
				if !anyInCycle(cycle, inCycle) {
					cycles = append(cycles, cycle)
					for _, member := range cycle {
						inCycle[member] = true
					}
				}
			case colorWhite:
				visit(depID)
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = colorBlack
	}

	for _, id := range ids {
		if colors[id] == colorWhite {
			visit(id)
		}
	}
	return cycles
}

// dependentsOfLocked lists the tasks whose edges point at the node,
// computed from forward edges so cycle detection does not depend on the
// reverse-edge cache being current.
func (e *Engine) dependentsOfLocked(node *Node) []string {
	id := node.Definition.TaskID
	var out []string
	for otherID, other := range e.nodes {
		for _, edge := range other.Edges {
			if edge.FromTaskID == id {
				out = append(out, otherID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// extractCycle slices the recursion stack from the first occurrence of
// head to the top, which is exactly the cycle that was closed.
func extractCycle(stack []string, head string) []string {
	for i, id := range stack {
		if id == head {
			return append([]string(nil), stack[i:]...)
		}
	}
	return nil
}

func anyInCycle(cycle []string, inCycle map[string]bool) bool {
	for _, id := range cycle {
		if inCycle[id] {
			return true
		}
	}
	return false
}

// ExecutionLayers computes a Kahn topological layering: each layer is a
// maximal set of mutually independent tasks whose dependencies all lie in
// earlier layers. Within a layer, tasks are ordered by descending priority
// with ties broken by admission order.
func (e *Engine) ExecutionLayers() ([][]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	indegree := make(map[string]int, len(e.nodes))
	for id := range e.nodes {
		indegree[id] = 0
	}
	for id, node := range e.nodes {
		for _, edge := range node.Edges {
			// Dangling references to tasks not yet admitted do not
			// contribute to the topology.
			if _, ok := e.nodes[edge.FromTaskID]; ok {
				indegree[id]++
			}
		}
	}

	processed := 0
	var layers [][]string
	for processed < len(e.nodes) {
		var layer []*Node
		for id, deg := range indegree {
			if deg == 0 {
				layer = append(layer, e.nodes[id])
			}
		}
		if len(layer) == 0 {
			return nil, structs.NewTaskError(structs.ErrKindCycle,
				"dependency graph contains a cycle after %d of %d tasks", processed, len(e.nodes))
		}

		sort.SliceStable(layer, func(i, j int) bool {
			if layer[i].Definition.Priority != layer[j].Definition.Priority {
				return layer[i].Definition.Priority > layer[j].Definition.Priority
			}
			return layer[i].seq < layer[j].seq
		})

		ids := make([]string, len(layer))
		for i, node := range layer {
			id := node.Definition.TaskID
			ids[i] = id
			delete(indegree, id)
		}
		for _, node := range e.nodes {
			id := node.Definition.TaskID
			if _, pending := indegree[id]; !pending {
				continue
			}
			for _, edge := range node.Edges {
				for _, doneID := range ids {
					if edge.FromTaskID == doneID {
						indegree[id]--
					}
				}
			}
		}

		layers = append(layers, ids)
		processed += len(ids)
	}
	return layers, nil
}

// ValidateAcyclic returns an error naming the first detected cycle, for
// startup checks.
func (e *Engine) ValidateAcyclic() error {
	cycles := e.CheckCycles()
	if len(cycles) == 0 {
		return nil
	}
	return structs.NewTaskError(structs.ErrKindCycle, "dependency cycle: %s", fmt.Sprint(cycles[0]))
}
