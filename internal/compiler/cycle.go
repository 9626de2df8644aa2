package compiler

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// CycleWarning reports a dependency cycle that passes through a query view.
//
// Unions accumulate, so cycles made only of unions converge. A query is
// recomputed from scratch on every visit, so a cycle through one may keep
// the flow from quiescing. This is reported, not rejected.
type CycleWarning struct {
	Path    []string `json:"path"`    // ["a", "b", "a"]
	Queries []string `json:"queries"` // query views on the cycle
	Message string   `json:"message"`
	Level   string   `json:"level"`
}

// dependencyGraph maps view id to the ids of the views that read it.
type dependencyGraph map[string][]string

// buildDependencyGraph constructs the data-flow graph of m. Every declared
// view is a node; successors are sorted.
func buildDependencyGraph(m *model) dependencyGraph {
	graph := make(dependencyGraph, len(m.ids))
	for _, id := range m.ids {
		if graph[id] == nil {
			graph[id] = []string{}
		}
		for _, up := range m.views[id].upstream() {
			if !slices.Contains(graph[up], id) {
				graph[up] = append(graph[up], id)
			}
		}
	}
	for _, succ := range graph {
		slices.Sort(succ)
	}
	return graph
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in sorted order so the result is deterministic. Members
// of each component are sorted.
func tarjanSCC(graph dependencyGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// schedule orders the views of m so that every view comes after the views
// it reads, except within a cycle. Each strongly connected component is
// placed as one block with its members in id order. Ready components are
// taken smallest id first.
func schedule(graph dependencyGraph, sccs [][]string) []string {
	comp := make(map[string]int)
	for i, scc := range sccs {
		for _, id := range scc {
			comp[id] = i
		}
	}

	indegree := make([]int, len(sccs))
	succ := make([][]int, len(sccs))
	for u, vs := range graph {
		for _, v := range vs {
			cu, cv := comp[u], comp[v]
			if cu == cv || slices.Contains(succ[cu], cv) {
				continue
			}
			succ[cu] = append(succ[cu], cv)
			indegree[cv]++
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]string, 0, len(graph))
	for len(ready) > 0 {
		slices.SortFunc(ready, func(a, b int) int { return cmp.Compare(sccs[a][0], sccs[b][0]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, sccs[next]...)
		for _, s := range succ[next] {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	return order
}

// analyzeCycles reports every cycle of graph that contains a query view.
func analyzeCycles(m *model, graph dependencyGraph, sccs [][]string) []CycleWarning {
	var warnings []CycleWarning
	for _, scc := range sccs {
		if len(scc) == 1 && !hasSelfLoop(scc[0], graph) {
			continue
		}
		var queries []string
		for _, id := range scc {
			if m.views[id].kind == KindQuery {
				queries = append(queries, id)
			}
		}
		if len(queries) == 0 {
			continue
		}
		warnings = append(warnings, cycleSCCToWarning(scc, queries, graph))
	}
	return warnings
}

func cycleSCCToWarning(scc, queries []string, graph dependencyGraph) CycleWarning {
	path := []string{scc[0], scc[0]}
	if len(scc) > 1 {
		path = reconstructCyclePath(scc, graph)
	}
	return CycleWarning{
		Path:    path,
		Queries: queries,
		Message: fmt.Sprintf("cycle through query view %s may not quiesce: %s",
			strings.Join(queries, ", "), strings.Join(path, " -> ")),
		Level: "warning",
	}
}

// reconstructCyclePath builds a cycle path from an SCC.
//
// Strategy: start at the first member, follow edges to unvisited members,
// and stop on returning to the start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	sccSet := make(map[string]bool, len(scc))
	for _, node := range scc {
		sccSet[node] = true
	}

	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}
	return path
}
