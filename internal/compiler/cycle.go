package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/lockstep/internal/ir"
)

// CycleWarning flags a zero-delay connection loop among the children
// of one container class.
//
// Loops are warnings, not errors, because the port wiring alone cannot
// tell whether reaction dependencies close them:
//   - feedback through an after-delay is always legal
//   - a zero-delay loop is legal when no reaction chain completes it
//
// The dependency graph builder rejects the truly cyclic cases fatally;
// the warning points at the class-level wiring worth inspecting.
type CycleWarning struct {
	Path    []string `json:"path"`    // cycle path: ["a", "b", "a"]
	Message string   `json:"message"` // human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles performs static loop analysis on a program's wiring.
//
// The algorithm:
//  1. Per container class, build a child -> child edge set from its
//     zero-delay connections (after-delayed connections are excluded:
//     a delayed hop cannot close a dependency cycle)
//  2. Find strongly connected components (Tarjan)
//  3. Report each SCC with size > 1 or a self-loop as a warning
//
// A program whose feedback always passes through an after-delay
// returns an empty list.
func AnalyzeCycles(prog *ir.Program) []CycleWarning {
	var warnings []CycleWarning
	for _, rc := range prog.Reactors {
		warnings = append(warnings, analyzeClassLoops(rc)...)
	}
	return warnings
}

func analyzeClassLoops(rc *ir.ReactorClass) []CycleWarning {
	graph := make(dependencyGraph)
	for _, c := range rc.Children {
		graph[c.Name] = []string{}
	}
	for _, conn := range rc.Connections {
		if conn.HasAfter {
			continue
		}
		from := conn.From.Container()
		to := conn.To.Container()
		// Endpoints on the container itself relay across the
		// hierarchy boundary and cannot loop inside this class.
		if from == "" || to == "" {
			continue
		}
		graph[from] = append(graph[from], to)
	}

	sccs := tarjanSCC(graph)

	var warnings []CycleWarning
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, loopToWarning(rc.Name, scc, graph))
		}
	}
	return warnings
}

// containmentCycles finds instantiation recursion: a class containing
// itself directly or through other classes. Instantiating such a
// program would never terminate, so validation reports these as fatal
// errors rather than warnings. Each cycle is returned as a closed
// class-name path.
func containmentCycles(prog *ir.Program) [][]string {
	graph := make(dependencyGraph)
	for _, rc := range prog.Reactors {
		graph[rc.Name] = []string{}
		for _, c := range rc.Children {
			graph[rc.Name] = append(graph[rc.Name], c.Class)
		}
	}

	var cycles [][]string
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			cycles = append(cycles, reconstructCyclePath(scc, graph))
		}
	}
	return cycles
}

// dependencyGraph maps node -> list of successor nodes.
type dependencyGraph map[string][]string

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's
// algorithm. Returns a list of SCCs, each a list of node names.
// Single-node SCCs without self-loops are NOT cycles.
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

		// v roots an SCC when its lowlink never escaped it
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
			sccs = append(sccs, scc)
		}
	}

	for node := range graph {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// loopToWarning converts an SCC to a CycleWarning. For self-loops the
// path is [child, child]; multi-node loops show one traversal.
func loopToWarning(class string, scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		name := scc[0]
		return CycleWarning{
			Path:    []string{name, name},
			Message: fmt.Sprintf("%s: zero-delay self loop on child %q", class, name),
			Level:   "warning",
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("%s: potential zero-delay loop: %s", class, strings.Join(path, " -> ")),
		Level:   "warning",
	}
}

// reconstructCyclePath builds a closed path from an SCC by following
// edges between SCC members until the walk returns to its start.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	sccSet := make(map[string]bool)
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
