package plan

import (
	"fmt"
	"strings"
)

// TopoSort orders nodes so that every node follows its dependencies. Ties
// keep the input order. Unknown dependency names are ignored here; Validate
// reports them separately.
func TopoSort(nodes []string, deps map[string][]string) ([]string, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n] = true
	}

	inDegree := make(map[string]int, len(nodes))
	forward := make(map[string][]string)
	for _, n := range nodes {
		for _, dep := range deps[n] {
			if !known[dep] {
				continue
			}
			inDegree[n]++
			forward[dep] = append(forward[dep], n)
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, nil
	}
	cycle := findCycle(nodes, deps, inDegree)
	return nil, &CycleError{Path: cycle}
}

// CycleError names one dependency cycle, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// findCycle walks the nodes Kahn's algorithm could not drain and returns the
// first cycle found by DFS.
func findCycle(nodes []string, deps map[string][]string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range deps[node] {
			switch color[dep] {
			case gray:
				path = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			case white:
				if _, ok := deps[dep]; !ok && inDegree[dep] == 0 {
					continue
				}
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range nodes {
		if inDegree[n] > 0 && color[n] == white {
			if dfs(n) {
				return path
			}
		}
	}
	return []string{"(cycle detected)"}
}
