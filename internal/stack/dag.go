// File: internal/stack/dag.go
// Brief: Cycle detection and stable execution grouping.

package stack

const (
	unvisited = iota
	inProgress
	done
)

// findCycle runs a three-color DFS along dependency -> dependent edges and
// returns the first cycle found, with the starting node repeated at the end.
func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string
	var dfs func(string) bool
	dfs = func(id string) bool {
		color[id] = inProgress
		stack = append(stack, id)
		for _, e := range g.dependents[id] {
			switch color[e.To] {
			case unvisited:
				if dfs(e.To) {
					return true
				}
			case inProgress:
				idx := len(stack) - 1
				for i := range stack {
					if stack[i] == e.To {
						idx = i
						break
					}
				}
				cycle = append([]string(nil), stack[idx:]...)
				cycle = append(cycle, e.To)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = done
		return false
	}
	for _, id := range g.order {
		if color[id] != unvisited {
			continue
		}
		if dfs(id) {
			return cycle
		}
	}
	return nil
}

// Waves groups units into Kahn layers. Units in the same wave have no
// dependency between them; each wave keeps declaration order.
func (g *Graph) Waves() [][]string {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.deps[id])
	}
	var ready []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	var waves [][]string
	for len(ready) > 0 {
		wave := ready
		waves = append(waves, wave)
		next := map[string]struct{}{}
		for _, id := range wave {
			for _, e := range g.dependents[id] {
				inDegree[e.To]--
				if inDegree[e.To] == 0 {
					next[e.To] = struct{}{}
				}
			}
		}
		ready = g.inOrder(next)
	}
	return waves
}
