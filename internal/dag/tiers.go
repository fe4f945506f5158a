package dag

import "fmt"

// Tiers partitions the graph into topological levels: tier k contains
// exactly the nodes whose dependencies all sit in tiers < k. Members of a
// tier are sorted for deterministic iteration, but execution order within a
// tier is unspecified and nothing may rely on it.
func (g *Graph) Tiers() ([][]string, error) {
	depth := make(map[string]int, len(g.nodes))
	remaining := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		remaining[id] = len(n.deps)
	}

	// Kahn's algorithm, tracking the level each node settles at.
	var frontier []string
	for id, count := range remaining {
		if count == 0 {
			frontier = append(frontier, id)
			depth[id] = 0
		}
	}

	settled := 0
	maxDepth := 0
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			settled++
			n := g.nodes[id]
			for depID := range n.dependents {
				remaining[depID]--
				if d := depth[id] + 1; d > depth[depID] {
					depth[depID] = d
				}
				if remaining[depID] == 0 {
					next = append(next, depID)
					if depth[depID] > maxDepth {
						maxDepth = depth[depID]
					}
				}
			}
		}
		frontier = next
	}

	if settled != len(g.nodes) {
		// Unreachable when Build ran DetectCycles first; kept as a guard for
		// graphs assembled by hand.
		return nil, fmt.Errorf("graph contains a cycle: %d of %d nodes unreachable", len(g.nodes)-settled, len(g.nodes))
	}

	tiers := make([][]string, maxDepth+1)
	for id, d := range depth {
		tiers[d] = append(tiers[d], id)
	}
	for i := range tiers {
		tiers[i] = sortedSlice(tiers[i])
	}
	return tiers, nil
}

func sortedSlice(in []string) []string {
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		m[s] = struct{}{}
	}
	return sortedKeys(m)
}
