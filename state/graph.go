package state

import "fmt"

// Graph is the ordered, acyclic stage sequence a project progresses through.
// It is built once from configuration and never mutated.
type Graph struct {
	stages []string
	index  map[string]int
}

// NewGraph builds a stage graph from an ordered stage list.
func NewGraph(stages []string) (*Graph, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("stage graph requires at least one stage")
	}
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s == "" {
			return nil, fmt.Errorf("stage graph contains an empty stage name")
		}
		if _, dup := index[s]; dup {
			return nil, fmt.Errorf("stage graph contains duplicate stage %q", s)
		}
		index[s] = i
	}
	return &Graph{stages: append([]string(nil), stages...), index: index}, nil
}

// Stages returns the ordered stage list.
func (g *Graph) Stages() []string {
	return append([]string(nil), g.stages...)
}

// Initial returns the first stage.
func (g *Graph) Initial() string {
	return g.stages[0]
}

// Final returns the last stage.
func (g *Graph) Final() string {
	return g.stages[len(g.stages)-1]
}

// Contains reports whether the stage is part of the graph.
func (g *Graph) Contains(stage string) bool {
	_, ok := g.index[stage]
	return ok
}

// Index returns the position of a stage in the order, or -1 if unknown.
func (g *Graph) Index(stage string) int {
	i, ok := g.index[stage]
	if !ok {
		return -1
	}
	return i
}

// Next returns the stage following the given one. ok is false at the final
// stage or for unknown stages.
func (g *Graph) Next(stage string) (next string, ok bool) {
	i, found := g.index[stage]
	if !found || i+1 >= len(g.stages) {
		return "", false
	}
	return g.stages[i+1], true
}

// IsForward reports whether moving from one stage to another advances along
// the stage order.
func (g *Graph) IsForward(from, to string) bool {
	fi, okFrom := g.index[from]
	ti, okTo := g.index[to]
	return okFrom && okTo && ti > fi
}

// Skips reports how many intermediate stages a from→to move jumps over.
// Returns 0 for adjacent or non-forward moves.
func (g *Graph) Skips(from, to string) int {
	if !g.IsForward(from, to) {
		return 0
	}
	return g.index[to] - g.index[from] - 1
}
