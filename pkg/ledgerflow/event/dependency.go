package event

import (
	"slices"
)

// Transform derives the data of a cascade event from its source event.
type Transform func(src Event) map[string]any

// Dependency is a static edge: a publish on Source also delivers one derived
// event to each of Targets.
type Dependency struct {
	Source    Channel
	Targets   []Channel
	Transform Transform // nil means the source data is copied unchanged
}

type edge struct {
	target    Channel
	transform Transform
}

// DependencyGraph is a validated, acyclic set of dependency edges.
// It is immutable after construction.
type DependencyGraph struct {
	edges map[Channel][]edge
}

// NewDependencyGraph validates deps and builds a graph. Self edges and
// cycles across the whole edge set are rejected even though cascades only
// travel one hop.
func NewDependencyGraph(deps []Dependency) (*DependencyGraph, error) {
	g := &DependencyGraph{edges: make(map[Channel][]edge)}
	for _, d := range deps {
		for _, t := range d.Targets {
			if t == d.Source {
				return nil, ErrSelfDependency
			}
			g.edges[d.Source] = append(g.edges[d.Source], edge{target: t, transform: d.Transform})
		}
	}
	if path := g.findCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}
	return g, nil
}

// MustDependencyGraph is NewDependencyGraph that panics on error.
func MustDependencyGraph(deps []Dependency) *DependencyGraph {
	g, err := NewDependencyGraph(deps)
	if err != nil {
		panic(err)
	}
	return g
}

// Targets returns the target channels of source in declaration order.
func (g *DependencyGraph) Targets(source Channel) []Channel {
	if g == nil {
		return nil
	}
	edges := g.edges[source]
	out := make([]Channel, len(edges))
	for i, e := range edges {
		out[i] = e.target
	}
	return out
}

// EdgeCount returns the number of edges leaving source.
func (g *DependencyGraph) EdgeCount(source Channel) int {
	if g == nil {
		return 0
	}
	return len(g.edges[source])
}

func (g *DependencyGraph) outgoing(source Channel) []edge {
	if g == nil {
		return nil
	}
	return g.edges[source]
}

// findCycle runs a colored DFS and returns the first cycle found.
func (g *DependencyGraph) findCycle() []Channel {
	const (
		white = iota
		grey
		black
	)
	color := make(map[Channel]int)
	var stack []Channel

	sources := make([]Channel, 0, len(g.edges))
	for s := range g.edges {
		sources = append(sources, s)
	}
	slices.Sort(sources)

	var visit func(c Channel) []Channel
	visit = func(c Channel) []Channel {
		color[c] = grey
		stack = append(stack, c)
		for _, e := range g.edges[c] {
			switch color[e.target] {
			case grey:
				start := slices.Index(stack, e.target)
				cycle := append([]Channel(nil), stack[start:]...)
				return append(cycle, e.target)
			case white:
				if cycle := visit(e.target); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[c] = black
		return nil
	}

	for _, s := range sources {
		if color[s] == white {
			if cycle := visit(s); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// DefaultDependencies returns the platform's cascade edges.
func DefaultDependencies() []Dependency {
	return []Dependency{
		{Source: StakingState, Targets: []Channel{ValidatorsState, WalletsBalance, NetworkStats}},
		{Source: DexTrades, Targets: []Channel{DexLiquidity, WalletsBalance}},
		{Source: LendingState, Targets: []Channel{WalletsBalance}},
		{Source: BridgeTransfer, Targets: []Channel{WalletsBalance, NetworkStats}},
		{Source: BurnEvents, Targets: []Channel{NetworkStats}, Transform: supplyChange},
		{Source: BurnEvents, Targets: []Channel{WalletsBalance}},
		{Source: NFTSales, Targets: []Channel{WalletsBalance}},
		{Source: ValidatorsState, Targets: []Channel{ShardingState}},
		{Source: GovernanceVotes, Targets: []Channel{GovernanceProposals}},
		{Source: ShardingState, Targets: []Channel{NetworkStats}},
	}
}

// supplyChange reduces a burn event to the fields network stats track.
func supplyChange(src Event) map[string]any {
	out := map[string]any{"trigger": string(src.Channel)}
	for _, k := range []string{"amount", "totalBurned", "totalSupply"} {
		if v, ok := src.Data[k]; ok {
			out[k] = v
		}
	}
	return out
}

// DefaultGraph returns the validated graph for DefaultDependencies.
func DefaultGraph() *DependencyGraph {
	return MustDependencyGraph(DefaultDependencies())
}
