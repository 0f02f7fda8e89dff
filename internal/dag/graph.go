package dag

import "slices"

// Edge is a dependency: To runs only after From succeeded.
type Edge struct {
	From string
	To   string
}

// Graph is a validated set of builder names and their dependencies.
// It is safe for concurrent read access.
type Graph struct {
	names []string // canonical (sorted) order
	index map[string]int

	outgoing [][]int
	incoming [][]int
	indeg    []int
}

// NewGraph validates names and edges. It rejects empty or duplicate names,
// edges naming unknown builders, self-loops and cycles. Duplicate edges
// are merged.
func NewGraph(names []string, edges []Edge) (*Graph, error) {
	if len(names) == 0 {
		return nil, invalidf("no builders")
	}
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	index := make(map[string]int, len(sorted))
	for i, n := range sorted {
		if n == "" {
			return nil, invalidf("builder name is required")
		}
		if i > 0 && sorted[i-1] == n {
			return nil, invalidf("duplicate builder name: %q", n)
		}
		index[n] = i
	}

	g := &Graph{
		names:    sorted,
		index:    index,
		outgoing: make([][]int, len(sorted)),
		incoming: make([][]int, len(sorted)),
		indeg:    make([]int, len(sorted)),
	}
	seen := make(map[[2]int]struct{}, len(edges))
	for _, e := range edges {
		from, okFrom := index[e.From]
		to, okTo := index[e.To]
		switch {
		case !okFrom:
			return nil, invalidf("%q depends on unknown builder %q", e.To, e.From)
		case !okTo:
			return nil, invalidf("dependency of unknown builder %q", e.To)
		case from == to:
			return nil, invalidf("self-loop: %q", e.From)
		}
		if _, dup := seen[[2]int{from, to}]; dup {
			continue
		}
		seen[[2]int{from, to}] = struct{}{}
		g.outgoing[from] = append(g.outgoing[from], to)
		g.incoming[to] = append(g.incoming[to], from)
		g.indeg[to]++
	}
	for i := range g.outgoing {
		slices.Sort(g.outgoing[i])
		slices.Sort(g.incoming[i])
	}

	if order := g.order(); len(order) < len(g.names) {
		return nil, cycleError(g.cycle(order))
	}
	return g, nil
}

// order returns node indices in dependency order, always taking the
// lowest ready index next. Nodes on or behind a cycle are left out.
func (g *Graph) order() []int {
	pending := slices.Clone(g.indeg)
	var ready []int
	for i, d := range pending {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]int, 0, len(g.names))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			pending[m]--
			if pending[m] == 0 {
				pos, _ := slices.BinarySearch(ready, m)
				ready = slices.Insert(ready, pos, m)
			}
		}
	}
	return out
}

// cycle names one dependency cycle among the nodes missing from a partial
// order. Every such node still has an unordered dependency, so following
// the lowest one from the lowest node must revisit a node.
func (g *Graph) cycle(partial []int) []string {
	left := make([]bool, len(g.names))
	for i := range left {
		left[i] = true
	}
	for _, i := range partial {
		left[i] = false
	}
	start := slices.Index(left, true)
	if start < 0 {
		return nil
	}

	seen := make(map[int]int)
	var path []int
	for n := start; ; {
		if at, ok := seen[n]; ok {
			path = path[at:]
			break
		}
		seen[n] = len(path)
		path = append(path, n)
		i := slices.IndexFunc(g.incoming[n], func(p int) bool { return left[p] })
		n = g.incoming[n][i]
	}

	// path runs against the edges; flip it and start at its lowest node.
	slices.Reverse(path)
	lowest := slices.Index(path, slices.Min(path))
	path = slices.Concat(path[lowest:], path[:lowest])
	names := make([]string, 0, len(path)+1)
	for _, i := range path {
		names = append(names, g.names[i])
	}
	return append(names, names[0])
}

// Names returns every builder name in lexical order.
func (g *Graph) Names() []string { return slices.Clone(g.names) }

// Order returns a deterministic topological order of builder names.
func (g *Graph) Order() []string {
	order := g.order()
	out := make([]string, 0, len(order))
	for _, i := range order {
		out = append(out, g.names[i])
	}
	return out
}

// Dependencies returns the direct dependencies of name, sorted.
func (g *Graph) Dependencies(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.incoming[i]))
	for _, p := range g.incoming[i] {
		out = append(out, g.names[p])
	}
	return out
}

// Closure returns the selected builders plus everything they transitively
// depend on, in lexical order. Unknown names are reported as invalid.
func (g *Graph) Closure(selected []string) ([]string, error) {
	keep := make([]bool, len(g.names))
	var visit func(int)
	visit = func(i int) {
		if keep[i] {
			return
		}
		keep[i] = true
		for _, p := range g.incoming[i] {
			visit(p)
		}
	}
	for _, n := range selected {
		i, ok := g.index[n]
		if !ok {
			return nil, invalidf("unknown builder %q", n)
		}
		visit(i)
	}
	var out []string
	for i, k := range keep {
		if k {
			out = append(out, g.names[i])
		}
	}
	return out, nil
}
