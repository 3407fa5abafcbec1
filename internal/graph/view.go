package graph

// View is an immutable snapshot of a derived graph. Readers hold a View instead of the
// Store so that a concurrent import can never be observed half applied.
type View struct {
	ready     bool
	nodes     []Node
	nodeIndex map[string]int
	edges     []Edge
	edgeIndex map[string]int
	incident  map[string][]int
	pairs     map[pairKey]int
}

var emptyView = &View{
	nodeIndex: map[string]int{},
	edgeIndex: map[string]int{},
	incident:  map[string][]int{},
	pairs:     map[pairKey]int{},
}

// EmptyView returns the view reported while no derived graph is available.
func EmptyView() *View {
	return emptyView
}

// NewView builds a ready view directly from nodes and edges. Edges naming unknown nodes
// are dropped.
func NewView(nodes []Node, edges []Edge) *View {
	return newView(nodes, edges)
}

func newView(nodes []Node, edges []Edge) *View {
	view := &View{
		ready:     true,
		nodes:     make([]Node, len(nodes)),
		nodeIndex: make(map[string]int, len(nodes)),
		edges:     make([]Edge, 0, len(edges)),
		edgeIndex: make(map[string]int, len(edges)),
		incident:  make(map[string][]int, len(nodes)),
		pairs:     make(map[pairKey]int, len(edges)),
	}
	for index, node := range nodes {
		view.nodes[index] = cloneNode(node)
		view.nodeIndex[node.Key] = index
	}
	for _, edge := range edges {
		_, sourceKnown := view.nodeIndex[edge.Source]
		_, targetKnown := view.nodeIndex[edge.Target]
		if !sourceKnown || !targetKnown {
			continue
		}
		position := len(view.edges)
		view.edges = append(view.edges, cloneEdge(edge))
		view.edgeIndex[edge.Key] = position
		view.pairs[newPairKey(edge.Source, edge.Target)] = position
		view.incident[edge.Source] = append(view.incident[edge.Source], position)
		if edge.Target != edge.Source {
			view.incident[edge.Target] = append(view.incident[edge.Target], position)
		}
	}
	return view
}

// Ready reports whether the view carries derived attributes.
func (view *View) Ready() bool {
	return view != nil && view.ready
}

// Nodes returns the nodes in import order. Callers must not modify the returned slice.
func (view *View) Nodes() []Node {
	if view == nil {
		return nil
	}
	return view.nodes
}

// Edges returns the edges in import order. Callers must not modify the returned slice.
func (view *View) Edges() []Edge {
	if view == nil {
		return nil
	}
	return view.edges
}

// Node looks up a node by key.
func (view *View) Node(key string) (Node, bool) {
	if view == nil {
		return Node{}, false
	}
	index, exists := view.nodeIndex[key]
	if !exists {
		return Node{}, false
	}
	return view.nodes[index], true
}

// Edge looks up an edge by key.
func (view *View) Edge(key string) (Edge, bool) {
	if view == nil {
		return Edge{}, false
	}
	index, exists := view.edgeIndex[key]
	if !exists {
		return Edge{}, false
	}
	return view.edges[index], true
}

// IncidentEdges returns the edges touching the node.
func (view *View) IncidentEdges(key string) []Edge {
	if view == nil {
		return nil
	}
	indexes := view.incident[key]
	incident := make([]Edge, 0, len(indexes))
	for _, index := range indexes {
		incident = append(incident, view.edges[index])
	}
	return incident
}

// Neighbors returns the keys of nodes adjacent to key.
func (view *View) Neighbors(key string) []string {
	if view == nil {
		return nil
	}
	indexes := view.incident[key]
	neighbors := make([]string, 0, len(indexes))
	for _, index := range indexes {
		neighbors = append(neighbors, view.edges[index].Opposite(key))
	}
	return neighbors
}

// Degree reports the number of edges touching key.
func (view *View) Degree(key string) int {
	if view == nil {
		return 0
	}
	return len(view.incident[key])
}

// EdgeBetween finds the edge joining two nodes regardless of direction.
func (view *View) EdgeBetween(endpointA string, endpointB string) (Edge, bool) {
	if view == nil {
		return Edge{}, false
	}
	index, exists := view.pairs[newPairKey(endpointA, endpointB)]
	if !exists {
		return Edge{}, false
	}
	return view.edges[index], true
}
