// Package graph owns the mutable account graph that job results are imported into.
package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

const edgeKeyPrefix = "e"

type pairKey struct {
	first  string
	second string
}

func newPairKey(endpointA string, endpointB string) pairKey {
	if endpointA > endpointB {
		endpointA, endpointB = endpointB, endpointA
	}
	return pairKey{first: endpointA, second: endpointB}
}

// Store holds the nodes and edges of the current job result. It is the only place graph
// attributes are mutated.
type Store struct {
	mutex sync.RWMutex

	nodes     []Node
	nodeIndex map[string]int
	edges     []Edge
	edgeIndex map[string]int
	incident  map[string][]int
	pairs     map[pairKey]int

	communities map[string]json.RawMessage
	posts       map[string]json.RawMessage

	derived bool
	view    *View
}

// NewStore constructs an empty store.
func NewStore() *Store {
	store := &Store{}
	store.resetLocked()
	return store
}

// Clear releases all nodes, edges and derived attributes.
func (store *Store) Clear() {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.resetLocked()
}

// Import replaces the store contents with raw. The result is validated and fully built
// before anything becomes visible; on error the previous contents are left untouched.
func (store *Store) Import(raw RawResult) error {
	if err := raw.Validate(); err != nil {
		return err
	}

	nodes := make([]Node, 0, len(raw.Nodes))
	nodeIndex := make(map[string]int, len(raw.Nodes))
	for _, rawNode := range raw.Nodes {
		attributes := rawNode.Attributes
		nodeIndex[rawNode.Key] = len(nodes)
		nodes = append(nodes, Node{
			Key:           rawNode.Key,
			Label:         attributes.Label,
			PostsCount:    attributes.PostsCount,
			FollowerCount: attributes.FollowerCount,
			CreatedAt:     attributes.CreatedAt,
			PostIDs:       attributes.PostIDs,
			Community:     *attributes.Community,
			Extra:         attributes.Extra,
		})
	}

	edges := make([]Edge, 0, len(raw.Edges))
	edgeIndex := make(map[string]int, len(raw.Edges))
	incident := make(map[string][]int, len(raw.Nodes))
	pairs := make(map[pairKey]int, len(raw.Edges))
	for index, rawEdge := range raw.Edges {
		key := newPairKey(rawEdge.Source, rawEdge.Target)
		if _, exists := pairs[key]; exists {
			return &MalformedResultError{
				Field: fmt.Sprintf("edges[%d]", index),
				Err:   fmt.Errorf("duplicate edge between %s and %s", rawEdge.Source, rawEdge.Target),
			}
		}
		edgeKey := edgeKeyPrefix + strconv.Itoa(index)
		position := len(edges)
		edges = append(edges, Edge{
			Key:            edgeKey,
			Source:         rawEdge.Source,
			Target:         rawEdge.Target,
			RawSize:        *rawEdge.Attributes.Size,
			Hashtags:       rawEdge.Attributes.Hashtags,
			HashtagWeights: rawEdge.Attributes.HashtagWeights,
			SourcePosts:    rawEdge.Attributes.SourcePosts,
			TargetPosts:    rawEdge.Attributes.TargetPosts,
			Extra:          rawEdge.Attributes.Extra,
		})
		edgeIndex[edgeKey] = position
		pairs[key] = position
		incident[rawEdge.Source] = append(incident[rawEdge.Source], position)
		if rawEdge.Target != rawEdge.Source {
			incident[rawEdge.Target] = append(incident[rawEdge.Target], position)
		}
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.nodes = nodes
	store.nodeIndex = nodeIndex
	store.edges = edges
	store.edgeIndex = edgeIndex
	store.incident = incident
	store.pairs = pairs
	store.communities = raw.Communities
	store.posts = raw.Posts
	store.derived = false
	store.view = nil
	return nil
}

// NodeCount reports the number of nodes.
func (store *Store) NodeCount() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.nodes)
}

// EdgeCount reports the number of edges.
func (store *Store) EdgeCount() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.edges)
}

// Nodes returns copies of all nodes in import order.
func (store *Store) Nodes() []Node {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	nodes := make([]Node, len(store.nodes))
	for index, node := range store.nodes {
		nodes[index] = cloneNode(node)
	}
	return nodes
}

// Edges returns copies of all edges in import order.
func (store *Store) Edges() []Edge {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	edges := make([]Edge, len(store.edges))
	for index, edge := range store.edges {
		edges[index] = cloneEdge(edge)
	}
	return edges
}

// Node returns a copy of the node stored under key.
func (store *Store) Node(key string) (Node, bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	index, exists := store.nodeIndex[key]
	if !exists {
		return Node{}, false
	}
	return cloneNode(store.nodes[index]), true
}

// Edge returns a copy of the edge stored under key.
func (store *Store) Edge(key string) (Edge, bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	index, exists := store.edgeIndex[key]
	if !exists {
		return Edge{}, false
	}
	return cloneEdge(store.edges[index]), true
}

// Degree reports the number of edges incident to the node.
func (store *Store) Degree(key string) int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.incident[key])
}

// Neighbors returns the keys of nodes sharing an edge with key.
func (store *Store) Neighbors(key string) []string {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	neighbors := make([]string, 0, len(store.incident[key]))
	for _, edgeIndex := range store.incident[key] {
		neighbors = append(neighbors, store.edges[edgeIndex].Opposite(key))
	}
	return neighbors
}

// EdgeBetween returns the edge joining the two nodes in either direction.
func (store *Store) EdgeBetween(endpointA string, endpointB string) (Edge, bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	index, exists := store.pairs[newPairKey(endpointA, endpointB)]
	if !exists {
		return Edge{}, false
	}
	return cloneEdge(store.edges[index]), true
}

// Communities returns the community extras shipped with the result.
func (store *Store) Communities() map[string]json.RawMessage {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return cloneRawMap(store.communities)
}

// Posts returns the post records shipped with the result, keyed by post identifier.
func (store *Store) Posts() map[string]json.RawMessage {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return cloneRawMap(store.posts)
}

// SetEdgeAppearance writes the derived weight, render size and color of an edge.
func (store *Store) SetEdgeAppearance(key string, weight float64, size float64, color string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	index, exists := store.edgeIndex[key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownEdge, key)
	}
	store.edges[index].Weight = weight
	store.edges[index].Size = size
	store.edges[index].Color = color
	store.view = nil
	return nil
}

// SetNodeAppearance writes the render size and color of a node together.
func (store *Store) SetNodeAppearance(key string, size float64, color string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	index, exists := store.nodeIndex[key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownNode, key)
	}
	store.nodes[index].Size = size
	store.nodes[index].Color = color
	store.view = nil
	return nil
}

// SetNodePosition writes layout coordinates. It is used both by the layout pass and by
// interactive drags.
func (store *Store) SetNodePosition(key string, x float64, y float64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	index, exists := store.nodeIndex[key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownNode, key)
	}
	store.nodes[index].X = x
	store.nodes[index].Y = y
	store.view = nil
	return nil
}

// MoveNode applies an interactive layout override to a node.
func (store *Store) MoveNode(key string, x float64, y float64) error {
	return store.SetNodePosition(key, x, y)
}

// MarkDerived flags the derivation pass as complete, enabling snapshots.
func (store *Store) MarkDerived() {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.derived = true
	store.view = nil
}

// Derived reports whether the current contents carry derived attributes.
func (store *Store) Derived() bool {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.derived
}

// Snapshot returns an immutable view of the derived graph, or an empty view when the
// derivation pass has not completed.
func (store *Store) Snapshot() *View {
	store.mutex.RLock()
	if !store.derived {
		store.mutex.RUnlock()
		return EmptyView()
	}
	if cached := store.view; cached != nil {
		store.mutex.RUnlock()
		return cached
	}
	store.mutex.RUnlock()

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if !store.derived {
		return EmptyView()
	}
	if store.view == nil {
		store.view = newView(store.nodes, store.edges)
	}
	return store.view
}

func (store *Store) resetLocked() {
	store.nodes = nil
	store.nodeIndex = map[string]int{}
	store.edges = nil
	store.edgeIndex = map[string]int{}
	store.incident = map[string][]int{}
	store.pairs = map[pairKey]int{}
	store.communities = nil
	store.posts = nil
	store.derived = false
	store.view = nil
}

func cloneRawMap(source map[string]json.RawMessage) map[string]json.RawMessage {
	if source == nil {
		return nil
	}
	cloned := make(map[string]json.RawMessage, len(source))
	for key, value := range source {
		cloned[key] = value
	}
	return cloned
}
