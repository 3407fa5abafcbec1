package graph

import (
	"encoding/json"
	"sort"
)

// Node represents one account.
type Node struct {
	Key           string
	Label         string
	PostsCount    int
	FollowerCount int
	CreatedAt     string
	PostIDs       []string
	Community     int

	// Derived visual attributes. Size and Color are always written together.
	Size  float64
	Color string
	X     float64
	Y     float64

	Extra map[string]json.RawMessage
}

// Edge represents a coordination relationship between two accounts.
type Edge struct {
	Key    string
	Source string
	Target string

	RawSize        float64
	Hashtags       []string
	HashtagWeights []float64
	SourcePosts    [][]string
	TargetPosts    [][]string

	// Derived visual attributes.
	Weight float64
	Size   float64
	Color  string

	Extra map[string]json.RawMessage
}

// Touches reports whether nodeKey is one of the edge's endpoints.
func (edge Edge) Touches(nodeKey string) bool {
	return edge.Source == nodeKey || edge.Target == nodeKey
}

// Opposite returns the endpoint that is not nodeKey.
func (edge Edge) Opposite(nodeKey string) string {
	if edge.Source == nodeKey {
		return edge.Target
	}
	return edge.Source
}

// Timeline returns the sorted post identifiers both endpoints contributed for the hashtag
// at index.
func (edge Edge) Timeline(index int) []string {
	var timeline []string
	if index >= 0 && index < len(edge.SourcePosts) {
		timeline = append(timeline, edge.SourcePosts[index]...)
	}
	if index >= 0 && index < len(edge.TargetPosts) {
		timeline = append(timeline, edge.TargetPosts[index]...)
	}
	sort.Strings(timeline)
	return timeline
}

func cloneNode(node Node) Node {
	cloned := node
	if node.PostIDs != nil {
		cloned.PostIDs = append([]string(nil), node.PostIDs...)
	}
	if node.Extra != nil {
		cloned.Extra = make(map[string]json.RawMessage, len(node.Extra))
		for key, value := range node.Extra {
			cloned.Extra[key] = value
		}
	}
	return cloned
}

func cloneEdge(edge Edge) Edge {
	cloned := edge
	cloned.Hashtags = append([]string(nil), edge.Hashtags...)
	cloned.HashtagWeights = append([]float64(nil), edge.HashtagWeights...)
	cloned.SourcePosts = cloneGroups(edge.SourcePosts)
	cloned.TargetPosts = cloneGroups(edge.TargetPosts)
	if edge.Extra != nil {
		cloned.Extra = make(map[string]json.RawMessage, len(edge.Extra))
		for key, value := range edge.Extra {
			cloned.Extra[key] = value
		}
	}
	return cloned
}

func cloneGroups(groups [][]string) [][]string {
	if groups == nil {
		return nil
	}
	cloned := make([][]string, len(groups))
	for index, group := range groups {
		cloned[index] = append([]string(nil), group...)
	}
	return cloned
}
