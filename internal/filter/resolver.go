package filter

import (
	"github.com/coordination/explorer/internal/derive"
	"github.com/coordination/explorer/internal/graph"
)

const (
	// ClickedEdgeColor is the highlight color of the selected edge.
	ClickedEdgeColor = "red"
	// NeutralEdgeColor colors cross-community edges in community display mode.
	NeutralEdgeColor = "#E6E6E6"
)

// Namer turns an identity into its display form.
type Namer interface {
	ToPseudonym(identity string) string
}

// NamerFunc adapts a function to Namer.
type NamerFunc func(identity string) string

// ToPseudonym calls namerFunc.
func (namerFunc NamerFunc) ToPseudonym(identity string) string {
	return namerFunc(identity)
}

// IdentityNamer displays identities unchanged.
var IdentityNamer Namer = NamerFunc(func(identity string) string { return identity })

// NodeFrame is the resolved appearance of one node.
type NodeFrame struct {
	Key         string  `json:"key"`
	Label       string  `json:"label"`
	Hidden      bool    `json:"hidden"`
	Highlighted bool    `json:"highlighted"`
	Color       string  `json:"color"`
	Size        float64 `json:"size"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Community   int     `json:"community"`
}

// EdgeFrame is the resolved appearance of one edge.
type EdgeFrame struct {
	Key    string  `json:"key"`
	Source string  `json:"source"`
	Target string  `json:"target"`
	Hidden bool    `json:"hidden"`
	Color  string  `json:"color"`
	Size   float64 `json:"size"`
	Weight float64 `json:"weight"`
}

// Frame is the resolved appearance of the whole graph. A frame built from a view that is
// not ready is empty.
type Frame struct {
	Ready bool        `json:"ready"`
	Nodes []NodeFrame `json:"nodes"`
	Edges []EdgeFrame `json:"edges"`
}

// Resolve computes the frame for view under state and interaction. It never mutates the
// view, and identical inputs always produce identical frames.
func Resolve(view *graph.View, state State, interaction Interaction, namer Namer) Frame {
	if !view.Ready() {
		return Frame{Nodes: []NodeFrame{}, Edges: []EdgeFrame{}}
	}
	if namer == nil {
		namer = IdentityNamer
	}

	resolver := frameResolver{
		view:        view,
		state:       state,
		interaction: interaction,
		namer:       namer,
		visible:     make(map[string]bool, len(view.Edges())),
	}
	resolver.matchUsers()

	frame := Frame{
		Ready: true,
		Nodes: make([]NodeFrame, 0, len(view.Nodes())),
		Edges: make([]EdgeFrame, 0, len(view.Edges())),
	}
	// Edges resolve first so node labels and user context only follow visible edges.
	for _, edge := range view.Edges() {
		edgeFrame := resolver.resolveEdge(edge)
		resolver.visible[edge.Key] = !edgeFrame.Hidden
		frame.Edges = append(frame.Edges, edgeFrame)
	}
	for _, node := range view.Nodes() {
		frame.Nodes = append(frame.Nodes, resolver.resolveNode(node))
	}
	return frame
}

type frameResolver struct {
	view        *graph.View
	state       State
	interaction Interaction
	namer       Namer
	matched     map[string]bool
	visible     map[string]bool
}

func (resolver *frameResolver) matchUsers() {
	if !resolver.state.Filter.HasUsers() {
		return
	}
	resolver.matched = map[string]bool{}
	for _, node := range resolver.view.Nodes() {
		if resolver.state.Filter.MatchesUser(resolver.namer.ToPseudonym(node.Label)) {
			resolver.matched[node.Key] = true
		}
	}
}

func (resolver *frameResolver) resolveEdge(edge graph.Edge) EdgeFrame {
	frame := EdgeFrame{
		Key:    edge.Key,
		Source: edge.Source,
		Target: edge.Target,
		Color:  edge.Color,
		Size:   edge.Size,
		Weight: edge.Weight,
	}

	switch {
	case !resolver.state.Range.Contains(edge.Weight):
		frame.Hidden = true
	case !resolver.state.Filter.MatchesHashtags(edge.Hashtags):
		frame.Hidden = true
	case resolver.interaction.HoveredNode != "" && !resolver.interaction.Dragging() && !edge.Touches(resolver.interaction.HoveredNode):
		frame.Hidden = true
	}
	if frame.Hidden {
		return frame
	}

	switch {
	case edge.Key == resolver.interaction.ClickedEdge:
		frame.Color = ClickedEdgeColor
	case resolver.state.Display == DisplayModeCommunities:
		source, _ := resolver.view.Node(edge.Source)
		target, _ := resolver.view.Node(edge.Target)
		if source.Community == target.Community {
			frame.Color = derive.CommunityColor(source.Community)
		} else {
			frame.Color = NeutralEdgeColor
		}
	}
	return frame
}

func (resolver *frameResolver) resolveNode(node graph.Node) NodeFrame {
	frame := NodeFrame{
		Key:       node.Key,
		Color:     node.Color,
		Size:      node.Size,
		X:         node.X,
		Y:         node.Y,
		Community: node.Community,
	}

	hovered := node.Key == resolver.interaction.HoveredNode
	clicked := node.Key == resolver.interaction.ClickedNode
	matched := resolver.matched[node.Key]

	visible := hovered || clicked || matched
	if !visible {
		if resolver.state.Filter.HasUsers() {
			visible = resolver.adjacentToMatch(node.Key)
		} else {
			visible = resolver.hasEdgeInRange(node.Key)
		}
	}
	frame.Hidden = !visible
	frame.Highlighted = clicked || node.Key == resolver.interaction.DraggedNode

	if hovered || clicked || matched || resolver.labelledByHover(node.Key) {
		frame.Label = resolver.namer.ToPseudonym(node.Label)
	}
	return frame
}

func (resolver *frameResolver) hasEdgeInRange(nodeKey string) bool {
	for _, edge := range resolver.view.IncidentEdges(nodeKey) {
		if resolver.state.Range.Contains(edge.Weight) {
			return true
		}
	}
	return false
}

func (resolver *frameResolver) adjacentToMatch(nodeKey string) bool {
	for _, edge := range resolver.view.IncidentEdges(nodeKey) {
		if resolver.matched[edge.Opposite(nodeKey)] && resolver.visible[edge.Key] {
			return true
		}
	}
	return false
}

func (resolver *frameResolver) labelledByHover(nodeKey string) bool {
	hoveredNode := resolver.interaction.HoveredNode
	if hoveredNode == "" || hoveredNode == nodeKey {
		return false
	}
	edge, found := resolver.view.EdgeBetween(nodeKey, hoveredNode)
	return found && resolver.visible[edge.Key]
}
