package filter

// Interaction is the transient pointer state of one view. Transitions return a new value;
// at most one of ClickedNode and ClickedEdge is set.
type Interaction struct {
	HoveredNode string `json:"hoveredNode,omitempty"`
	DraggedNode string `json:"draggedNode,omitempty"`
	ClickedNode string `json:"clickedNode,omitempty"`
	ClickedEdge string `json:"clickedEdge,omitempty"`

	// suppressClick swallows the click event that a pointer release fires at the end of
	// a drag.
	suppressClick string
}

// Enter records the pointer entering a node.
func (interaction Interaction) Enter(node string) Interaction {
	interaction.HoveredNode = node
	return interaction
}

// Leave clears the hovered node.
func (interaction Interaction) Leave() Interaction {
	interaction.HoveredNode = ""
	return interaction
}

// ClickNode toggles the node selection and clears any edge selection.
func (interaction Interaction) ClickNode(node string) Interaction {
	if interaction.suppressClick != "" && interaction.suppressClick == node {
		interaction.suppressClick = ""
		return interaction
	}
	interaction.suppressClick = ""
	if interaction.ClickedNode == node {
		interaction.ClickedNode = ""
		return interaction
	}
	interaction.ClickedNode = node
	interaction.ClickedEdge = ""
	return interaction
}

// ClickEdge toggles the edge selection and clears any node selection.
func (interaction Interaction) ClickEdge(edge string) Interaction {
	interaction.suppressClick = ""
	if interaction.ClickedEdge == edge {
		interaction.ClickedEdge = ""
		return interaction
	}
	interaction.ClickedEdge = edge
	interaction.ClickedNode = ""
	return interaction
}

// StartDrag begins dragging node. Drags are shift-modified; without shift the pointer
// press is ignored.
func (interaction Interaction) StartDrag(node string, shift bool) (Interaction, bool) {
	if !shift || node == "" {
		return interaction, false
	}
	interaction.DraggedNode = node
	interaction.suppressClick = node
	return interaction, true
}

// Dragging reports whether a drag is in progress.
func (interaction Interaction) Dragging() bool {
	return interaction.DraggedNode != ""
}

// EndDrag finishes a drag. The click that follows the release on the same node is
// swallowed.
func (interaction Interaction) EndDrag() Interaction {
	interaction.DraggedNode = ""
	return interaction
}

// ClearSelection drops both selections, as applying a new filter does.
func (interaction Interaction) ClearSelection() Interaction {
	interaction.ClickedNode = ""
	interaction.ClickedEdge = ""
	return interaction
}
