package server

import (
	"errors"
	"fmt"
	"sort"

	"github.com/coordination/explorer/internal/derive"
	"github.com/coordination/explorer/internal/filter"
	"github.com/coordination/explorer/internal/graph"
	"github.com/coordination/explorer/internal/session"
)

const (
	eventHover     = "hover"
	eventLeave     = "leave"
	eventClickNode = "click-node"
	eventClickEdge = "click-edge"
	eventDragStart = "drag-start"
	eventDragMove  = "drag-move"
	eventDragEnd   = "drag-end"
	eventClear     = "clear"

	errorMessageUnknownEvent = "unknown event type"
	errorMessageNotDragging  = "no drag in progress"
)

var (
	errUnknownEvent = errors.New(errorMessageUnknownEvent)
	errNotDragging  = errors.New(errorMessageNotDragging)
)

type anonymousRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type statusResponse struct {
	session.Snapshot
	Anonymous bool `json:"anonymous"`
}

// filterRequest replaces the whole filter state of a view. Empty user and hashtag lists
// clear the filter.
type filterRequest struct {
	Users       []string            `json:"users"`
	Hashtags    []string            `json:"hashtags"`
	HashtagMode string              `json:"hashtagMode" binding:"omitempty,oneof=any all"`
	Range       *filter.WeightRange `json:"range"`
	Display     string              `json:"display" binding:"omitempty,oneof=weight communities"`
}

func (request filterRequest) state() (filter.State, error) {
	mode, err := filter.ParseHashtagMode(request.HashtagMode)
	if err != nil {
		return filter.State{}, err
	}
	display, err := filter.ParseDisplayMode(request.Display)
	if err != nil {
		return filter.State{}, err
	}
	weightRange := filter.DefaultWeightRange()
	if request.Range != nil {
		weightRange = *request.Range
	}
	if err := weightRange.Validate(); err != nil {
		return filter.State{}, err
	}
	return filter.State{
		Filter:  filter.NewFilter(request.Users, request.Hashtags, mode),
		Range:   weightRange,
		Display: display,
	}, nil
}

type eventRequest struct {
	Type  string  `json:"type" binding:"required"`
	Node  string  `json:"node"`
	Edge  string  `json:"edge"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Shift bool    `json:"shift"`
}

// nodeMover applies drag positions.
type nodeMover interface {
	MoveNode(key string, x float64, y float64) error
}

func (request eventRequest) transition(mover nodeMover) func(filter.Interaction) (filter.Interaction, error) {
	return func(interaction filter.Interaction) (filter.Interaction, error) {
		switch request.Type {
		case eventHover:
			return interaction.Enter(request.Node), nil
		case eventLeave:
			return interaction.Leave(), nil
		case eventClickNode:
			return interaction.ClickNode(request.Node), nil
		case eventClickEdge:
			return interaction.ClickEdge(request.Edge), nil
		case eventDragStart:
			next, _ := interaction.StartDrag(request.Node, request.Shift)
			return next, nil
		case eventDragMove:
			if !interaction.Dragging() {
				return interaction, errNotDragging
			}
			if err := mover.MoveNode(interaction.DraggedNode, request.X, request.Y); err != nil {
				return interaction, err
			}
			return interaction, nil
		case eventDragEnd:
			return interaction.EndDrag(), nil
		case eventClear:
			return interaction.ClearSelection(), nil
		default:
			return interaction, fmt.Errorf("%w: %s", errUnknownEvent, request.Type)
		}
	}
}

type weightRangeResponse struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

type filterResponse struct {
	Users       []string `json:"users"`
	Hashtags    []string `json:"hashtags"`
	HashtagMode string   `json:"hashtagMode"`
}

type viewResponse struct {
	ID          string              `json:"id"`
	Filter      *filterResponse     `json:"filter"`
	Range       weightRangeResponse `json:"range"`
	Display     string              `json:"display"`
	Interaction filter.Interaction  `json:"interaction"`
}

func newViewResponse(snapshot viewSnapshot) viewResponse {
	response := viewResponse{
		ID:          snapshot.Identifier,
		Range:       weightRangeResponse{Low: snapshot.State.Range.Low, High: snapshot.State.Range.High},
		Display:     string(snapshot.State.Display),
		Interaction: snapshot.Interaction,
	}
	if current := snapshot.State.Filter; current != nil {
		response.Filter = &filterResponse{
			Users:       current.Users(),
			Hashtags:    current.Hashtags(),
			HashtagMode: string(current.Mode()),
		}
	}
	return response
}

type frameResponse struct {
	View  viewResponse `json:"view"`
	Frame filter.Frame `json:"frame"`
}

type edgeRowsResponse struct {
	View string           `json:"view"`
	Rows []filter.EdgeRow `json:"rows"`
}

type hashtagDetail struct {
	Hashtag  string   `json:"hashtag"`
	Weight   float64  `json:"weight"`
	Timeline []string `json:"timeline"`
}

type edgeDetailResponse struct {
	Key      string          `json:"key"`
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	Weight   float64         `json:"weight"`
	RawSize  float64         `json:"rawSize"`
	Hashtags []hashtagDetail `json:"hashtags"`
}

func newEdgeDetailResponse(view *graph.View, edge graph.Edge, namer filter.Namer) edgeDetailResponse {
	source, _ := view.Node(edge.Source)
	target, _ := view.Node(edge.Target)
	response := edgeDetailResponse{
		Key:      edge.Key,
		Source:   namer.ToPseudonym(source.Label),
		Target:   namer.ToPseudonym(target.Label),
		Weight:   edge.Weight,
		RawSize:  edge.RawSize,
		Hashtags: make([]hashtagDetail, 0, len(edge.Hashtags)),
	}
	for index, hashtag := range edge.Hashtags {
		detail := hashtagDetail{Hashtag: hashtag, Timeline: edge.Timeline(index)}
		if detail.Timeline == nil {
			detail.Timeline = []string{}
		}
		if index < len(edge.HashtagWeights) {
			detail.Weight = edge.HashtagWeights[index]
		}
		response.Hashtags = append(response.Hashtags, detail)
	}
	sort.SliceStable(response.Hashtags, func(left, right int) bool {
		return response.Hashtags[left].Weight > response.Hashtags[right].Weight
	})
	return response
}

type countEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type communityResponse struct {
	Community int          `json:"community"`
	Color     string       `json:"color"`
	Hashtags  []countEntry `json:"hashtags"`
	Accounts  []countEntry `json:"accounts"`
}

type communitiesResponse struct {
	Empty       bool                `json:"empty"`
	Communities []communityResponse `json:"communities"`
}

func newCommunitiesResponse(model derive.Model, namer filter.Namer) communitiesResponse {
	response := communitiesResponse{Empty: model.Empty, Communities: make([]communityResponse, 0, len(model.Communities))}
	for _, community := range model.Communities {
		accounts := map[string]int{}
		for label, degree := range model.CommunityNodes[community] {
			accounts[namer.ToPseudonym(label)] = degree
		}
		response.Communities = append(response.Communities, communityResponse{
			Community: community,
			Color:     derive.CommunityColor(community),
			Hashtags:  sortedCounts(model.CommunityHashtags[community]),
			Accounts:  sortedCounts(accounts),
		})
	}
	return response
}

// sortedCounts orders entries by count descending, then by name.
func sortedCounts(counts map[string]int) []countEntry {
	entries := make([]countEntry, 0, len(counts))
	for name, count := range counts {
		entries = append(entries, countEntry{Name: name, Count: count})
	}
	sort.Slice(entries, func(left, right int) bool {
		if entries[left].Count != entries[right].Count {
			return entries[left].Count > entries[right].Count
		}
		return entries[left].Name < entries[right].Name
	})
	return entries
}
