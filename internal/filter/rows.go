package filter

import (
	"sort"

	"github.com/coordination/explorer/internal/graph"
)

// EdgeRow is one line of the raw edge table.
type EdgeRow struct {
	Key         string   `json:"key"`
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	SourceColor string   `json:"sourceColor"`
	TargetColor string   `json:"targetColor"`
	Weight      float64  `json:"weight"`
	Hashtags    []string `json:"hashtags"`
}

// EdgeRows lists the edges passing the weight range, the user filter on either endpoint
// and the hashtag filter, strongest first. Endpoint names are passed through namer.
func EdgeRows(view *graph.View, state State, namer Namer) []EdgeRow {
	rows := []EdgeRow{}
	if !view.Ready() {
		return rows
	}
	if namer == nil {
		namer = IdentityNamer
	}

	for _, edge := range view.Edges() {
		if !state.Range.Contains(edge.Weight) {
			continue
		}
		source, _ := view.Node(edge.Source)
		target, _ := view.Node(edge.Target)
		sourceName := namer.ToPseudonym(source.Label)
		targetName := namer.ToPseudonym(target.Label)
		if state.Filter.HasUsers() && !state.Filter.MatchesUser(sourceName) && !state.Filter.MatchesUser(targetName) {
			continue
		}
		if !state.Filter.MatchesHashtags(edge.Hashtags) {
			continue
		}
		rows = append(rows, EdgeRow{
			Key:         edge.Key,
			Source:      sourceName,
			Target:      targetName,
			SourceColor: source.Color,
			TargetColor: target.Color,
			Weight:      edge.Weight,
			Hashtags:    append([]string(nil), edge.Hashtags...),
		})
	}

	sort.SliceStable(rows, func(left int, right int) bool {
		return rows[left].Weight > rows[right].Weight
	})
	return rows
}
