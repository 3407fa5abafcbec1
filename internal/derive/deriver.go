// Package derive computes render-ready attributes and community aggregates for an
// imported graph.
package derive

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/coordination/explorer/internal/anonymizer"
	"github.com/coordination/explorer/internal/graph"
)

const (
	// EdgeSizeScale converts a normalized weight into an edge render size.
	EdgeSizeScale = 5.0
	// EdgeColorScale maps weight onto the portion of the grey ramp used for edges.
	EdgeColorScale = 0.6
	// MinimumNodeSize is the render size of the lowest-degree nodes.
	MinimumNodeSize = 5.0
	// MaximumNodeSize is the render size of the highest-degree nodes.
	MaximumNodeSize = 20.0

	logMessageDerivationComplete = "graph derivation complete"
	logMessageEmptyGraph         = "graph has no edges; weight normalization skipped"
	logFieldNodeCount            = "nodes"
	logFieldEdgeCount            = "edges"
	logFieldCommunityCount       = "communities"
	logFieldMaxDegree            = "max_degree"

	errMessageEmptyGraph    = "graph has no edges"
	errMessageNilStore      = "graph store is required"
	errMessageEdgePass      = "edge normalization"
	errMessageNodePass      = "node appearance"
	errMessageLayoutPass    = "layout"
	errMessageStoreMutation = "%s: %w"
)

var (
	// ErrEmptyGraph marks a degenerate result. It is returned together with a valid,
	// empty model and is not a failure of the pipeline.
	ErrEmptyGraph = errors.New(errMessageEmptyGraph)
	// ErrNilStore is returned when Derive is called without a store.
	ErrNilStore = errors.New(errMessageNilStore)
)

// Options controls one derivation pass.
type Options struct {
	// Identities lists real identities in the order pseudonyms should be assigned,
	// typically the distinct screen names of an uploaded dataset. Node labels missing
	// from the list are appended in node visitation order.
	Identities []string
}

// Model holds the aggregates built once per imported result.
type Model struct {
	MinRawSize        float64
	MaxRawSize        float64
	MaxDegree         int
	Communities       []int
	CommunityHashtags map[int]map[string]int
	CommunityNodes    map[int]map[string]int
	Pseudonyms        *anonymizer.Table
	Empty             bool
}

// Config configures a Deriver.
type Config struct {
	Logger *zap.Logger
}

// Deriver runs the derivation passes against a graph store.
type Deriver struct {
	logger *zap.Logger
}

// NewDeriver constructs a Deriver.
func NewDeriver(config Config) *Deriver {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deriver{logger: logger}
}

// Derive computes edge weights, community aggregates, pseudonyms, node appearance and
// layout, writing visual attributes back through the store and marking it derived.
func (deriver *Deriver) Derive(store *graph.Store, options Options) (Model, error) {
	if store == nil {
		return Model{}, ErrNilStore
	}

	nodes := store.Nodes()
	edges := store.Edges()
	model := Model{
		CommunityHashtags: map[int]map[string]int{},
		CommunityNodes:    map[int]map[string]int{},
		Empty:             len(edges) == 0,
	}

	if !model.Empty {
		if err := deriver.normalizeEdges(store, edges, &model); err != nil {
			return Model{}, err
		}
	}

	communities := make(map[string]int, len(nodes))
	for _, node := range nodes {
		communities[node.Key] = node.Community
	}
	aggregateCommunityHashtags(edges, communities, &model)

	degrees := make(map[string]int, len(nodes))
	communitySet := map[int]struct{}{}
	for _, node := range nodes {
		degree := store.Degree(node.Key)
		degrees[node.Key] = degree
		if degree > model.MaxDegree {
			model.MaxDegree = degree
		}
		communitySet[node.Community] = struct{}{}
		labels, found := model.CommunityNodes[node.Community]
		if !found {
			labels = map[string]int{}
			model.CommunityNodes[node.Community] = labels
		}
		labels[node.Label] = degree
	}
	for community := range communitySet {
		model.Communities = append(model.Communities, community)
	}
	sort.Ints(model.Communities)

	labels := make([]string, 0, len(nodes))
	for _, node := range nodes {
		labels = append(labels, node.Label)
	}
	model.Pseudonyms = anonymizer.BuildTable(options.Identities).Extend(labels)

	layoutNodes := make([]LayoutNode, 0, len(nodes))
	for _, node := range nodes {
		degree := degrees[node.Key]
		size := NodeSize(degree, model.MaxDegree)
		if err := store.SetNodeAppearance(node.Key, size, CommunityColor(node.Community)); err != nil {
			return Model{}, fmt.Errorf(errMessageStoreMutation, errMessageNodePass, err)
		}
		layoutNodes = append(layoutNodes, LayoutNode{Key: node.Key, Community: node.Community, Degree: degree})
	}

	for key, position := range CirclePack(layoutNodes) {
		if err := store.SetNodePosition(key, position.X, position.Y); err != nil {
			return Model{}, fmt.Errorf(errMessageStoreMutation, errMessageLayoutPass, err)
		}
	}

	store.MarkDerived()

	deriver.logger.Info(
		logMessageDerivationComplete,
		zap.Int(logFieldNodeCount, len(nodes)),
		zap.Int(logFieldEdgeCount, len(edges)),
		zap.Int(logFieldCommunityCount, len(model.Communities)),
		zap.Int(logFieldMaxDegree, model.MaxDegree),
	)
	if model.Empty {
		deriver.logger.Warn(logMessageEmptyGraph, zap.Int(logFieldNodeCount, len(nodes)))
		return model, ErrEmptyGraph
	}
	return model, nil
}

func (deriver *Deriver) normalizeEdges(store *graph.Store, edges []graph.Edge, model *Model) error {
	model.MinRawSize = math.Inf(1)
	model.MaxRawSize = math.Inf(-1)
	for _, edge := range edges {
		model.MinRawSize = math.Min(model.MinRawSize, edge.RawSize)
		model.MaxRawSize = math.Max(model.MaxRawSize, edge.RawSize)
	}
	for _, edge := range edges {
		weight := NormalizeWeight(edge.RawSize, model.MinRawSize, model.MaxRawSize)
		if err := store.SetEdgeAppearance(edge.Key, weight, weight*EdgeSizeScale, GreyColor(weight*EdgeColorScale)); err != nil {
			return fmt.Errorf(errMessageStoreMutation, errMessageEdgePass, err)
		}
	}
	return nil
}

func aggregateCommunityHashtags(edges []graph.Edge, communities map[string]int, model *Model) {
	for _, edge := range edges {
		sourceCommunity := communities[edge.Source]
		if sourceCommunity != communities[edge.Target] {
			continue
		}
		counts, found := model.CommunityHashtags[sourceCommunity]
		if !found {
			counts = map[string]int{}
			model.CommunityHashtags[sourceCommunity] = counts
		}
		for _, hashtag := range edge.Hashtags {
			counts[hashtag]++
		}
	}
}

// NormalizeWeight rescales a raw edge size linearly from [minimum, maximum] onto [0,1].
// When every edge shares one size the weight is 1.
func NormalizeWeight(rawSize float64, minimum float64, maximum float64) float64 {
	if maximum <= minimum {
		return 1
	}
	return (rawSize - minimum) / (maximum - minimum)
}

// NodeSize rescales a degree from [1, maxDegree] onto the node size range, clamped at both
// ends. When the maximum degree is at most 1 every node takes the maximum size.
func NodeSize(degree int, maxDegree int) float64 {
	if maxDegree <= 1 {
		if degree < 1 {
			return MinimumNodeSize
		}
		return MaximumNodeSize
	}
	ratio := float64(degree-1) / float64(maxDegree-1)
	ratio = math.Max(0, math.Min(1, ratio))
	return MinimumNodeSize + ratio*(MaximumNodeSize-MinimumNodeSize)
}
