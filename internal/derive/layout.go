package derive

import (
	"math"
	"sort"
)

const (
	layoutNodeSpacing    = 1.0
	layoutClusterPadding = 1.0
	layoutMinimumProbes  = 8
)

var goldenAngle = math.Pi * (3 - math.Sqrt(5))

// Position is a 2D layout coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LayoutNode is the layout input for one node.
type LayoutNode struct {
	Key       string
	Community int
	Degree    int
}

type cluster struct {
	community int
	members   []LayoutNode
	radius    float64
	center    Position
}

// CirclePack groups nodes by community, orders each community by degree with the
// highest degree nodes nearest the cluster center, and packs the community clusters
// around the origin without overlap. The result is deterministic for a given input.
func CirclePack(nodes []LayoutNode) map[string]Position {
	positions := make(map[string]Position, len(nodes))
	if len(nodes) == 0 {
		return positions
	}

	clusters := groupClusters(nodes)
	placed := make([]*cluster, 0, len(clusters))
	for _, candidate := range clusters {
		candidate.center = findClusterCenter(candidate.radius, placed)
		placed = append(placed, candidate)
	}

	for _, placedCluster := range placed {
		for index, member := range placedCluster.members {
			distance := layoutNodeSpacing * math.Sqrt(float64(index))
			angle := float64(index) * goldenAngle
			positions[member.Key] = Position{
				X: placedCluster.center.X + distance*math.Cos(angle),
				Y: placedCluster.center.Y + distance*math.Sin(angle),
			}
		}
	}
	return positions
}

func groupClusters(nodes []LayoutNode) []*cluster {
	byCommunity := map[int]*cluster{}
	for _, node := range nodes {
		existing, found := byCommunity[node.Community]
		if !found {
			existing = &cluster{community: node.Community}
			byCommunity[node.Community] = existing
		}
		existing.members = append(existing.members, node)
	}

	clusters := make([]*cluster, 0, len(byCommunity))
	for _, grouped := range byCommunity {
		sort.SliceStable(grouped.members, func(left int, right int) bool {
			if grouped.members[left].Degree != grouped.members[right].Degree {
				return grouped.members[left].Degree > grouped.members[right].Degree
			}
			return grouped.members[left].Key < grouped.members[right].Key
		})
		grouped.radius = layoutNodeSpacing*math.Sqrt(float64(len(grouped.members))) + layoutClusterPadding
		clusters = append(clusters, grouped)
	}
	sort.Slice(clusters, func(left int, right int) bool {
		if clusters[left].radius != clusters[right].radius {
			return clusters[left].radius > clusters[right].radius
		}
		return clusters[left].community < clusters[right].community
	})
	return clusters
}

// findClusterCenter probes rings of growing distance from the origin and returns the
// first point where a circle of radius fits without touching any placed cluster.
func findClusterCenter(radius float64, placed []*cluster) Position {
	if len(placed) == 0 {
		return Position{}
	}
	step := math.Max(radius, layoutNodeSpacing)
	for distance := step; ; distance += step {
		probes := int(math.Max(layoutMinimumProbes, math.Ceil(2*math.Pi*distance/step)))
		for probe := 0; probe < probes; probe++ {
			angle := 2 * math.Pi * float64(probe) / float64(probes)
			candidate := Position{X: distance * math.Cos(angle), Y: distance * math.Sin(angle)}
			if fitsBeside(candidate, radius, placed) {
				return candidate
			}
		}
	}
}

func fitsBeside(center Position, radius float64, placed []*cluster) bool {
	for _, other := range placed {
		if math.Hypot(center.X-other.center.X, center.Y-other.center.Y) < radius+other.radius {
			return false
		}
	}
	return true
}
