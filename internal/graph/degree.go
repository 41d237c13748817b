package graph

import "github.com/opensource-finance/osprey-graph/internal/domain"

// Degree is the directed edge count at a node. Repeated edges each count.
type Degree struct {
	FanOut int
	FanIn  int
}

// Degrees counts, per transaction, edges where it is the source (fan-out)
// and the destination (fan-in). Ids absent from the edge list have no entry
// and read as zero.
func Degrees(edges []domain.Edge) map[domain.TxID]Degree {
	out := make(map[domain.TxID]Degree)
	for _, e := range edges {
		d := out[e.Src]
		d.FanOut++
		out[e.Src] = d

		d = out[e.Dst]
		d.FanIn++
		out[e.Dst] = d
	}
	return out
}
