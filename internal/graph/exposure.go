package graph

import (
	"sync"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// DefaultTopK is the number of evidence neighbors returned per hop.
const DefaultTopK = 5

// Options controls feature computation.
type Options struct {
	// Compute2Hop enables the strict 2-hop block. When false the 2-hop
	// fields are absent from every record.
	Compute2Hop bool

	// Workers bounds parallel per-transaction computation. Values <= 1 run
	// sequentially.
	Workers int
}

// DefaultOptions computes both hops sequentially.
func DefaultOptions() Options {
	return Options{Compute2Hop: true, Workers: 1}
}

// ComputeFeatures builds the adjacency and degree tables from edges and
// returns one FeatureRecord per transaction, in input order.
func ComputeFeatures(txs []domain.Transaction, edges []domain.Edge, opts Options) []domain.FeatureRecord {
	return ComputeFeaturesWith(txs, BuildAdjacency(edges), Degrees(edges), opts)
}

// ComputeFeaturesWith computes features against a prebuilt adjacency and
// degree table. Both are only read, so callers may share them.
func ComputeFeaturesWith(txs []domain.Transaction, adj Adjacency, deg map[domain.TxID]Degree, opts Options) []domain.FeatureRecord {
	illicit := domain.IllicitSet(txs)
	out := make([]domain.FeatureRecord, len(txs))

	if opts.Workers <= 1 || len(txs) < 2 {
		for i := range txs {
			out[i] = features(txs[i], adj, deg, illicit, opts.Compute2Hop)
		}
		return out
	}

	// Chunked worker pool; each index is written by exactly one goroutine.
	chunk := (len(txs) + opts.Workers - 1) / opts.Workers
	var wg sync.WaitGroup
	sem := make(chan struct{}, opts.Workers)

	for start := 0; start < len(txs); start += chunk {
		end := min(start+chunk, len(txs))
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			for i := lo; i < hi; i++ {
				out[i] = features(txs[i], adj, deg, illicit, opts.Compute2Hop)
			}
		}(start, end)
	}

	wg.Wait()
	return out
}

func features(tx domain.Transaction, adj Adjacency, deg map[domain.TxID]Degree, illicit map[domain.TxID]struct{}, twoHop bool) domain.FeatureRecord {
	d := deg[tx.ID]
	first := adj.Neighbors(tx.ID)
	illicit1 := countIn(first, illicit)

	rec := domain.FeatureRecord{
		Transaction:         tx,
		FanOut1Hop:          d.FanOut,
		FanIn1Hop:           d.FanIn,
		NbrCount1Hop:        len(first),
		IllicitNbrCount1Hop: illicit1,
		IllicitNbrRatio1Hop: domain.RatioOf(illicit1, len(first)),
	}

	if twoHop {
		second := adj.StrictTwoHop(tx.ID)
		illicit2 := countIn(second, illicit)
		rec.TwoHop = &domain.TwoHopExposure{
			NbrCount:        len(second),
			IllicitNbrCount: illicit2,
			IllicitNbrRatio: domain.RatioOf(illicit2, len(second)),
		}
	}
	return rec
}

// TopNeighbors lists illicit neighbor ids used as evidence for one
// transaction. Ordering is by id ascending.
type TopNeighbors struct {
	OneHop []domain.TxID `json:"top_illicit_neighbors_1hop"`
	TwoHop []domain.TxID `json:"top_illicit_neighbors_2hop_strict"`
}

// TopIllicitNeighbors rebuilds the adjacency from edges and returns up to k
// illicit 1-hop and strict 2-hop neighbor ids of txID, smallest first.
// Callers issuing many queries should build an Adjacency once and use
// its method instead.
func TopIllicitNeighbors(txID domain.TxID, edges []domain.Edge, illicit map[domain.TxID]struct{}, k int) TopNeighbors {
	return BuildAdjacency(edges).TopIllicitNeighbors(txID, illicit, k)
}

// TopIllicitNeighbors returns up to k illicit neighbor ids per hop. k <= 0
// uses DefaultTopK.
func (a Adjacency) TopIllicitNeighbors(txID domain.TxID, illicit map[domain.TxID]struct{}, k int) TopNeighbors {
	if k <= 0 {
		k = DefaultTopK
	}
	return TopNeighbors{
		OneHop: topIllicit(a.Neighbors(txID), illicit, k),
		TwoHop: topIllicit(a.StrictTwoHop(txID), illicit, k),
	}
}

func topIllicit(set NodeSet, illicit map[domain.TxID]struct{}, k int) []domain.TxID {
	hits := make(NodeSet)
	for id := range set {
		if _, ok := illicit[id]; ok {
			hits[id] = struct{}{}
		}
	}
	sorted := hits.Sorted()
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}
