// Package graph computes degree and illicit-exposure features over an
// undirected view of a transaction edge list.
package graph

import (
	"sort"

	"github.com/opensource-finance/osprey-graph/internal/domain"
)

// NodeSet is a set of transaction ids.
type NodeSet map[domain.TxID]struct{}

// Sorted returns the members in ascending id order.
func (s NodeSet) Sorted() []domain.TxID {
	out := make([]domain.TxID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Adjacency maps each transaction to the set of transactions one edge away
// in either direction. It is symmetric.
type Adjacency map[domain.TxID]NodeSet

// BuildAdjacency builds the undirected neighbor map of an edge list.
// Self-loops are kept. An empty edge list yields an empty map.
func BuildAdjacency(edges []domain.Edge) Adjacency {
	adj := make(Adjacency)
	for _, e := range edges {
		adj.link(e.Src, e.Dst)
		adj.link(e.Dst, e.Src)
	}
	return adj
}

func (a Adjacency) link(from, to domain.TxID) {
	set, ok := a[from]
	if !ok {
		set = make(NodeSet)
		a[from] = set
	}
	set[to] = struct{}{}
}

// Neighbors returns the 1-hop set of id. Unknown ids have an empty set.
// The returned set must not be modified.
func (a Adjacency) Neighbors(id domain.TxID) NodeSet {
	if set, ok := a[id]; ok {
		return set
	}
	return NodeSet{}
}

// StrictTwoHop returns the neighbors of neighbors of id, excluding id itself
// and every 1-hop neighbor of id.
func (a Adjacency) StrictTwoHop(id domain.TxID) NodeSet {
	first := a.Neighbors(id)
	out := make(NodeSet)
	for n := range first {
		for m := range a[n] {
			if m == id {
				continue
			}
			if _, direct := first[m]; direct {
				continue
			}
			out[m] = struct{}{}
		}
	}
	return out
}

// countIn returns how many members of set are in illicit.
func countIn(set NodeSet, illicit map[domain.TxID]struct{}) int {
	n := 0
	for id := range set {
		if _, ok := illicit[id]; ok {
			n++
		}
	}
	return n
}
