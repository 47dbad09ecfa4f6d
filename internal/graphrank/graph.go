// Package graphrank ranks memories by weighted PageRank over their relations.
package graphrank

import (
	"sort"

	"ninaivalaigal/api/internal/store"
)

// Edge weights used when building a graph from stored memories.
const (
	RelationWeight  = 1.0
	SharedTagWeight = 0.5
	ContextWeight   = 0.25
)

// Graph is a directed weighted graph keyed by memory id. It is not safe for
// concurrent mutation; build it, then rank it.
type Graph struct {
	nodes map[string]struct{}
	out   map[string]map[string]float64
	edges int
}

func New() *Graph {
	return &Graph{
		nodes: make(map[string]struct{}),
		out:   make(map[string]map[string]float64),
	}
}

func (g *Graph) AddNode(id string) {
	if id == "" {
		return
	}
	g.nodes[id] = struct{}{}
}

// AddEdge accumulates weight on from->to. Self loops and non-positive
// weights are ignored.
func (g *Graph) AddEdge(from, to string, weight float64) {
	if from == "" || to == "" || from == to || weight <= 0 {
		return
	}
	g.AddNode(from)
	g.AddNode(to)
	targets, ok := g.out[from]
	if !ok {
		targets = make(map[string]float64)
		g.out[from] = targets
	}
	if _, exists := targets[to]; !exists {
		g.edges++
	}
	targets[to] += weight
}

func (g *Graph) NodeCount() int { return len(g.nodes) }

func (g *Graph) EdgeCount() int { return g.edges }

// Weight returns the accumulated weight of from->to.
func (g *Graph) Weight(from, to string) float64 {
	return g.out[from][to]
}

// sortedNodes returns node ids in ascending order so iteration is deterministic.
func (g *Graph) sortedNodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FromMemories links memories by explicit relations, shared tags and a
// shared context. Relations touching memories outside the set are skipped.
func FromMemories(memories []store.Memory, relations []store.MemoryRelation) *Graph {
	g := New()
	byTag := make(map[string][]string)
	byContext := make(map[string][]string)
	for _, m := range memories {
		g.AddNode(m.ID)
		for _, tag := range m.Tags {
			byTag[tag] = append(byTag[tag], m.ID)
		}
		if m.ContextID != "" {
			byContext[m.ContextID] = append(byContext[m.ContextID], m.ID)
		}
	}

	for _, rel := range relations {
		if _, ok := g.nodes[rel.FromID]; !ok {
			continue
		}
		if _, ok := g.nodes[rel.ToID]; !ok {
			continue
		}
		g.AddEdge(rel.FromID, rel.ToID, RelationWeight)
	}
	linkGroups(g, byTag, SharedTagWeight)
	linkGroups(g, byContext, ContextWeight)
	return g
}

func linkGroups(g *Graph, groups map[string][]string, weight float64) {
	for _, ids := range groups {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				g.AddEdge(ids[i], ids[j], weight)
				g.AddEdge(ids[j], ids[i], weight)
			}
		}
	}
}
