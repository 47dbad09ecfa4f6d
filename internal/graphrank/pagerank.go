package graphrank

import (
	"context"
	"math"
	"sort"
)

const (
	DefaultDampingFactor = 0.85
	DefaultMaxIterations = 100
	DefaultConvergence   = 1e-6
)

type Options struct {
	// DampingFactor is the probability of following an edge rather than
	// jumping to a random node. Must be in (0, 1).
	DampingFactor float64
	MaxIterations int
	// Convergence stops iteration once the largest score change drops below it.
	Convergence float64
}

// Validate replaces out-of-range values with defaults.
func (o *Options) Validate() {
	if o.DampingFactor <= 0 || o.DampingFactor >= 1 {
		o.DampingFactor = DefaultDampingFactor
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Convergence <= 0 {
		o.Convergence = DefaultConvergence
	}
}

func DefaultOptions() Options {
	return Options{
		DampingFactor: DefaultDampingFactor,
		MaxIterations: DefaultMaxIterations,
		Convergence:   DefaultConvergence,
	}
}

type Result struct {
	// Scores sum to 1 across all nodes.
	Scores     map[string]float64
	Iterations int
	Converged  bool
	MaxDiff    float64
}

// Ranked is one entry of Top.
type Ranked struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// PageRank runs weighted power iteration. Sink nodes spread their mass
// evenly over all nodes. A cancelled context returns the scores reached so
// far with Converged=false.
func (g *Graph) PageRank(ctx context.Context, opts Options) Result {
	opts.Validate()
	ids := g.sortedNodes()
	n := len(ids)
	if n == 0 {
		return Result{Scores: map[string]float64{}, Converged: true}
	}

	index := make(map[string]int, n)
	for i, id := range ids {
		index[id] = i
	}

	type link struct {
		to int
		p  float64
	}
	links := make([][]link, n)
	for i, id := range ids {
		targets := g.out[id]
		if len(targets) == 0 {
			continue
		}
		var total float64
		for _, w := range targets {
			total += w
		}
		keys := make([]string, 0, len(targets))
		for to := range targets {
			keys = append(keys, to)
		}
		sort.Strings(keys)
		for _, to := range keys {
			links[i] = append(links[i], link{to: index[to], p: targets[to] / total})
		}
	}

	N := float64(n)
	d := opts.DampingFactor
	scores := make([]float64, n)
	next := make([]float64, n)
	for i := range scores {
		scores[i] = 1 / N
	}

	result := Result{}
	for iter := 1; iter <= opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			result.Scores = toMap(ids, scores)
			return result
		}

		var sinkSum float64
		for i := range scores {
			if len(links[i]) == 0 {
				sinkSum += scores[i]
			}
		}
		base := (1-d)/N + d*sinkSum/N
		for i := range next {
			next[i] = base
		}
		for i, out := range links {
			for _, l := range out {
				next[l.to] += d * scores[i] * l.p
			}
		}

		var maxDiff float64
		for i := range scores {
			if diff := math.Abs(next[i] - scores[i]); diff > maxDiff {
				maxDiff = diff
			}
		}
		scores, next = next, scores
		result.Iterations = iter
		result.MaxDiff = maxDiff
		if maxDiff < opts.Convergence {
			result.Converged = true
			break
		}
	}
	result.Scores = toMap(ids, scores)
	return result
}

func toMap(ids []string, scores []float64) map[string]float64 {
	out := make(map[string]float64, len(ids))
	for i, id := range ids {
		out[id] = scores[i]
	}
	return out
}

// Top returns up to n entries by descending score, ties by ascending id.
// n <= 0 returns everything.
func Top(scores map[string]float64, n int) []Ranked {
	ranked := make([]Ranked, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, Ranked{ID: id, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// Normalize scales scores so the largest is 1.
func Normalize(scores map[string]float64) map[string]float64 {
	var peak float64
	for _, s := range scores {
		if s > peak {
			peak = s
		}
	}
	out := make(map[string]float64, len(scores))
	for id, s := range scores {
		if peak > 0 {
			out[id] = s / peak
		}
	}
	return out
}
