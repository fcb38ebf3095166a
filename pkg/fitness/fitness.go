// Package fitness computes the two numeric quantities the rest of the
// engine is built around: P_ij, the per-node delivery probability used
// as a forwarding threshold, and election fitness, the value broadcast
// during an election. Both are behind small interfaces so the engine can
// swap in a richer implementation without touching callers.
package fitness

import "github.com/rhpman/protocol/pkg/store"

// NodeID re-exported for convenience.
type NodeID = store.NodeID

// Role mirrors the engine's replicating/non-replicating state, duplicated
// here (rather than imported) to keep this package dependency-free of the
// engine.
type Role int

const (
	NonReplicating Role = iota
	Replicating
)

// Weights holds the non-negative configured coefficients for the delivery
// calculation. Values outside [0,1] are accepted on input but clamped
// when used as a broadcast threshold.
type Weights struct {
	WCDC float64
	WCol float64
}

// Clamp01 restricts v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CDCEstimator computes U_cdc, the change-degree metric. TrivialCDC
// always returns 0; SlidingWindowCDC tracks the actual neighbor-count
// change rate.
type CDCEstimator interface {
	Estimate() float64
}

// TrivialCDC is the degenerate U_cdc: the neighborhood is assumed stable.
type TrivialCDC struct{}

func (TrivialCDC) Estimate() float64 { return 0.0 }

// Calculator computes P_ij for the local node given its current role, and
// whether a known replica holder lies within the h-hop neighborhood
// (U_col).
type Calculator struct {
	Weights Weights
	CDC     CDCEstimator
}

// NewCalculator builds a Calculator; a nil CDC estimator defaults to
// TrivialCDC.
func NewCalculator(w Weights, cdc CDCEstimator) *Calculator {
	if cdc == nil {
		cdc = TrivialCDC{}
	}
	return &Calculator{Weights: w, CDC: cdc}
}

// Pij computes the local delivery probability: 1.0 if role is
// Replicating, otherwise a weighted combination of U_cdc and U_col
// (1.0 iff a replica holder is within the h-hop neighborhood), clamped
// into [0,1] because callers use it as a broadcast threshold.
func (c *Calculator) Pij(role Role, replicaInNeighborhood bool) float64 {
	if role == Replicating {
		return 1.0
	}
	uCol := 0.0
	if replicaInNeighborhood {
		uCol = 1.0
	}
	uCdc := c.CDC.Estimate()
	return Clamp01(c.Weights.WCDC*uCdc + c.Weights.WCol*uCol)
}

// ElectionFitness computes the value broadcast at the start of an
// election. The election depends only on two nodes rarely tying, not on
// the formula itself: TrivialElectionFitness (0.0, ties broken by
// incumbency) is the default, RichElectionFitness blends real node
// signals when distinct scores matter.
type ElectionFitness interface {
	Fitness() float64
}

// TrivialElectionFitness always returns 0.0.
type TrivialElectionFitness struct{}

func (TrivialElectionFitness) Fitness() float64 { return 0.0 }

// RichElectionFitnessInputs are the raw signals RichElectionFitness
// combines.
type RichElectionFitnessInputs struct {
	FreeStorageFraction float64 // free slots / capacity, in [0,1]
	MeanNeighborDelivery float64 // mean P_ij observed among neighbors, in [0,1]
	NeighborCount       int     // a simple centrality proxy
}

// RichElectionFitness blends free capacity, neighbor delivery quality
// and neighborhood size into a single score, weighted in equal parts.
type RichElectionFitness struct {
	Inputs RichElectionFitnessInputs
}

func (r RichElectionFitness) Fitness() float64 {
	centrality := Clamp01(float64(r.Inputs.NeighborCount) / 20.0)
	return (Clamp01(r.Inputs.FreeStorageFraction) +
		Clamp01(r.Inputs.MeanNeighborDelivery) +
		centrality) / 3.0
}
