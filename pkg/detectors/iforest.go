package detectors

import (
	"fmt"
	"math"
	"math/rand"
)

// Forest is an isolation forest fitted once on a reference population
// of feature vectors. It is immutable after Fit and safe for concurrent
// scoring. The JSON form is the wire format for the model registry.
type Forest struct {
	Trees      []*iTree `json:"trees"`
	NumTrees   int      `json:"num_trees"`
	SampleSize int      `json:"sample_size"`
	HeightLim  int      `json:"height_limit"`
	RefCount   int      `json:"ref_count"`
	Seed       int64    `json:"seed"`
}

type iTree struct {
	Root *iNode `json:"root"`
}

type iNode struct {
	Leaf     bool    `json:"leaf"`
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *iNode  `json:"left,omitempty"`
	Right    *iNode  `json:"right,omitempty"`
}

// NewForest configures an unfitted forest. Training data is supplied to
// Fit; the seed makes fitting reproducible for a given population.
func NewForest(numTrees, sampleSize int, seed int64) *Forest {
	if numTrees <= 0 {
		numTrees = 100
	}
	if sampleSize <= 0 {
		sampleSize = 256
	}
	return &Forest{
		NumTrees:   numTrees,
		SampleSize: sampleSize,
		HeightLim:  int(math.Ceil(math.Log2(float64(sampleSize)))),
		Seed:       seed,
	}
}

// Fit builds the trees from the reference population.
func (f *Forest) Fit(population [][]float64) error {
	if len(population) == 0 {
		return fmt.Errorf("empty reference population")
	}
	rng := rand.New(rand.NewSource(f.Seed))
	f.RefCount = len(population)
	f.Trees = make([]*iTree, f.NumTrees)
	n := len(population)
	for i := 0; i < f.NumTrees; i++ {
		idxs := rng.Perm(n)
		m := f.SampleSize
		if m > n {
			m = n
		}
		sample := make([][]float64, m)
		for j := 0; j < m; j++ {
			sample[j] = population[idxs[j]]
		}
		f.Trees[i] = &iTree{Root: buildTree(sample, 0, f.HeightLim, rng)}
	}
	return nil
}

// Fitted reports whether the forest has trees to score against.
func (f *Forest) Fitted() bool { return len(f.Trees) > 0 }

func buildTree(X [][]float64, h, hlim int, rng *rand.Rand) *iNode {
	if len(X) <= 1 || h >= hlim {
		return &iNode{Leaf: true, Size: len(X)}
	}
	dim := rng.Intn(len(X[0]))
	minv, maxv := X[0][dim], X[0][dim]
	for i := 1; i < len(X); i++ {
		v := X[i][dim]
		if v < minv {
			minv = v
		}
		if v > maxv {
			maxv = v
		}
	}
	if minv == maxv {
		return &iNode{Leaf: true, Size: len(X)}
	}
	split := minv + rng.Float64()*(maxv-minv)
	left := make([][]float64, 0, len(X))
	right := make([][]float64, 0, len(X))
	for _, row := range X {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &iNode{Leaf: true, Size: len(X)}
	}
	return &iNode{
		Dim:      dim,
		SplitVal: split,
		Left:     buildTree(left, h+1, hlim, rng),
		Right:    buildTree(right, h+1, hlim, rng),
	}
}

// cFactor is c(n), the average unsuccessful-search path length in a
// binary search tree, used to normalize path lengths.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+0.5772156649) - 2.0*float64(n-1)/float64(n)
}

func pathLength(node *iNode, x []float64, h int) float64 {
	if node.Leaf {
		if node.Size <= 1 {
			return float64(h)
		}
		return float64(h) + cFactor(node.Size)
	}
	if x[node.Dim] < node.SplitVal {
		return pathLength(node.Left, x, h+1)
	}
	return pathLength(node.Right, x, h+1)
}

// RawScore returns the standard isolation score in (0, 1); values near
// 1 isolate quickly and are more anomalous, values near 0.5 are typical.
func (f *Forest) RawScore(x []float64) float64 {
	if !f.Fitted() {
		return 0.5
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += pathLength(t.Root, x, 0)
	}
	avgPath := sum / float64(len(f.Trees))
	c := cFactor(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -avgPath/c)
}
