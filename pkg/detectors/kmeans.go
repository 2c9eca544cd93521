package detectors

import (
	"fmt"
	"math"
	"math/rand"
)

// FitScaler learns per-dimension standardization parameters from a
// training population.
func FitScaler(rows [][]float64) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("fit scaler: empty population")
	}
	dim := len(rows[0])
	mean := make([]float64, dim)
	std := make([]float64, dim)

	for _, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("fit scaler: ragged population (%d vs %d dims)", len(row), dim)
		}
		for i, v := range row {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(rows))
	}
	for _, row := range rows {
		for i, v := range row {
			d := v - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(rows)))
	}
	return &Scaler{Mean: mean, Std: std}, nil
}

// KMeans partitions standardized rows into k persona centroids with
// Lloyd's algorithm. Seeded initialization keeps training reproducible;
// centroids come back ordered by descending cluster size so persona-0
// is always the dominant behavior.
func KMeans(rows [][]float64, k, maxIters int, seed int64) ([]Centroid, error) {
	if k <= 0 {
		return nil, fmt.Errorf("kmeans: k must be positive, got %d", k)
	}
	if len(rows) < k {
		return nil, fmt.Errorf("kmeans: %d rows cannot support %d clusters", len(rows), k)
	}
	if maxIters <= 0 {
		maxIters = 50
	}
	dim := len(rows[0])

	// k-means++ style seeding: spread the initial centers out so a bad
	// random draw cannot collapse two personas into one.
	rng := rand.New(rand.NewSource(seed))
	centers := make([][]float64, 0, k)
	centers = append(centers, append([]float64(nil), rows[rng.Intn(len(rows))]...))
	for len(centers) < k {
		dists := make([]float64, len(rows))
		total := 0.0
		for i, row := range rows {
			d := math.Inf(1)
			for _, c := range centers {
				if dd := euclidean(row, c); dd < d {
					d = dd
				}
			}
			dists[i] = d * d
			total += dists[i]
		}
		pick := rng.Float64() * total
		idx := 0
		for i, d := range dists {
			pick -= d
			if pick <= 0 {
				idx = i
				break
			}
		}
		centers = append(centers, append([]float64(nil), rows[idx]...))
	}

	assign := make([]int, len(rows))
	for iter := 0; iter < maxIters; iter++ {
		moved := false
		for i, row := range rows {
			best := 0
			bestDist := euclidean(row, centers[0])
			for j := 1; j < k; j++ {
				if d := euclidean(row, centers[j]); d < bestDist {
					best = j
					bestDist = d
				}
			}
			if assign[i] != best {
				assign[i] = best
				moved = true
			}
		}
		if !moved && iter > 0 {
			break
		}

		counts := make([]int, k)
		next := make([][]float64, k)
		for j := range next {
			next[j] = make([]float64, dim)
		}
		for i, row := range rows {
			counts[assign[i]]++
			for d, v := range row {
				next[assign[i]][d] += v
			}
		}
		for j := range next {
			if counts[j] == 0 {
				// Empty cluster: reseed from a random row rather than
				// leaving a dead centroid.
				copy(next[j], rows[rng.Intn(len(rows))])
				continue
			}
			for d := range next[j] {
				next[j][d] /= float64(counts[j])
			}
		}
		centers = next
	}

	sizes := make([]int, k)
	for _, a := range assign {
		sizes[a]++
	}
	order := make([]int, k)
	for i := range order {
		order[i] = i
	}
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			if sizes[order[j]] > sizes[order[i]] {
				order[i], order[j] = order[j], order[i]
			}
		}
	}

	out := make([]Centroid, k)
	for rank, j := range order {
		out[rank] = Centroid{
			Label:  fmt.Sprintf("persona-%d", rank),
			Values: centers[j],
		}
	}
	return out, nil
}
