package bayesian

import (
	"math"
	"math/rand"
	"sort"
)

// treeNode is one node of a regression tree. Leaves have Left == -1.
type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
	Variance  float64 `json:"var,omitempty"`
}

// regressionTree is a CART tree stored as a flat node list.
type regressionTree struct {
	Nodes []treeNode `json:"nodes"`
}

// treeParams controls tree growth.
type treeParams struct {
	maxDepth       int
	minSamplesLeaf int
	// maxFeatures is the number of features tried per split; <= 0 means all.
	maxFeatures int
}

// leafFunc computes a leaf value for the sample indices that reach it.
type leafFunc func(idx []int) float64

// buildTree grows a tree splitting on target by variance reduction. leaf,
// when non-nil, replaces the mean of target as the leaf value.
func buildTree(X [][]float64, target []float64, idx []int, p treeParams, rng *rand.Rand, leaf leafFunc) *regressionTree {
	t := &regressionTree{}
	t.grow(X, target, idx, 0, p, rng, leaf)
	return t
}

func (t *regressionTree) grow(X [][]float64, target []float64, idx []int, depth int, p treeParams, rng *rand.Rand, leaf leafFunc) int {
	mean, variance := meanVar(target, idx)
	node := len(t.Nodes)
	t.Nodes = append(t.Nodes, treeNode{Left: -1, Right: -1, Value: mean, Variance: variance})
	if leaf != nil {
		t.Nodes[node].Value = leaf(idx)
	}

	if depth >= p.maxDepth || len(idx) < 2*p.minSamplesLeaf || variance == 0 {
		return node
	}

	feature, threshold, ok := bestSplit(X, target, idx, p, rng)
	if !ok {
		return node
	}

	var left, right []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	t.Nodes[node].Feature = feature
	t.Nodes[node].Threshold = threshold
	l := t.grow(X, target, left, depth+1, p, rng, leaf)
	r := t.grow(X, target, right, depth+1, p, rng, leaf)
	t.Nodes[node].Left = l
	t.Nodes[node].Right = r
	return node
}

// bestSplit scans the candidate features for the threshold that minimises
// the summed squared error of the two children.
func bestSplit(X [][]float64, target []float64, idx []int, p treeParams, rng *rand.Rand) (int, float64, bool) {
	nFeatures := len(X[idx[0]])
	features := rng.Perm(nFeatures)
	if p.maxFeatures > 0 && p.maxFeatures < nFeatures {
		features = features[:p.maxFeatures]
	}

	bestFeature, bestThreshold := -1, 0.0
	bestScore := math.Inf(1)
	order := make([]int, len(idx))

	for _, f := range features {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool { return X[order[a]][f] < X[order[b]][f] })

		var totalSum, totalSq float64
		for _, i := range order {
			totalSum += target[i]
			totalSq += target[i] * target[i]
		}

		var leftSum, leftSq float64
		n := len(order)
		for k := 0; k < n-1; k++ {
			v := target[order[k]]
			leftSum += v
			leftSq += v * v
			nl, nr := k+1, n-k-1
			if nl < p.minSamplesLeaf || nr < p.minSamplesLeaf {
				continue
			}
			xa, xb := X[order[k]][f], X[order[k+1]][f]
			if xa == xb {
				continue
			}
			rightSum, rightSq := totalSum-leftSum, totalSq-leftSq
			score := (leftSq - leftSum*leftSum/float64(nl)) + (rightSq - rightSum*rightSum/float64(nr))
			if score < bestScore {
				bestScore = score
				bestFeature = f
				bestThreshold = (xa + xb) / 2
			}
		}
	}

	return bestFeature, bestThreshold, bestFeature >= 0
}

// leafFor walks x down to its leaf.
func (t *regressionTree) leafFor(x []float64) *treeNode {
	n := &t.Nodes[0]
	for n.Left >= 0 {
		if x[n.Feature] <= n.Threshold {
			n = &t.Nodes[n.Left]
		} else {
			n = &t.Nodes[n.Right]
		}
	}
	return n
}

func (t *regressionTree) predict(x []float64) float64 {
	return t.leafFor(x).Value
}

func meanVar(v []float64, idx []int) (float64, float64) {
	if len(idx) == 0 {
		return 0, 0
	}
	var sum float64
	for _, i := range idx {
		sum += v[i]
	}
	mean := sum / float64(len(idx))
	var sq float64
	for _, i := range idx {
		d := v[i] - mean
		sq += d * d
	}
	return mean, sq / float64(len(idx))
}
