// Package features implements the FeatureExtractor: a deterministic
// mapping from a Query to a fixed-length ContextVector. Grounded on the
// original `src/features.py` (LengthFeatures + EmbeddingFeatures: bias
// slot, length/word-count norms, fixed-seed random projection, z-score
// normalization), adapted to return zeros rather than raise on an
// embedding-provider failure per spec.md §4.1.
package features

import (
	"context"
	"math"

	"github.com/racebandit/llmrace/internal/racetypes"
	"github.com/sirupsen/logrus"
)

// DefaultLengthThreshold and DefaultWordThreshold match spec.md §4.1.
const (
	DefaultLengthThreshold = 2000
	DefaultWordThreshold   = 400
)

// EmbeddingProvider is the opaque external embedding backend. Grounded on
// the teacher's `classifier.EmbeddingClient` interface shape (one method,
// context-first, byte-for-byte float slice out).
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Extractor computes ContextVectors of a fixed dimension: 3 fixed slots
// (bias, length_norm, word_count_norm) plus EmbeddingDim projected
// embedding slots.
type Extractor struct {
	lengthThreshold int
	wordThreshold   int
	embeddingDim    int
	provider        EmbeddingProvider
	proj            [][]float64 // embeddingDim x sourceDim, fixed by seed
	sourceDim       int

	stats *rollingStats
	log   *logrus.Logger
}

// sourceEmbeddingDim is the assumed width of the provider's raw embedding,
// matching the original's hardcoded src_dim=1536.
const sourceEmbeddingDim = 1536

// NewExtractor builds an Extractor. provider may be nil, in which case the
// embedding slots are always zero (no external dependency configured).
// seed fixes the random projection matrix so ContextVectors are
// reproducible across process restarts, as the original's
// `random.seed`/`np.random.seed` pair does.
func NewExtractor(lengthThreshold, wordThreshold, embeddingDim int, seed int64, provider EmbeddingProvider, log *logrus.Logger) *Extractor {
	if lengthThreshold <= 0 {
		lengthThreshold = DefaultLengthThreshold
	}
	if wordThreshold <= 0 {
		wordThreshold = DefaultWordThreshold
	}
	if log == nil {
		log = logrus.New()
	}
	e := &Extractor{
		lengthThreshold: lengthThreshold,
		wordThreshold:   wordThreshold,
		embeddingDim:    embeddingDim,
		provider:        provider,
		sourceDim:       sourceEmbeddingDim,
		stats:           newRollingStats(embeddingDim),
		log:             log,
	}
	if embeddingDim > 0 {
		e.proj = newProjectionMatrix(embeddingDim, sourceEmbeddingDim, seed)
	}
	return e
}

// Dim returns the total ContextVector length this Extractor produces.
func (e *Extractor) Dim() int {
	return 3 + e.embeddingDim
}

// Compute implements the FeatureExtractor contract from spec.md §4.1.
func (e *Extractor) Compute(ctx context.Context, query racetypes.Query) racetypes.ContextVector {
	text := query.Text
	length := len([]rune(text))
	wordCount := len(splitWords(text))

	vec := make(racetypes.ContextVector, e.Dim())
	vec[0] = 1.0
	vec[1] = clip(float64(length)/float64(e.lengthThreshold), 0, 2)
	vec[2] = clip(float64(wordCount)/float64(e.wordThreshold), 0, 2)

	if e.embeddingDim == 0 {
		return vec
	}
	if e.provider == nil || text == "" {
		return vec
	}

	raw, err := e.provider.Embed(ctx, text)
	if err != nil {
		e.log.WithError(err).WithField("component", "features").Warn("embedding provider failed, using zero slots")
		return vec
	}

	reduced := e.project(raw)
	normalized := e.stats.normalize(reduced)
	copy(vec[3:], normalized)
	return vec
}

func (e *Extractor) project(raw []float64) []float64 {
	src := raw
	if len(src) > e.sourceDim {
		src = src[:e.sourceDim]
	} else if len(src) < e.sourceDim {
		padded := make([]float64, e.sourceDim)
		copy(padded, src)
		src = padded
	}

	out := make([]float64, e.embeddingDim)
	for i := 0; i < e.embeddingDim; i++ {
		var sum float64
		row := e.proj[i]
		for j := 0; j < e.sourceDim; j++ {
			sum += row[j] * src[j]
		}
		out[i] = sum
	}
	return out
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

// newProjectionMatrix reproduces the original's `np.random.normal(0,
// 1/sqrt(srcDim), (outDim, srcDim))` using a seeded PRNG, so two Extractors
// built with the same seed always agree.
func newProjectionMatrix(outDim, srcDim int, seed int64) [][]float64 {
	rng := newSeededGaussian(seed)
	scale := 1.0 / math.Sqrt(float64(srcDim))
	m := make([][]float64, outDim)
	for i := range m {
		row := make([]float64, srcDim)
		for j := range row {
			row[j] = rng.next() * scale
		}
		m[i] = row
	}
	return m
}
