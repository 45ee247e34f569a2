package classifier

import (
	"errors"
	"math"
	"sort"

	"github.com/pbaille/classifier/internal/domain"
)

// ErrEmptyItem is returned when an entry has no tokens to score
var ErrEmptyItem = errors.New("entry has no tokens")

// Tagger holds the trained pools of one tag
type Tagger struct {
	TagID    int64
	Name     string
	Bias     float64
	Positive *Pool
	Negative *Pool
}

// BuildTagger trains a tagger from the corpus of a tag. Background
// entries join the negative pool; those that are examples are ignored.
func BuildTagger(corpus *domain.TrainingCorpus, background map[int64]domain.Tokens) *Tagger {
	t := &Tagger{
		TagID:    corpus.Tag.ID,
		Name:     corpus.Tag.Name,
		Bias:     corpus.Tag.Bias,
		Positive: NewPool(),
		Negative: NewPool(),
	}
	if t.Bias <= 0 {
		t.Bias = 1.0
	}

	for _, id := range sortedIDs(corpus.Positive) {
		t.Positive.Add(corpus.Positive[id])
	}
	for _, id := range sortedIDs(corpus.Negative) {
		t.Negative.Add(corpus.Negative[id])
	}
	for _, id := range sortedIDs(background) {
		if _, ok := corpus.Positive[id]; ok {
			continue
		}
		if _, ok := corpus.Negative[id]; ok {
			continue
		}
		t.Negative.Add(background[id])
	}
	return t
}

func sortedIDs(m map[int64]domain.Tokens) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Score is the outcome of scoring one entry
type Score struct {
	Probability float64
	Matched     bool
}

// Classifier scores entries against a tagger. Implementations must be
// deterministic and safe for concurrent use.
type Classifier interface {
	Classify(t *Tagger, tokens domain.Tokens) (Score, error)
}

// Bayes scores entries with a smoothed naive Bayes log-likelihood ratio
type Bayes struct {
	Threshold float64
}

// NewBayes returns a Bayes classifier matching at threshold
func NewBayes(threshold float64) *Bayes {
	return &Bayes{Threshold: threshold}
}

// Classify sums, over the terms of the entry, the log ratio of the
// Laplace-smoothed term probabilities in the positive and negative pools,
// shifts it by log(bias) and squashes it to a probability.
func (b *Bayes) Classify(t *Tagger, tokens domain.Tokens) (Score, error) {
	terms := make([]string, 0, len(tokens))
	for term, f := range tokens {
		if f > 0 {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		return Score{}, ErrEmptyItem
	}
	// fixed summation order keeps the result bit-for-bit reproducible
	sort.Strings(terms)

	vocabulary := float64(t.Positive.Len() + t.Negative.Len() + 1)
	posTotal := float64(t.Positive.Total()) + vocabulary
	negTotal := float64(t.Negative.Total()) + vocabulary

	logit := math.Log(t.Bias)
	for _, term := range terms {
		pPos := (float64(t.Positive.Frequency(term)) + 1) / posTotal
		pNeg := (float64(t.Negative.Frequency(term)) + 1) / negTotal
		logit += float64(tokens[term]) * (math.Log(pPos) - math.Log(pNeg))
	}

	p := 1 / (1 + math.Exp(-logit))
	return Score{Probability: p, Matched: p >= b.Threshold}, nil
}
