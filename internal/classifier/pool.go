package classifier

import "github.com/pbaille/classifier/internal/domain"

// Pool aggregates the token frequencies of a set of entries
type Pool struct {
	tokens map[string]int
	total  int
}

// NewPool returns an empty pool
func NewPool() *Pool {
	return &Pool{tokens: make(map[string]int)}
}

// Add adds the frequencies of an entry to the pool
func (p *Pool) Add(tokens domain.Tokens) {
	for term, f := range tokens {
		if f <= 0 {
			continue
		}
		p.tokens[term] += f
		p.total += f
	}
}

// Frequency returns the pooled frequency of term
func (p *Pool) Frequency(term string) int {
	return p.tokens[term]
}

// Total returns the sum of all pooled frequencies
func (p *Pool) Total() int {
	return p.total
}

// Len returns the number of distinct terms
func (p *Pool) Len() int {
	return len(p.tokens)
}
