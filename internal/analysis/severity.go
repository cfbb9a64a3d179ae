package analysis

import (
	"math"
	"sort"
)

const (
	// DefaultTopK is the size of every ranked table
	DefaultTopK = 10

	minSeverity = 1
	maxSeverity = 5
)

// FrequencyEntry is one row of a ranked table
type FrequencyEntry struct {
	Item     string `json:"item"`
	Count    int    `json:"count"`
	Severity int    `json:"severity"`
}

// Counter counts items and remembers the order they were first seen in
type Counter[K comparable] struct {
	counts map[K]int
	order  []K
}

// NewCounter creates an empty counter
func NewCounter[K comparable]() *Counter[K] {
	return &Counter[K]{counts: make(map[K]int)}
}

// Add increments the count of item by n
func (c *Counter[K]) Add(item K, n int) {
	if _, ok := c.counts[item]; !ok {
		c.order = append(c.order, item)
	}
	c.counts[item] += n
}

// Inc increments the count of item by one
func (c *Counter[K]) Inc(item K) {
	c.Add(item, 1)
}

// Get returns the count of item
func (c *Counter[K]) Get(item K) int {
	return c.counts[item]
}

// Len returns the number of distinct items
func (c *Counter[K]) Len() int {
	return len(c.order)
}

// Total returns the sum of all counts
func (c *Counter[K]) Total() int {
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Max returns the highest count, 0 when empty
func (c *Counter[K]) Max() int {
	highest := 0
	for _, n := range c.counts {
		if n > highest {
			highest = n
		}
	}
	return highest
}

// CountOf pairs an item with its count
type CountOf[K comparable] struct {
	Item  K
	Count int
}

// MostCommon returns up to n items by count descending, ties in first-seen order.
// A negative n returns every item.
func (c *Counter[K]) MostCommon(n int) []CountOf[K] {
	entries := make([]CountOf[K], len(c.order))
	for i, item := range c.order {
		entries[i] = CountOf[K]{Item: item, Count: c.counts[item]}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Count > entries[j].Count
	})
	if n >= 0 && n < len(entries) {
		entries = entries[:n]
	}
	return entries
}

// Rank returns the topK items of c with a 1-5 severity relative to the top count
func Rank(c *Counter[string], topK int) []FrequencyEntry {
	top := c.MostCommon(topK)
	if len(top) == 0 {
		return []FrequencyEntry{}
	}

	maxCount := top[0].Count
	entries := make([]FrequencyEntry, len(top))
	for i, e := range top {
		entries[i] = FrequencyEntry{
			Item:     e.Item,
			Count:    e.Count,
			Severity: Severity(e.Count, maxCount),
		}
	}
	return entries
}

// Severity maps count onto 1-5 relative to maxCount.
// Halves round away from zero: 2.5 gives 3.
func Severity(count, maxCount int) int {
	if maxCount <= 0 {
		return minSeverity
	}
	s := int(math.Round(float64(maxSeverity) * float64(count) / float64(maxCount)))
	if s < minSeverity {
		return minSeverity
	}
	if s > maxSeverity {
		return maxSeverity
	}
	return s
}
