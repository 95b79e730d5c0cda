package persistence

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomFilter answers "definitely absent" for keys never added.
type BloomFilter interface {
	Add(key []byte)
	MayContain(key []byte) bool
}

type bloomFilter struct {
	mu sync.RWMutex
	bf *bloom.BloomFilter
}

// NewBloomFilter creates a new bloom filter
func NewBloomFilter(expectedItems uint, falsePositiveRate float64) BloomFilter {
	return &bloomFilter{
		bf: bloom.NewWithEstimates(expectedItems, falsePositiveRate),
	}
}

func (f *bloomFilter) Add(key []byte) {
	f.mu.Lock()
	f.bf.Add(key)
	f.mu.Unlock()
}

func (f *bloomFilter) MayContain(key []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test(key)
}
