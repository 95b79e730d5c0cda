package persistence

const (
	DefaultBlockSize          = 65536
	DefaultBloomFPRate        = 0.01
	DefaultBloomExpectedItems = 100_000
)

// Options tune how segments are written and read.
type Options struct {
	// BlockSize is the data span covered by one sparse index record.
	BlockSize int
	// BloomFPRate is the target false positive rate of segment bloom filters.
	BloomFPRate float64
	// BloomExpectedItems sizes the bloom filter of a segment being written.
	BloomExpectedItems uint
}

func DefaultOptions() Options {
	return Options{
		BlockSize:          DefaultBlockSize,
		BloomFPRate:        DefaultBloomFPRate,
		BloomExpectedItems: DefaultBloomExpectedItems,
	}
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = DefaultBloomFPRate
	}
	if o.BloomExpectedItems == 0 {
		o.BloomExpectedItems = DefaultBloomExpectedItems
	}
	return o
}
