package sampler

import "golang.org/x/exp/rand"

// StreamSeed derives the seed of participant rank from the run seed. The splitmix64
// finalizer is a bijection, so distinct ranks always get distinct streams.
func StreamSeed(seed uint64, rank int) uint64 {
	z := seed + uint64(rank+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// NewStream returns the random stream of participant rank. Rank 0 is the coordinator.
func NewStream(seed uint64, rank int) *rand.Rand {
	src := &rand.PCGSource{}
	src.Seed(StreamSeed(seed, rank))
	return rand.New(src)
}
