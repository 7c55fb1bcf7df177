package builtins

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/mattjoyce/dioptra/internal/importer"
	"github.com/mattjoyce/dioptra/internal/plugin"
)

// RandomPath holds the random number generator tasks.
const RandomPath = "dioptra_builtins.random.rng"

// InitRNG seeds a generator. A negative seed draws a fresh one; the seed
// actually used is returned first so a run can be reproduced.
func InitRNG(seed int64) (int64, *rand.Rand) {
	if seed < 0 {
		seed = rand.Int63()
	}
	return seed, rand.New(rand.NewSource(seed))
}

// DrawRandomInteger returns an integer in [low, high).
func DrawRandomInteger(rng *rand.Rand, low, high int64) (int64, error) {
	if err := checkRange(rng, low, high); err != nil {
		return 0, err
	}
	return low + rng.Int63n(high-low), nil
}

// DrawRandomIntegers returns size integers in [low, high), one output each.
func DrawRandomIntegers(rng *rand.Rand, low, high int64, size int) ([]int64, error) {
	if err := checkRange(rng, low, high); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("size must not be negative, got %d", size)
	}
	out := make([]int64, size)
	for i := range out {
		out[i] = low + rng.Int63n(high-low)
	}
	return out, nil
}

func checkRange(rng *rand.Rand, low, high int64) error {
	if rng == nil {
		return fmt.Errorf("rng is nil: call init_rng first")
	}
	if high <= low {
		return fmt.Errorf("high (%d) must be greater than low (%d)", high, low)
	}
	if low < 0 && high > math.MaxInt64+low {
		return fmt.Errorf("range [%d, %d) overflows int64", low, high)
	}
	return nil
}

func registerRandom(r *importer.Registrar) error {
	if _, err := r.Register(InitRNG, plugin.WithName("init_rng")); err != nil {
		return err
	}
	if _, err := r.Register(DrawRandomInteger, plugin.WithName("draw_random_integer")); err != nil {
		return err
	}
	_, err := r.Register(DrawRandomIntegers, plugin.WithName("draw_random_integers"), plugin.WithVariableOutputs())
	return err
}
