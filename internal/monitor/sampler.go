package monitor

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"luminova/backend/internal/models"
)

// Sampler produces one vital-sign reading per tick. Implementations may
// read a physical sensor or synthesize values; the output contract is
// the same either way.
type Sampler interface {
	Sample(childID string, now time.Time) models.BiometricSample
}

// SyntheticSampler generates demo vitals: heart rate centered on
// 80-100 bpm with small jitter, skin temperature 36.0-37.0°C, uniform
// stress and activity. It is a placeholder generator, not a
// physiological model.
type SyntheticSampler struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSyntheticSampler() *SyntheticSampler {
	return &SyntheticSampler{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

var (
	stressLevels = []models.StressLevel{models.StressLow, models.StressMedium, models.StressHigh}
	activities   = []models.Activity{models.ActivityResting, models.ActivityActive, models.ActivityExcited, models.ActivityAgitated}
)

func (s *SyntheticSampler) Sample(_ string, now time.Time) models.BiometricSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := 80 + s.rnd.Float64()*20
	return models.BiometricSample{
		HeartRate:       int(math.Round(base + (s.rnd.Float64()-0.5)*10)),
		StressLevel:     stressLevels[s.rnd.Intn(len(stressLevels))],
		SkinTemperature: 36.5 + (s.rnd.Float64()-0.5),
		Activity:        activities[s.rnd.Intn(len(activities))],
		Timestamp:       now,
	}
}
