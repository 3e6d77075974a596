package main

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"ordsync/internal/mirror"
	"ordsync/internal/station"
)

// simulator drifts the demo points so that polling clients see changes.
type simulator struct {
	st     *station.Station
	logger *log.Logger
	rng    *rand.Rand

	temp   float64
	energy float64
	ticks  int
}

func newSimulator(st *station.Station, logger *log.Logger, seed int64) *simulator {
	return &simulator{
		st:     st,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
		temp:   21.5,
		energy: 1310,
	}
}

func (s *simulator) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.step(); err != nil {
				s.logger.Printf("ordsim: simulate: %v", err)
			}
		}
	}
}

// step moves the temperature by at most half a degree and adds metered
// energy. Every tenth step raises an alarm on the device.
func (s *simulator) step() error {
	s.ticks++
	s.temp = math.Round((s.temp+s.rng.Float64()-0.5)*10) / 10
	s.energy += math.Round(s.rng.Float64()*50) / 10

	if err := s.st.Set(station.HandleDevice, []string{"out", "value"}, mirror.Primitive("baja:Double", s.temp)); err != nil {
		return err
	}
	if err := s.st.Set(station.HandleMeter, []string{"out", "value"}, mirror.Primitive("baja:Double", s.energy)); err != nil {
		return err
	}
	if s.ticks%10 == 0 {
		event := mirror.Struct("alarm:AlarmRecord",
			mirror.Property("text", mirror.Primitive("baja:String", "temperature check")),
			mirror.Property("value", mirror.Primitive("baja:Double", s.temp)),
		)
		return s.st.Fire(station.HandleDevice, "alarm", event)
	}
	return nil
}
