package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/timzifer/beamio/providers/sim"
	"github.com/timzifer/beamio/signal"
)

// SimParams tunes a simulated motor.
type SimParams struct {
	Velocity  float64
	Precision int
	Units     string
	Tick      time.Duration
}

// DefaultSimParams moves at 1 unit/s in mm with 3 digits, updating every 100ms.
func DefaultSimParams() SimParams {
	return SimParams{Velocity: 1, Precision: 3, Units: "mm", Tick: 100 * time.Millisecond}
}

func (p SimParams) withDefaults() SimParams {
	def := DefaultSimParams()
	if p.Velocity <= 0 {
		p.Velocity = def.Velocity
	}
	if p.Units == "" {
		p.Units = def.Units
	}
	if p.Tick <= 0 {
		p.Tick = def.Tick
	}
	return p
}

// Simulate drives m from the simulation provider p. Puts to demand move the
// readback at constant velocity, one step per tick; executing stop cancels the
// move in progress.
func Simulate(p *sim.Provider, m *Motor, params SimParams) error {
	if p == nil || m == nil {
		return errors.New("simulate: nil provider or motor")
	}
	if m.Transport() != sim.Transport {
		return fmt.Errorf("simulate: motor %s is not served by %s", m, sim.Transport)
	}
	params = params.withDefaults()
	addr := func(field string) string {
		a, _ := m.Address(field)
		return a.Read
	}
	demand, _ := m.Address(Demand)

	p.SetValue(addr(Velocity), params.Velocity)
	p.SetValue(addr(MaxVelocity), params.Velocity)
	p.SetValue(addr(Precision), params.Precision)
	p.SetValue(addr(EGU), params.Units)
	p.SetValue(addr(DoneMove), true)
	p.SetMetadata(addr(Readback), params.Precision, params.Units)

	var (
		mu     sync.Mutex
		cancel context.CancelFunc
	)
	p.OnSet(demand.Write, func(ctx context.Context, v any) error {
		target, err := signal.ToFloat(v)
		if err != nil {
			return err
		}
		moveCtx, stop := context.WithCancel(ctx)
		mu.Lock()
		if cancel != nil {
			cancel()
		}
		cancel = stop
		mu.Unlock()
		defer stop()

		old, _ := signal.ToFloat(p.Value(addr(Readback)))
		velocity, _ := signal.ToFloat(p.Value(addr(Velocity)))
		if velocity <= 0 {
			return fmt.Errorf("velocity %v must be positive", velocity)
		}
		p.SetValue(addr(DoneMove), false)
		defer p.SetValue(addr(DoneMove), true)

		step := params.Tick.Seconds() * velocity
		direction := 1.0
		if target < old {
			direction = -1
		}
		steps := int(math.Abs(target-old) / step)
		ticker := time.NewTicker(params.Tick)
		defer ticker.Stop()
		for i := 0; i < steps; i++ {
			p.SetValue(addr(Readback), old+direction*float64(i)*step)
			select {
			case <-ticker.C:
			case <-moveCtx.Done():
				// Stopped moves complete the put; the caller learns about the stop
				// from the motor itself.
				return ctx.Err()
			}
		}
		p.SetValue(addr(Readback), target)
		return nil
	})
	p.OnCall(addr(Stop), func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	})
	return nil
}
