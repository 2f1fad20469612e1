package backend

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedDriver wraps a Driver so that Spawn RPCs are throttled,
// preventing a burst of scheduler candidates from issuing hundreds of
// spawn calls against one backend in a single tick.
type RateLimitedDriver struct {
	Driver
	limiter *rate.Limiter
}

// NewRateLimitedDriver wraps driver with a token-bucket limiter allowing
// burst spawns up to burst and steady-state spawnsPerSecond thereafter.
func NewRateLimitedDriver(driver Driver, spawnsPerSecond float64, burst int) *RateLimitedDriver {
	return &RateLimitedDriver{
		Driver:  driver,
		limiter: rate.NewLimiter(rate.Limit(spawnsPerSecond), burst),
	}
}

// Spawn blocks until the rate limiter admits the request, then delegates.
func (d *RateLimitedDriver) Spawn(ctx context.Context, spec WorkerSpec) (SpawnResult, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return SpawnResult{}, err
	}
	return d.Driver.Spawn(ctx, spec)
}
