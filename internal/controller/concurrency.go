package controller

import "context"

// runConcurrency holds the worker count fixed at Scenario.TargetConcurrency
// for the Run's whole measurement window. SetTarget is re-issued every tick,
// not just once at the start: a worker that dies on its own (DEAD after too
// many consecutive errors, or a panic) drops out of the Supervisor's live
// set, and only a fresh SetTarget call notices the shortfall and spawns its
// replacement.
func (c *Controller) runConcurrency(ctx context.Context) error {
	c.scaler.SetTarget(c.sc.TargetConcurrency)
	c.telemetry.TargetWorkers = c.sc.TargetConcurrency

	for {
		if sleepOrDone(ctx, controllerTickInterval) {
			return nil
		}
		c.scaler.SetTarget(c.sc.TargetConcurrency)
		c.telemetry.TargetWorkers = c.scaler.Count()
	}
}
