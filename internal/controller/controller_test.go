package controller

import (
	"context"

	"github.com/elchinoo/benchctl/pkg/bench"
)

type fakeScaler struct{ target int }

func (f *fakeScaler) SetTarget(n int) { f.target = n }
func (f *fakeScaler) Count() int      { return f.target }

type fakeProbe struct {
	status bench.QueueStatus
	err    error
}

func (f *fakeProbe) WarehouseQueueStatus(ctx context.Context) (bench.QueueStatus, error) {
	return f.status, f.err
}

func newTestController(sc *bench.Scenario, probe bench.WarehouseQueueProbe) *Controller {
	return New(sc, &fakeScaler{}, nil, probe, nil)
}
