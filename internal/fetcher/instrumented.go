package fetcher

import (
	"context"
	"time"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
	"github.com/hamzanaeem10/apexanalyst/internal/core/observability"
)

// Instrumented records fetch latency by fidelity and outcome.
type Instrumented struct {
	Inner Interface
	now   func() time.Time
}

func NewInstrumented(inner Interface) *Instrumented {
	return &Instrumented{Inner: inner, now: time.Now}
}

func (i *Instrumented) Fetch(ctx context.Context, key model.SessionKey, f model.Fidelity) (*model.Dataset, error) {
	start := i.now()
	ds, err := i.Inner.Fetch(ctx, key, f)
	res := "ok"
	if err != nil {
		res = "error"
	}
	observability.ObserveFetch(string(f), res, i.now().Sub(start))
	return ds, err
}
