// Package groutine starts named goroutines. The name is attached as a pprof
// label and carried in the context so loops can tag their log entries.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const (
	goroutineNameKey ctxKey = "goroutine_name"

	// LabelName is the pprof label key holding the goroutine name.
	LabelName = "goroutine_name"
)

// Go runs fn in a new goroutine labelled name.
// If parentCtx is nil, context.Background() is used.
//
//	groutine.Go(ctx, "bridge-events", func(ctx context.Context) {
//	    adapter.Run(ctx)
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels(LabelName, name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoTracked is Go with wg.Add(1) before start and wg.Done() on return.
func GoTracked(wg *sync.WaitGroup, parentCtx context.Context, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	Go(parentCtx, name, func(ctx context.Context) {
		defer wg.Done()
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
