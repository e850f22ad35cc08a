package safego

import (
	"context"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// A panic is logged with its stack and the goroutine exits instead of
// crashing the process.
//
// Usage:
//
//	safego.Go(logger, "telegram-update", func() {
//	    adapter.handleUpdate(ctx, update)
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// GoCtx is Go for workers that take the caller's context.
func GoCtx(ctx context.Context, logger *zap.Logger, name string, fn func(ctx context.Context)) {
	go func() {
		defer Recover(logger, name)
		fn(ctx)
	}()
}

// Recover logs a recovered panic. Must be called directly via defer.
func Recover(logger *zap.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("Goroutine panicked",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}
