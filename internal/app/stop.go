package app

import (
	"context"
	"fmt"
	"time"

	logx "lurker/pkg/logx"
)

// StopReason is logged when the daemon shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopStartError StopReason = "start_error"
)

// stepRunner returns a helper that runs one shutdown step with an upper bound
// so one component can't stall the whole stop. Step errors are appended to
// errs.
func stepRunner(ctx context.Context, log logx.Logger, errs *[]error) func(name string, limit time.Duration, fn func(context.Context) error) {
	return func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		// Respect the caller's deadline; never extend it.
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; log when a late step eventually returns.
			log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			*errs = append(*errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}
}
