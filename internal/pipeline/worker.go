package pipeline

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/slipway-ml/slipway/internal/store"
)

type WorkerConfig struct {
	PollInterval time.Duration
	Logger       *log.Logger
}

// RunWorker continuously claims queued runs and executes them through the
// gate until ctx is canceled.
func RunWorker(ctx context.Context, gate *Gate, st store.Store, cancels *CancelRegistry, cfg WorkerConfig) {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[pipeline] ", log.LstdFlags)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := ProcessNextRun(ctx, gate, st, cancels)
		if err != nil {
			logger.Printf("process run: %v", err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

// ProcessNextRun claims and executes a single queued run, returning whether
// work was done. The run gets its own cancelable context, registered so the
// cancel API can abort it mid-flight.
func ProcessNextRun(ctx context.Context, gate *Gate, st store.Store, cancels *CancelRegistry) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	run, err := st.ClaimNextQueuedRun(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cancels != nil {
		cancels.register(run.ID, cancel)
		defer cancels.remove(run.ID)
	}

	if _, err := gate.Execute(runCtx, run); err != nil {
		return true, err
	}
	return true, nil
}
