package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pool manages the lifecycle of all processor workers.
// Each worker owns its own tracker connection and listener, so workers never
// share lock state.
type Pool struct {
	workers []*Worker
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewPool(workers []*Worker, logger *zap.Logger) *Pool {
	return &Pool{workers: workers, logger: logger}
}

// Start launches all workers as goroutines.
// The provided ctx is forwarded to every worker; cancelling it
// triggers a graceful shutdown of the entire pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Run(ctx); err != nil {
				p.logger.Error("processor exited", zap.String("processor", w.Name()), zap.Error(err))
			}
		}(w)
	}
}

// Wait blocks until every worker has returned after ctx is cancelled.
// Call this after cancelling the context to ensure in-flight events finish.
func (p *Pool) Wait() {
	p.wg.Wait()
}
