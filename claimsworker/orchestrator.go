package claimsworker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/conf"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/log"
)

type config struct {
	WorkerCount     int `conf:"PARSER_WORKER_COUNT" conf_default:"4"`
	BatchSize       int `conf:"WORKER_BATCH_SIZE" conf_default:"50"`
	PollIntervalSec int `conf:"WORKER_POLL_INTERVAL_SEC" conf_default:"5"`
}

// Orchestrator fans staged files out to a fixed pool of workers. Work is
// discovered by polling the staged_files table; exclusivity comes from the
// state transition inside Worker, not from the dispatch.
type Orchestrator struct {
	repository models.Repository
	worker     *Worker
	logger     logrus.FieldLogger

	workerCount int
	batchSize   int
	interval    time.Duration

	mu       sync.Mutex
	inflight map[uint]bool
}

func NewOrchestrator(repository models.Repository, worker *Worker) (*Orchestrator, error) {
	cfg := config{}
	if err := conf.Checkout(&cfg); err != nil {
		return nil, err
	}

	return &Orchestrator{
		repository:  repository,
		worker:      worker,
		logger:      log.Worker,
		workerCount: cfg.WorkerCount,
		batchSize:   cfg.BatchSize,
		interval:    time.Duration(cfg.PollIntervalSec) * time.Second,
		inflight:    make(map[uint]bool),
	}, nil
}

// Run blocks until the context is cancelled, then drains in-flight files
// before returning. Cancellation stops dispatch only: a file already handed
// to a worker runs to completion, so an orderly shutdown never turns healthy
// in-flight work into a FAILED row.
func (o *Orchestrator) Run(ctx context.Context) {
	work := make(chan *models.StagedFile)
	procCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < o.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range work {
				o.worker.Process(procCtx, file)
				o.release(file.ID)
			}
		}()
	}

	o.logger.Infof("worker pool started with %d workers", o.workerCount)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		o.dispatch(ctx, work)

		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			o.logger.Info("worker pool drained")
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, work chan<- *models.StagedFile) {
	if ctx.Err() != nil {
		return
	}

	files, err := o.repository.GetStagedFilesByState(ctx, constants.StateStaged, o.batchSize)
	if err != nil {
		o.logger.WithError(err).Warn("cannot list staged files")
		return
	}

	for _, file := range files {
		if !o.claim(file.ID) {
			continue
		}
		select {
		case work <- file:
		case <-ctx.Done():
			o.release(file.ID)
			return
		}
	}
}

// claim marks a file as handed out so a later dispatch cannot queue the same
// row twice while a worker still holds it.
func (o *Orchestrator) claim(id uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[id] {
		return false
	}
	o.inflight[id] = true
	return true
}

func (o *Orchestrator) release(id uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}
