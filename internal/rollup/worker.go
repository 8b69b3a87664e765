package rollup

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/angelmondragon/eventbus/pkg/logger"
)

type rollupRunner interface {
	RollupAndWriteBack(ctx context.Context, eventID string) error
}

type job struct {
	ctx     context.Context
	eventID string
	done    chan error
}

type WorkerParams struct {
	Aggregator rollupRunner
	Locker     *EventLocker
	Workers    int
	Logger     *logger.Logger
}

// Worker fans rollup signals out to a fixed set of partitions keyed by a hash
// of the event id, so one goroutine owns a given event inside the process.
type Worker struct {
	aggregator rollupRunner
	locker     *EventLocker
	logg       *logger.Logger
	partitions []chan job

	startOnce sync.Once
	wg        sync.WaitGroup
	// stopped closes once the Start context ends and no partition will
	// accept another job.
	stopped  chan struct{}
	stopOnce sync.Once
}

// ErrWorkerStopped is returned by Handle once the worker has shut down.
var ErrWorkerStopped = errors.New("rollup worker stopped")

func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Aggregator == nil {
		return nil, errors.New("aggregator required")
	}
	if params.Workers <= 0 {
		return nil, errors.New("worker count must be positive")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	partitions := make([]chan job, params.Workers)
	for i := range partitions {
		partitions[i] = make(chan job)
	}
	return &Worker{
		aggregator: params.Aggregator,
		locker:     params.Locker,
		logg:       logg,
		partitions: partitions,
		stopped:    make(chan struct{}),
	}, nil
}

// Start launches one goroutine per partition. They exit when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		for i := range w.partitions {
			w.wg.Add(1)
			go w.loop(ctx, w.partitions[i])
		}
	})
}

// Wait blocks until every partition goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Handle routes eventID to its partition and waits for the rollup to finish.
// A non-nil error means the signal should be redelivered.
func (w *Worker) Handle(ctx context.Context, eventID string) error {
	j := job{ctx: ctx, eventID: eventID, done: make(chan error, 1)}
	select {
	case w.partitions[w.partitionFor(eventID)] <- j:
	case <-w.stopped:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) partitionFor(eventID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(eventID))
	return int(h.Sum32() % uint32(len(w.partitions)))
}

func (w *Worker) loop(ctx context.Context, in <-chan job) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			w.stopOnce.Do(func() { close(w.stopped) })
			return
		case j := <-in:
			j.done <- w.process(j.ctx, j.eventID)
		}
	}
}

func (w *Worker) process(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := w.locker.Acquire(ctx, eventID)
	if err != nil {
		w.logg.Warn(w.logg.WithFields(ctx, map[string]any{"event_id": eventID, "reason": err.Error()}), "rollup deferred")
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			w.logg.Error(w.logg.WithEventID(ctx, eventID), "rollup lock release failed", err)
		}
	}()

	if err := w.aggregator.RollupAndWriteBack(ctx, eventID); err != nil {
		w.logg.Error(w.logg.WithEventID(ctx, eventID), "rollup failed", err)
		return err
	}
	return nil
}
