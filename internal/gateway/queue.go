package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/quorum/internal/types"
)

// laneBuffer bounds pending requests per lane.
const laneBuffer = 100

// Processor handles one request and returns the reply text.
type Processor func(ctx context.Context, req *Request) (string, error)

// Queue runs requests in per-lane FIFO order. A global semaphore limits
// how many lanes process at once.
type Queue struct {
	lanes     map[types.LaneKey]chan *Request
	semaphore *semaphore.Weighted
	processor Processor
	active    atomic.Int64
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewQueue creates a Queue that allows up to maxConcurrent requests to run
// simultaneously across all lanes.
func NewQueue(maxConcurrent int64, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		lanes:     make(map[types.LaneKey]chan *Request),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    logger,
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight work, closes all lanes and waits for their
// goroutines.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for key, lane := range q.lanes {
		close(lane)
		delete(q.lanes, key)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// SetProcessor sets the function invoked for each dequeued request.
func (q *Queue) SetProcessor(fn Processor) {
	q.processor = fn
}

// Enqueue adds req to its lane, starting the lane on first use.
func (q *Queue) Enqueue(req *Request) error {
	if q.ctx == nil {
		return fmt.Errorf("queue not started")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	lane, exists := q.lanes[req.Lane]
	if !exists {
		lane = make(chan *Request, laneBuffer)
		q.lanes[req.Lane] = lane
		q.wg.Add(1)
		go q.processLane(lane)
	}

	select {
	case lane <- req:
		return nil
	default:
		return fmt.Errorf("queue full for lane %s", req.Lane)
	}
}

func (q *Queue) processLane(lane chan *Request) {
	defer q.wg.Done()
	for {
		select {
		case req, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.run(req)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) run(req *Request) {
	if q.processor == nil {
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)

	req.Status = StatusRunning
	req.StartedAt = time.Now()
	reply, err := q.processor(q.ctx, req)
	req.EndedAt = time.Now()

	if err != nil {
		req.Status = StatusFailed
		req.Err = err
		q.logger.Error("request failed",
			"request_id", string(req.ID), "lane", string(req.Lane), "kind", string(req.Kind), "error", err)
		reply = "Sorry, something went wrong: " + err.Error()
	} else {
		req.Status = StatusComplete
		q.logger.Info("request complete",
			"request_id", string(req.ID), "lane", string(req.Lane), "kind", string(req.Kind),
			"duration", req.EndedAt.Sub(req.StartedAt))
	}
	if req.Reply != nil {
		req.Reply(reply)
	}
}

// Active reports how many requests are being processed.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// WaitIdle blocks until no requests are being processed or the timeout
// expires. Returns true if idle.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
