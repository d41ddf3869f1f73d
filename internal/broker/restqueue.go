package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	// Backoff applied when the venue answers 429: start at 1s, double up to 8s.
	rateLimitBackoffBase = 1 * time.Second
	rateLimitBackoffMax  = 8 * time.Second

	defaultQueueDepth = 256
)

type restRequest struct {
	run     func(ctx context.Context) error
	done    chan error
	backoff time.Duration
}

// RESTQueue serializes a venue's REST calls through a single drain so rate
// limits are enforced in exactly one place. Requests are drained in FIFO
// order at the configured pace. A 429 puts the request back at the head of
// the queue and pauses the drain with exponential backoff, so per-request
// ordering is preserved. Repeated transport failures trip a circuit breaker.
type RESTQueue struct {
	limiter *rate.Limiter
	pending chan *restRequest
	head    chan *restRequest // capacity 1: the requeued request
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRESTQueue creates and starts a queue draining at requestsPerSecond.
func NewRESTQueue(brokerName string, requestsPerSecond float64, log zerolog.Logger) *RESTQueue {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 15
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &RESTQueue{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)),
		pending: make(chan *restRequest, defaultQueueDepth),
		head:    make(chan *restRequest, 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        brokerName + "-rest",
			MaxRequests: 2,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log:    log.With().Str("component", "rest_queue").Str("broker", brokerName).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	go q.drain()
	return q
}

// Do enqueues a REST call and blocks until it completes, is cancelled, or
// fails terminally. The call itself receives the queue's context merged with
// the venue timeout applied by the caller's HTTP client.
func (q *RESTQueue) Do(ctx context.Context, run func(ctx context.Context) error) error {
	req := &restRequest{run: run, done: make(chan error, 1)}
	select {
	case q.pending <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return q.ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts down the drain. In-flight requests finish; queued requests fail.
func (q *RESTQueue) Stop() {
	q.cancel()
}

func (q *RESTQueue) drain() {
	for {
		var req *restRequest

		// A requeued request always goes before anything in the main queue.
		select {
		case req = <-q.head:
		default:
			select {
			case req = <-q.head:
			case req = <-q.pending:
			case <-q.ctx.Done():
				q.failPending(q.ctx.Err())
				return
			}
		}

		if err := q.limiter.Wait(q.ctx); err != nil {
			req.done <- err
			q.failPending(err)
			return
		}

		_, err := q.breaker.Execute(func() (interface{}, error) {
			return nil, req.run(q.ctx)
		})

		if errors.Is(err, ErrRateLimited) {
			if req.backoff == 0 {
				req.backoff = rateLimitBackoffBase
			} else {
				req.backoff *= 2
				if req.backoff > rateLimitBackoffMax {
					req.backoff = rateLimitBackoffMax
				}
			}
			q.log.Warn().Dur("backoff", req.backoff).Msg("venue rate limit hit, requeueing at head")
			q.head <- req
			select {
			case <-time.After(req.backoff):
			case <-q.ctx.Done():
			}
			continue
		}

		req.done <- err
	}
}

func (q *RESTQueue) failPending(err error) {
	for {
		select {
		case req := <-q.head:
			req.done <- err
		case req := <-q.pending:
			req.done <- err
		default:
			return
		}
	}
}
