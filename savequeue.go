package wikibot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"
)

// States a queued write moves through. Observe them via
// Receipt.State.
const (
	StatePending       = "pending"
	StateThrottled     = "throttled"
	StateTokenAttached = "token-attached"
	StateInFlight      = "in-flight"
	StateCommitted     = "committed"
	StateRetrying      = "retrying"
	StateFailed        = "failed"
)

const (
	evDispatch = "dispatch"
	evAttach   = "attach"
	evSend     = "send"
	evCommit   = "commit"
	evRetry    = "retry"
	evFail     = "fail"
)

func newItemFSM() *fsm.FSM {
	return fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: evDispatch, Src: []string{StatePending, StateRetrying}, Dst: StateThrottled},
			{Name: evAttach, Src: []string{StateThrottled}, Dst: StateTokenAttached},
			{Name: evSend, Src: []string{StateTokenAttached}, Dst: StateInFlight},
			{Name: evCommit, Src: []string{StateInFlight, StateRetrying}, Dst: StateCommitted},
			{Name: evRetry, Src: []string{StateInFlight}, Dst: StateRetrying},
			{Name: evFail, Src: []string{StatePending, StateThrottled, StateTokenAttached, StateInFlight, StateRetrying}, Dst: StateFailed},
		},
		nil,
	)
}

// Receipt tracks one queued write. Done is closed once the write
// reaches a terminal state; Err is then the write's outcome.
type Receipt struct {
	op   writeOp
	fsm  *fsm.FSM
	done chan struct{}
	err  error // written once, before done is closed
}

// Done returns a channel closed when the write has been committed or
// failed.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Err returns the write's outcome: nil on commit, the failure
// otherwise. Before Done is closed, Err returns nil.
func (r *Receipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// State reports where in its lifecycle the write currently is, as one
// of the State constants.
func (r *Receipt) State() string {
	return r.fsm.Current()
}

// Description labels the write, e.g. "edit User:Example/sandbox".
func (r *Receipt) Description() string {
	return r.op.describe()
}

// Wait blocks until the write reaches a terminal state or ctx is
// done, and returns its outcome. Cancelling ctx abandons the wait,
// not the write.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receipt) event(name string) {
	// Transitions are wired to match the processing loop; an invalid
	// one cannot happen short of a bug in that loop.
	_ = r.fsm.Event(context.Background(), name)
}

// SaveError couples a failed queued write with its failure.
type SaveError struct {
	Op  string
	Err error
}

func (e SaveError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e SaveError) Unwrap() error {
	return e.Err
}

// SaveErrors aggregates the failures a drain collected instead of
// dropping them.
type SaveErrors []SaveError

func (e SaveErrors) Error() string {
	var buf strings.Builder
	buf.WriteString(strconv.Itoa(len(e)))
	buf.WriteString(" queued write(s) failed: ")
	for i, se := range e {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(se.Error())
	}
	return buf.String()
}

// QueueConfig bounds a site's save queue.
type QueueConfig struct {
	// Workers is the number of goroutines executing writes. One
	// worker (the default) additionally preserves site-wide write
	// order; more workers keep only per-page order.
	Workers int

	// Depth caps how many writes may be pending at once. Submissions
	// beyond it block until the queue makes room.
	Depth int

	// MaxRetries bounds retries per write after its first attempt.
	// Zero means the default; negative disables retrying.
	MaxRetries int

	// RetryBackoff is the wait before the first retry. It doubles on
	// each further retry, capped at MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultQueueConfig returns the configuration Sites start with.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:         1,
		Depth:           128,
		MaxRetries:      3,
		RetryBackoff:    5 * time.Second,
		MaxRetryBackoff: 2 * time.Minute,
	}
}

// saveQueue runs a site's writes in the background. Writes sharing a
// key (the page title) are applied strictly in submission order;
// writes for different keys may run concurrently up to the worker
// count.
type saveQueue struct {
	site *Site
	cfg  QueueConfig

	mu          sync.Mutex
	pending     map[string][]*Receipt // per-key FIFO of submitted items
	active      map[string]bool       // keys currently owned by a worker
	size        int                   // submitted items not yet terminal
	closed      bool
	readyClosed bool
	failed      []SaveError     // terminal failures since the last drain
	idlers      []chan struct{} // drains waiting for size to hit zero

	slots   chan struct{} // capacity cfg.Depth; holds one slot per item
	ready   chan string   // keys that have runnable work
	workers *errgroup.Group

	sleep sleepFunc
}

func newSaveQueue(site *Site, cfg QueueConfig) *saveQueue {
	def := DefaultQueueConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Depth <= 0 {
		cfg.Depth = def.Depth
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = def.MaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}

	q := &saveQueue{
		site:    site,
		cfg:     cfg,
		pending: make(map[string][]*Receipt),
		active:  make(map[string]bool),
		slots:   make(chan struct{}, cfg.Depth),
		ready:   make(chan string, cfg.Depth),
		workers: new(errgroup.Group),
		sleep:   sleepContext,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.workers.Go(func() error {
			q.work()
			return nil
		})
	}
	return q
}

// submit enqueues op. It blocks while the queue is at capacity and
// fails with ErrQueueClosed once the queue has been shut down.
func (q *saveQueue) submit(ctx context.Context, op writeOp) (*Receipt, error) {
	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r := &Receipt{op: op, fsm: newItemFSM(), done: make(chan struct{})}
	key := op.key()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.slots
		return nil, ErrQueueClosed
	}
	q.size++
	q.pending[key] = append(q.pending[key], r)
	runnable := !q.active[key]
	if runnable {
		q.active[key] = true
	}
	q.mu.Unlock()

	if runnable {
		// Never blocks: at most one ready entry per active key, and
		// active keys cannot outnumber slots.
		q.ready <- key
	}
	return r, nil
}

// work runs one worker: claim a key, drain that key's FIFO, release
// the key. A key is owned by at most one worker at a time, which is
// what keeps same-page writes in submission order.
func (q *saveQueue) work() {
	for key := range q.ready {
		for {
			q.mu.Lock()
			list := q.pending[key]
			if len(list) == 0 {
				delete(q.pending, key)
				delete(q.active, key)
				q.mu.Unlock()
				break
			}
			r := list[0]
			q.pending[key] = list[1:]
			q.mu.Unlock()

			q.process(r)

			q.mu.Lock()
			q.size--
			if q.size == 0 {
				for _, ch := range q.idlers {
					close(ch)
				}
				q.idlers = nil
			}
			q.mu.Unlock()
			<-q.slots
		}
	}
}

// process drives one write through its lifecycle: throttle, token,
// attempt, and bounded retries. Writes whose response was lost are
// only retried once the op has verified the write did not commit.
func (q *saveQueue) process(r *Receipt) {
	ctx := context.Background()
	op := r.op
	site := q.site
	log := site.log.With("op", op.describe())

	backoff := q.cfg.RetryBackoff
	tokenRetried := false
	var failure error

	for attempt := 0; ; attempt++ {
		r.event(evDispatch)
		if err := site.throttle.WaitWrite(ctx); err != nil {
			failure = err
			break
		}

		token, err := site.client.GetToken(ctx, op.tokenType())
		if err != nil {
			failure = errors.Wrap(err, "unable to obtain token")
			break
		}
		r.event(evAttach)

		r.event(evSend)
		err = op.do(ctx, site, token)
		if err == nil {
			r.event(evCommit)
			q.finish(r, nil)
			return
		}

		kind := Classify(err)

		// A rejected token earns one forced refresh that does not
		// count against the retry budget. A second rejection is
		// fatal.
		if kind == KindTokenExpired && !tokenRetried {
			tokenRetried = true
			site.client.invalidateToken(op.tokenType(), token)
			log.Warn("token rejected, refreshing for one more attempt")
			r.event(evRetry)
			attempt--
			continue
		}

		if kind != KindRetryable || attempt >= q.cfg.MaxRetries {
			failure = err
			break
		}

		if ambiguousFailure(err) {
			rv, ok := op.(revalidator)
			if !ok {
				failure = errors.Wrap(err, "response lost and outcome unverifiable")
				break
			}
			committed, rerr := rv.revalidate(ctx, site)
			if rerr != nil {
				failure = errors.CombineErrors(err, rerr)
				break
			}
			if committed {
				log.Info("write committed despite lost response")
				r.event(evCommit)
				q.finish(r, nil)
				return
			}
		}

		r.event(evRetry)
		wait := backoff
		var httpErr HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
			wait = httpErr.RetryAfter
		}
		log.Info("write failed, will retry",
			"error", err, "wait", wait, "attempt", attempt+1)
		if serr := q.sleep(ctx, wait); serr != nil {
			failure = err
			break
		}
		backoff *= 2
		if q.cfg.MaxRetryBackoff > 0 && backoff > q.cfg.MaxRetryBackoff {
			backoff = q.cfg.MaxRetryBackoff
		}
	}

	r.event(evFail)
	q.finish(r, failure)
}

func (q *saveQueue) finish(r *Receipt, err error) {
	if err != nil {
		q.mu.Lock()
		q.failed = append(q.failed, SaveError{Op: r.op.describe(), Err: err})
		q.mu.Unlock()
		q.site.log.Error("queued write failed",
			"op", r.op.describe(), "error", err)
	}
	r.err = err
	close(r.done)
}

// drain waits until every submitted write has reached a terminal
// state, then reports the failures collected since the last drain as
// a SaveErrors. With closeQueue set, the queue refuses submissions
// from now on and its workers exit once idle.
//
// ctx bounds only the waiting. Writes already submitted keep running
// regardless.
func (q *saveQueue) drain(ctx context.Context, closeQueue bool) error {
	q.mu.Lock()
	if closeQueue {
		q.closed = true
	}
	var idle chan struct{}
	if q.size > 0 {
		idle = make(chan struct{})
		q.idlers = append(q.idlers, idle)
	}
	q.mu.Unlock()

	if idle != nil {
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.mu.Lock()
	if q.closed && !q.readyClosed {
		q.readyClosed = true
		close(q.ready)
	}
	failed := q.failed
	q.failed = nil
	q.mu.Unlock()

	if q.closed {
		q.workers.Wait()
	}

	if len(failed) > 0 {
		return SaveErrors(failed)
	}
	return nil
}

func (s *Site) queueLazy() *saveQueue {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if s.queue == nil {
		s.queue = newSaveQueue(s, s.queueCfg)
	}
	return s.queue
}

func (s *Site) submit(ctx context.Context, op writeOp) (*Receipt, error) {
	return s.queueLazy().submit(ctx, op)
}

// Flush waits until every pending write for this site has been
// committed or failed. The queue stays open for new writes. Failures
// since the last flush are returned together as a SaveErrors.
func (s *Site) Flush(ctx context.Context) error {
	s.queueMu.Lock()
	q := s.queue
	s.queueMu.Unlock()
	if q == nil {
		return nil
	}
	return q.drain(ctx, false)
}

// Close drains the save queue and refuses new writes from then on.
// Reads are unaffected.
func (s *Site) Close(ctx context.Context) error {
	s.queueMu.Lock()
	q := s.queue
	s.queueMu.Unlock()
	if q == nil {
		return nil
	}
	return q.drain(ctx, true)
}
