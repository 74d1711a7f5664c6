package history

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/errors"
	"chatcore/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Fetcher issues the backward history request to the transport layer. The
// entries themselves arrive later as lifecycle events; the coordinator only
// tracks the request's bookkeeping.
type Fetcher interface {
	RequestHistory(ctx context.Context, roomID string, count int) error
}

// Retrieval is the handle for one in-flight history page. Concurrent
// callers share the same handle.
type Retrieval struct {
	done chan struct{}
	err  error
}

func newRetrieval() *Retrieval {
	return &Retrieval{done: make(chan struct{})}
}

func completedRetrieval() *Retrieval {
	r := newRetrieval()
	close(r.done)
	return r
}

// Done is closed when the retrieval settles.
func (r *Retrieval) Done() <-chan struct{} { return r.done }

// Err returns the outcome; only valid after Done is closed.
func (r *Retrieval) Err() error { return r.err }

// Wait blocks until the retrieval settles or ctx expires.
func (r *Retrieval) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.err
	}
}

// Coordinator serializes backward history retrieval for one room. At most
// one retrieval is in flight; a second caller receives the in-flight
// handle. Requests issued while a prior batch's decryption is pending are
// queued until that decryption settles. Created once per room and lives as
// long as the room.
type Coordinator struct {
	mu sync.Mutex

	roomID          string
	fetcher         Fetcher
	initialPageSize int
	pageSize        int
	timeout         time.Duration

	current       *Retrieval
	queued        *Retrieval
	queuedInitial bool
	timer         *time.Timer

	retrieving   bool
	initialDone  bool
	requested    int
	delivered    int
	expected     int
	hasExpected  bool
	retrievedAll bool

	// decryptPending is set while a previous batch's decryption has not
	// settled; new retrievals queue behind it.
	decryptPending bool

	// pageCursor is the speculative page-backward cursor, decremented when
	// a request goes out and restored if the retrieval fails.
	pageCursor int

	logger *logrus.Entry
}

// NewCoordinator creates a coordinator for one room.
func NewCoordinator(roomID string, fetcher Fetcher, initialPageSize, pageSize int, timeout time.Duration, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		roomID:          roomID,
		fetcher:         fetcher,
		initialPageSize: initialPageSize,
		pageSize:        pageSize,
		timeout:         timeout,
		logger:          logger.WithField("room_id", roomID),
	}
}

// RetrieveHistory requests the next backward page. The first call uses the
// initial page size, later calls the standard size. A retrieval already in
// flight is returned as-is rather than duplicated.
func (c *Coordinator) RetrieveHistory(ctx context.Context, initial bool) *Retrieval {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retrieving && c.current != nil {
		metrics.IncrementCounter("history_coalesced_total", map[string]string{"room": c.roomID}, "History requests coalesced onto an in-flight retrieval")
		return c.current
	}
	if c.queued != nil {
		return c.queued
	}
	if c.retrievedAll {
		return completedRetrieval()
	}

	r := newRetrieval()
	if c.decryptPending {
		// Never race a page request against active decryption of the
		// previous batch; run once it settles.
		c.queued = r
		c.queuedInitial = initial
		c.logger.Debug("History retrieval queued behind pending decryption")
		return r
	}
	c.startLocked(ctx, r, initial)
	return r
}

func (c *Coordinator) startLocked(ctx context.Context, r *Retrieval, initial bool) {
	count := c.pageSize
	if initial && !c.initialDone {
		count = c.initialPageSize
	}

	c.current = r
	c.retrieving = true
	c.requested = count
	c.delivered = 0
	c.expected = 0
	c.hasExpected = false
	c.pageCursor--

	c.timer = time.AfterFunc(c.timeout, c.onTimeout)

	c.logger.WithFields(logrus.Fields{"count": count, "initial": !c.initialDone}).Debug("Requesting history page")
	metrics.IncrementCounter("history_requests_total", map[string]string{"room": c.roomID}, "History page requests issued")

	if err := c.fetcher.RequestHistory(ctx, c.roomID, count); err != nil {
		c.finishLocked(errors.Wrap(err, errors.ErrCodeHistoryFailed, "history request failed"))
	}
}

// OnAcknowledge records the backend's count hint for the in-flight page.
func (c *Coordinator) OnAcknowledge(hint int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.retrieving {
		return
	}
	if hint < 0 {
		hint = -hint
	}
	c.expected = hint
	c.hasExpected = true
}

// OnEntry records one delivered history entry and reports whether it should
// be routed into the from-history buffer (true) or treated as newly
// arrived (false).
func (c *Coordinator) OnEntry(predatesSession bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retrieving {
		c.delivered++
		if c.hasExpected && c.expected > 0 {
			c.expected--
		}
	}
	return predatesSession
}

// OnComplete settles the in-flight retrieval. A short page means there is
// no more history; an empty page means the room is empty or new; a full
// page stays ambiguous and leaves retrievedAll false.
func (c *Coordinator) OnComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.retrieving {
		return
	}
	c.initialDone = true
	if c.delivered < c.requested {
		c.retrievedAll = true
	}
	c.logger.WithFields(logrus.Fields{
		"delivered":     c.delivered,
		"requested":     c.requested,
		"retrieved_all": c.retrievedAll,
	}).Debug("History page complete")
	c.finishLocked(nil)
}

func (c *Coordinator) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.retrieving {
		return
	}
	// Roll back the speculative cursor decrement made when the request
	// went out.
	c.pageCursor++
	metrics.IncrementCounter("history_timeouts_total", map[string]string{"room": c.roomID}, "History retrievals that timed out")
	c.finishLocked(errors.NewHistoryTimeoutError(c.roomID, c.timeout.String()))
}

func (c *Coordinator) finishLocked(err error) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.retrieving = false
	if c.current != nil {
		c.current.err = err
		close(c.current.done)
		c.current = nil
	}
	if err != nil {
		c.logger.WithError(err).Warn("History retrieval failed")
	}
}

// SetDecryptPending flags that a delivered batch is still decrypting.
func (c *Coordinator) SetDecryptPending(pending bool) {
	c.mu.Lock()
	c.decryptPending = pending
	queued := c.queued
	if !pending && queued != nil && !c.retrieving {
		c.queued = nil
		c.startLocked(context.Background(), queued, c.queuedInitial)
	}
	c.mu.Unlock()
}

// IsRetrieving reports whether a page request is in flight.
func (c *Coordinator) IsRetrieving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retrieving
}

// RetrievedAll reports whether the room's full history has been fetched.
func (c *Coordinator) RetrievedAll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retrievedAll
}

// PageCursor returns the current page-backward cursor (for diagnostics and
// rollback verification).
func (c *Coordinator) PageCursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageCursor
}

// Expected returns the remaining expected entry count for the in-flight
// page and whether a count hint has been recorded.
func (c *Coordinator) Expected() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expected, c.hasExpected
}
