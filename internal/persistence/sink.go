package persistence

import (
	"context"
	"sync"
	"time"

	"chatcore/internal/constants"
	"chatcore/internal/features"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/store"

	"github.com/sirupsen/logrus"
)

type persistJob struct {
	op     store.PersistOp
	roomID string
	rec    *models.MessageRecord
}

// Sink is the asynchronous bridge between the in-memory stores and the
// archive. Stores hand it committed mutations fire-and-forget; a single
// background worker drains the queue, grouping writes into transactions
// when batching is enabled. A full queue drops the write and counts it
// rather than stalling reconciliation.
type Sink struct {
	db     *Database
	queue  chan persistJob
	logger *logrus.Entry

	flushEvery time.Duration
	batchSize  int

	wg     sync.WaitGroup
	cancel context.CancelFunc

	closeOnce sync.Once
}

// SinkOptions tunes the background writer; zero values take defaults.
type SinkOptions struct {
	QueueSize  int
	BatchSize  int
	FlushEvery time.Duration
}

// NewSink creates and starts the background writer.
func NewSink(db *Database, logger *logrus.Logger, opts SinkOptions) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = constants.DefaultPersistQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.DefaultPersistBatchSize
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = time.Duration(constants.DefaultPersistFlushMs) * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		db:         db,
		queue:      make(chan persistJob, opts.QueueSize),
		logger:     logger.WithField("component", "persistence-sink"),
		flushEvery: opts.FlushEvery,
		batchSize:  opts.BatchSize,
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

// Persist enqueues one committed mutation. Never blocks.
func (s *Sink) Persist(op store.PersistOp, roomID string, rec *models.MessageRecord) {
	if rec == nil {
		return
	}
	select {
	case s.queue <- persistJob{op: op, roomID: roomID, rec: rec.Clone()}:
	default:
		metrics.IncrementCounter("persistence_dropped_total", map[string]string{"room": roomID}, "Writes dropped on full persistence queue")
		s.logger.WithFields(logrus.Fields{
			"room_id":    roomID,
			"message_id": rec.MessageID,
		}).Warn("Persistence queue full, write dropped")
	}
}

// Close stops the worker after draining whatever is queued.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
		s.cancel()
	})
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make([]persistJob, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case job, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, job)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) flush(ctx context.Context, batch []persistJob) {
	start := time.Now()

	if features.IsEnabled(features.FlagPersistenceBatching) && len(batch) > 1 {
		if err := s.flushTx(ctx, batch); err != nil {
			s.logger.WithError(err).Warn("Batched flush failed, falling back to single writes")
		} else {
			s.recordFlush(start, len(batch))
			return
		}
	}

	for _, job := range batch {
		if err := s.apply(ctx, job); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"op":         string(job.op),
				"room_id":    job.roomID,
				"message_id": job.rec.MessageID,
			}).Error("Persistence write failed")
		}
	}
	s.recordFlush(start, len(batch))
}

func (s *Sink) flushTx(ctx context.Context, batch []persistJob) error {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, job := range batch {
		if job.op == store.PersistRemove {
			msgID, err := s.db.encryptor.EncryptForLookupIfEnabled(job.rec.MessageID)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM messages WHERE room_id = ? AND message_id = ?`,
				job.roomID, msgID); err != nil {
				_ = tx.Rollback()
				return err
			}
			continue
		}
		if err := s.db.execSave(ctx, tx, job.roomID, job.rec); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Sink) apply(ctx context.Context, job persistJob) error {
	switch job.op {
	case store.PersistRemove:
		return s.db.DeleteMessage(ctx, job.roomID, job.rec.MessageID)
	default:
		return s.db.SaveMessage(ctx, job.roomID, job.rec)
	}
}

func (s *Sink) recordFlush(start time.Time, n int) {
	metrics.RecordTimer("persistence_flush", time.Since(start), nil, "Persistence flush duration")
	metrics.AddToCounter("persistence_written_total", float64(n), nil, "Writes flushed to the archive")
}
