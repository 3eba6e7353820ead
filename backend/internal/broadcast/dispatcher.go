package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/metrics"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/ot"
)

// Graph event types sent to Kafka.
const (
	EventOpApplied      = "OP_APPLIED"
	EventLockAcquired   = "LOCK_ACQUIRED"
	EventLockReleased   = "LOCK_RELEASED"
	EventSessionStarted = "SESSION_STARTED"
	EventSessionEnded   = "SESSION_ENDED"
)

var ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")

// GraphEvent is the record downstream audit and analytics consumers read.
type GraphEvent struct {
	EventType  string        `json:"eventType"`
	GraphID    string        `json:"graphId"`
	UserID     string        `json:"userId,omitempty"`
	SessionID  string        `json:"sessionId,omitempty"`
	EntityType ot.EntityType `json:"entityType,omitempty"`
	EntityID   string        `json:"entityId,omitempty"`
	Version    uint64        `json:"version,omitempty"`
	Operation  *ot.Operation `json:"operation,omitempty"`
	Conflicts  int           `json:"conflicts,omitempty"`
	LockID     string        `json:"lockId,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// Dispatcher is a bounded local queue drained by workers that send to Kafka
// with a capped number of retries. Submitters only enqueue; a slow broker is
// absorbed by the queue and events are dropped once it stays full.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger

	queue chan GraphEvent
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	// bounds concurrent SendMessage calls
	sem *Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewDispatcher(producer sarama.SyncProducer, topic string, sem *Semaphore, log *slog.Logger, opt DispatcherOptions) *Dispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		log:         log,
		queue:       make(chan GraphEvent, opt.QueueSize),
		done:        make(chan struct{}),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue puts evt on the local queue. When the queue is full it waits until
// ctx is done and then drops the event; Kafka delivery is best effort.
func (d *Dispatcher) Enqueue(ctx context.Context, evt GraphEvent) error {
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.queue <- evt:
		return nil
	case <-d.done:
		return ErrDispatcherClosed
	case <-ctx.Done():
		metrics.KafkaEvents.WithLabelValues("dropped").Inc()
		d.log.Warn("kafka queue full, drop event", "graph", evt.GraphID, "type", evt.EventType, "err", ctx.Err())
		return ctx.Err()
	}
}

// Close stops the workers after the queued events are sent.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		case <-d.done:
			for {
				select {
				case evt := <-d.queue:
					d.sendWithRetry(workerID, evt)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt GraphEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// workers may wait indefinitely; submitters never block here
			_ = d.sem.Acquire(context.Background())
		}
		err := d.sendOnce(evt)
		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			metrics.KafkaEvents.WithLabelValues("sent").Inc()
			return
		}
		if attempt == d.maxRetry {
			metrics.KafkaEvents.WithLabelValues("dropped").Inc()
			d.log.Error("kafka send failed, drop event",
				"graph", evt.GraphID, "type", evt.EventType, "version", evt.Version, "worker", workerID, "err", err)
			return
		}

		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt GraphEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.GraphID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
