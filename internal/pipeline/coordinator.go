package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	alertapp "equipwatch/internal/alerts/application"
	alerts "equipwatch/internal/alerts/domain"
	"equipwatch/internal/observability/metrics"
	registry "equipwatch/internal/registry/domain"
	"equipwatch/internal/rolling"
	telemetry "equipwatch/internal/telemetry/domain"
)

// ErrSinkUnavailable marks transient persistence failures; the affected
// stage is retried with bounded backoff before the event is discarded.
var ErrSinkUnavailable = errors.New("pipeline: sink unavailable")

const (
	// DefaultLaneCount partitions equipment ids across lanes.
	DefaultLaneCount = 8
	// DefaultLaneQueueSize bounds each lane's backlog; beyond it new events
	// for that lane are dropped with a LaneOverflow diagnostic.
	DefaultLaneQueueSize = 64
	// DefaultRetryAttempts bounds transient-stage retries.
	DefaultRetryAttempts = 3
	// DefaultRetryBackoff is the base delay doubled per attempt.
	DefaultRetryBackoff = 100 * time.Millisecond
	// DefaultDrainTimeout bounds the shutdown wait for in-flight lanes.
	DefaultDrainTimeout = 10 * time.Second
)

// Registry resolves equipment metadata for evaluation.
type Registry interface {
	Lookup(ctx context.Context, equipmentID string) (*registry.EquipmentProfile, error)
}

// AlertHandler applies one evaluation round to the alert state machine.
type AlertHandler interface {
	HandleEvaluation(ctx context.Context, equipmentID string, at time.Time, firings []alerts.Firing) error
}

// Coordinator orchestrates one event fully — registry lookup, reading
// persistence, rolling-state update, rule evaluation, alert sink — before
// the same equipment's next event. Equipment ids hash onto lanes; a lane
// processes strictly in order while different lanes run in parallel. Any
// stage failure is isolated: the event is logged and discarded, never the
// stream.
type Coordinator struct {
	registry  Registry
	store     *rolling.Store
	evaluator *alertapp.Evaluator
	alerts    AlertHandler
	readings  telemetry.ReadingRepository
	logger    *log.Logger

	laneCount     int
	queueSize     int
	retryAttempts int
	retryBackoff  time.Duration
	drainTimeout  time.Duration

	// mu orders Enqueue's lane sends before Shutdown's channel close:
	// producers hold it shared, Shutdown exclusively.
	mu        sync.RWMutex
	lanes     []chan telemetry.Reading
	wg        sync.WaitGroup
	accepting bool
	started   atomic.Bool
}

// Option customizes the coordinator.
type Option func(*Coordinator)

// WithLaneCount sets the number of parallel lanes.
func WithLaneCount(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.laneCount = n
		}
	}
}

// WithQueueSize sets the per-lane backlog bound.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithRetry sets transient retry attempts and base backoff.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.retryAttempts = attempts
		}
		if backoff > 0 {
			c.retryBackoff = backoff
		}
	}
}

// WithDrainTimeout bounds the shutdown drain.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// NewCoordinator constructs a delivery coordinator.
func NewCoordinator(reg Registry, store *rolling.Store, evaluator *alertapp.Evaluator, alertHandler AlertHandler, readings telemetry.ReadingRepository, logger *log.Logger, opts ...Option) (*Coordinator, error) {
	if reg == nil {
		return nil, errors.New("coordinator: nil registry")
	}
	if store == nil {
		return nil, errors.New("coordinator: nil rolling store")
	}
	if evaluator == nil {
		return nil, errors.New("coordinator: nil evaluator")
	}
	if alertHandler == nil {
		return nil, errors.New("coordinator: nil alert handler")
	}
	if readings == nil {
		return nil, errors.New("coordinator: nil reading repository")
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Coordinator{
		registry:      reg,
		store:         store,
		evaluator:     evaluator,
		alerts:        alertHandler,
		readings:      readings,
		logger:        logger,
		laneCount:     DefaultLaneCount,
		queueSize:     DefaultLaneQueueSize,
		retryAttempts: DefaultRetryAttempts,
		retryBackoff:  DefaultRetryBackoff,
		drainTimeout:  DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the lane workers. ctx cancellation aborts in-flight
// stage calls but queued events still drain through Shutdown.
func (c *Coordinator) Start(ctx context.Context) {
	if c == nil || !c.started.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.lanes = make([]chan telemetry.Reading, c.laneCount)
	for i := range c.lanes {
		c.lanes[i] = make(chan telemetry.Reading, c.queueSize)
		c.wg.Add(1)
		go c.runLane(ctx, i, c.lanes[i])
	}
	c.accepting = true
	c.mu.Unlock()
	c.logger.Printf("pipeline: started %d lanes (queue %d)", c.laneCount, c.queueSize)
}

// Enqueue routes a reading onto its equipment's lane. Events beyond the
// lane bound are dropped: a producer outrunning evaluation is a signal of
// its own, not something to buffer indefinitely.
func (c *Coordinator) Enqueue(reading telemetry.Reading) {
	if c == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.accepting {
		return
	}
	lane := c.laneFor(reading.EquipmentID)
	select {
	case c.lanes[lane] <- reading:
		metrics.SetLaneDepth(strconv.Itoa(lane), len(c.lanes[lane]))
	default:
		metrics.IncIngestDropped(metrics.DropLaneOverflow)
		c.logger.Printf("pipeline: lane %d full, dropping reading for %s", lane, reading.EquipmentID)
	}
}

// Shutdown stops accepting events and waits, bounded by the drain timeout,
// for in-flight lanes to empty. Safe to call concurrently with Enqueue:
// the lanes close only once every in-flight send has released the lock.
func (c *Coordinator) Shutdown() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if !c.accepting {
		c.mu.Unlock()
		return
	}
	c.accepting = false
	for _, lane := range c.lanes {
		close(lane)
	}
	c.mu.Unlock()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Printf("pipeline: drained")
	case <-time.After(c.drainTimeout):
		c.logger.Printf("pipeline: drain timeout after %s", c.drainTimeout)
	}
}

func (c *Coordinator) laneFor(equipmentID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(equipmentID))
	return int(h.Sum32() % uint32(c.laneCount))
}

func (c *Coordinator) runLane(ctx context.Context, lane int, ch <-chan telemetry.Reading) {
	defer c.wg.Done()
	name := strconv.Itoa(lane)
	for reading := range ch {
		metrics.SetLaneDepth(name, len(ch))
		if err := c.process(ctx, reading); err != nil {
			metrics.IncIngestDropped(metrics.DropDeliveryFailed)
			metrics.IncEventProcessed("error")
			c.logger.Printf("pipeline: lane %d equipment %s: event discarded: %v", lane, reading.EquipmentID, err)
			continue
		}
		metrics.IncEventProcessed("success")
	}
}

// process runs one event through every stage.
func (c *Coordinator) process(ctx context.Context, reading telemetry.Reading) error {
	var profile *registry.EquipmentProfile
	err := c.withRetry(ctx, func() error {
		var lookupErr error
		profile, lookupErr = c.registry.Lookup(ctx, reading.EquipmentID)
		return lookupErr
	})
	if err != nil {
		if errors.Is(err, registry.ErrUnknownEquipment) {
			metrics.IncIngestDropped(metrics.DropUnknownEquipment)
			c.logger.Printf("pipeline: unknown equipment %s, reading dropped", reading.EquipmentID)
			return nil
		}
		return fmt.Errorf("registry lookup: %w", err)
	}
	if profile.Status == registry.StatusRetired {
		metrics.IncIngestDropped(metrics.DropRetired)
		return nil
	}

	if err := c.withRetry(ctx, func() error {
		if err := c.readings.UpsertReading(ctx, reading); err != nil {
			return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("persist reading: %w", err)
	}
	metrics.IncReadingPersisted()

	snapshot, err := c.store.Update(reading)
	if err != nil {
		return fmt.Errorf("rolling update: %w", err)
	}

	if !profile.Evaluable() {
		return nil
	}
	firings := c.evaluator.Evaluate(reading, snapshot, *profile)
	if err := c.withRetry(ctx, func() error {
		if err := c.alerts.HandleEvaluation(ctx, reading.EquipmentID, reading.TS, firings); err != nil {
			return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("alert sink: %w", err)
	}
	return nil
}

// withRetry retries transient failures with doubling backoff. Permanent
// failures return immediately.
func (c *Coordinator) withRetry(ctx context.Context, fn func() error) error {
	backoff := c.retryBackoff
	var err error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			metrics.IncDeliveryRetry()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
	}
	return err
}

func transient(err error) bool {
	return errors.Is(err, registry.ErrUnavailable) || errors.Is(err, ErrSinkUnavailable)
}
