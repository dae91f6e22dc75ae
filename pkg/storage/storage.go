// Package storage implements the delta write-ahead-log storage core.
//
// Appends are admitted against the cache soft cap, persisted to the WAL,
// re-sequenced into per-stream offset order, and inserted into the log
// cache. When the cache's active block crosses the flush threshold it is
// archived and rolled into immutable remote objects by the upload pipeline;
// reads merge cache hits with the remote block cache under a byte budget.
//
// One Storage instance is the process-wide storage singleton, instantiated
// at startup and torn down at shutdown.
package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftlake/deltawal/internal/logger"
	"github.com/driftlake/deltawal/internal/telemetry"
	"github.com/driftlake/deltawal/pkg/blockcache"
	"github.com/driftlake/deltawal/pkg/cache"
	"github.com/driftlake/deltawal/pkg/meta"
	"github.com/driftlake/deltawal/pkg/metrics"
	"github.com/driftlake/deltawal/pkg/objstore"
	"github.com/driftlake/deltawal/pkg/record"
	"github.com/driftlake/deltawal/pkg/wal"
)

// Config holds storage core tuning.
type Config struct {
	// CacheSize is the soft cap on total cache bytes; admission fails
	// closed above it.
	CacheSize int64

	// UploadThreshold is the active-block size that triggers a flush.
	UploadThreshold int64

	// StreamSplitSize is the per-stream byte count above which the upload
	// planner produces a dedicated stream object.
	StreamSplitSize int64

	// MaxStreamsPerSetObject bounds how many streams one stream-set object
	// may aggregate.
	MaxStreamsPerSetObject int

	// UploadConcurrency caps concurrent object-store writes.
	UploadConcurrency int

	// DrainInterval is the backoff queue retry cadence.
	DrainInterval time.Duration

	// CallbackStripes is the stream callback lock stripe count.
	CallbackStripes int

	// ObjectPrepareTTL bounds how long prepared object ids stay reserved.
	ObjectPrepareTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:              1 << 30,
		UploadThreshold:        512 << 20,
		StreamSplitSize:        16 << 20,
		MaxStreamsPerSetObject: 10000,
		UploadConcurrency:      4,
		DrainInterval:          100 * time.Millisecond,
		CallbackStripes:        128,
		ObjectPrepareTTL:       10 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.UploadThreshold <= 0 {
		c.UploadThreshold = def.UploadThreshold
	}
	if c.StreamSplitSize <= 0 {
		c.StreamSplitSize = def.StreamSplitSize
	}
	if c.MaxStreamsPerSetObject <= 0 {
		c.MaxStreamsPerSetObject = def.MaxStreamsPerSetObject
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = def.UploadConcurrency
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = def.DrainInterval
	}
	if c.CallbackStripes <= 0 {
		c.CallbackStripes = def.CallbackStripes
	}
	if c.ObjectPrepareTTL <= 0 {
		c.ObjectPrepareTTL = def.ObjectPrepareTTL
	}
}

// Deps are the storage core's external collaborators.
type Deps struct {
	WAL     wal.Device
	Objects meta.ObjectManager
	Streams meta.StreamManager
	Store   objstore.Store
	Blocks  blockcache.BlockCache
	Metrics *metrics.StorageMetrics
}

// Storage is the delta-WAL storage core.
type Storage struct {
	cfg Config

	wal     wal.Device
	cache   *cache.LogCache
	seq     *callbackSequencer
	objects meta.ObjectManager
	streams meta.StreamManager
	store   objstore.Store
	blocks  blockcache.BlockCache
	m       *metrics.StorageMetrics

	// stripes serialize the per-stream callback path: WAL submit plus
	// sequencer registration on the way in, sequencer pop plus cache
	// insertion on the way out.
	stripes []sync.Mutex

	backoffMu sync.Mutex
	backoff   []*writeRequest

	// events feed the single background goroutine that drives backoff
	// drain and upload step chaining; pipeline state below is confined to
	// that goroutine and needs no locks.
	events chan func()
	stopCh chan struct{}
	doneCh chan struct{}
	closed atomic.Bool

	prepareQ   []*uploadTask
	commitQ    []*uploadTask
	preparing  bool
	committing bool
	tasks      map[*cache.Block]*uploadTask

	// ioSem bounds concurrent object-store writes.
	ioSem chan struct{}

	// acks tracks in-flight WAL acknowledgement handlers.
	acks sync.WaitGroup

	warnLimiter *rate.Limiter

	// fatalf aborts the process on integrity-fatal failures. Tests
	// override it.
	fatalf func(msg string, args ...any)
}

// New wires a storage core from its collaborators. Call Start before use.
func New(cfg Config, deps Deps) *Storage {
	cfg.applyDefaults()

	s := &Storage{
		cfg:         cfg,
		wal:         deps.WAL,
		cache:       cache.New(cfg.CacheSize, cfg.UploadThreshold),
		seq:         newCallbackSequencer(),
		objects:     deps.Objects,
		streams:     deps.Streams,
		store:       deps.Store,
		blocks:      deps.Blocks,
		m:           deps.Metrics,
		stripes:     make([]sync.Mutex, cfg.CallbackStripes),
		events:      make(chan func(), 256),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		tasks:       make(map[*cache.Block]*uploadTask),
		ioSem:       make(chan struct{}, cfg.UploadConcurrency),
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		fatalf:      logger.Fatal,
	}
	if s.blocks == nil {
		s.blocks = blockcache.Noop{}
	}
	s.cache.InstallLowMemoryHandler()
	return s
}

// Cache exposes the log cache for observability endpoints.
func (s *Storage) Cache() *cache.LogCache {
	return s.cache
}

// Start replays the WAL, flushes recovered state, and begins serving.
func (s *Storage) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}
	if err := s.wal.Start(); err != nil {
		return err
	}

	go s.run()
	logger.Info("storage core started",
		"cache_soft_cap", s.cfg.CacheSize,
		"upload_threshold", s.cfg.UploadThreshold)
	return nil
}

// run is the background executor: backoff drain and upload step chaining.
func (s *Storage) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.events:
			ev()
		case <-ticker.C:
			s.drainBackoff()
		}
	}
}

// post schedules fn on the background goroutine. Dropped after shutdown.
func (s *Storage) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Storage) stripe(streamID uint64) *sync.Mutex {
	return &s.stripes[streamID%uint64(len(s.stripes))]
}

// Append persists a record and waits for its ordered completion.
//
// Ownership of the record's reference passes to the pipeline. The context
// governs only the caller's wait: the append itself is not cancellable and
// completes in the background even if ctx expires.
func (s *Storage) Append(ctx context.Context, rec *record.Record) error {
	ctx, span := telemetry.StartSpan(ctx, "storage.append")
	defer span.End()

	done := s.AppendAsync(rec)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendAsync persists a record; the returned channel receives exactly one
// value once the record is durable and acknowledged in per-stream offset
// order.
func (s *Storage) AppendAsync(rec *record.Record) <-chan error {
	req := newWriteRequest(rec)
	if s.closed.Load() {
		rec.Release()
		req.complete(ErrClosed)
		return req.done
	}
	s.append0(req, false)
	return req.done
}

// append0 runs one admission attempt. fromDrain suppresses re-parking so
// the backoff drain can leave a failed head in place. Returns true when the
// request was either submitted to the WAL or terminally failed.
func (s *Storage) append0(req *writeRequest, fromDrain bool) bool {
	// Preserve arrival order while a backlog exists.
	if !fromDrain && s.backoffLen() > 0 {
		s.park(req)
		return false
	}

	// Admission: fail closed when the cache is over its soft cap rather
	// than blocking the caller's goroutine.
	if s.cache.Size() >= s.cfg.CacheSize {
		s.warnBackpressure("cache over soft cap, backing off append",
			"cache_bytes", s.cache.Size())
		if !fromDrain {
			s.park(req)
		}
		return false
	}

	streamID := req.rec.StreamID
	lock := s.stripe(streamID)

	// The stripe is held across the WAL submit and sequencer registration
	// so per-stream registration order matches WAL offset order.
	lock.Lock()
	res, err := s.wal.Append(req.rec.Encoded())
	if err != nil {
		lock.Unlock()
		if errors.Is(err, wal.ErrFull) {
			s.warnBackpressure("wal full, forcing flush")
			s.forceUploadAsync(cache.AnyStream)
			if !fromDrain {
				s.park(req)
			}
			return false
		}
		req.rec.Release()
		req.complete(err)
		return true
	}
	req.offset = res.Offset
	s.seq.before(req)
	lock.Unlock()

	s.acks.Add(1)
	go func() {
		defer s.acks.Done()
		s.handleWalAck(req, <-res.Done)
	}()
	return true
}

// handleWalAck runs on WAL acknowledgement, in arbitrary order across
// streams. It re-sequences through the callback sequencer and inserts the
// popped prefix into the cache in offset order.
func (s *Storage) handleWalAck(req *writeRequest, err error) {
	if err != nil {
		// The device contract makes acknowledgement failure a device
		// integrity event, not a per-request error.
		s.fatalf("wal acknowledgement failed", "error", err, "offset", req.offset)
		req.rec.Release()
		req.complete(err)
		return
	}

	streamID := req.rec.StreamID
	lock := s.stripe(streamID)

	lock.Lock()
	popped := s.seq.after(req)
	if len(popped) == 0 {
		lock.Unlock()
		return
	}

	full := false
	sizes := make([]int, len(popped))
	for i, p := range popped {
		sizes[i] = p.rec.Size()
		if s.cache.Put(p.rec) {
			full = true
		}
	}
	confirm := s.seq.walConfirmOffset()
	s.cache.SetConfirmOffset(confirm)
	lock.Unlock()

	for i, p := range popped {
		p.complete(nil)
		s.m.ObserveAppend(sizes[i], time.Since(p.start))
	}
	s.m.SetCacheSize(s.cache.Size())
	s.m.SetConfirmOffset(confirm)
	s.seq.tryFree(streamID)

	if full {
		s.forceUploadAsync(cache.AnyStream)
	}
}

// park appends a request to the backoff queue.
func (s *Storage) park(req *writeRequest) {
	s.backoffMu.Lock()
	s.backoff = append(s.backoff, req)
	depth := len(s.backoff)
	s.backoffMu.Unlock()
	s.m.ObserveBackoff(depth)
}

func (s *Storage) backoffLen() int {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	return len(s.backoff)
}

// drainBackoff retries parked requests in order. A retry failure leaves the
// request at the head for the next tick.
func (s *Storage) drainBackoff() {
	for {
		s.backoffMu.Lock()
		if len(s.backoff) == 0 {
			s.backoffMu.Unlock()
			break
		}
		req := s.backoff[0]
		s.backoffMu.Unlock()

		if !s.append0(req, true) {
			break
		}

		s.backoffMu.Lock()
		s.backoff = s.backoff[1:]
		s.backoffMu.Unlock()
	}
	s.m.SetBackoffDepth(s.backoffLen())
}

// ForceUpload archives the active block if it holds records for streamID
// (cache.AnyStream for all streams) and waits for every archived block to
// commit.
func (s *Storage) ForceUpload(ctx context.Context, streamID uint64) error {
	reply := make(chan []chan error, 1)
	if !s.post(func() { reply <- s.submitArchivedLocked(streamID) }) {
		return ErrClosed
	}

	var subs []chan error
	select {
	case subs = <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, sub := range subs {
		select {
		case err := <-sub:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// forceUploadAsync triggers an upload without waiting.
func (s *Storage) forceUploadAsync(streamID uint64) {
	s.post(func() { s.submitArchivedLocked(streamID) })
}

// warnBackpressure logs a backpressure condition at most once per second.
func (s *Storage) warnBackpressure(msg string, args ...any) {
	if s.warnLimiter.Allow() {
		logger.Warn(msg, args...)
	}
}

// Shutdown stops the backoff drain, fails parked requests, completes
// in-flight acknowledgements, and closes the WAL.
func (s *Storage) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Wait for in-flight WAL acknowledgements so accepted appends
	// complete rather than vanish.
	s.acks.Wait()

	close(s.stopCh)
	<-s.doneCh

	s.backoffMu.Lock()
	parked := s.backoff
	s.backoff = nil
	s.backoffMu.Unlock()
	for _, req := range parked {
		req.rec.Release()
		req.complete(ErrShutdown)
	}
	if len(parked) > 0 {
		logger.Warn("failed backoff-queued appends at shutdown", "count", len(parked))
	}

	if err := s.wal.Shutdown(); err != nil {
		return err
	}
	logger.Info("storage core stopped")
	return nil
}
