package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftlake/deltawal/pkg/meta"
	"github.com/driftlake/deltawal/pkg/objstore/memory"
	"github.com/driftlake/deltawal/pkg/record"
	"github.com/driftlake/deltawal/pkg/wal"
)

// ============================================================================
// WAL device double
// ============================================================================

// fakeWAL assigns slot offsets 0, 1, 2, ... and acknowledges immediately
// unless manual mode holds acks for explicit firing.
type fakeWAL struct {
	mu      sync.Mutex
	started bool
	manual  bool
	full    bool
	next    int64
	seeded  []wal.Entry
	acks    []chan error
	trimmed int64
	resets  int
}

func newFakeWAL() *fakeWAL {
	return &fakeWAL{trimmed: -1}
}

func (w *fakeWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	return nil
}

func (w *fakeWAL) Shutdown() error { return nil }

func (w *fakeWAL) Append(data []byte) (wal.AppendResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return wal.AppendResult{}, wal.ErrClosed
	}
	if w.full {
		return wal.AppendResult{}, wal.ErrFull
	}

	offset := w.next
	w.next++
	done := make(chan error, 1)
	if w.manual {
		w.acks = append(w.acks, done)
	} else {
		done <- nil
	}
	return wal.AppendResult{Offset: offset, Done: done}, nil
}

// fire acknowledges the i-th append (in submission order).
func (w *fakeWAL) fire(i int) {
	w.mu.Lock()
	ch := w.acks[i]
	w.mu.Unlock()
	ch <- nil
}

func (w *fakeWAL) ackCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.acks)
}

func (w *fakeWAL) setFull(full bool) {
	w.mu.Lock()
	w.full = full
	w.mu.Unlock()
}

func (w *fakeWAL) Recover() ([]wal.Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seeded, nil
}

func (w *fakeWAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resets++
	w.seeded = nil
	return nil
}

func (w *fakeWAL) Trim(offset int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset > w.trimmed {
		w.trimmed = offset
	}
}

func (w *fakeWAL) TrimOffset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trimmed
}

// ============================================================================
// Metadata double
// ============================================================================

type committedUpload struct {
	set        meta.ObjectManifest
	streamObjs []meta.StreamObjectManifest
}

type fakeMeta struct {
	mu      sync.Mutex
	nextID  uint64
	commits []committedUpload
	opening []meta.StreamMetadata
	closed  map[uint64]uint64

	prepareErr error
	commitErr  error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{nextID: 1, closed: make(map[uint64]uint64)}
}

func (m *fakeMeta) Prepare(ctx context.Context, count int, ttl time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prepareErr != nil {
		return 0, m.prepareErr
	}
	first := m.nextID
	m.nextID += uint64(count)
	return first, nil
}

func (m *fakeMeta) CommitSetObject(ctx context.Context, set meta.ObjectManifest, streamObjs []meta.StreamObjectManifest, compacted []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.commits = append(m.commits, committedUpload{set: set, streamObjs: streamObjs})
	return nil
}

func (m *fakeMeta) CommitStreamObject(ctx context.Context, obj meta.StreamObjectManifest, sources []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.commits = append(m.commits, committedUpload{streamObjs: []meta.StreamObjectManifest{obj}})
	return nil
}

func (m *fakeMeta) LookupRanges(ctx context.Context, streamID, start, end uint64) ([]meta.LocatedRange, error) {
	return nil, nil
}

func (m *fakeMeta) OpeningStreams(ctx context.Context) ([]meta.StreamMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opening, nil
}

func (m *fakeMeta) CloseStream(ctx context.Context, streamID, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[streamID] = epoch
	return nil
}

func (m *fakeMeta) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commits)
}

func (m *fakeMeta) committed() []committedUpload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]committedUpload, len(m.commits))
	copy(out, m.commits)
	return out
}

// ============================================================================
// Block cache double
// ============================================================================

// fakeBlockCache serves a fixed set of committed records and logs reads.
type fakeBlockCache struct {
	mu      sync.Mutex
	records []*record.Record
	reads   [][2]uint64
	puts    int
}

func (f *fakeBlockCache) Read(ctx context.Context, streamID, start, end uint64, maxBytes int) ([]*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, [2]uint64{start, end})

	var out []*record.Record
	bytes := 0
	for _, r := range f.records {
		if r.StreamID != streamID || r.LastOffset < start || r.BaseOffset >= end {
			continue
		}
		if bytes >= maxBytes {
			break
		}
		r.Retain()
		out = append(out, r)
		bytes += r.Size()
	}
	return out, nil
}

func (f *fakeBlockCache) Put(recs []*record.Record) error {
	f.mu.Lock()
	f.puts += len(recs)
	f.mu.Unlock()
	for _, r := range recs {
		r.Release()
	}
	return nil
}

func (f *fakeBlockCache) Close() error {
	for _, r := range f.records {
		r.Release()
	}
	f.records = nil
	return nil
}

// ============================================================================
// Gated object store
// ============================================================================

// gatedStore blocks writes until the gate opens, for backpressure tests.
type gatedStore struct {
	*memory.Store
	gate chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{Store: memory.New(), gate: make(chan struct{})}
}

func (g *gatedStore) Write(ctx context.Context, key string, data []byte) error {
	<-g.gate
	return g.Store.Write(ctx, key, data)
}

func (g *gatedStore) open() { close(g.gate) }

// ============================================================================
// Harness
// ============================================================================

type testEnv struct {
	s     *Storage
	wal   *fakeWAL
	meta  *fakeMeta
	store *memory.Store
}

func newTestStorage(t *testing.T, cfg Config, mutate func(*Deps)) *testEnv {
	t.Helper()

	env := &testEnv{
		wal:   newFakeWAL(),
		meta:  newFakeMeta(),
		store: memory.New(),
	}

	deps := Deps{
		WAL:     env.wal,
		Objects: env.meta,
		Streams: env.meta,
		Store:   env.store,
	}
	if mutate != nil {
		mutate(&deps)
	}

	env.s = New(cfg, deps)
	env.s.fatalf = func(msg string, args ...any) {
		t.Errorf("fatal: %s %v", msg, args)
	}
	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = env.s.Shutdown(context.Background())
	})
	return env
}

// testRecord builds a record with a payload of the given size.
func testRecord(t *testing.T, stream, base, last uint64, size int) *record.Record {
	t.Helper()
	r, err := record.New(stream, base, last, make([]byte, size))
	if err != nil {
		t.Fatalf("record.New: %v", err)
	}
	return r
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// drainErr reads a completion channel with a timeout.
func drainErr(t *testing.T, ch <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatal("completion did not arrive in time")
		return nil
	}
}
