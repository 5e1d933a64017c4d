package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/nebulastream/nes/pkg/engineerr"
)

// Config configures a BufferManager (spec.md §4.1).
type Config struct {
	// BufferSize is the size in bytes of every pooled page.
	BufferSize int
	// NumberOfBuffers is the total pool size.
	NumberOfBuffers int
}

// Manager owns a fixed-size pool of pages and hands out reference-counted
// TupleBuffer handles (spec.md §4.1). Every page belongs to exactly one of
// {free, in-use, a LocalPool's stock} at all times.
type Manager struct {
	cfg Config

	free chan *controlBlock
	sem  *semaphore.Weighted // mirrors len(free) to support context/timeout waits
}

// NewManager creates a Manager with NumberOfBuffers pre-allocated pages of
// BufferSize bytes, all initially free.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.BufferSize <= 0 {
		return nil, engineerr.New(engineerr.KindConfigError, "buffer size must be positive")
	}

	if cfg.NumberOfBuffers <= 0 {
		return nil, engineerr.New(engineerr.KindConfigError, "number of buffers must be positive")
	}

	m := &Manager{
		cfg:  cfg,
		free: make(chan *controlBlock, cfg.NumberOfBuffers),
		sem:  semaphore.NewWeighted(int64(cfg.NumberOfBuffers)),
	}

	// Acquire all permits up front; they are released back as pages are
	// seeded into the free channel, so the semaphore's count always mirrors
	// the number of immediately available pages.
	if err := m.sem.Acquire(context.Background(), int64(cfg.NumberOfBuffers)); err != nil {
		return nil, fmt.Errorf("seed buffer pool: %w", err)
	}

	for range cfg.NumberOfBuffers {
		cb := &controlBlock{data: make([]byte, cfg.BufferSize)}
		m.free <- cb
		m.sem.Release(1)
	}

	return m, nil
}

// BufferSize returns the configured page size.
func (m *Manager) BufferSize() int { return m.cfg.BufferSize }

// FreeCount returns the number of pages currently sitting in the global free
// list (spec.md §8: must return to the initial pool size once every query
// finishes and releases its buffers).
func (m *Manager) FreeCount() int { return len(m.free) }

// TotalBuffers returns the fixed pool size the manager was constructed
// with, used alongside FreeCount to report pool occupancy as a ratio.
func (m *Manager) TotalBuffers() int { return m.cfg.NumberOfBuffers }

// GetBufferBlocking returns a page, blocking with FIFO fairness among
// waiters until one is released if the pool is empty (spec.md §4.1).
func (m *Manager) GetBufferBlocking(ctx context.Context) (TupleBuffer, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return TupleBuffer{}, fmt.Errorf("acquire buffer: %w", err)
	}

	cb := <-m.free
	cb.home = (*globalOwner)(m)
	cb.creationTime = now()

	return newHandle(cb), nil
}

// GetBufferTimeout behaves like GetBufferBlocking but gives up after d,
// returning ok=false on expiry rather than a partial buffer (spec.md §4.1).
func (m *Manager) GetBufferTimeout(d time.Duration) (buf TupleBuffer, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	buf, err := m.GetBufferBlocking(ctx)
	if err != nil {
		return TupleBuffer{}, false
	}

	return buf, true
}

// GetUnpooledBuffer allocates an ad-hoc buffer of the requested size outside
// the pool, for variable-sized payloads larger than BufferSize (spec.md
// §4.1). Its release is a no-op beyond the refcount bookkeeping; the page is
// reclaimed by the Go garbage collector.
func (m *Manager) GetUnpooledBuffer(size int) (TupleBuffer, error) {
	if size <= 0 {
		return TupleBuffer{}, engineerr.New(engineerr.KindConfigError,
			fmt.Sprintf("unpooled buffer size must be positive, got %s", humanize.Bytes(uint64(size))))
	}

	cb := &controlBlock{data: make([]byte, size), creationTime: now()}

	return newHandle(cb), nil
}

// globalOwner routes a released page back into the Manager's free channel.
type globalOwner Manager

func (g *globalOwner) reclaim(cb *controlBlock) {
	m := (*Manager)(g)
	m.free <- cb
	m.sem.Release(1)
}

// LocalPool is a per-worker sub-pool holding at most Capacity pre-acquired
// pages (spec.md §4.1). A worker releasing a buffer whose home is its own
// LocalPool returns it without touching the global Manager; when the local
// stock is empty, acquisition falls through to the global pool.
type LocalPool struct {
	bm       *Manager
	capacity int

	mu    sync.Mutex
	stock []*controlBlock
}

// NewLocalPool creates a LocalPool of the given capacity backed by bm.
func NewLocalPool(bm *Manager, capacity int) *LocalPool {
	return &LocalPool{bm: bm, capacity: capacity}
}

// GetBufferBlocking returns a page from local stock if available, otherwise
// falls through to the backing Manager.
func (lp *LocalPool) GetBufferBlocking(ctx context.Context) (TupleBuffer, error) {
	lp.mu.Lock()
	if n := len(lp.stock); n > 0 {
		cb := lp.stock[n-1]
		lp.stock = lp.stock[:n-1]
		lp.mu.Unlock()

		cb.home = lp
		cb.creationTime = now()

		return newHandle(cb), nil
	}
	lp.mu.Unlock()

	buf, err := lp.bm.GetBufferBlocking(ctx)
	if err != nil {
		return TupleBuffer{}, err
	}

	buf.cb.home = lp

	return buf, nil
}

func (lp *LocalPool) reclaim(cb *controlBlock) {
	lp.mu.Lock()
	if len(lp.stock) < lp.capacity {
		lp.stock = append(lp.stock, cb)
		lp.mu.Unlock()

		return
	}
	lp.mu.Unlock()

	lp.bm.globalOwnerHandle().reclaim(cb)
}

// globalOwnerHandle exposes the Manager's reclaim path to LocalPool without
// widening Manager's public surface.
func (m *Manager) globalOwnerHandle() *globalOwner { return (*globalOwner)(m) }
