package zipstream

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PoolConfig configures the worker pool. The zero value runs codecs on
// pool workers, one per CPU, recycling idle workers after five seconds and
// moving 512 KiB chunks.
type PoolConfig struct {
	// Inline runs codecs on the calling goroutine instead of pool workers.
	Inline bool

	// MaxWorkers caps live workers. Zero or negative means the CPU count.
	MaxWorkers int

	// TerminateTimeout bounds both how long an idle worker is kept and how
	// long TerminateAll waits. Zero means five seconds.
	TerminateTimeout time.Duration

	// ChunkSize is the read granularity for entry sources. Zero means
	// 512 KiB.
	ChunkSize int
}

const (
	defaultChunkSize        = 512 << 10
	defaultTerminateTimeout = 5 * time.Second
)

func (c PoolConfig) maxWorkers() int {
	if c.MaxWorkers > 0 {
		return c.MaxWorkers
	}
	return runtime.NumCPU()
}

func (c PoolConfig) chunkSize() int {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return defaultChunkSize
}

func (c PoolConfig) terminateTimeout() time.Duration {
	if c.TerminateTimeout > 0 {
		return c.TerminateTimeout
	}
	return defaultTerminateTimeout
}

// sharedPool is the process-wide pool used by writers that do not inject
// their own.
var sharedPool = NewWorkerPool(PoolConfig{})

// Configure replaces the shared pool configuration. Live workers are
// drained first, so in-flight leases observe a cancellation.
func Configure(cfg PoolConfig) {
	sharedPool.Reconfigure(cfg)
}

// TerminateWorkers cancels all leases of the shared pool and destroys its
// workers. It is idempotent; the next Add reinitializes the pool.
func TerminateWorkers(ctx context.Context) error {
	return sharedPool.TerminateAll(ctx)
}

// WorkerPool is a bounded set of codec executors. Workers are leased
// exclusively for one job, recycled through an idle list on completion,
// and destroyed rather than recycled when their job is cancelled.
type WorkerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	cfg     PoolConfig
	idle    []*worker
	count   int
	waiters []*poolWaiter
	leases  map[*lease]struct{}
}

type poolWaiter struct {
	ch chan *worker
}

// NewWorkerPool builds an independent pool, mainly for injection in tests.
func NewWorkerPool(cfg PoolConfig) *WorkerPool {
	p := &WorkerPool{cfg: cfg, leases: make(map[*lease]struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Config returns the pool configuration.
func (p *WorkerPool) Config() PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Reconfigure drains the pool and installs a new configuration.
func (p *WorkerPool) Reconfigure(cfg PoolConfig) {
	p.TerminateAll(context.Background())
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Acquire leases a worker: an idle one, a fresh one while under the cap,
// or the caller queues FIFO until a worker frees up.
func (p *WorkerPool) Acquire(ctx context.Context) (*lease, error) {
	p.mu.Lock()

	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		w.stopTimer()
		l := p.newLease(ctx, w)
		p.mu.Unlock()
		return l, nil
	}

	if p.count < p.cfg.maxWorkers() {
		p.count++
		w := newWorker()
		go w.loop()
		l := p.newLease(ctx, w)
		p.mu.Unlock()
		return l, nil
	}

	wt := &poolWaiter{ch: make(chan *worker, 1)}
	p.waiters = append(p.waiters, wt)
	p.mu.Unlock()

	select {
	case w := <-wt.ch:
		if w == nil {
			return nil, errors.Wrap(ErrAborted, "worker pool terminated")
		}
		p.mu.Lock()
		l := p.newLease(ctx, w)
		p.mu.Unlock()
		return l, nil
	case <-ctx.Done():
		p.dropWaiter(wt)
		return nil, errors.Wrap(ErrAborted, ctx.Err().Error())
	}
}

// dropWaiter removes a cancelled waiter, returning any worker that was
// handed over concurrently.
func (p *WorkerPool) dropWaiter(wt *poolWaiter) {
	p.mu.Lock()
	for i, v := range p.waiters {
		if v == wt {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case w := <-wt.ch:
		if w != nil {
			p.release(w)
		}
	default:
	}
}

// newLease registers an active lease. Callers hold p.mu.
func (p *WorkerPool) newLease(ctx context.Context, w *worker) *lease {
	lctx, cancel := context.WithCancel(ctx)
	l := &lease{pool: p, w: w, ctx: lctx, cancel: cancel}
	p.leases[l] = struct{}{}
	return l
}

// release returns a worker to the idle list, or hands it straight to the
// longest-queued waiter. Idle workers are retired after the terminate
// timeout.
func (p *WorkerPool) release(w *worker) {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		wt := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		wt.ch <- w
		return
	}
	w.timer = time.AfterFunc(p.cfg.terminateTimeout(), func() { p.reap(w) })
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// destroy retires a worker for good, spawning a replacement if someone is
// queued for it.
func (p *WorkerPool) destroy(w *worker) {
	w.stop()
	p.mu.Lock()
	p.count--
	if len(p.waiters) > 0 && p.count < p.cfg.maxWorkers() {
		p.count++
		wt := p.waiters[0]
		p.waiters = p.waiters[1:]
		nw := newWorker()
		go nw.loop()
		p.mu.Unlock()
		wt.ch <- nw
		return
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// reap retires a worker that sat idle past the timeout.
func (p *WorkerPool) reap(w *worker) {
	p.mu.Lock()
	for i, v := range p.idle {
		if v == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			p.count--
			w.stop()
			break
		}
	}
	p.mu.Unlock()
}

// TerminateAll cancels every lease, destroys every worker, and fails
// queued waiters with an abort. It is idempotent and returns within the
// terminate timeout even if a lease is stuck.
func (p *WorkerPool) TerminateAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	for l := range p.leases {
		l.cancel()
	}
	for _, w := range p.idle {
		w.stopTimer()
		w.stop()
		p.count--
	}
	p.idle = nil
	for _, wt := range p.waiters {
		wt.ch <- nil
	}
	p.waiters = nil

	deadline := time.Now().Add(p.cfg.terminateTimeout())
	wake := time.AfterFunc(p.cfg.terminateTimeout(), p.cond.Broadcast)
	stop := context.AfterFunc(ctx, p.cond.Broadcast)
	for len(p.leases) > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		p.cond.Wait()
	}
	wake.Stop()
	stop()

	// Anything still leased is forcibly retired; its lease observes the
	// cancellation the next time it touches a channel.
	for l := range p.leases {
		l.w.stop()
		p.count--
		delete(p.leases, l)
		l.done = true
	}
	p.mu.Unlock()
	return nil
}

// lease is the exclusive right to run one job on a worker.
type lease struct {
	pool   *WorkerPool
	w      *worker
	ctx    context.Context
	cancel context.CancelFunc
	done   bool
}

// Do runs the job on the leased worker and waits for it. The job context
// is the lease context, so pool termination and caller cancellation both
// unwind it. A lease cancelled by the time Do returns is settled right
// away, so TerminateAll does not wait for its holder to call Close.
func (l *lease) Do(job *codecJob) error {
	defer func() {
		if l.ctx.Err() != nil {
			l.Close()
		}
	}()
	job.ctx = l.ctx
	select {
	case l.w.jobs <- job:
	case <-l.ctx.Done():
		return errors.Wrap(ErrAborted, l.ctx.Err().Error())
	}
	return <-job.done
}

// Close settles the lease: a cancelled worker is destroyed since its
// codec state is indeterminate, a clean one goes back to the idle list.
func (l *lease) Close() {
	aborted := l.ctx.Err() != nil
	l.cancel()
	l.pool.mu.Lock()
	if l.done {
		l.pool.mu.Unlock()
		return
	}
	l.done = true
	delete(l.pool.leases, l)
	l.pool.cond.Broadcast()
	l.pool.mu.Unlock()

	if aborted {
		l.pool.destroy(l.w)
	} else {
		l.pool.release(l.w)
	}
}

// worker is a goroutine that runs codec jobs one at a time.
type worker struct {
	jobs  chan *codecJob
	quit  chan struct{}
	once  sync.Once
	timer *time.Timer
}

func newWorker() *worker {
	return &worker{jobs: make(chan *codecJob), quit: make(chan struct{})}
}

func (w *worker) loop() {
	for {
		select {
		case j := <-w.jobs:
			j.done <- j.run()
		case <-w.quit:
			return
		}
	}
}

func (w *worker) stop() {
	w.once.Do(func() { close(w.quit) })
}

func (w *worker) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// codecJob streams chunks through a codec. Chunks arrive over input and
// compressed frames leave over frames; both transfers move ownership of
// the byte slice. The final Result lands in result before frames closes.
type codecJob struct {
	ctx    context.Context
	codec  Codec
	input  <-chan []byte
	frames chan<- []byte
	result *Result

	// finished is set before frames closes so the consumer can tell a
	// completed stream from an interrupted one.
	finished *bool

	done chan error
}

func newCodecJob(ctx context.Context, c Codec, input <-chan []byte, frames chan<- []byte, result *Result) *codecJob {
	return &codecJob{
		ctx:    ctx,
		codec:  c,
		input:  input,
		frames: frames,
		result: result,
		done:   make(chan error, 1),
	}
}

func (j *codecJob) run() error {
	defer close(j.frames)
	for {
		select {
		case <-j.ctx.Done():
			return errors.Wrap(ErrAborted, "codec job cancelled")
		case chunk, ok := <-j.input:
			if !ok {
				tail, res, err := j.codec.Final()
				if err != nil {
					return err
				}
				if err := j.emit(tail); err != nil {
					return err
				}
				*j.result = res
				if j.finished != nil {
					*j.finished = true
				}
				return nil
			}
			out, err := j.codec.Update(chunk)
			if err != nil {
				return err
			}
			if err := j.emit(out); err != nil {
				return err
			}
		}
	}
}

func (j *codecJob) emit(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	select {
	case j.frames <- frame:
		return nil
	case <-j.ctx.Done():
		return errors.Wrap(ErrAborted, "codec job cancelled")
	}
}
