//go:build linux || darwin

package reactor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single-goroutine I/O event loop.
//
// Each tick runs due timers, then up to the task budget of submitted tasks,
// then polls for I/O (without blocking if tasks remain), dispatching
// descriptor callbacks inline.
type Loop struct {
	// Prevent copying
	_ [0]func()

	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	metrics *loopMetrics

	state loopState

	poller fastPoller

	// mu guards tasks and timers.
	mu     sync.Mutex
	tasks  *queue.Queue
	timers *timerSet

	loopDone chan struct{}
	stopOnce sync.Once

	batch []func()

	wakePipe      int
	wakePipeWrite int
	wakeBuf       [8]byte
	wakePending   atomic.Uint32

	loopGoroutineID atomic.Uint64

	maxPollTimeout time.Duration
	taskBudget     int
}

// New creates a new event loop. The loop must be started with Run.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	metrics, err := newLoopMetrics(cfg.registerer)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		logger: cfg.logger,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
		metrics:        metrics,
		tasks:          queue.New(),
		timers:         newTimerSet(),
		loopDone:       make(chan struct{}),
		wakePipe:       wakeFd,
		wakePipeWrite:  wakeWriteFd,
		maxPollTimeout: cfg.maxPollTimeout,
		taskBudget:     cfg.taskBudget,
	}

	if err := l.poller.Init(); err != nil {
		l.closeWakeFds()
		return nil, err
	}

	if err := l.poller.RegisterFD(wakeFd, EventRead, func(IOEvents) {
		l.drainWakeUpPipe()
	}); err != nil {
		_ = l.poller.Close()
		l.closeWakeFds()
		return nil, err
	}

	return l, nil
}

// Run runs the event loop and blocks until it is fully stopped, via
// Shutdown, Close, or ctx cancellation (which returns ctx.Err()).
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	stop := context.AfterFunc(ctx, func() {
		l.beginTermination()
	})
	defer stop()

	l.logger.Debug().Log(`reactor started`)
	defer l.logger.Debug().Log(`reactor stopped`)

	for {
		if l.state.Load().Stopping() {
			l.shutdown()
			return ctx.Err()
		}
		l.tick()
	}
}

// Shutdown gracefully shuts down the event loop, running all tasks already
// submitted, and blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated {
			return ErrLoopTerminated
		}
		if currentState == StateTerminating {
			break
		}
		if l.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.state.Store(StateTerminated)
				l.closeFDs()
				return nil
			}
			if currentState == StateSleeping {
				_ = l.submitWakeup()
			}
			break
		}
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close initiates termination without waiting for it to complete.
func (l *Loop) Close() error {
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated {
			return ErrLoopTerminated
		}
		if currentState == StateTerminating {
			return nil
		}
		if l.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.state.Store(StateTerminated)
				l.closeFDs()
				return nil
			}
			if currentState == StateSleeping {
				_ = l.submitWakeup()
			}
			return nil
		}
	}
}

func (l *Loop) beginTermination() {
	for {
		current := l.state.Load()
		if current == StateTerminating || current == StateTerminated || current == StateAwake {
			return
		}
		if l.state.TryTransition(current, StateTerminating) {
			if current == StateSleeping {
				_ = l.submitWakeup()
			}
			return
		}
	}
}

// shutdown drains the task queue then releases the poller. Tasks submitted
// by drained tasks are also run; timers are discarded.
func (l *Loop) shutdown() {
	for {
		l.mu.Lock()
		if l.tasks.Length() == 0 {
			l.state.Store(StateTerminated)
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()
		l.runTasks(l.taskBudget)
	}
	l.closeFDs()
}

// tick is a single iteration of the event loop.
func (l *Loop) tick() {
	l.metrics.ticks.Inc()
	l.runTimers()
	l.runTasks(l.taskBudget)
	l.poll()
}

func (l *Loop) runTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		fn, ok := l.timers.popExpired(now)
		l.mu.Unlock()
		if !ok {
			return
		}
		l.metrics.timersFired.Inc()
		l.safeExecute(fn)
	}
}

// runTasks runs at most budget tasks, taken in one batch, so tasks submitted
// while running are deferred to the next tick.
func (l *Loop) runTasks(budget int) {
	l.mu.Lock()
	n := l.tasks.Length()
	if n > budget {
		n = budget
	}
	for i := 0; i < n; i++ {
		l.batch = append(l.batch, l.tasks.Remove().(func()))
	}
	l.mu.Unlock()

	for i, fn := range l.batch {
		l.batch[i] = nil
		l.metrics.tasks.Inc()
		l.safeExecute(fn)
	}
	l.batch = l.batch[:0]
}

func (l *Loop) poll() {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	timeout := l.calculateTimeout()

	n, err := l.poller.PollIO(timeout)
	if err != nil {
		l.logger.Err().Err(err).Log(`poll failed, terminating`)
		l.state.TryTransition(StateSleeping, StateTerminating)
		return
	}
	if n > 0 {
		l.metrics.ioEvents.Add(float64(n))
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

// calculateTimeout determines how long to block in poll, in milliseconds.
// Must be called after the transition to StateSleeping, so that concurrent
// submitters observe the sleeping state and wake the poller.
func (l *Loop) calculateTimeout() int {
	l.mu.Lock()
	pending := l.tasks.Length()
	next, hasTimer := l.timers.next()
	l.mu.Unlock()

	if pending > 0 {
		return 0
	}

	maxDelay := l.maxPollTimeout
	if hasTimer {
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}

	// ceiling rounding, so timers never fire early
	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}
	ms := maxDelay.Milliseconds()
	if time.Duration(ms)*time.Millisecond < maxDelay {
		ms++
	}
	return int(ms)
}

// drainWakeUpPipe drains the wake-up pipe.
func (l *Loop) drainWakeUpPipe() {
	for {
		if _, err := unix.Read(l.wakePipe, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// submitWakeup writes to the wake-up pipe.
func (l *Loop) submitWakeup() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(l.wakePipeWrite, buf)
	return err
}

// wake interrupts a sleeping poll, deduplicating concurrent requests.
func (l *Loop) wake() {
	if l.state.Load() == StateSleeping && l.wakePending.CompareAndSwap(0, 1) {
		if err := l.submitWakeup(); err != nil {
			l.wakePending.Store(0)
		}
	}
}

// Submit queues fn to run on the loop goroutine. Safe for concurrent use.
// Tasks run in submission order. Returns ErrLoopTerminated once the loop has
// fully stopped; tasks submitted while terminating are still run.
func (l *Loop) Submit(fn func()) error {
	l.mu.Lock()
	if l.state.Load() == StateTerminated {
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	l.tasks.Add(fn)
	l.mu.Unlock()
	l.wake()
	return nil
}

// ScheduleTimer schedules fn to run on the loop goroutine after delay.
// A non-positive delay fires on the next tick.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	if delay < 0 {
		delay = 0
	}
	l.mu.Lock()
	if l.state.Load() == StateTerminated {
		l.mu.Unlock()
		return 0, ErrLoopTerminated
	}
	id := l.timers.add(time.Now().Add(delay), fn)
	l.mu.Unlock()
	l.wake()
	return id, nil
}

// CancelTimer removes a pending timer. Returns ErrTimerNotFound if it has
// already fired or been cancelled.
func (l *Loop) CancelTimer(id TimerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.timers.cancel(id) {
		return ErrTimerNotFound
	}
	return nil
}

// RegisterFD registers a file descriptor for I/O monitoring.
func (l *Loop) RegisterFD(fd int, events IOEvents, callback IOCallback) error {
	return l.poller.RegisterFD(fd, events, callback)
}

// UnregisterFD removes a file descriptor from monitoring.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.UnregisterFD(fd)
}

// ModifyFD updates the events being monitored for a file descriptor.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.ModifyFD(fd, events)
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// safeExecute executes fn with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.metrics.panics.Inc()
			if _, ok := l.limiter.Allow(`panic`); ok {
				l.logger.Err().Err(PanicError{Value: r}).Log(`task panicked`)
			}
		}
	}()
	fn()
}

func (l *Loop) closeFDs() {
	_ = l.poller.Close()
	l.closeWakeFds()
}

func (l *Loop) closeWakeFds() {
	_ = unix.Close(l.wakePipe)
	if l.wakePipeWrite != l.wakePipe {
		_ = unix.Close(l.wakePipeWrite)
	}
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
