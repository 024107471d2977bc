package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
)

type Mode int32

const (
	Closed Mode = iota
	HalfOpen
	Open
)

func (m Mode) String() string {
	switch m {
	case Closed:
		return "CLOSED"
	case HalfOpen:
		return "HALF_OPEN"
	case Open:
		return "OPEN"
	}
	return "UNKNOWN"
}

// State is a point-in-time copy of the circuit.
type State struct {
	Mode        Mode
	Failures    int64
	LastFailure time.Time
	NextRetry   time.Time
	// Trips counts consecutive openings without a successful call in between.
	Trips int
}

type Options struct {
	Threshold     int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Now           func() time.Time
	OnStateChange func(from, to Mode)
}

// Breaker guards one remote dependency. Failure counting is lock-free; mode
// changes take a mutex.
type Breaker struct {
	failures atomic.Int64

	mu          sync.Mutex
	mode        Mode
	lastFailure time.Time
	nextRetry   time.Time
	trips       int
	trialBusy   bool

	backoff *backoff.Backoff
	opts    Options
}

func New(opts Options) *Breaker {
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		opts: opts,
		backoff: &backoff.Backoff{
			Min:    opts.BaseBackoff,
			Max:    opts.MaxBackoff,
			Factor: 2,
		},
	}
}

// Allow reports whether a remote call may be attempted now. While OPEN it
// answers false until the retry time, then lets exactly one trial through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case Closed:
		return true
	case Open:
		if b.opts.Now().Before(b.nextRetry) {
			return false
		}
		b.setMode(HalfOpen)
		b.trialBusy = true
		return true
	default:
		if b.trialBusy {
			return false
		}
		b.trialBusy = true
		return true
	}
}

func (b *Breaker) Success() {
	b.failures.Store(0)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialBusy = false
	b.trips = 0
	b.nextRetry = time.Time{}
	b.setMode(Closed)
}

func (b *Breaker) Failure() {
	n := b.failures.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.lastFailure = now

	switch b.mode {
	case HalfOpen:
		b.trialBusy = false
		b.trip(now)
	case Closed:
		if n >= int64(b.opts.Threshold) {
			b.trip(now)
		}
	}
}

// trip opens the circuit for base × 2^trips, capped.
func (b *Breaker) trip(now time.Time) {
	b.nextRetry = now.Add(b.backoff.ForAttempt(float64(b.trips)))
	b.trips++
	b.setMode(Open)
}

func (b *Breaker) setMode(to Mode) {
	from := b.mode
	if from == to {
		return
	}
	b.mode = to
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Mode:        b.mode,
		Failures:    b.failures.Load(),
		LastFailure: b.lastFailure,
		NextRetry:   b.nextRetry,
		Trips:       b.trips,
	}
}

func (b *Breaker) Reset() {
	b.failures.Store(0)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialBusy = false
	b.trips = 0
	b.nextRetry = time.Time{}
	b.lastFailure = time.Time{}
	b.setMode(Closed)
}

// Abandon gives back a half-open trial whose outcome says nothing about the
// remote, such as a call the caller cancelled.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialBusy = false
}
