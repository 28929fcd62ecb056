package resilience

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// State is the state of a circuit breaker.
type State int

const (
	// Closed means the upstream is healthy; requests flow through.
	Closed State = iota
	// Open means the circuit has tripped; requests are rejected.
	Open
	// HalfOpen means the circuit is probing recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a circuit breaker for one upstream host with three states:
// Closed → Open (after failureThreshold consecutive failures)
// Open → HalfOpen (after resetTimeout elapses)
// HalfOpen → Closed (after halfOpenMax consecutive successes) or back to Open on failure.
type Breaker struct {
	mu sync.Mutex

	state            State
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int
	now              func() time.Time

	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
}

// NewBreaker creates a breaker with the given parameters.
func NewBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *Breaker {
	return &Breaker{
		state:            Closed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
		now:              time.Now,
	}
}

// Allow reports whether a request may be sent upstream. In the Open state it
// moves to HalfOpen once the reset timeout has elapsed. When the request is
// rejected, retryIn is the time left until the next probe is allowed.
func (b *Breaker) Allow() (ok bool, retryIn time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return true, 0
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.resetTimeout {
		b.state = HalfOpen
		b.halfOpenSuccesses = 0
		return true, 0
	}
	return false, b.resetTimeout - elapsed
}

// RecordSuccess records a healthy upstream answer.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.halfOpenMax {
			b.state = Closed
		}
	}
}

// RecordFailure records a failed upstream call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++

	switch b.state {
	case Closed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.halfOpenSuccesses = 0
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// DefaultMaxHosts bounds the number of breakers a Registry keeps. Forward
// proxy mode takes the host from the client, so the set would otherwise grow
// without limit.
const DefaultMaxHosts = 4096

// Registry holds one Breaker per upstream host. Breakers are created lazily
// and the least recently used host is dropped once the registry is full.
type Registry struct {
	mu sync.Mutex

	breakers         *lru.Cache[string, *Breaker]
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int
	now              func() time.Time
}

// NewRegistry creates a registry of at most DefaultMaxHosts breakers sharing
// the given parameters.
func NewRegistry(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *Registry {
	return NewRegistrySize(DefaultMaxHosts, failureThreshold, resetTimeout, halfOpenMax)
}

// NewRegistrySize is NewRegistry with an explicit host bound. A bound below
// one is raised to one.
func NewRegistrySize(maxHosts, failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *Registry {
	breakers, _ := lru.New[string, *Breaker](max(maxHosts, 1))
	return &Registry{
		breakers:         breakers,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
		now:              time.Now,
	}
}

// Get returns the breaker for host, creating one if necessary.
func (r *Registry) Get(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers.Get(host)
	if !ok {
		b = NewBreaker(r.failureThreshold, r.resetTimeout, r.halfOpenMax)
		b.now = r.now
		r.breakers.Add(host, b)
	}
	return b
}

// Len returns the number of hosts with a breaker.
func (r *Registry) Len() int {
	return r.breakers.Len()
}

// States returns a snapshot of every known breaker state keyed by host.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	hosts := make(map[string]*Breaker, r.breakers.Len())
	for _, h := range r.breakers.Keys() {
		if b, ok := r.breakers.Peek(h); ok {
			hosts[h] = b
		}
	}
	r.mu.Unlock()

	states := make(map[string]State, len(hosts))
	for h, b := range hosts {
		states[h] = b.State()
	}
	return states
}
