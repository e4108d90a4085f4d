package circuit_breaker

import (
	"errors"
	"sync"
	"time"
)

type Status uint8

const (
	Closed   Status = 1
	Open     Status = 2
	HalfOpen Status = 3
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

var ErrOpenCB = errors.New("circuit breaker is open")

type CircuitBreaker interface {
	Call(service func() error) error
	State() Status
	Reset()
}

type circuitBreaker struct {
	mu    sync.Mutex
	state Status
	now   func() time.Time

	// ring of the last len(window) outcomes, true means failed
	window []bool
	pos    int

	// open -> half-open after cooldown
	cooldown time.Duration
	openedAt time.Time
	// failure ratio in the window that opens the breaker
	threshold float64
	// consecutive half-open successes needed to close again
	recovery int
	trials   int
}

func New(windowSize int, cooldown time.Duration, threshold float64, recovery int) CircuitBreaker {
	if windowSize <= 0 {
		windowSize = 1
	}
	return &circuitBreaker{
		state:     Closed,
		now:       time.Now,
		window:    make([]bool, windowSize),
		cooldown:  cooldown,
		threshold: threshold,
		recovery:  recovery,
	}
}

func (cb *circuitBreaker) Call(service func() error) error {
	if !cb.admit() {
		return ErrOpenCB
	}
	err := service()
	cb.record(err != nil)
	return err
}

func (cb *circuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != Open {
		return true
	}
	if cb.now().Sub(cb.openedAt) < cb.cooldown {
		return false
	}
	cb.state = HalfOpen
	cb.trials = 0
	return true
}

func (cb *circuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.window[cb.pos] = failed
	cb.pos = (cb.pos + 1) % len(cb.window)

	switch cb.state {
	case HalfOpen:
		if failed {
			cb.trip()
			return
		}
		cb.trials++
		if cb.trials >= cb.recovery {
			cb.reset()
		}
	case Closed:
		fails := 0
		for _, f := range cb.window {
			if f {
				fails++
			}
		}
		if float64(fails)/float64(len(cb.window)) >= cb.threshold {
			cb.trip()
		}
	}
}

func (cb *circuitBreaker) trip() {
	cb.state = Open
	cb.trials = 0
	cb.openedAt = cb.now()
}

func (cb *circuitBreaker) State() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
}

func (cb *circuitBreaker) reset() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.pos = 0
	cb.trials = 0
	cb.state = Closed
}
