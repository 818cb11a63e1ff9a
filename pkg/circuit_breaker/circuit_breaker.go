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

var ErrOpenCB = errors.New("CB IS OPEN")

type CircuitBreaker interface {
	Call(service func() error) error
	Reset()
}

type circuitBreaker struct {
	mu sync.Mutex
	// CLOSED - work, OPEN - fail fast, HALFOPEN - work until first fail
	state Status
	// length of the tracked request tail
	recordLength int
	// how long the breaker stays open before probing
	timeout time.Duration

	lastAttemptedAt time.Time
	// failure share over the tail that opens the breaker
	percentile float64
	// ring buffer of request outcomes, true = failed
	buffer []bool
	pos    int
	// consecutive successes in HALFOPEN needed to close again
	recoveryRequests int
	successCount     int
}

func New(recordLength int, timeout time.Duration, percentile float64, recoveryRequests int) CircuitBreaker {
	return &circuitBreaker{
		state:            Closed,
		recordLength:     recordLength,
		timeout:          timeout,
		percentile:       percentile,
		buffer:           make([]bool, recordLength),
		recoveryRequests: recoveryRequests,
	}
}

func (cb *circuitBreaker) Call(service func() error) error {
	cb.mu.Lock()
	if cb.state == Open {
		if elapsed := time.Since(cb.lastAttemptedAt); elapsed > cb.timeout {
			cb.state = HalfOpen
			cb.successCount = 0
		} else {
			cb.mu.Unlock()
			return ErrOpenCB
		}
	}
	cb.mu.Unlock()

	err := service()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer[cb.pos] = err != nil
	cb.pos = (cb.pos + 1) % cb.recordLength

	if cb.state == HalfOpen {
		if err != nil {
			cb.successCount = 0
			cb.state = Open
			cb.lastAttemptedAt = time.Now()
		} else {
			cb.successCount++
			if cb.successCount > cb.recoveryRequests {
				cb.Reset()
			}
		}
		return err
	}

	// only CLOSED
	fails := 0
	for _, failed := range cb.buffer {
		if failed {
			fails++
		}
	}
	if float64(fails)/float64(cb.recordLength) >= cb.percentile {
		cb.state = Open
		cb.successCount = 0
		cb.lastAttemptedAt = time.Now()
	}

	return err
}

func (cb *circuitBreaker) Reset() {
	for i := range cb.buffer {
		cb.buffer[i] = false
	}
	cb.successCount = 0
	cb.pos = 0
	cb.state = Closed
}
