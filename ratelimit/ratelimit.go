// Package ratelimit tracks how many hits each source has made in the
// current interval, resetting the whole counter periodically rather than
// maintaining a per-actor rolling window (spec.md §5, rate limiting is
// named as an external collaborator).
//
// Grounded on HouzuoGuo-laitos's misc/ratelimit.go, reimplemented against
// logrus (the teacher's ambient logging dependency) instead of laitos's
// own lalog.Logger, and with the panic-on-misconfigure replaced by a
// constructor error, since a connection-handling goroutine should never be
// able to crash the process over a limiter configuration mistake.
package ratelimit

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Limiter tracks hits per actor (typically a remote IP) within a reset
// interval.
type Limiter struct {
	unitSecs int64
	maxCount int
	logger   *logrus.Logger

	mu            sync.Mutex
	lastReset     int64
	counter       map[string]int
	warnedActors  map[string]struct{}
}

// New constructs a Limiter allowing at most maxCount hits per actor every
// unitSecs seconds. logger may be nil, in which case logrus's standard
// logger is used.
func New(unitSecs int64, maxCount int, logger *logrus.Logger) (*Limiter, error) {
	if unitSecs < 1 || maxCount < 1 {
		return nil, fmt.Errorf("ratelimit: unitSecs and maxCount must both be greater than 0, got %d and %d", unitSecs, maxCount)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Limiter{
		unitSecs: unitSecs,
		maxCount: maxCount,
		logger:   logger,
		counter:  make(map[string]int),
	}, nil
}

// Allow increases actor's hit counter by one and reports whether it is
// still within the limit. The counter resets for every actor once unitSecs
// has elapsed since the last reset.
func (l *Limiter) Allow(actor string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now := time.Now().Unix(); now-l.lastReset >= l.unitSecs {
		l.counter = make(map[string]int)
		l.warnedActors = make(map[string]struct{})
		l.lastReset = now
	}

	count := l.counter[actor]
	if count >= l.maxCount {
		if _, warned := l.warnedActors[actor]; !warned {
			l.logger.WithFields(logrus.Fields{
				"actor":     actor,
				"max_count": l.maxCount,
				"unit_secs": l.unitSecs,
			}).Warn("ratelimit: actor exceeded limit")
			if l.warnedActors == nil {
				l.warnedActors = make(map[string]struct{})
			}
			l.warnedActors[actor] = struct{}{}
		}
		return false
	}
	l.counter[actor] = count + 1
	return true
}

// Filter adapts a Limiter to smtp.ConnectionFilter, keyed by the
// connection's remote IP (ignoring the ephemeral port).
type Filter struct {
	Limiter *Limiter
}

// Allow implements smtp.ConnectionFilter.
func (f Filter) Allow(remote net.Addr) error {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}
	if !f.Limiter.Allow(host) {
		return fmt.Errorf("ratelimit: %s exceeded its connection rate limit", host)
	}
	return nil
}
