package healthcheck

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultInterval = 30 * time.Second

	defaultAttemptThreshold    = 3
	defaultAttemptThresholdEnv = "MR_HC_ATTEMPT_THRESHOLD"
)

// Sender is a heartbeat sender
// It signals on HealthCheck every interval; the owner turns the signal into a PING for the remote end. PONG answers
// are reported back with OnHCResponse. Unanswered pulses are only logged: liveness of the connection is decided by
// the read side, never by the heartbeat.
// It stops and closes HealthCheck when the context is canceled
type Sender struct {
	log *log.Entry
	// HealthCheck is a channel to send health check signal to the peer
	HealthCheck chan struct{}

	interval         time.Duration
	ack              chan struct{}
	alive            bool
	attemptThreshold int
	missed           atomic.Int32
}

// NewSender creates a new heartbeat sender. A non-positive interval falls back to DefaultInterval.
func NewSender(log *log.Entry, interval time.Duration) *Sender {
	if interval <= 0 {
		interval = DefaultInterval
	}

	hc := &Sender{
		log:              log,
		HealthCheck:      make(chan struct{}, 1),
		interval:         interval,
		ack:              make(chan struct{}, 1),
		attemptThreshold: getAttemptThresholdFromEnv(),
	}

	return hc
}

// OnHCResponse sends an acknowledgment signal to the sender
func (hc *Sender) OnHCResponse() {
	select {
	case hc.ack <- struct{}{}:
	default:
	}
}

// Missed returns the number of consecutive pulses without answer
func (hc *Sender) Missed() int {
	return int(hc.missed.Load())
}

func (hc *Sender) StartHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	defer close(hc.HealthCheck)

	// the first pulse has nothing to be answered yet
	hc.alive = true
	for {
		select {
		case <-ticker.C:
			if !hc.alive {
				missed := hc.missed.Add(1)
				if int(missed) >= hc.attemptThreshold {
					hc.log.Warnf("no heartbeat response for %d intervals", missed)
				}
			}
			hc.alive = false

			select {
			case hc.HealthCheck <- struct{}{}:
			default:
			}
		case <-hc.ack:
			hc.missed.Store(0)
			hc.alive = true
		case <-ctx.Done():
			return
		}
	}
}

func getAttemptThresholdFromEnv() int {
	if attemptThreshold := os.Getenv(defaultAttemptThresholdEnv); attemptThreshold != "" {
		threshold, err := strconv.ParseInt(attemptThreshold, 10, 64)
		if err != nil {
			log.Errorf("Failed to parse attempt threshold from environment variable \"%s\" should be an integer. Using default value", attemptThreshold)
			return defaultAttemptThreshold
		}
		return int(threshold)
	}
	return defaultAttemptThreshold
}
