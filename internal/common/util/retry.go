package util

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
)

// ConnectWithRetry calls connect until it succeeds, ctx is done or attempts are exhausted, backing off
// exponentially from delay. It is used to wait for backing stores at startup.
func ConnectWithRetry(ctx context.Context, name string, attempts uint, delay time.Duration, connect func() error) error {
	return retry.Do(
		connect,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Failed to connect to %s (attempt %d of %d)", name, n+1, attempts)
		}),
	)
}
