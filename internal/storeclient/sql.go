package storeclient

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transit-poll-store/internal/config"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// OpenSQL opens a connection pool for the configured driver and pings it
// with retry support. The retry configuration controls the number of
// attempts and the fixed delay between them.
func OpenSQL(ctx context.Context, log logrus.FieldLogger, cfg config.SQLConfig, retryCfg config.RetryConfig) (*sql.DB, error) {
	if retryCfg.Attempts < 1 {
		retryCfg.Attempts = 1
	}
	delay := retryCfg.InitialInterval()
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	for attempt := 1; attempt <= retryCfg.Attempts; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}

		log.Warnf("database ping failed (attempt %d/%d): %v", attempt, retryCfg.Attempts, err)

		// Don't wait after the final attempt
		if attempt < retryCfg.Attempts {
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	db.Close()
	return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
}
