// Package app turns a loaded configuration into ready-to-use storage
// sessions. Both binaries share it.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"transit-poll-store/internal/config"
	"transit-poll-store/internal/metrics"
	"transit-poll-store/internal/sink"
	"transit-poll-store/internal/storeclient"

	"github.com/sirupsen/logrus"
)

// Stores holds the long-lived clients behind the configured backend and
// opens one session per call to NewSession.
type Stores struct {
	cfg     *config.Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	db     *sql.DB
	putter sink.ObjectPutter
}

// Open connects to the configured store. For SQL it pings the database and,
// when asked to, creates the tables.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, m *metrics.Metrics) (*Stores, error) {
	st := &Stores{cfg: cfg, log: log, metrics: m}

	switch cfg.Storage.Type {
	case "sql":
		db, err := storeclient.OpenSQL(ctx, log, cfg.Storage.SQL, cfg.Retry)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.SQL.CreateSchema {
			if err := sink.CreateSchema(ctx, db, cfg.Storage.SQL.Driver, cfg.Storage.SQL.Schema); err != nil {
				db.Close()
				return nil, err
			}
			log.Info("database schema ready")
		}
		st.db = db
	case "s3":
		client, err := storeclient.NewS3(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		st.putter = client
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	return st, nil
}

// NewSession starts a storage session on the configured backend.
func (st *Stores) NewSession(ctx context.Context) (sink.Backend, error) {
	opts := sink.Options{Logger: st.log, Metrics: st.metrics}
	if st.db != nil {
		return sink.NewSQLBackend(ctx, st.db, sink.SQLConfig{Schema: st.cfg.Storage.SQL.Schema}, opts)
	}
	return sink.NewS3Backend(st.putter, sink.S3Config{
		Bucket:     st.cfg.Storage.S3.Bucket,
		Retry:      RetryPolicy(st.cfg.Retry),
		CutoffHour: *st.cfg.ServiceDay.CutoffHour,
	}, opts), nil
}

// CommitOptions returns the options every commit should carry.
func (st *Stores) CommitOptions() []sink.CommitOption {
	return []sink.CommitOption{sink.WithTimeZone(st.cfg.ServiceDay.TimeZone)}
}

// Close releases the database pool, if any.
func (st *Stores) Close() error {
	if st.db != nil {
		return st.db.Close()
	}
	return nil
}

// RetryPolicy maps the retry section onto the upload policy.
func RetryPolicy(r config.RetryConfig) sink.RetryPolicy {
	return sink.RetryPolicy{
		MaxAttempts:     r.Attempts,
		InitialInterval: r.InitialInterval(),
		MaxInterval:     r.MaxInterval(),
	}
}
