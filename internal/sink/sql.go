package sink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"transit-poll-store/internal/metrics"

	"github.com/sirupsen/logrus"
)

const sqlBackendName = "sql"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLConfig configures an SQLBackend.
type SQLConfig struct {
	// Schema qualifies the polls, requests and ntas_data tables. Empty means
	// unqualified names.
	Schema string
}

// SQLBackend writes every call straight into one database transaction that
// is opened on construction and finished by Commit or Rollback.
//
// Statements use $n placeholders and RETURNING, which both PostgreSQL and
// SQLite accept. The first failing statement poisons the session: later
// calls return the same *PersistenceError and Commit rolls the transaction
// back instead of committing it. Either way the transaction is finished
// exactly once.
type SQLBackend struct {
	tx      *sql.Tx
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	insertPoll    string
	updatePollEnd string
	insertRequest string
	insertRecord  string

	polls    map[PollID]*sqlPoll
	requests map[RequestID]int64

	failed error
	closed bool
}

type sqlPoll struct {
	key   int64
	ended bool
}

var _ Backend = (*SQLBackend)(nil)

// NewSQLBackend begins the session transaction on db. The transaction is
// bound to ctx: cancelling it rolls the session back.
func NewSQLBackend(ctx context.Context, db *sql.DB, cfg SQLConfig, opts Options) (*SQLBackend, error) {
	if cfg.Schema != "" && !identRe.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin", Err: err}
	}

	t := func(name string) string {
		if cfg.Schema == "" {
			return name
		}
		return cfg.Schema + "." + name
	}

	return &SQLBackend{
		tx:      tx,
		log:     opts.logger().WithFields(logrus.Fields{"backend": sqlBackendName, "schema": cfg.Schema}),
		metrics: opts.Metrics,

		insertPoll: fmt.Sprintf(`INSERT INTO %s(poll_start)
			VALUES($1)
			RETURNING pollid`, t("polls")),
		updatePollEnd: fmt.Sprintf(`UPDATE %s SET poll_end = $1
			WHERE pollid = $2`, t("polls")),
		insertRequest: fmt.Sprintf(`INSERT INTO %s(data_,
			stationid, lineid, all_stations, create_date, pollid, request_date)
			VALUES($1, $2, $3, $4, $5, $6, $7)
			RETURNING requestid`, t("requests")),
		insertRecord: fmt.Sprintf(`INSERT INTO %s(
			requestid, id, station_char, subwayline, system_message_type,
			timint, traindirection, trainid, train_message, train_dest)
			VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, t("ntas_data")),

		polls:    make(map[PollID]*sqlPoll),
		requests: make(map[RequestID]int64),
	}, nil
}

func (b *SQLBackend) usable() error {
	if b.closed {
		return ErrSessionClosed
	}
	return b.failed
}

func (b *SQLBackend) fail(op string, err error) error {
	b.failed = &PersistenceError{Op: op, Err: err}
	b.log.WithError(err).WithField("op", op).Error("statement failed, session will roll back")
	return b.failed
}

// BeginPoll implements Backend.
func (b *SQLBackend) BeginPoll(ctx context.Context, start time.Time) (PollID, error) {
	if err := b.usable(); err != nil {
		return "", err
	}
	var key int64
	if err := b.tx.QueryRowContext(ctx, b.insertPoll, start).Scan(&key); err != nil {
		return "", b.fail("insert poll", err)
	}
	id := PollID(strconv.FormatInt(key, 10))
	b.polls[id] = &sqlPoll{key: key}
	b.metrics.PollBegun(sqlBackendName)
	b.log.WithField("poll", id).Debug("poll started")
	return id, nil
}

// EndPoll implements Backend.
func (b *SQLBackend) EndPoll(ctx context.Context, id PollID, end time.Time) error {
	if err := b.usable(); err != nil {
		return err
	}
	p, ok := b.polls[id]
	if !ok {
		return pollNotFound(id)
	}
	if p.ended {
		return ErrPollAlreadyEnded
	}
	if _, err := b.tx.ExecContext(ctx, b.updatePollEnd, end, p.key); err != nil {
		return b.fail("update poll end", err)
	}
	p.ended = true
	return nil
}

// AddRequest implements Backend.
func (b *SQLBackend) AddRequest(ctx context.Context, req Request) (RequestID, error) {
	if err := b.usable(); err != nil {
		return "", err
	}
	p, ok := b.polls[req.PollID]
	if !ok {
		return "", pollNotFound(req.PollID)
	}
	var key int64
	err := b.tx.QueryRowContext(ctx, b.insertRequest,
		req.Data, req.StationID, req.LineID, req.AllStations, req.CreateDate, p.key, req.RequestDate,
	).Scan(&key)
	if err != nil {
		return "", b.fail("insert request", err)
	}
	id := RequestID(strconv.FormatInt(key, 10))
	b.requests[id] = key
	b.metrics.RequestAdded(sqlBackendName)
	return id, nil
}

// AddRecord implements Backend.
func (b *SQLBackend) AddRecord(ctx context.Context, rec Record) error {
	if err := b.usable(); err != nil {
		return err
	}
	key, ok := b.requests[rec.RequestID]
	if !ok {
		return requestNotFound(rec.RequestID)
	}
	_, err := b.tx.ExecContext(ctx, b.insertRecord,
		key, rec.ID, rec.StationChar, rec.SubwayLine, rec.SystemMessageType,
		rec.TimeInterval, rec.TrainDirection, rec.TrainID, rec.TrainMessage, rec.TrainDestination,
	)
	if err != nil {
		return b.fail("insert record", err)
	}
	b.metrics.RecordAdded(sqlBackendName)
	return nil
}

// Commit commits the session transaction, or rolls it back and returns the
// original *PersistenceError if a statement failed earlier. Commit options
// are ignored.
func (b *SQLBackend) Commit(_ context.Context, _ ...CommitOption) error {
	if b.closed {
		return ErrSessionClosed
	}
	b.closed = true

	if b.failed != nil {
		if err := b.tx.Rollback(); err != nil {
			b.log.WithError(err).Warn("rollback after failed statement")
		}
		b.metrics.Committed(sqlBackendName, b.failed)
		return b.failed
	}

	var err error
	if cerr := b.tx.Commit(); cerr != nil {
		err = &PersistenceError{Op: "commit", Err: cerr}
	}
	b.metrics.Committed(sqlBackendName, err)
	if err == nil {
		b.log.WithFields(logrus.Fields{"polls": len(b.polls), "requests": len(b.requests)}).Info("session committed")
	}
	return err
}

// Rollback discards the session. It is the explicit way out for callers that
// abandon a session before Commit.
func (b *SQLBackend) Rollback() error {
	if b.closed {
		return ErrSessionClosed
	}
	b.closed = true
	if err := b.tx.Rollback(); err != nil {
		return &PersistenceError{Op: "rollback", Err: err}
	}
	return nil
}
