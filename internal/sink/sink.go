package sink

import (
	"context"
	"time"

	"transit-poll-store/internal/metrics"

	"github.com/sirupsen/logrus"
)

// PollID identifies a poll within one backend session. Relational backends
// hand out the generated integer key in decimal form; the object store hands
// out random UUIDs.
type PollID string

// RequestID identifies a request within one backend session.
type RequestID string

// Request is one station/line query issued during a poll.
type Request struct {
	PollID      PollID    `json:"-"`
	Data        string    `json:"data_"`
	StationID   string    `json:"stationid"`
	LineID      string    `json:"lineid"`
	AllStations bool      `json:"all_stations"`
	CreateDate  time.Time `json:"create_date"`
	RequestDate time.Time `json:"request_date"`
}

// Record is one arrival line parsed from a request's response.
type Record struct {
	RequestID         RequestID `json:"-"`
	ID                int64     `json:"id"`
	StationChar       string    `json:"station_char"`
	SubwayLine        string    `json:"subwayline"`
	SystemMessageType string    `json:"system_message_type"`
	TimeInterval      float64   `json:"timint"`
	TrainDirection    string    `json:"traindirection"`
	TrainID           int64     `json:"trainid"`
	TrainMessage      string    `json:"train_message"`
	TrainDestination  string    `json:"train_dest"`
}

// Backend defines the session lifecycle every storage back-end offers to the
// poller: open a poll, attach requests and records, close the poll, commit.
//
// A Backend instance is one session. Calls are expected from a single
// goroutine and in orchestrator order; nothing is visible to readers of the
// underlying store until Commit returns nil. Committing a second time fails
// with ErrSessionClosed.
type Backend interface {
	// BeginPoll registers a new poll and returns the id to use for the rest
	// of its calls.
	BeginPoll(ctx context.Context, start time.Time) (PollID, error)
	// EndPoll records the end time of a known poll. It can be called once per
	// poll.
	EndPoll(ctx context.Context, id PollID, end time.Time) error
	// AddRequest registers a request under req.PollID.
	AddRequest(ctx context.Context, req Request) (RequestID, error)
	// AddRecord appends a record under rec.RequestID.
	AddRecord(ctx context.Context, rec Record) error
	// Commit persists everything accumulated in the session.
	Commit(ctx context.Context, opts ...CommitOption) error
}

// DefaultTimeZone is used to stamp commits when no explicit timestamp is
// given.
const DefaultTimeZone = "America/Toronto"

// CommitOption tweaks a single Commit call. Back-ends ignore options that do
// not apply to them.
type CommitOption func(*commitConfig)

type commitConfig struct {
	timestamp time.Time
	timeZone  string
}

// WithTimestamp pins the commit timestamp instead of reading the clock.
func WithTimestamp(ts time.Time) CommitOption {
	return func(c *commitConfig) { c.timestamp = ts }
}

// WithTimeZone sets the IANA zone used to read the clock when no explicit
// timestamp is given.
func WithTimeZone(name string) CommitOption {
	return func(c *commitConfig) { c.timeZone = name }
}

func newCommitConfig(opts []CommitOption) commitConfig {
	cfg := commitConfig{timeZone: DefaultTimeZone}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeZone == "" {
		cfg.timeZone = DefaultTimeZone
	}
	return cfg
}

// Options carries the dependencies shared by all back-ends.
type Options struct {
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}
