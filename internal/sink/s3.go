package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"transit-poll-store/internal/metrics"
	"transit-poll-store/internal/servicedate"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const s3BackendName = "s3"

//go:generate mockgen -destination=mock_putter.go -package=sink . ObjectPutter

// ObjectPutter is the single object-store call the S3 back-end needs.
// *s3.Client satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures an S3Backend.
type S3Config struct {
	Bucket string
	Retry  RetryPolicy
	// CutoffHour is the service-day cutoff used for the object key, usually
	// servicedate.DefaultCutoffHour. Zero keeps plain calendar days.
	CutoffHour int
}

// S3Backend buffers a whole session in memory and uploads it as one JSON
// document on Commit. Poll and request ids are random UUIDs.
//
// The object key is "{serviceDay}/{stamp}.json" where stamp is the commit
// timestamp with colons and spaces replaced, so one bucket prefix holds every
// session of a service day.
type S3Backend struct {
	client  ObjectPutter
	cfg     S3Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time

	session *Session
	closed  bool
}

var _ Backend = (*S3Backend)(nil)

// NewS3Backend starts a new object-store session.
func NewS3Backend(client ObjectPutter, cfg S3Config, opts Options) *S3Backend {
	return &S3Backend{
		client:  client,
		cfg:     cfg,
		log:     opts.logger().WithFields(logrus.Fields{"backend": s3BackendName, "bucket": cfg.Bucket}),
		metrics: opts.Metrics,
		now:     time.Now,
		session: NewSession(),
	}
}

// BeginPoll implements Backend.
func (b *S3Backend) BeginPoll(_ context.Context, start time.Time) (PollID, error) {
	if b.closed {
		return "", ErrSessionClosed
	}
	id := PollID(uuid.NewString())
	b.session.addPoll(id, start)
	b.metrics.PollBegun(s3BackendName)
	b.log.WithField("poll", id).Debug("poll started")
	return id, nil
}

// EndPoll implements Backend.
func (b *S3Backend) EndPoll(_ context.Context, id PollID, end time.Time) error {
	if b.closed {
		return ErrSessionClosed
	}
	return b.session.endPoll(id, end)
}

// AddRequest implements Backend.
func (b *S3Backend) AddRequest(_ context.Context, req Request) (RequestID, error) {
	if b.closed {
		return "", ErrSessionClosed
	}
	id := RequestID(uuid.NewString())
	if err := b.session.addRequest(id, req); err != nil {
		return "", err
	}
	b.metrics.RequestAdded(s3BackendName)
	return id, nil
}

// AddRecord implements Backend.
func (b *S3Backend) AddRecord(_ context.Context, rec Record) error {
	if b.closed {
		return ErrSessionClosed
	}
	if err := b.session.addRecord(rec); err != nil {
		return err
	}
	b.metrics.RecordAdded(s3BackendName)
	return nil
}

// Commit uploads the session. The buffer is kept when the upload fails so
// Commit may be called again; after a successful upload the session is
// closed.
func (b *S3Backend) Commit(ctx context.Context, opts ...CommitOption) error {
	if b.closed {
		return ErrSessionClosed
	}
	cc := newCommitConfig(opts)

	ts, withOffset := cc.timestamp, false
	if ts.IsZero() {
		loc, err := time.LoadLocation(cc.timeZone)
		if err != nil {
			return fmt.Errorf("load time zone %q: %w", cc.timeZone, err)
		}
		ts, withOffset = b.now().In(loc), true
	}
	key := ObjectKey(ts, withOffset, b.cfg.CutoffHour)

	body, err := json.Marshal(b.session.Documents())
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	log := b.log.WithFields(logrus.Fields{"key": key, "polls": b.session.Len()})
	log.Info("writing session to object store")

	err = b.cfg.Retry.Do(ctx, log, func(ctx context.Context) error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		return err
	}, b.metrics.UploadAttempt)
	b.metrics.Committed(s3BackendName, err)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	b.closed = true
	return nil
}

var stampReplacer = strings.NewReplacer(":", "_", " ", ".")

// ObjectKey builds the object key for a session committed at ts. The stamp is
// "YYYY-MM-DD HH:MM:SS", followed by ".ffffff" when ts has sub-second
// precision and by the zone offset when withOffset is set, with colons turned
// into underscores and the space into a dot.
func ObjectKey(ts time.Time, withOffset bool, cutoffHour int) string {
	stamp := ts.Format("2006-01-02 15:04:05")
	if us := ts.Nanosecond() / 1000; us != 0 {
		stamp += fmt.Sprintf(".%06d", us)
	}
	if withOffset {
		stamp += ts.Format("-07:00")
	}
	return servicedate.Of(ts, cutoffHour).String() + "/" + stampReplacer.Replace(stamp) + ".json"
}
