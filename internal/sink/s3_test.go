package sink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"transit-poll-store/internal/servicedate"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/mock/gomock"
)

var fastRetry = RetryPolicy{MaxAttempts: DefaultUploadAttempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func newTestS3Backend(t *testing.T) (*S3Backend, *MockObjectPutter, *logtest.Hook) {
	t.Helper()
	ctrl := gomock.NewController(t)
	putter := NewMockObjectPutter(ctrl)
	logger, hook := logtest.NewNullLogger()
	b := NewS3Backend(putter, S3Config{Bucket: "ttc-polls", Retry: fastRetry, CutoffHour: servicedate.DefaultCutoffHour}, Options{Logger: logger})
	return b, putter, hook
}

// upload captures one PutObject call.
type upload struct {
	bucket, key string
	body        []byte
}

func capture(uploads *[]upload) func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		body, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
		*uploads = append(*uploads, upload{bucket: aws.ToString(in.Bucket), key: aws.ToString(in.Key), body: body})
		return &s3.PutObjectOutput{}, nil
	}
}

func fillSession(t *testing.T, b Backend) PollID {
	t.Helper()
	ctx := context.Background()

	pollID, err := b.BeginPoll(ctx, time.Date(2024, 1, 10, 2, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BeginPoll: %v", err)
	}
	reqID, err := b.AddRequest(ctx, Request{
		PollID:      pollID,
		Data:        `{"ntasData":[]}`,
		StationID:   "A",
		LineID:      "1",
		AllStations: true,
		CreateDate:  time.Date(2024, 1, 10, 2, 0, 1, 0, time.UTC),
		RequestDate: time.Date(2024, 1, 10, 2, 0, 2, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("AddRequest: %v", err)
	}
	for i, dest := range []string{"Finch", "Union"} {
		err := b.AddRecord(ctx, Record{
			RequestID:         reqID,
			ID:                int64(i + 1),
			StationChar:       "YUS",
			SubwayLine:        "YUS",
			SystemMessageType: "Normal",
			TimeInterval:      float64(i + 2),
			TrainDirection:    "North",
			TrainID:           int64(100 + i),
			TrainMessage:      "Arriving",
			TrainDestination:  dest,
		})
		if err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	if err := b.EndPoll(ctx, pollID, time.Date(2024, 1, 10, 2, 5, 0, 0, time.UTC)); err != nil {
		t.Fatalf("EndPoll: %v", err)
	}
	return pollID
}

func TestS3CommitEndToEnd(t *testing.T) {
	b, putter, _ := newTestS3Backend(t)
	fillSession(t, b)

	var uploads []upload
	putter.EXPECT().PutObject(gomock.Any(), gomock.Any()).DoAndReturn(capture(&uploads)).Times(1)

	ts := time.Date(2024, 1, 10, 2, 10, 0, 0, time.UTC)
	if err := b.Commit(context.Background(), WithTimestamp(ts)); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if len(uploads) != 1 {
		t.Fatalf("got %d uploads, want 1", len(uploads))
	}
	up := uploads[0]
	if up.bucket != "ttc-polls" {
		t.Errorf("bucket = %q", up.bucket)
	}
	if want := "2024-01-09/2024-01-10.02_10_00.json"; up.key != want {
		t.Errorf("key = %q, want %q", up.key, want)
	}

	var polls []map[string]any
	if err := json.Unmarshal(up.body, &polls); err != nil {
		t.Fatalf("body is not a JSON array: %v", err)
	}
	if len(polls) != 1 {
		t.Fatalf("got %d polls, want 1", len(polls))
	}
	poll := polls[0]
	for _, k := range []string{"pollid", "pollId"} {
		if _, ok := poll[k]; ok {
			t.Errorf("poll object carries join key %q", k)
		}
	}
	if poll["start"] != "2024-01-10T02:00:00Z" || poll["end"] != "2024-01-10T02:05:00Z" {
		t.Errorf("start/end = %v/%v", poll["start"], poll["end"])
	}

	requests := poll["requests"].([]any)
	if len(requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(requests))
	}
	req := requests[0].(map[string]any)
	if _, ok := req["pollid"]; ok {
		t.Error("request carries pollid")
	}
	wantReq := map[string]any{
		"data_":        `{"ntasData":[]}`,
		"stationid":    "A",
		"lineid":       "1",
		"all_stations": true,
		"create_date":  "2024-01-10T02:00:01Z",
		"request_date": "2024-01-10T02:00:02Z",
	}
	for k, v := range wantReq {
		if req[k] != v {
			t.Errorf("request[%s] = %v, want %v", k, req[k], v)
		}
	}

	responses := req["responses"].([]any)
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	rec := responses[1].(map[string]any)
	if _, ok := rec["requestid"]; ok {
		t.Error("record carries requestid")
	}
	wantRec := map[string]any{
		"id":                  float64(2),
		"station_char":        "YUS",
		"subwayline":          "YUS",
		"system_message_type": "Normal",
		"timint":              float64(3),
		"traindirection":      "North",
		"trainid":             float64(101),
		"train_message":       "Arriving",
		"train_dest":          "Union",
	}
	for k, v := range wantRec {
		if rec[k] != v {
			t.Errorf("record[%s] = %v, want %v", k, rec[k], v)
		}
	}
}

func TestS3UnknownIDs(t *testing.T) {
	b, _, _ := newTestS3Backend(t)
	ctx := context.Background()

	if _, err := b.AddRequest(ctx, Request{PollID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddRequest: got %v, want ErrNotFound", err)
	}
	if err := b.AddRecord(ctx, Record{RequestID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddRecord: got %v, want ErrNotFound", err)
	}
	if err := b.EndPoll(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("EndPoll: got %v, want ErrNotFound", err)
	}
}

func TestS3CommitRetries(t *testing.T) {
	transient := errors.New("connection reset by peer")

	tests := []struct {
		name         string
		failures     int
		wantErr      error
		wantUploads  int
		wantRetryLog int
	}{
		{name: "succeeds after four failures", failures: 4, wantUploads: 1, wantRetryLog: 4},
		{name: "exhausts after five failures", failures: 5, wantErr: ErrTransientUpload, wantRetryLog: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, putter, hook := newTestS3Backend(t)
			fillSession(t, b)

			var uploads []upload
			var keys []string
			calls := 0
			putter.EXPECT().PutObject(gomock.Any(), gomock.Any()).DoAndReturn(
				func(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
					calls++
					keys = append(keys, aws.ToString(in.Key))
					if calls <= tt.failures {
						return nil, transient
					}
					return capture(&uploads)(ctx, in, opts...)
				}).Times(min(tt.failures+1, DefaultUploadAttempts))

			err := b.Commit(context.Background(), WithTimestamp(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Commit: %v", err)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Commit: got %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, transient) {
					t.Errorf("Commit error does not wrap the last failure: %v", err)
				}
			}
			if len(uploads) != tt.wantUploads {
				t.Errorf("got %d successful uploads, want %d", len(uploads), tt.wantUploads)
			}
			for _, k := range keys {
				if k != keys[0] {
					t.Errorf("retry used a different key: %q vs %q", k, keys[0])
				}
			}

			retried := 0
			for _, e := range hook.AllEntries() {
				if e.Level == logrus.ErrorLevel && e.Message == "upload failed, retrying" {
					retried++
				}
			}
			if retried != tt.wantRetryLog {
				t.Errorf("got %d retry log lines, want %d", retried, tt.wantRetryLog)
			}
		})
	}
}

func TestS3CommitStopsOnClientFault(t *testing.T) {
	b, putter, _ := newTestS3Backend(t)
	fillSession(t, b)

	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied", Fault: smithy.FaultClient}
	putter.EXPECT().PutObject(gomock.Any(), gomock.Any()).Return(nil, denied).Times(1)

	err := b.Commit(context.Background(), WithTimestamp(time.Now()))
	if err == nil {
		t.Fatal("Commit succeeded, want error")
	}
	if errors.Is(err, ErrTransientUpload) {
		t.Errorf("client fault reported as transient: %v", err)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "AccessDenied" {
		t.Errorf("Commit error lost the API error: %v", err)
	}
}

func TestS3CommitRetriesThrottling(t *testing.T) {
	b, putter, _ := newTestS3Backend(t)
	fillSession(t, b)

	slow := &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate", Fault: smithy.FaultClient}
	gomock.InOrder(
		putter.EXPECT().PutObject(gomock.Any(), gomock.Any()).Return(nil, slow),
		putter.EXPECT().PutObject(gomock.Any(), gomock.Any()).Return(&s3.PutObjectOutput{}, nil),
	)

	if err := b.Commit(context.Background(), WithTimestamp(time.Now())); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestS3SessionLifecycle(t *testing.T) {
	b, putter, _ := newTestS3Backend(t)
	ctx := context.Background()
	pollID := fillSession(t, b)

	if err := b.EndPoll(ctx, pollID, time.Now()); !errors.Is(err, ErrPollAlreadyEnded) {
		t.Errorf("second EndPoll: got %v", err)
	}

	boom := errors.New("boom")
	gomock.InOrder(
		putter.EXPECT().PutObject(gomock.Any(), gomock.Any()).Return(nil, boom).Times(DefaultUploadAttempts),
		putter.EXPECT().PutObject(gomock.Any(), gomock.Any()).Return(&s3.PutObjectOutput{}, nil).Times(1),
	)

	ts := WithTimestamp(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	if err := b.Commit(ctx, ts); !errors.Is(err, ErrTransientUpload) {
		t.Fatalf("first Commit: got %v", err)
	}
	// The buffer survives a failed upload.
	if err := b.Commit(ctx, ts); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if err := b.Commit(ctx, ts); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("third Commit: got %v, want ErrSessionClosed", err)
	}
	if _, err := b.BeginPoll(ctx, time.Now()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("BeginPoll after commit: got %v", err)
	}
}

func TestS3CommitUsesClockInZone(t *testing.T) {
	b, putter, _ := newTestS3Backend(t)
	// 07:30 UTC is 02:30 in Toronto (EST), still the previous service day.
	b.now = func() time.Time { return time.Date(2024, 1, 10, 7, 30, 0, 123456000, time.UTC) }

	var uploads []upload
	putter.EXPECT().PutObject(gomock.Any(), gomock.Any()).DoAndReturn(capture(&uploads))

	if err := b.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if want := "2024-01-09/2024-01-10.02_30_00.123456-05_00.json"; uploads[0].key != want {
		t.Errorf("key = %q, want %q", uploads[0].key, want)
	}
	if string(uploads[0].body) != "[]" {
		t.Errorf("empty session body = %s, want []", uploads[0].body)
	}
}

func TestS3CommitBadZone(t *testing.T) {
	b, _, _ := newTestS3Backend(t)
	if err := b.Commit(context.Background(), WithTimeZone("Mars/Olympus_Mons")); err == nil {
		t.Fatal("Commit with unknown zone succeeded")
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name       string
		ts         time.Time
		withOffset bool
		want       string
	}{
		{"explicit wall clock", time.Date(2024, 1, 10, 2, 10, 0, 0, time.UTC), false, "2024-01-09/2024-01-10.02_10_00.json"},
		{"after cutoff", time.Date(2024, 1, 10, 4, 0, 0, 0, time.UTC), false, "2024-01-10/2024-01-10.04_00_00.json"},
		{"microseconds", time.Date(2024, 1, 10, 4, 0, 0, 5000, time.UTC), false, "2024-01-10/2024-01-10.04_00_00.000005.json"},
		{"offset", time.Date(2024, 7, 1, 9, 0, 0, 0, time.FixedZone("EDT", -4*3600)), true, "2024-07-01/2024-07-01.09_00_00-04_00.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObjectKey(tt.ts, tt.withOffset, 4); got != tt.want {
				t.Errorf("ObjectKey = %q, want %q", got, tt.want)
			}
		})
	}
}
