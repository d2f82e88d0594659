// Package replay drives a sink.Backend through the poller's call sequence
// from already-serialized sessions. Feeding it an object-store document and a
// relational backend backfills the database from the bucket.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"transit-poll-store/internal/sink"

	"github.com/sirupsen/logrus"
)

// Stats counts what a replay handed to the backend.
type Stats struct {
	Polls    int `json:"polls"`
	Requests int `json:"requests"`
	Records  int `json:"records"`
}

// rollbacker is implemented by back-ends that can discard a session.
type rollbacker interface {
	Rollback() error
}

// Decode reads the JSON array format the object store writes.
func Decode(r io.Reader) ([]sink.PollDocument, error) {
	var polls []sink.PollDocument
	dec := json.NewDecoder(r)
	if err := dec.Decode(&polls); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return polls, nil
}

// Run replays polls into b in order and commits. Any failure before commit
// discards the session when the backend supports it.
func Run(ctx context.Context, b sink.Backend, polls []sink.PollDocument, log logrus.FieldLogger, opts ...sink.CommitOption) (Stats, error) {
	startTs := time.Now()

	stats, err := feed(ctx, b, polls)
	if err != nil {
		if rb, ok := b.(rollbacker); ok {
			if rbErr := rb.Rollback(); rbErr != nil {
				log.WithError(rbErr).Warn("discarding session")
			}
		}
		return stats, err
	}

	if err := b.Commit(ctx, opts...); err != nil {
		return stats, fmt.Errorf("commit: %w", err)
	}

	log.WithFields(logrus.Fields{
		"polls":    stats.Polls,
		"requests": stats.Requests,
		"records":  stats.Records,
		"elapsed":  time.Since(startTs).Round(time.Millisecond),
	}).Info("session replayed")
	return stats, nil
}

func feed(ctx context.Context, b sink.Backend, polls []sink.PollDocument) (Stats, error) {
	var stats Stats
	for i, p := range polls {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		pollID, err := b.BeginPoll(ctx, p.Start)
		if err != nil {
			return stats, fmt.Errorf("poll %d: begin: %w", i, err)
		}
		stats.Polls++

		for j, rd := range p.Requests {
			req := rd.Request
			req.PollID = pollID
			reqID, err := b.AddRequest(ctx, req)
			if err != nil {
				return stats, fmt.Errorf("poll %d request %d: %w", i, j, err)
			}
			stats.Requests++

			for _, rec := range rd.Responses {
				rec.RequestID = reqID
				if err := b.AddRecord(ctx, rec); err != nil {
					return stats, fmt.Errorf("poll %d request %d: record %d: %w", i, j, rec.ID, err)
				}
				stats.Records++
			}
		}

		// Polls captured while still open have no end.
		if p.End != nil {
			if err := b.EndPoll(ctx, pollID, *p.End); err != nil {
				return stats, fmt.Errorf("poll %d: end: %w", i, err)
			}
		}
	}
	return stats, nil
}
