package sink

import "time"

// Session is the in-memory tree an object-store session accumulates: polls
// own requests, requests own an append-only list of records. Insertion order
// is kept at every level so the flattened document is deterministic.
type Session struct {
	polls     map[PollID]*pollNode
	pollOrder []PollID
	owner     map[RequestID]PollID
}

type pollNode struct {
	start        time.Time
	end          *time.Time
	requests     map[RequestID]*requestNode
	requestOrder []RequestID
}

type requestNode struct {
	req     Request
	records []Record
}

// PollDocument is the serialized form of one poll.
type PollDocument struct {
	Start    time.Time         `json:"start"`
	End      *time.Time        `json:"end,omitempty"`
	Requests []RequestDocument `json:"requests"`
}

// RequestDocument is a request with its records nested under "responses".
type RequestDocument struct {
	Request
	Responses []Record `json:"responses"`
}

// NewSession returns an empty session buffer.
func NewSession() *Session {
	return &Session{
		polls: make(map[PollID]*pollNode),
		owner: make(map[RequestID]PollID),
	}
}

// Len reports the number of polls in the session.
func (s *Session) Len() int { return len(s.pollOrder) }

func (s *Session) addPoll(id PollID, start time.Time) {
	s.polls[id] = &pollNode{start: start, requests: make(map[RequestID]*requestNode)}
	s.pollOrder = append(s.pollOrder, id)
}

func (s *Session) endPoll(id PollID, end time.Time) error {
	p, ok := s.polls[id]
	if !ok {
		return pollNotFound(id)
	}
	if p.end != nil {
		return ErrPollAlreadyEnded
	}
	p.end = &end
	return nil
}

func (s *Session) addRequest(id RequestID, req Request) error {
	p, ok := s.polls[req.PollID]
	if !ok {
		return pollNotFound(req.PollID)
	}
	p.requests[id] = &requestNode{req: req}
	p.requestOrder = append(p.requestOrder, id)
	s.owner[id] = req.PollID
	return nil
}

func (s *Session) addRecord(rec Record) error {
	pollID, ok := s.owner[rec.RequestID]
	if !ok {
		return requestNotFound(rec.RequestID)
	}
	r := s.polls[pollID].requests[rec.RequestID]
	r.records = append(r.records, rec)
	return nil
}

// Documents flattens the session into upload form. It does not mutate the
// session, so a failed upload can be retried from the same buffer.
func (s *Session) Documents() []PollDocument {
	docs := make([]PollDocument, 0, len(s.pollOrder))
	for _, pid := range s.pollOrder {
		p := s.polls[pid]
		doc := PollDocument{Start: p.start, Requests: make([]RequestDocument, 0, len(p.requestOrder))}
		if p.end != nil {
			end := *p.end
			doc.End = &end
		}
		for _, rid := range p.requestOrder {
			r := p.requests[rid]
			records := make([]Record, len(r.records))
			copy(records, r.records)
			doc.Requests = append(doc.Requests, RequestDocument{Request: r.req, Responses: records})
		}
		docs = append(docs, doc)
	}
	return docs
}
