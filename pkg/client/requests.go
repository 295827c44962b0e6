package client

import (
	"context"
	"sync"

	"github.com/skein-sh/skein/pkg/errcode"
)

type requestKind int

const (
	kindCreate requestKind = iota
	kindCreateGroup
	kindInvoke
)

// Result is the completion of one submitted request, delivered through
// the notify stream or synthesized locally on failure.
type Result struct {
	Code    errcode.Code
	Message string

	InstanceID string
	GroupID    string
	SeqNo      int64

	// ObjectIDs are the settled return objects of the request; for a
	// group create this is the single group object carrying the member
	// instance ids.
	ObjectIDs []string

	// Payload is the inline result when the request had exactly one
	// return object.
	Payload []byte
}

// OK reports whether the request succeeded.
func (r *Result) OK() bool {
	return r.Code == errcode.OK
}

// Status converts a failed result to a status, nil when OK.
func (r *Result) Status() *errcode.Status {
	if r.Code == errcode.OK {
		return nil
	}
	return errcode.New(r.Code, r.Message)
}

// Pending is an admitted request awaiting its completion notify.
type Pending struct {
	requestID string
	kind      requestKind

	// submit re-sends the request. Each attempt generates fresh wire
	// return ids; the ids the user sees arrive with the result.
	submit   func() error
	attempts int

	mu        sync.Mutex
	seq       int64
	memberIDs []string

	once sync.Once
	res  *Result
	done chan struct{}
}

func newPending(requestID string, kind requestKind) *Pending {
	return &Pending{
		requestID: requestID,
		kind:      kind,
		done:      make(chan struct{}),
	}
}

// RequestID returns the correlation id the server will echo in its
// notify.
func (p *Pending) RequestID() string {
	return p.requestID
}

// SeqNo returns the invocation sequence the server assigned at
// admission, meaningful for invoke requests only.
func (p *Pending) SeqNo() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// InstanceIDs returns the member instance ids assigned at admission,
// meaningful for group creates only.
func (p *Pending) InstanceIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.memberIDs...)
}

func (p *Pending) noteSeq(seq int64) {
	p.mu.Lock()
	p.seq = seq
	p.mu.Unlock()
}

func (p *Pending) noteMembers(ids []string) {
	p.mu.Lock()
	p.memberIDs = append([]string(nil), ids...)
	p.mu.Unlock()
}

func (p *Pending) resolve(res *Result) {
	p.once.Do(func() {
		p.res = res
		close(p.done)
	})
}

// Done closes when the request completes, for select composition.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request completes. A done context abandons the
// wait; the request itself keeps running and Wait can be called again.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		if !p.res.OK() {
			return p.res, p.res.Status()
		}
		return p.res, nil
	case <-ctx.Done():
		return nil, errcode.Newf(errcode.RequestCancelled, "abandoned wait for request %s: %v", p.requestID, ctx.Err())
	}
}

// requestManager indexes inflight requests by id until their notify
// consumes them.
type requestManager struct {
	mu   sync.Mutex
	byID map[string]*Pending
}

func newRequestManager() *requestManager {
	return &requestManager{byID: make(map[string]*Pending)}
}

func (m *requestManager) add(p *Pending) {
	m.mu.Lock()
	m.byID[p.requestID] = p
	m.mu.Unlock()
}

func (m *requestManager) get(requestID string) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[requestID]
}

func (m *requestManager) take(requestID string) *Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.byID[requestID]
	delete(m.byID, requestID)
	return p
}

// drain empties the index for finalization.
func (m *requestManager) drain() []*Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pending, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p)
	}
	m.byID = make(map[string]*Pending)
	return out
}

func (m *requestManager) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
