package objectstore

import (
	"sync"

	"github.com/google/uuid"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/log"
)

// object is one tracked entry. The store mutex guards the reference
// counters and map membership; the object's own mutex guards payload,
// state, and subscriptions.
type object struct {
	id string

	globalRef int64
	localRef  int64

	mu          sync.Mutex
	payload     []byte
	nested      []string
	inDatastore bool
	state       objState
	errStatus   *errcode.Status

	boundInstances []string
	seqIndex       int64

	subs map[int64]subFn
}

type objState int

const (
	stateUnready objState = iota
	stateReady
	stateError
)

// subFn is invoked exactly once when the object leaves the unready
// state (or is released while still unready).
type subFn func(ready bool, st *errcode.Status)

// Store tracks object references: global/local counters, unready to
// ready/error transitions, nested child sets, and the optional
// datastore tier payloads are promoted into.
type Store struct {
	mu          sync.Mutex
	objects     map[string]*object
	remoteRefs  map[string]map[string]int
	requestRefs map[string][]string
	subSeq      int64

	datastore Datastore
}

// NewStore creates a store. datastore may be nil; promotion requests
// then keep payloads in memory.
func NewStore(datastore Datastore) *Store {
	return &Store{
		objects:     make(map[string]*object),
		remoteRefs:  make(map[string]map[string]int),
		requestRefs: make(map[string][]string),
		datastore:   datastore,
	}
}

// GenerateKey returns a fresh object id under the given prefix.
func GenerateKey(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// AddReturnObject registers an unready placeholder with an initial
// global reference of one.
func (s *Store) AddReturnObject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[id]; exists {
		return errcode.Newf(errcode.ParameterError, "object %s already registered", id)
	}
	s.objects[id] = &object{
		id:        id,
		globalRef: 1,
		subs:      make(map[int64]subFn),
	}
	return nil
}

// Put stores an object's payload and nested child set. It fails when
// no reference declares ownership of the id, or when the nested set
// would contain the id itself, directly or transitively. Each nested
// child gains one global reference held by this object; releasing the
// object releases them. With toDatastore the payload is promoted to
// the datastore tier; promotion is idempotent and keeps the id.
func (s *Store) Put(id string, data []byte, nested []string, toDatastore bool) error {
	s.mu.Lock()
	obj, ok := s.objects[id]
	if !ok || obj.globalRef <= 0 {
		s.mu.Unlock()
		return errcode.Newf(errcode.ObjectRefCountZero, "object %s has no owner", id)
	}
	if s.reachesLocked(nested, id) {
		s.mu.Unlock()
		return errcode.Newf(errcode.ObjectNestedCycle, "object %s nested set contains itself", id)
	}

	obj.mu.Lock()
	prevNested := obj.nested
	obj.nested = append([]string(nil), nested...)
	obj.mu.Unlock()

	for _, child := range nested {
		if c, ok := s.objects[child]; ok {
			c.globalRef++
		}
	}
	var dropChildren []string
	if len(prevNested) > 0 {
		// Re-put replaces the nested set; the old children's
		// references are released below, outside the lock.
		dropChildren = prevNested
	}
	s.mu.Unlock()

	obj.mu.Lock()
	if toDatastore && s.datastore != nil {
		if err := s.datastore.Put(id, data); err != nil {
			obj.mu.Unlock()
			return errcode.Newf(errcode.ObjectError, "datastore put %s: %v", id, err)
		}
		obj.inDatastore = true
		obj.payload = nil
	} else {
		obj.payload = append([]byte(nil), data...)
	}
	obj.mu.Unlock()

	if len(dropChildren) > 0 {
		s.DecreaseGlobalReference(dropChildren)
	}
	return nil
}

// reachesLocked reports whether target is reachable from any of the
// from ids over nested edges. Caller holds the store mutex.
func (s *Store) reachesLocked(from []string, target string) bool {
	seen := make(map[string]struct{})
	work := append([]string(nil), from...)
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if id == target {
			return true
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if obj, ok := s.objects[id]; ok {
			obj.mu.Lock()
			work = append(work, obj.nested...)
			obj.mu.Unlock()
		}
	}
	return false
}

// SetReady transitions an object from unready to ready and wakes its
// waiters. A second SetReady, or SetReady after SetError, is ignored.
func (s *Store) SetReady(id string) error {
	s.mu.Lock()
	obj, ok := s.objects[id]
	s.mu.Unlock()
	if !ok {
		return errcode.Newf(errcode.ObjectNotFound, "object %s not found", id)
	}

	obj.mu.Lock()
	if obj.state != stateUnready {
		obj.mu.Unlock()
		return nil
	}
	obj.state = stateReady
	subs := obj.takeSubs()
	obj.mu.Unlock()

	for _, fn := range subs {
		fn(true, nil)
	}
	return nil
}

// SetError transitions an object from unready to error and wakes its
// waiters with the status. A second transition is ignored; Get after
// SetError surfaces the error even if a payload appears later.
func (s *Store) SetError(id string, st *errcode.Status) error {
	s.mu.Lock()
	obj, ok := s.objects[id]
	s.mu.Unlock()
	if !ok {
		return errcode.Newf(errcode.ObjectNotFound, "object %s not found", id)
	}

	obj.mu.Lock()
	if obj.state != stateUnready {
		obj.mu.Unlock()
		return nil
	}
	obj.state = stateError
	obj.errStatus = st
	subs := obj.takeSubs()
	obj.mu.Unlock()

	for _, fn := range subs {
		fn(false, st)
	}
	return nil
}

func (o *object) takeSubs() []subFn {
	out := make([]subFn, 0, len(o.subs))
	for _, fn := range o.subs {
		out = append(out, fn)
	}
	o.subs = make(map[int64]subFn)
	return out
}

// IncreaseGlobalReference atomically bumps the global count of each
// id. Unknown ids are ignored with a warning: an object at count zero
// is already released and cannot be revived.
func (s *Store) IncreaseGlobalReference(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if obj, ok := s.objects[id]; ok {
			obj.globalRef++
		} else {
			logger := log.WithComponent("objectstore")
			logger.Warn().
				Str("object_id", id).
				Msg("increase reference on released object")
		}
	}
}

// DecreaseGlobalReference drops one global reference per id. A count
// reaching zero releases the object: it leaves the store, its
// datastore payload is deleted, still-blocked waiters fail, and the
// references it held on nested children are released in turn. Counts
// never go negative.
func (s *Store) DecreaseGlobalReference(ids []string) {
	work := append([]string(nil), ids...)
	for len(work) > 0 {
		id := work[0]
		work = work[1:]

		s.mu.Lock()
		obj, ok := s.objects[id]
		if !ok {
			s.mu.Unlock()
			continue
		}
		if obj.globalRef <= 0 {
			s.mu.Unlock()
			continue
		}
		obj.globalRef--
		if obj.globalRef > 0 {
			s.mu.Unlock()
			continue
		}
		delete(s.objects, id)
		s.mu.Unlock()

		work = append(work, s.release(obj)...)
	}
}

// release finalizes an unlinked object and returns the nested children
// whose references it held.
func (s *Store) release(obj *object) []string {
	obj.mu.Lock()
	nested := obj.nested
	inDatastore := obj.inDatastore
	var subs []subFn
	if obj.state == stateUnready {
		obj.state = stateError
		obj.errStatus = errcode.Newf(errcode.ObjectRefCountZero, "object %s released", obj.id)
		subs = obj.takeSubs()
	}
	st := obj.errStatus
	obj.mu.Unlock()

	if inDatastore && s.datastore != nil {
		if err := s.datastore.Delete(obj.id); err != nil {
			logger := log.WithComponent("objectstore")
			logger.Warn().
				Str("object_id", obj.id).
				Err(err).
				Msg("failed to delete datastore payload")
		}
	}
	for _, fn := range subs {
		fn(false, st)
	}
	return nested
}

// IncreaseGlobalReferenceRemote bumps references on behalf of a peer,
// recording the attribution so CleanupRemote can undo it when the peer
// dies.
func (s *Store) IncreaseGlobalReferenceRemote(ids []string, remoteID string) {
	s.IncreaseGlobalReference(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := s.remoteRefs[remoteID]
	if refs == nil {
		refs = make(map[string]int)
		s.remoteRefs[remoteID] = refs
	}
	for _, id := range ids {
		refs[id]++
	}
}

// DecreaseGlobalReferenceRemote undoes one remote-attributed reference
// per id.
func (s *Store) DecreaseGlobalReferenceRemote(ids []string, remoteID string) {
	s.mu.Lock()
	refs := s.remoteRefs[remoteID]
	for _, id := range ids {
		if refs != nil && refs[id] > 0 {
			refs[id]--
			if refs[id] == 0 {
				delete(refs, id)
			}
		}
	}
	if refs != nil && len(refs) == 0 {
		delete(s.remoteRefs, remoteID)
	}
	s.mu.Unlock()
	s.DecreaseGlobalReference(ids)
}

// CleanupRemote bulk-decrements every reference a dead peer added.
func (s *Store) CleanupRemote(remoteID string) {
	s.mu.Lock()
	refs := s.remoteRefs[remoteID]
	delete(s.remoteRefs, remoteID)
	s.mu.Unlock()

	var ids []string
	for id, n := range refs {
		for i := 0; i < n; i++ {
			ids = append(ids, id)
		}
	}
	s.DecreaseGlobalReference(ids)
}

// IncreaseLocalReference bumps in-process handle counts.
func (s *Store) IncreaseLocalReference(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if obj, ok := s.objects[id]; ok {
			obj.localRef++
		}
	}
}

// DecreaseLocalReference drops in-process handle counts. Local counts
// never affect cluster lifetime; only the global count releases.
func (s *Store) DecreaseLocalReference(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if obj, ok := s.objects[id]; ok && obj.localRef > 0 {
			obj.localRef--
		}
	}
}

// BindObjRefInReq takes one global reference per id and records the
// set under the request, so the request's cleanup releases them in
// bulk regardless of callback ordering.
func (s *Store) BindObjRefInReq(requestID string, ids []string) {
	s.IncreaseGlobalReference(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestRefs[requestID] = append(s.requestRefs[requestID], ids...)
}

// UnbindObjRefInReq releases every reference bound to the request.
func (s *Store) UnbindObjRefInReq(requestID string) {
	s.mu.Lock()
	ids := s.requestRefs[requestID]
	delete(s.requestRefs, requestID)
	s.mu.Unlock()
	s.DecreaseGlobalReference(ids)
}

// BindInstance records an instance that holds or produces the object.
func (s *Store) BindInstance(id, instanceID string) error {
	s.mu.Lock()
	obj, ok := s.objects[id]
	s.mu.Unlock()
	if !ok {
		return errcode.Newf(errcode.ObjectNotFound, "object %s not found", id)
	}
	obj.mu.Lock()
	obj.boundInstances = append(obj.boundInstances, instanceID)
	obj.mu.Unlock()
	return nil
}

// BoundInstances returns the instances bound to an object.
func (s *Store) BoundInstances(id string) []string {
	s.mu.Lock()
	obj, ok := s.objects[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return append([]string(nil), obj.boundInstances...)
}

// SetSeqIndex records a generator-sequence index on the object.
func (s *Store) SetSeqIndex(id string, seq int64) error {
	s.mu.Lock()
	obj, ok := s.objects[id]
	s.mu.Unlock()
	if !ok {
		return errcode.Newf(errcode.ObjectNotFound, "object %s not found", id)
	}
	obj.mu.Lock()
	obj.seqIndex = seq
	obj.mu.Unlock()
	return nil
}

// GlobalReference returns an object's current global count (0 when
// released).
func (s *Store) GlobalReference(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[id]; ok {
		return obj.globalRef
	}
	return 0
}

// Counts reports total tracked objects and how many are still unready.
func (s *Store) Counts() (total, unready int) {
	s.mu.Lock()
	objs := make([]*object, 0, len(s.objects))
	for _, obj := range s.objects {
		objs = append(objs, obj)
	}
	s.mu.Unlock()

	total = len(objs)
	for _, obj := range objs {
		obj.mu.Lock()
		if obj.state == stateUnready {
			unready++
		}
		obj.mu.Unlock()
	}
	return total, unready
}

// subscribe registers a one-shot completion callback. When the object
// is already terminal or unknown, the state is returned immediately
// and no subscription is made.
func (s *Store) subscribe(id string, fn subFn) (token int64, done, ready bool, st *errcode.Status) {
	s.mu.Lock()
	obj, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return 0, true, false, errcode.Newf(errcode.ObjectNotFound, "object %s not found", id)
	}
	s.subSeq++
	token = s.subSeq
	s.mu.Unlock()

	obj.mu.Lock()
	defer obj.mu.Unlock()
	switch obj.state {
	case stateReady:
		return 0, true, true, nil
	case stateError:
		return 0, true, false, obj.errStatus
	default:
		obj.subs[token] = fn
		return token, false, false, nil
	}
}

// unsubscribe removes a pending subscription.
func (s *Store) unsubscribe(id string, token int64) {
	s.mu.Lock()
	obj, ok := s.objects[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	obj.mu.Lock()
	delete(obj.subs, token)
	obj.mu.Unlock()
}

// fetch returns a ready object's payload from memory or the datastore.
func (s *Store) fetch(id string) ([]byte, error) {
	s.mu.Lock()
	obj, ok := s.objects[id]
	s.mu.Unlock()
	if !ok {
		return nil, errcode.Newf(errcode.ObjectNotFound, "object %s not found", id)
	}

	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.state == stateError {
		return nil, obj.errStatus
	}
	if obj.inDatastore && s.datastore != nil {
		return s.datastore.Get(id)
	}
	return append([]byte(nil), obj.payload...), nil
}
