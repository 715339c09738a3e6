package backend

import (
	"context"
	"errors"
	"loopharness/hazelcastwrapper"
	"sync"
	"testing"
)

type (
	testHzMapStore struct {
		m                     sync.Mutex
		maps                  map[string]*testHzMap
		returnErrorUponGetMap bool
	}
	testHzMap struct {
		m                   sync.Mutex
		data                map[any]any
		returnErrorUponSet  bool
		evictAllInvocations int
	}
)

const testMapPrefix = "lh-test-"

var (
	errHzUnreachable = errors.New("cluster went on vacation")
)

func newTestHzMapStore() *testHzMapStore {

	return &testHzMapStore{maps: make(map[string]*testHzMap)}

}

func (ms *testHzMapStore) GetMap(_ context.Context, name string) (hazelcastwrapper.Map, error) {

	ms.m.Lock()
	defer ms.m.Unlock()

	if ms.returnErrorUponGetMap {
		return nil, errHzUnreachable
	}

	if _, ok := ms.maps[name]; !ok {
		ms.maps[name] = &testHzMap{data: make(map[any]any)}
	}

	return ms.maps[name], nil

}

func (m *testHzMap) ContainsKey(_ context.Context, key any) (bool, error) {

	m.m.Lock()
	defer m.m.Unlock()

	_, ok := m.data[key]
	return ok, nil

}

func (m *testHzMap) Set(_ context.Context, key any, value any) error {

	m.m.Lock()
	defer m.m.Unlock()

	if m.returnErrorUponSet {
		return errHzUnreachable
	}

	m.data[key] = value
	return nil

}

func (m *testHzMap) Get(_ context.Context, key any) (any, error) {

	m.m.Lock()
	defer m.m.Unlock()

	return m.data[key], nil

}

func (m *testHzMap) Size(_ context.Context) (int, error) {

	m.m.Lock()
	defer m.m.Unlock()

	return len(m.data), nil

}

func (m *testHzMap) EvictAll(_ context.Context) error {

	m.m.Lock()
	defer m.m.Unlock()

	m.evictAllInvocations++
	m.data = make(map[any]any)
	return nil

}

func TestHazelcastBackendSubmit(t *testing.T) {

	t.Log("given a hazelcast backend")
	{
		ctx := context.Background()

		t.Log("\twhen three actors store")
		{
			ms := newTestHzMapStore()
			b := NewHazelcastBackend(ms, testMapPrefix)
			pool := mustInitialize(t, 3)

			for i, a := range pool {
				result, err := b.Submit(ctx, storeRequest(a))
				msg := "\t\tsubmission must succeed with ascending position"
				if err == nil && result.Success && result.Value == i {
					t.Log(msg, checkMark, i)
				} else {
					t.Fatal(msg, ballotX, i, result.Value, err)
				}
			}

			msg := "\t\twriter map must hold handles in order of submission"
			writers := ms.maps[testMapPrefix+"writers"].data
			for i, a := range pool {
				if writers[int64(i)] != a.Handle.String() {
					t.Fatal(msg, ballotX, i)
				}
			}
			t.Log(msg, checkMark)

			msg = "\t\twritten map must hold marker for each actor"
			if len(ms.maps[testMapPrefix+"written"].data) == 3 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, len(ms.maps[testMapPrefix+"written"].data))
			}

			msg = "\t\tcount query must return three"
			if v, err := b.Query(ctx, KeyCount); err == nil && v == 3 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, v, err)
			}
		}

		t.Log("\twhen actor stores twice")
		{
			b := NewHazelcastBackend(newTestHzMapStore(), testMapPrefix)
			pool := mustInitialize(t, 1)

			_, _ = b.Submit(ctx, storeRequest(pool[0]))
			_, err := b.Submit(ctx, storeRequest(pool[0]))

			msg := "\t\tsecond submission must be rejected"
			if errors.Is(err, ErrOperationRejected) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen operation is unknown")
		{
			b := NewHazelcastBackend(newTestHzMapStore(), testMapPrefix)
			pool := mustInitialize(t, 1)

			_, err := b.Submit(ctx, OperationRequest{Actor: pool[0], Operation: "bigLoop"})

			msg := "\t\tsubmission must be rejected"
			if errors.Is(err, ErrOperationRejected) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen map cannot be retrieved")
		{
			ms := newTestHzMapStore()
			ms.returnErrorUponGetMap = true
			b := NewHazelcastBackend(ms, testMapPrefix)
			pool := mustInitialize(t, 1)

			_, err := b.Submit(ctx, storeRequest(pool[0]))

			msg := "\t\tbackend unavailable must be reported"
			if errors.Is(err, ErrBackendUnavailable) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen setting written marker fails after writer was appended and submission is retried")
		{
			ms := newTestHzMapStore()
			b := NewHazelcastBackend(ms, testMapPrefix)
			pool := mustInitialize(t, 1)

			written, _ := ms.GetMap(ctx, testMapPrefix+"written")
			written.(*testHzMap).returnErrorUponSet = true
			_, err := b.Submit(ctx, storeRequest(pool[0]))

			msg := "\t\tfirst attempt must report backend unavailable"
			if errors.Is(err, ErrBackendUnavailable) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}

			written.(*testHzMap).returnErrorUponSet = false
			result, err := b.Submit(ctx, storeRequest(pool[0]))

			msg = "\t\tretry must succeed and reuse the already appended position"
			if err == nil && result.Value == 0 && len(ms.maps[testMapPrefix+"writers"].data) == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, result.Value)
			}
		}

		t.Log("\twhen another actor is appended before an interrupted submission is retried")
		{
			ms := newTestHzMapStore()
			b := NewHazelcastBackend(ms, testMapPrefix)
			pool := mustInitialize(t, 2)

			written, _ := ms.GetMap(ctx, testMapPrefix+"written")
			written.(*testHzMap).returnErrorUponSet = true
			_, err := b.Submit(ctx, storeRequest(pool[0]))
			written.(*testHzMap).returnErrorUponSet = false

			msg := "\t\tinterrupted attempt must report backend unavailable"
			if errors.Is(err, ErrBackendUnavailable) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}

			second, err := b.Submit(ctx, storeRequest(pool[1]))

			msg = "\t\tother actor must be appended behind interrupted one"
			if err == nil && second.Value == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, second.Value)
			}

			first, err := b.Submit(ctx, storeRequest(pool[0]))

			msg = "\t\tretry must reuse reserved position instead of appending again"
			if err == nil && first.Value == 0 && len(ms.maps[testMapPrefix+"writers"].data) == 2 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, first.Value, len(ms.maps[testMapPrefix+"writers"].data))
			}

			_, err = b.BulkOperation(ctx, RangeSpec{0, 2})

			msg = "\t\tbulk operation over both confirmed writers must yield true"
			if v, qErr := b.Query(ctx, KeyFlag); err == nil && qErr == nil && v == true {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, v, err, qErr)
			}
		}
	}

}

func TestHazelcastBackendBulkOperation(t *testing.T) {

	t.Log("given a hazelcast backend holding confirmed writers")
	{
		ctx := context.Background()

		t.Log("\twhen bulk operation covers all writers")
		{
			ms := newTestHzMapStore()
			b := NewHazelcastBackend(ms, testMapPrefix)
			for _, a := range mustInitialize(t, 20) {
				_, _ = b.Submit(ctx, storeRequest(a))
			}

			result, err := b.BulkOperation(ctx, RangeSpec{0, 20})

			msg := "\t\tbulk operation must succeed and yield true"
			if err == nil && result.Success && result.Value == true {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, result, err)
			}

			msg = "\t\tflag must be queryable"
			if v, err := b.Query(ctx, KeyFlag); err == nil && v == true {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, v, err)
			}
		}

		t.Log("\twhen a writer in range lacks its written marker")
		{
			ms := newTestHzMapStore()
			b := NewHazelcastBackend(ms, testMapPrefix)
			pool := mustInitialize(t, 4)
			for _, a := range pool {
				_, _ = b.Submit(ctx, storeRequest(a))
			}
			delete(ms.maps[testMapPrefix+"written"].data, pool[2].Handle.String())

			_, err := b.BulkOperation(ctx, RangeSpec{0, 4})

			msg := "\t\tflag must be false"
			if v, qErr := b.Query(ctx, KeyFlag); err == nil && qErr == nil && v == false {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, v, err, qErr)
			}
		}

		t.Log("\twhen range exceeds confirmed writers")
		{
			b := NewHazelcastBackend(newTestHzMapStore(), testMapPrefix)

			_, err := b.BulkOperation(ctx, RangeSpec{0, 1})

			msg := "\t\tbulk operation must be rejected"
			if errors.Is(err, ErrOperationRejected) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen flag has never been computed")
		{
			b := NewHazelcastBackend(newTestHzMapStore(), testMapPrefix)

			_, err := b.Query(ctx, KeyFlag)

			msg := "\t\tnot found must be reported"
			if errors.Is(err, ErrNotFound) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen backend is reset")
		{
			ms := newTestHzMapStore()
			b := NewHazelcastBackend(ms, testMapPrefix)
			for _, a := range mustInitialize(t, 2) {
				_, _ = b.Submit(ctx, storeRequest(a))
			}
			_, _ = b.BulkOperation(ctx, RangeSpec{0, 2})

			err := b.Reset(ctx)

			msg := "\t\tall four maps must have been evicted"
			for _, suffix := range []string{"writers", "positions", "written", "aggregates"} {
				m := ms.maps[testMapPrefix+suffix]
				if err == nil && m.evictAllInvocations == 1 && len(m.data) == 0 {
					t.Log(msg, checkMark, suffix)
				} else {
					t.Fatal(msg, ballotX, suffix, err)
				}
			}
		}
	}

}
