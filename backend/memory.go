package backend

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

type (
	// MemoryBehavior injects faults into a MemoryBackend. Indices refer to actor indices.
	MemoryBehavior struct {
		RejectIndices map[int]struct{}
		// UnavailableIndices maps an actor index to the number of leading submit attempts
		// that fail with ErrBackendUnavailable.
		UnavailableIndices map[int]int
		// BulkUnavailableTimes is the number of leading bulk calls failing with ErrBackendUnavailable.
		BulkUnavailableTimes int
		// UnmarkedIndices are confirmed and appended to the writer list, but their written
		// marker is lost, so any bulk operation covering them computes a false flag.
		UnmarkedIndices map[int]struct{}
		Latency         time.Duration
	}
	MemoryObservations struct {
		Events      []SubmitEvent
		BulkCalls   []RangeSpec
		MaxInFlight int
		Attempts    map[int]int
	}
	SubmitEvent struct {
		Kind  SubmitEventKind
		Index int
	}
	SubmitEventKind string
	// MemoryBackend keeps ledger state in process memory. Writers are recorded in the order
	// their store operation was confirmed.
	MemoryBackend struct {
		m         sync.Mutex
		behavior  MemoryBehavior
		writers   []uuid.UUID
		positions map[uuid.UUID]int
		written   map[uuid.UUID]struct{}
		flag      *bool
		inFlight  int
		obs       MemoryObservations
		bulkCalls int
	}
)

const (
	SubmitIssued    SubmitEventKind = "issued"
	SubmitCompleted SubmitEventKind = "completed"
)

func NewMemoryBackend(behavior MemoryBehavior) *MemoryBackend {

	return &MemoryBackend{
		behavior:  behavior,
		positions: make(map[uuid.UUID]int),
		written:   make(map[uuid.UUID]struct{}),
		obs: MemoryObservations{
			Attempts: make(map[int]int),
		},
	}

}

func (b *MemoryBackend) Submit(ctx context.Context, req OperationRequest) (OperationResult, error) {

	start := time.Now()
	index := req.Actor.Index

	b.m.Lock()
	{
		b.inFlight++
		if b.inFlight > b.obs.MaxInFlight {
			b.obs.MaxInFlight = b.inFlight
		}
		b.obs.Attempts[index]++
		b.obs.Events = append(b.obs.Events, SubmitEvent{SubmitIssued, index})
	}
	b.m.Unlock()

	defer func() {
		b.m.Lock()
		b.inFlight--
		b.obs.Events = append(b.obs.Events, SubmitEvent{SubmitCompleted, index})
		b.m.Unlock()
	}()

	if err := b.wait(ctx); err != nil {
		return OperationResult{Latency: time.Since(start)}, unavailable("submission of '%s' for %s interrupted: %v", req.Operation, req.Actor, err)
	}

	b.m.Lock()
	defer b.m.Unlock()

	if b.obs.Attempts[index] <= b.behavior.UnavailableIndices[index] {
		return OperationResult{Latency: time.Since(start)}, unavailable("injected outage for %s on attempt %d", req.Actor, b.obs.Attempts[index])
	}

	if _, ok := b.behavior.RejectIndices[index]; ok {
		return OperationResult{Latency: time.Since(start)}, rejected("%s not permitted to perform '%s'", req.Actor, req.Operation)
	}

	if req.Operation != OperationStore {
		return OperationResult{Latency: time.Since(start)}, rejected("unknown operation '%s'", req.Operation)
	}

	if pos, ok := b.positions[req.Actor.Handle]; ok {
		return OperationResult{Latency: time.Since(start)}, rejected("%s already stored at position %d", req.Actor, pos)
	}

	if _, ok := b.behavior.UnmarkedIndices[index]; !ok {
		b.written[req.Actor.Handle] = struct{}{}
	}
	b.positions[req.Actor.Handle] = len(b.writers)
	b.writers = append(b.writers, req.Actor.Handle)

	return OperationResult{Success: true, Value: len(b.writers) - 1, Latency: time.Since(start)}, nil

}

func (b *MemoryBackend) Query(_ context.Context, key string) (any, error) {

	b.m.Lock()
	defer b.m.Unlock()

	switch key {
	case KeyFlag:
		if b.flag == nil {
			return nil, fmt.Errorf("%w: '%s' not yet computed", ErrNotFound, key)
		}
		return *b.flag, nil
	case KeyCount:
		return len(b.writers), nil
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, key)
	}

}

func (b *MemoryBackend) BulkOperation(ctx context.Context, r RangeSpec) (OperationResult, error) {

	start := time.Now()

	if err := r.Validate(); err != nil {
		return OperationResult{}, err
	}

	if err := b.wait(ctx); err != nil {
		return OperationResult{Latency: time.Since(start)}, unavailable("bulk operation over %s interrupted: %v", r, err)
	}

	b.m.Lock()
	defer b.m.Unlock()

	b.bulkCalls++
	b.obs.BulkCalls = append(b.obs.BulkCalls, r)

	if b.bulkCalls <= b.behavior.BulkUnavailableTimes {
		return OperationResult{Latency: time.Since(start)}, unavailable("injected outage for bulk call %d", b.bulkCalls)
	}

	if r.End > len(b.writers) {
		return OperationResult{Latency: time.Since(start)}, rejected("range %s exceeds %d confirmed writers", r, len(b.writers))
	}

	if r.Len() == 0 {
		lp.LogBackendEvent(fmt.Sprintf("memory backend received empty range %s -- flag left untouched", r), log.TraceLevel)
		return OperationResult{Success: true, Latency: time.Since(start)}, nil
	}

	flag := true
	for i := r.Start; i < r.End; i++ {
		if _, ok := b.written[b.writers[i]]; !ok {
			flag = false
			break
		}
	}
	b.flag = &flag

	lp.LogBackendEvent(fmt.Sprintf("memory backend computed flag '%t' over range %s", flag, r), log.TraceLevel)

	return OperationResult{Success: true, Value: flag, Latency: time.Since(start)}, nil

}

func (b *MemoryBackend) BulkIdempotent() bool {

	return true

}

func (b *MemoryBackend) Reset(_ context.Context) error {

	b.m.Lock()
	defer b.m.Unlock()

	b.writers = nil
	b.positions = make(map[uuid.UUID]int)
	b.written = make(map[uuid.UUID]struct{})
	b.flag = nil

	return nil

}

// Observations returns a copy of what the backend has seen so far.
func (b *MemoryBackend) Observations() MemoryObservations {

	b.m.Lock()
	defer b.m.Unlock()

	attempts := make(map[int]int, len(b.obs.Attempts))
	for k, v := range b.obs.Attempts {
		attempts[k] = v
	}

	return MemoryObservations{
		Events:      append([]SubmitEvent(nil), b.obs.Events...),
		BulkCalls:   append([]RangeSpec(nil), b.obs.BulkCalls...),
		MaxInFlight: b.obs.MaxInFlight,
		Attempts:    attempts,
	}

}

func (b *MemoryBackend) wait(ctx context.Context) error {

	if b.behavior.Latency <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(b.behavior.Latency)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}

}
