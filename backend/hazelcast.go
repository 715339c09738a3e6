package backend

import (
	"context"
	"fmt"
	log "github.com/sirupsen/logrus"
	"loopharness/hazelcastwrapper"
	"sync"
	"time"
)

type (
	// HazelcastBackend models the ledger in four Hazelcast maps: the ordered writer list
	// (position -> actor handle), the reserved positions (actor handle -> position), the
	// written markers (actor handle -> position) and the aggregate state holding the flag.
	HazelcastBackend struct {
		ms                hazelcastwrapper.MapStore
		writersMapName    string
		positionsMapName  string
		writtenMapName    string
		aggregatesMapName string
		// Appends to the writer list must not interleave. This process is the only writer,
		// so a local lock suffices.
		appendLock sync.Mutex
	}
)

func NewHazelcastBackend(ms hazelcastwrapper.MapStore, mapPrefix string) *HazelcastBackend {

	return &HazelcastBackend{
		ms:                ms,
		writersMapName:    mapPrefix + "writers",
		positionsMapName:  mapPrefix + "positions",
		writtenMapName:    mapPrefix + "written",
		aggregatesMapName: mapPrefix + "aggregates",
	}

}

func (b *HazelcastBackend) Submit(ctx context.Context, req OperationRequest) (OperationResult, error) {

	start := time.Now()

	if req.Operation != OperationStore {
		return OperationResult{}, rejected("unknown operation '%s'", req.Operation)
	}

	writers, written, err := b.ledgerMaps(ctx)
	if err != nil {
		return OperationResult{Latency: time.Since(start)}, err
	}

	handle := req.Actor.Handle.String()

	if contained, err := written.ContainsKey(ctx, handle); err != nil {
		return OperationResult{Latency: time.Since(start)}, unavailable("unable to check written marker for %s: %v", req.Actor, err)
	} else if contained {
		return OperationResult{Latency: time.Since(start)}, rejected("%s already stored", req.Actor)
	}

	b.appendLock.Lock()
	defer b.appendLock.Unlock()

	position, err := b.appendWriter(ctx, writers, handle)
	if err != nil {
		return OperationResult{Latency: time.Since(start)}, err
	}

	if err := written.Set(ctx, handle, position); err != nil {
		return OperationResult{Latency: time.Since(start)}, unavailable("unable to set written marker for %s: %v", req.Actor, err)
	}

	lp.LogBackendEvent(fmt.Sprintf("%s stored at position %d in map '%s'", req.Actor, position, b.writersMapName), log.TraceLevel)

	return OperationResult{Success: true, Value: int(position), Latency: time.Since(start)}, nil

}

// appendWriter returns the handle's position in the writer list, appending it only if no
// earlier attempt got it there. The position is reserved before the append, so a retry
// finds its slot even when other writers were appended in between.
func (b *HazelcastBackend) appendWriter(ctx context.Context, writers hazelcastwrapper.Map, handle string) (int64, error) {

	positions, err := b.ms.GetMap(ctx, b.positionsMapName)
	if err != nil {
		return 0, unavailable("unable to retrieve map '%s': %v", b.positionsMapName, err)
	}

	reserved, err := positions.Get(ctx, handle)
	if err != nil {
		return 0, unavailable("unable to read reserved position for handle '%s': %v", handle, err)
	}
	if position, ok := reserved.(int64); ok {
		occupant, err := writers.Get(ctx, position)
		if err != nil {
			return 0, unavailable("unable to read position %d of map '%s': %v", position, b.writersMapName, err)
		}
		if occupant == handle {
			return position, nil
		}
		if occupant == nil {
			return position, b.occupy(ctx, writers, position, handle)
		}
	}

	size, err := writers.Size(ctx)
	if err != nil {
		return 0, unavailable("unable to determine size of map '%s': %v", b.writersMapName, err)
	}

	position := int64(size)
	if err := positions.Set(ctx, handle, position); err != nil {
		return 0, unavailable("unable to reserve position %d for handle '%s': %v", position, handle, err)
	}

	return position, b.occupy(ctx, writers, position, handle)

}

func (b *HazelcastBackend) occupy(ctx context.Context, writers hazelcastwrapper.Map, position int64, handle string) error {

	if err := writers.Set(ctx, position, handle); err != nil {
		return unavailable("unable to append to map '%s': %v", b.writersMapName, err)
	}

	return nil

}

func (b *HazelcastBackend) Query(ctx context.Context, key string) (any, error) {

	switch key {
	case KeyFlag:
		aggregates, err := b.ms.GetMap(ctx, b.aggregatesMapName)
		if err != nil {
			return nil, unavailable("unable to retrieve map '%s': %v", b.aggregatesMapName, err)
		}
		v, err := aggregates.Get(ctx, KeyFlag)
		if err != nil {
			return nil, unavailable("unable to read '%s' from map '%s': %v", key, b.aggregatesMapName, err)
		}
		if v == nil {
			return nil, fmt.Errorf("%w: '%s' not yet computed", ErrNotFound, key)
		}
		return v, nil
	case KeyCount:
		writers, err := b.ms.GetMap(ctx, b.writersMapName)
		if err != nil {
			return nil, unavailable("unable to retrieve map '%s': %v", b.writersMapName, err)
		}
		size, err := writers.Size(ctx)
		if err != nil {
			return nil, unavailable("unable to determine size of map '%s': %v", b.writersMapName, err)
		}
		return size, nil
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrNotFound, key)
	}

}

func (b *HazelcastBackend) BulkOperation(ctx context.Context, r RangeSpec) (OperationResult, error) {

	start := time.Now()

	if err := r.Validate(); err != nil {
		return OperationResult{}, err
	}

	writers, written, err := b.ledgerMaps(ctx)
	if err != nil {
		return OperationResult{Latency: time.Since(start)}, err
	}

	size, err := writers.Size(ctx)
	if err != nil {
		return OperationResult{Latency: time.Since(start)}, unavailable("unable to determine size of map '%s': %v", b.writersMapName, err)
	}
	if r.End > size {
		return OperationResult{Latency: time.Since(start)}, rejected("range %s exceeds %d confirmed writers", r, size)
	}

	if r.Len() == 0 {
		lp.LogBackendEvent(fmt.Sprintf("received empty range %s -- flag left untouched", r), log.TraceLevel)
		return OperationResult{Success: true, Latency: time.Since(start)}, nil
	}

	flag := true
	for i := r.Start; i < r.End; i++ {
		handle, err := writers.Get(ctx, int64(i))
		if err != nil {
			return OperationResult{Latency: time.Since(start)}, unavailable("unable to read position %d of map '%s': %v", i, b.writersMapName, err)
		}
		if handle == nil {
			flag = false
			break
		}
		contained, err := written.ContainsKey(ctx, handle)
		if err != nil {
			return OperationResult{Latency: time.Since(start)}, unavailable("unable to check written marker at position %d: %v", i, err)
		}
		if !contained {
			flag = false
			break
		}
	}

	aggregates, err := b.ms.GetMap(ctx, b.aggregatesMapName)
	if err != nil {
		return OperationResult{Latency: time.Since(start)}, unavailable("unable to retrieve map '%s': %v", b.aggregatesMapName, err)
	}
	if err := aggregates.Set(ctx, KeyFlag, flag); err != nil {
		return OperationResult{Latency: time.Since(start)}, unavailable("unable to write flag into map '%s': %v", b.aggregatesMapName, err)
	}

	elapsed := time.Since(start)
	lp.LogTimingEvent("bulkOperation()", b.writersMapName, int(elapsed.Milliseconds()), log.InfoLevel)

	return OperationResult{Success: true, Value: flag, Latency: elapsed}, nil

}

func (b *HazelcastBackend) BulkIdempotent() bool {

	return true

}

// Reset evicts all four maps so a run starts from a blank ledger.
func (b *HazelcastBackend) Reset(ctx context.Context) error {

	for _, name := range []string{b.writersMapName, b.positionsMapName, b.writtenMapName, b.aggregatesMapName} {
		m, err := b.ms.GetMap(ctx, name)
		if err != nil {
			return unavailable("unable to retrieve map '%s' for reset: %v", name, err)
		}
		if err := m.EvictAll(ctx); err != nil {
			return unavailable("unable to evict map '%s': %v", name, err)
		}
		lp.LogBackendEvent(fmt.Sprintf("map '%s' successfully evicted", name), log.TraceLevel)
	}

	return nil

}

func (b *HazelcastBackend) ledgerMaps(ctx context.Context) (hazelcastwrapper.Map, hazelcastwrapper.Map, error) {

	writers, err := b.ms.GetMap(ctx, b.writersMapName)
	if err != nil {
		return nil, nil, unavailable("unable to retrieve map '%s': %v", b.writersMapName, err)
	}

	written, err := b.ms.GetMap(ctx, b.writtenMapName)
	if err != nil {
		return nil, nil, unavailable("unable to retrieve map '%s': %v", b.writtenMapName, err)
	}

	return writers, written, nil

}
