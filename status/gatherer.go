package status

import (
	"sync"
)

type (
	Update struct {
		Key   string
		Value any
	}
	// Gatherer folds updates sent over its channel into a status record that can be
	// copied out at any time, for example by the status endpoint.
	Gatherer struct {
		l       locker
		status  map[string]any
		Updates chan Update
		done    chan struct{}
	}
	locker interface {
		lock()
		unlock()
	}
	mutexLocker struct {
		m sync.Mutex
	}
)

const (
	updateKeyListenerFinished = "listenerFinished"
	quitStatusGathering       = "\x00quit"
	updatesBufferSize         = 64
)

func (l *mutexLocker) lock() {

	l.m.Lock()

}

func (l *mutexLocker) unlock() {

	l.m.Unlock()

}

func NewGatherer() *Gatherer {

	return &Gatherer{
		l:       &mutexLocker{},
		status:  map[string]any{},
		Updates: make(chan Update, updatesBufferSize),
		done:    make(chan struct{}),
	}

}

func (g *Gatherer) InsertSynchronously(u Update) {

	g.l.lock()
	{
		g.status[u.Key] = u.Value
	}
	g.l.unlock()

}

func (g *Gatherer) AssembleStatusCopy() map[string]any {

	g.l.lock()
	defer g.l.unlock()

	mapCopy := make(map[string]any, len(g.status))
	for k, v := range g.status {
		mapCopy[k] = v
	}

	return mapCopy

}

// Listen blocks until StopListen is invoked, so callers will usually run it in its own goroutine.
func (g *Gatherer) Listen() {

	g.InsertSynchronously(Update{Key: updateKeyListenerFinished, Value: false})

	for update := range g.Updates {
		if update.Key == quitStatusGathering {
			g.InsertSynchronously(Update{Key: updateKeyListenerFinished, Value: true})
			g.done <- struct{}{}
			return
		}
		g.InsertSynchronously(update)
	}

}

// StopListen returns once every update sent before it has been applied.
func (g *Gatherer) StopListen() {

	g.Updates <- Update{Key: quitStatusGathering}
	<-g.done

}

func (g *Gatherer) ListeningStopped() bool {

	g.l.lock()
	defer g.l.unlock()

	stopped, ok := g.status[updateKeyListenerFinished].(bool)
	return ok && stopped

}
