package client

import (
	"github.com/google/uuid"
	"sync"
)

var (
	clientID uuid.UUID
	idOnce   sync.Once
)

// ID identifies this harness process. It ends up in every log line and in the names
// of the backend structures the harness creates.
func ID() uuid.UUID {
	idOnce.Do(func() {
		clientID = uuid.New()
	})
	return clientID
}
