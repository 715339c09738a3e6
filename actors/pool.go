package actors

import (
	"errors"
	"fmt"
	"github.com/google/uuid"
)

type (
	// Actor is one logical identity issuing operations against the backend. Index is stable
	// for the duration of a run, Handle is the opaque credential the backend sees.
	Actor struct {
		Index  int
		Handle uuid.UUID
	}
	handleFunc func() uuid.UUID
)

var (
	ErrInvalidSize = errors.New("actor pool size must be positive")
)

var (
	newHandle handleFunc = uuid.New
)

func Initialize(n int) ([]Actor, error) {

	if n <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, n)
	}

	pool := make([]Actor, n)
	for i := 0; i < n; i++ {
		pool[i] = Actor{
			Index:  i,
			Handle: newHandle(),
		}
	}

	return pool, nil

}

func (a Actor) String() string {

	return fmt.Sprintf("actor-%d(%s)", a.Index, a.Handle)

}
