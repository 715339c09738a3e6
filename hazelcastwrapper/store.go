package hazelcastwrapper

import (
	"context"
	"github.com/hazelcast/hazelcast-go-client"
)

type (
	MapStore interface {
		GetMap(ctx context.Context, name string) (Map, error)
	}
	// Map is the subset of the Hazelcast map API the harness relies upon.
	Map interface {
		ContainsKey(ctx context.Context, key any) (bool, error)
		Set(ctx context.Context, key any, value any) error
		Get(ctx context.Context, key any) (any, error)
		Size(ctx context.Context) (int, error)
		EvictAll(ctx context.Context) error
	}
	DefaultMapStore struct {
		Client *hazelcast.Client
	}
)

func (d *DefaultMapStore) GetMap(ctx context.Context, name string) (Map, error) {
	return d.Client.GetMap(ctx, name)
}
