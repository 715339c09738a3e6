package main

import (
	"context"
	"errors"
	"loopharness/backend"
	"loopharness/driver"
	"testing"
)

type (
	testConfigPropertyAssigner struct {
		dummyConfig map[string]any
	}
	testHzClientCloser struct {
		shutdownInvocations int
	}
)

const (
	checkMark = "\u2713"
	ballotX   = "\u2717"
)

func (a testConfigPropertyAssigner) Assign(keyPath string, eval func(string, any) error, assign func(any)) error {

	value, ok := a.dummyConfig[keyPath]
	if !ok {
		return errors.New("no value for key path " + keyPath)
	}

	if err := eval(keyPath, value); err != nil {
		return err
	}
	assign(value)

	return nil

}

func (c *testHzClientCloser) Shutdown(_ context.Context) error {

	c.shutdownInvocations++
	return nil

}

func TestPopulateBackendConfig(t *testing.T) {

	t.Log("given a backend config builder")
	{
		t.Log("\twhen members are provided as yaml sequence")
		{
			a := testConfigPropertyAssigner{map[string]any{
				"backend.type":                "hazelcast",
				"backend.hazelcast.cluster":   "hazelcastimdg",
				"backend.hazelcast.members":   []any{"hz-0:5701", "hz-1:5701"},
				"backend.hazelcast.mapPrefix": "lh-",
			}}

			bc, err := populateBackendConfig(a)

			msg := "\t\tconfig must carry all values"
			if err == nil && bc.kind == backendTypeHazelcast && bc.cluster == "hazelcastimdg" &&
				len(bc.members) == 2 && bc.members[1] == "hz-1:5701" && bc.mapPrefix == "lh-" {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, bc)
			}
		}

		t.Log("\twhen backend type is unknown")
		{
			a := testConfigPropertyAssigner{map[string]any{
				"backend.type": "postgres",
			}}

			_, err := populateBackendConfig(a)

			msg := "\t\terror must be returned"
			if err != nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX)
			}
		}
	}

}

func TestAssembleBackend(t *testing.T) {

	t.Log("given a request to assemble the backend")
	{
		t.Log("\twhen memory backend is configured")
		{
			b, closer, err := assembleBackend(context.Background(), &backendConfig{kind: backendTypeMemory})

			msg := "\t\tmemory backend must be returned"
			if _, ok := b.(*backend.MemoryBackend); ok && err == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}

			msg = "\t\tcloser must be safe to invoke without hazelcast client"
			if err := closer.Shutdown(context.Background()); err == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}
	}

}

func TestRunBatch(t *testing.T) {

	t.Log("given a backend and a closer")
	{
		ctx := context.Background()

		t.Log("\twhen batch config cannot be populated")
		{
			c := &testHzClientCloser{}
			configErr := errors.New("no value for key path batch.actorCount")

			err := runBatch(ctx, backend.NewMemoryBackend(backend.MemoryBehavior{}), c, func() (*driver.Config, error) {
				return nil, configErr
			})

			msg := "\t\tconfig error must be returned and closer must have been shut down"
			if errors.Is(err, configErr) && c.shutdownInvocations == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, c.shutdownInvocations)
			}
		}

		t.Log("\twhen batch run fails")
		{
			c := &testHzClientCloser{}
			b := backend.NewMemoryBackend(backend.MemoryBehavior{})
			cfg := driver.DefaultConfig()
			cfg.ActorCount = 0

			err := runBatch(ctx, b, c, func() (*driver.Config, error) {
				return cfg, nil
			})

			msg := "\t\trun error must be returned and closer must have been shut down"
			if errors.Is(err, driver.ErrEmptyBatch) && c.shutdownInvocations == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, c.shutdownInvocations)
			}
		}

		t.Log("\twhen batch run completes")
		{
			c := &testHzClientCloser{}
			cfg := driver.DefaultConfig()
			cfg.ActorCount = 25

			err := runBatch(ctx, backend.NewMemoryBackend(backend.MemoryBehavior{}), c, func() (*driver.Config, error) {
				return cfg, nil
			})

			msg := "\t\tno error must be returned and closer must have been shut down"
			if err == nil && c.shutdownInvocations == 1 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, c.shutdownInvocations)
			}
		}
	}

}
