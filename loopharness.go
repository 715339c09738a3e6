package main

import (
	"context"
	"fmt"
	log "github.com/sirupsen/logrus"
	"loopharness/api"
	"loopharness/backend"
	"loopharness/client"
	"loopharness/driver"
	"loopharness/hazelcastwrapper"
	"loopharness/logging"
)

type (
	backendConfig struct {
		kind      string
		cluster   string
		members   []string
		mapPrefix string
	}
)

const (
	backendTypeMemory    = "memory"
	backendTypeHazelcast = "hazelcast"
	hzClientName         = "loopharness"
)

var (
	lp *logging.LogProvider
)

func init() {
	lp = logging.GetLogProviderInstance(client.ID())
}

func main() {

	lp.LogApiEvent(fmt.Sprintf("starting batch harness with client ID '%s'", client.ID()), log.InfoLevel)

	// Fatal exits without running deferred functions, so everything that holds resources
	// lives in run and has been released by the time the error surfaces here.
	if err := run(context.Background()); err != nil {
		lp.LogDriverEvent(fmt.Sprintf("batch harness terminated: %v", err), log.FatalLevel)
	}

}

func run(ctx context.Context) error {

	if err := client.ParseConfigs(); err != nil {
		lp.LogErrUponConfigRetrieval("N/A", err, log.ErrorLevel)
		return err
	}

	api.Expose()

	bc, err := populateBackendConfig(client.DefaultConfigPropertyAssigner{})
	if err != nil {
		lp.LogErrUponConfigRetrieval("backend", err, log.ErrorLevel)
		return err
	}

	b, closer, err := assembleBackend(ctx, bc)
	if err != nil {
		return fmt.Errorf("unable to assemble backend of type '%s': %w", bc.kind, err)
	}

	return runBatch(ctx, b, closer, driver.PopulateConfig)

}

// runBatch drives one batch against the given backend and shuts down the closer on every path.
func runBatch(ctx context.Context, b backend.Adapter, closer hazelcastwrapper.HzClientCloser, populateConfig func() (*driver.Config, error)) error {

	defer func() {
		if err := closer.Shutdown(ctx); err != nil {
			lp.LogHzEvent(fmt.Sprintf("unable to shut down hazelcast client: %v", err), log.WarnLevel)
		}
	}()

	cfg, err := populateConfig()
	if err != nil {
		lp.LogErrUponConfigRetrieval("batch", err, log.ErrorLevel)
		return err
	}

	d, err := driver.New(cfg, b)
	if err != nil {
		return fmt.Errorf("unable to create batch driver: %w", err)
	}

	api.RegisterStatusSource("batchDriver", d.Status)
	api.Ready()

	report, err := d.Run(ctx)
	if err != nil {
		return fmt.Errorf("batch run failed: %w (%s)", err, report)
	}

	level := log.InfoLevel
	if !report.Flag() {
		level = log.WarnLevel
	}
	lp.LogDriverEvent(fmt.Sprintf("batch run completed: %s", report), level)

	return nil

}

func populateBackendConfig(a client.ConfigPropertyAssigner) (*backendConfig, error) {

	bc := &backendConfig{}

	assignmentOps := []func() error{
		func() error {
			return a.Assign("backend.type", client.ValidateOneOf(backendTypeMemory, backendTypeHazelcast), func(v any) {
				bc.kind = v.(string)
			})
		},
		func() error {
			return a.Assign("backend.hazelcast.cluster", client.ValidateString, func(v any) {
				bc.cluster = v.(string)
			})
		},
		func() error {
			return a.Assign("backend.hazelcast.members", client.ValidateStringList, func(v any) {
				bc.members = client.ToStringList(v)
			})
		},
		func() error {
			return a.Assign("backend.hazelcast.mapPrefix", client.ValidateString, func(v any) {
				bc.mapPrefix = v.(string)
			})
		},
	}

	for _, f := range assignmentOps {
		if err := f(); err != nil {
			return nil, err
		}
	}

	return bc, nil

}

// assembleBackend returns the adapter plus whatever must be shut down once the run is over.
func assembleBackend(ctx context.Context, bc *backendConfig) (backend.Adapter, hazelcastwrapper.HzClientCloser, error) {

	ch := &hazelcastwrapper.DefaultHzClientHandler{}

	switch bc.kind {
	case backendTypeHazelcast:
		if err := ch.InitHazelcastClient(ctx, hzClientName, bc.cluster, bc.members); err != nil {
			return nil, ch, fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
		}
		lp.LogHzEvent(fmt.Sprintf("connected to hazelcast cluster '%s' via %v", bc.cluster, bc.members), log.InfoLevel)
		return backend.NewHazelcastBackend(&hazelcastwrapper.DefaultMapStore{Client: ch.GetClient()}, bc.mapPrefix), ch, nil
	default:
		lp.LogBackendEvent("using in-memory backend", log.InfoLevel)
		return backend.NewMemoryBackend(backend.MemoryBehavior{}), ch, nil
	}

}
