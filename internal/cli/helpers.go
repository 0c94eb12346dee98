package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/internal/config"
	"github.com/machinefabric/altport-go/internal/logger"
	"github.com/machinefabric/altport-go/manifest"
	"github.com/machinefabric/altport-go/relay"
	"github.com/machinefabric/altport-go/runner"
	"github.com/machinefabric/altport-go/worker"
)

// BuiltinExtension is the extension id of the commands compiled into the
// worker.
const BuiltinExtension = "builtin"

// loadRegistry reads the extensions directory and adds the builtin commands.
// A missing directory is not an error.
func loadRegistry(cfg *config.RunnerConfig) (*manifest.Registry, error) {
	r := manifest.NewRegistry()
	if cfg.ExtensionsDir != "" {
		loaded, err := manifest.LoadDir(cfg.ExtensionsDir)
		switch {
		case os.IsNotExist(err):
			log := logger.GetRunnerLogger()
			log.Debug().Str("dir", cfg.ExtensionsDir).Msg("no extensions directory")
		case err != nil:
			return nil, fmt.Errorf("loading extensions: %w", err)
		default:
			r = loaded
		}
	}
	if _, exists := r.Get(BuiltinExtension); !exists {
		if err := r.Register(builtinManifest()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func builtinManifest() *manifest.ExtensionManifest {
	rt := worker.NewRuntime()
	worker.Builtins(rt)
	var commands []manifest.Command
	for _, id := range rt.Commands() {
		commands = append(commands, manifest.Command{ID: id, Title: id, Type: events.CommandScript})
	}
	return manifest.NewExtensionManifest(BuiltinExtension, "Builtin", Version, commands)
}

// newSpawner starts workers from runner.worker_path, or in process with the
// builtin commands when it is unset.
func newSpawner(cfg *config.RunnerConfig) runner.Spawner {
	if cfg.WorkerPath != "" {
		s := &runner.ProcessSpawner{Path: cfg.WorkerPath}
		if cfg.DevMode {
			s.Env = []string{"ALTPORT_RUNNER_DEV_MODE=true"}
		}
		return s
	}
	opts := []worker.Option{worker.WithLogger(logger.GetWorkerLogger())}
	if cfg.DevMode {
		opts = append(opts, worker.WithStackTraces())
	}
	rt := worker.NewRuntime(opts...)
	worker.Builtins(rt)
	return &runner.InProcessSpawner{Runtime: rt}
}

// hostStack is a runner host with the services it owns.
type hostStack struct {
	host    *runner.Host
	storage *runner.Storage
}

func newHost(cfg *config.AppConfig, opts ...runner.Option) (*hostStack, error) {
	storage, err := runner.OpenStorage(cfg.Storage.Dir)
	if err != nil {
		return nil, err
	}
	services := &runner.Services{
		Apps:      runner.DesktopApps{Dirs: runner.DefaultDesktopDirs()},
		Storage:   storage,
		Clipboard: runner.SystemClipboard{},
	}
	base := []runner.Option{
		runner.WithServices(services),
		runner.WithLogger(logger.GetRunnerLogger()),
		runner.WithCallTimeout(cfg.Runner.CallTimeout),
	}
	if cfg.Runner.DevMode {
		base = append(base, runner.WithStackTraces())
	}
	host := runner.NewHost(newSpawner(&cfg.Runner), append(base, opts...)...)
	return &hostStack{host: host, storage: storage}, nil
}

func (s *hostStack) Close() error {
	var result *multierror.Error
	if err := s.host.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.storage.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// newFileStore builds the relay store named by relay.store.
func newFileStore(ctx context.Context, cfg *config.RelayConfig) (relay.FileStore, error) {
	if cfg.Store == "redis" {
		store, err := relay.NewRedisStore(ctx, cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := relay.NewMemoryStore(cfg.TTL, relay.WithStoreLogger(logger.GetRelayLogger()))
	if err != nil {
		return nil, err
	}
	return store, nil
}
