package sdk

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/celerix-dev/archivist/internal/vault/client"
	"github.com/celerix-dev/archivist/internal/vault/consul"
	"github.com/celerix-dev/archivist/internal/vault/file"
	"github.com/celerix-dev/archivist/internal/vault/memory"
	"github.com/celerix-dev/archivist/internal/vault/objectstore"
	"github.com/celerix-dev/archivist/internal/vault/postgres"
	"github.com/celerix-dev/archivist/pkg/archivist"
	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
)

// OpenOption configures Open.
type OpenOption func(*openOptions)

type openOptions struct {
	logger    hclog.Logger
	publisher Publisher
	setup     []archivist.Option
}

// WithLogger sets the logger handed to the archivist and every vault.
func WithLogger(logger hclog.Logger) OpenOption {
	return func(o *openOptions) { o.logger = logger }
}

// WithPublisher sets where client vaults deliver their events. It is
// required when the configuration declares a client vault.
func WithPublisher(p Publisher) OpenOption {
	return func(o *openOptions) { o.publisher = p }
}

// WithSetupOptions passes options through to archivist.Setup.
func WithSetupOptions(opts ...archivist.Option) OpenOption {
	return func(o *openOptions) { o.setup = append(o.setup, opts...) }
}

// Open builds the vaults declared in cfg and validates its topics against
// them. The app only sees topics, never which vaults back them. Close the
// archivist's Registry when done.
func Open(ctx context.Context, cfg archivist.Config, opts ...OpenOption) (*archivist.Archivist, error) {
	o := openOptions{logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	reg, err := OpenVaults(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	a, err := archivist.Setup(cfg, reg, append([]archivist.Option{archivist.WithLogger(o.logger)}, o.setup...)...)
	if err != nil {
		reg.Close(ctx)
		return nil, err
	}
	return a, nil
}

// OpenFile loads a JSON configuration file and opens it.
func OpenFile(ctx context.Context, path string, opts ...OpenOption) (*archivist.Archivist, error) {
	cfg, err := archivist.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return Open(ctx, *cfg, opts...)
}

// OpenVaults builds and registers every vault of cfg. Already opened vaults
// are closed again when one fails.
func OpenVaults(ctx context.Context, cfg archivist.Config, opts ...OpenOption) (*engine.Registry, error) {
	o := openOptions{logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	names := make([]string, 0, len(cfg.Vaults))
	for name := range cfg.Vaults {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := engine.NewRegistry()
	for _, name := range names {
		vc := cfg.Vaults[name]
		if err := register(reg, name, vc, o); err != nil {
			reg.Close(ctx)
			return nil, fmt.Errorf("vault %q (%s): %w", name, vc.Type, err)
		}
		o.logger.Debug("vault opened", "vault", name, "type", vc.Type)
	}
	return reg, nil
}

func register(reg *engine.Registry, name string, vc archivist.VaultConfig, o openOptions) error {
	logger := o.logger.Named(name)

	switch vc.Type {
	case "memory":
		s, err := memory.New(name, vc.Options, logger)
		if err != nil {
			return err
		}
		return engine.Register[memory.Key, memory.Item](reg, s)
	case "file":
		s, err := file.New(name, vc.Options, logger)
		if err != nil {
			return err
		}
		return engine.Register[string, engine.Record](reg, s)
	case "postgres":
		s, err := postgres.New(name, vc.Options, logger)
		if err != nil {
			return err
		}
		return engine.Register[postgres.Key, engine.Record](reg, s)
	case "consul":
		s, err := consul.New(name, vc.Options, logger)
		if err != nil {
			return err
		}
		return engine.Register[string, engine.Record](reg, s)
	case "objectstore":
		s, err := objectstore.New(name, vc.Options, logger)
		if err != nil {
			return err
		}
		return engine.Register[string, engine.Record](reg, s)
	case "client":
		if o.publisher == nil {
			return fmt.Errorf("%w: client vault needs a publisher", engine.ErrConfig)
		}
		s, err := client.New(name, vc.Options, o.publisher, logger)
		if err != nil {
			return err
		}
		return engine.Register[schema.Ref, schema.Event](reg, s)
	}
	return fmt.Errorf("%w: unknown vault type %q", engine.ErrConfig, vc.Type)
}
