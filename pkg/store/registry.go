package store

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/errors"
)

// Factory opens a backend from configuration
type Factory func(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Backend, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a backend available under driver. Backends call it from
// init. Registering the same driver twice panics.
func Register(driver string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := factories[driver]; exists {
		panic("store: driver " + driver + " already registered")
	}
	factories[driver] = factory
}

// Drivers lists the registered driver names
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open creates the backend named by cfg.Driver
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Backend, error) {
	registryMu.RLock()
	factory, ok := factories[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "store driver %q not registered", cfg.Driver).
			WithDetail("available", Drivers())
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	backend, err := factory(ctx, cfg, logger.With(zap.String("component", "store"), zap.String("driver", cfg.Driver)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "open store")
	}
	return backend, nil
}
