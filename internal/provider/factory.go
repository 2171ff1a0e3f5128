package provider

import (
	"fmt"
	"sync"

	"github.com/calyx-ai/switchboard/internal/core/domain"
)

// Factory constructs a Client from a descriptor. Driver packages register
// themselves at init time; lookup is by the descriptor's Driver tag.
type Factory func(desc domain.ProviderDescriptor) (Client, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

func Register(driver string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := factories[driver]; exists {
		panic(fmt.Sprintf("provider factory %s already registered", driver))
	}
	factories[driver] = f
}

func Get(driver string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[driver]
	if !ok {
		return nil, fmt.Errorf("provider factory not found for driver: %s", driver)
	}
	return f, nil
}

// New resolves the driver and builds a client for the descriptor.
func New(desc domain.ProviderDescriptor) (Client, error) {
	f, err := Get(desc.Driver)
	if err != nil {
		return nil, fmt.Errorf("factory lookup failed for %s: %w", desc.Name, err)
	}
	return f(desc)
}
