package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/pendant/pkg/peripheral"
	"github.com/MrWong99/pendant/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	live       map[string]func(ProviderEntry) (stt.LiveProvider, error)
	batch      map[string]func(ProviderEntry) (stt.BatchProvider, error)
	transports map[Transport]func(DeviceConfig) (peripheral.Transport, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:       make(map[string]func(ProviderEntry) (stt.LiveProvider, error)),
		batch:      make(map[string]func(ProviderEntry) (stt.BatchProvider, error)),
		transports: make(map[Transport]func(DeviceConfig) (peripheral.Transport, error)),
	}
}

// RegisterLive registers a live transcription provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (stt.LiveProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterBatch registers a clip transcription provider factory under name.
func (r *Registry) RegisterBatch(name string, factory func(ProviderEntry) (stt.BatchProvider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batch[name] = factory
}

// RegisterTransport registers a device transport factory.
func (r *Registry) RegisterTransport(name Transport, factory func(DeviceConfig) (peripheral.Transport, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// CreateLive instantiates a live provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLive(entry ProviderEntry) (stt.LiveProvider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateBatch instantiates a batch provider using the factory registered under entry.Name.
func (r *Registry) CreateBatch(entry ProviderEntry) (stt.BatchProvider, error) {
	r.mu.RLock()
	factory, ok := r.batch[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: batch/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTransport instantiates the transport named by cfg.Transport.
func (r *Registry) CreateTransport(cfg DeviceConfig) (peripheral.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, cfg.Transport)
	}
	return factory(cfg)
}

// Names returns the registered provider names per kind, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{}
	for name := range r.live {
		out["live"] = append(out["live"], name)
	}
	for name := range r.batch {
		out["batch"] = append(out["batch"], name)
	}
	for name := range r.transports {
		out["transport"] = append(out["transport"], string(name))
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}
