// Package registry implements the model resolver: mapping a logical model
// id to a (provider client, underlying model name) pair. Provider client
// instances are process-wide singletons, memoised on first use and keyed
// by provider name.
package registry

import (
	"fmt"
	"sync"

	"thinkserver/config"
	"thinkserver/errs"
	"thinkserver/model"
)

// ClientFactory constructs a model.Client for one configured provider
// instance. Resolver calls it at most once per provider name.
type ClientFactory func(config.ProviderConfig) (model.Client, error)

// Resolution is what Resolve returns for a logical model id: the
// memoised provider client, the full model configuration, and the
// provider it resolves through.
type Resolution struct {
	Client     model.Client
	Provider   config.ProviderConfig
	Model      config.ModelConfig
	Underlying string
}

// Resolver maps logical model ids to provider clients. It is safe for
// concurrent use.
type Resolver struct {
	factory ClientFactory

	providersByName  map[string]config.ProviderConfig
	modelsByID       map[string]config.ModelConfig
	providerForModel map[string]string

	mu      sync.Mutex
	clients map[string]model.Client
}

// New builds a Resolver from the engine's provider configuration. factory
// is invoked lazily, once per distinct provider name that Resolve actually
// needs.
func New(providers []config.ProviderConfig, factory ClientFactory) *Resolver {
	r := &Resolver{
		factory:          factory,
		providersByName:  make(map[string]config.ProviderConfig),
		modelsByID:       make(map[string]config.ModelConfig),
		providerForModel: make(map[string]string),
		clients:          make(map[string]model.Client),
	}
	for _, p := range providers {
		r.providersByName[p.Name] = p
		for _, m := range p.Models {
			r.modelsByID[m.ID] = m
			r.providerForModel[m.ID] = p.Name
		}
	}
	return r
}

// Resolve looks up logicalModelID and returns its provider client and
// model configuration, constructing and memoising the provider client on
// first use.
func (r *Resolver) Resolve(logicalModelID string) (*Resolution, error) {
	modelCfg, ok := r.modelsByID[logicalModelID]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("unknown model id %q", logicalModelID))
	}

	providerName := r.providerForModel[logicalModelID]
	providerCfg, ok := r.providersByName[providerName]
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("model %q references unknown provider %q", logicalModelID, providerName))
	}

	client, err := r.clientFor(providerCfg)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		Client:     client,
		Provider:   providerCfg,
		Model:      modelCfg,
		Underlying: modelCfg.Underlying,
	}, nil
}

// clientFor returns the memoised client for provider, constructing it via
// the factory on first use.
func (r *Resolver) clientFor(provider config.ProviderConfig) (model.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[provider.Name]; ok {
		return c, nil
	}

	c, err := r.factory(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: construct client for provider %q: %w", provider.Name, err)
	}
	r.clients[provider.Name] = c
	return c, nil
}

// StageModel returns the underlying model id to use for stage, falling
// back to the model's default Underlying id when stage is unmapped.
func StageModel(m config.ModelConfig, stage string) string {
	if u, ok := m.StageModels[stage]; ok && u != "" {
		return u
	}
	return m.Underlying
}
