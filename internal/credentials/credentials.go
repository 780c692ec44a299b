// Package credentials manages lookup of the API keys agent sessions need
// before they may start.
package credentials

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
)

// DefaultAPIKeyEnv is the credential agent sessions require.
const DefaultAPIKeyEnv = "ANTHROPIC_API_KEY"

// Credential is a stored secret. Value is never logged.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves credentials from one secret source.
type Provider interface {
	GetCredential(ctx context.Context, key string) (*Credential, error)
	Name() string
}

// EnvProvider resolves credentials from process environment variables.
type EnvProvider struct{}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

// Name returns the provider name.
func (p *EnvProvider) Name() string { return "env" }

// GetCredential reads the environment variable named key.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	value := os.Getenv(key)
	if value == "" {
		return nil, errors.NotFound("credential", key)
	}
	return &Credential{Key: key, Value: value, Source: "env"}, nil
}

// StaticProvider serves fixed credentials; used in tests.
type StaticProvider struct {
	values map[string]string
}

// NewStaticProvider creates a provider over a fixed key/value set.
func NewStaticProvider(values map[string]string) *StaticProvider {
	return &StaticProvider{values: values}
}

// Name returns the provider name.
func (p *StaticProvider) Name() string { return "static" }

// GetCredential looks up a fixed credential.
func (p *StaticProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	value, ok := p.values[key]
	if !ok {
		return nil, errors.NotFound("credential", key)
	}
	return &Credential{Key: key, Value: value, Source: "static"}, nil
}

// Manager resolves credentials across providers, caching hits.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	cache     map[string]*Credential
	logger    *logger.Logger
}

// NewManager creates a manager with no providers.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		cache:  make(map[string]*Credential),
		logger: log.WithFields(zap.String("component", "credentials")),
	}
}

// AddProvider appends a provider; providers are tried in registration order.
func (m *Manager) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// GetCredential resolves a credential, trying the cache then each provider.
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	if cred, ok := m.cache[key]; ok {
		m.mu.RUnlock()
		return cred, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		cred, err := p.GetCredential(ctx, key)
		if err == nil {
			m.cache[key] = cred
			m.logger.Debug("credential resolved",
				zap.String("key", key),
				zap.String("source", cred.Source))
			return cred, nil
		}
	}
	return nil, errors.NotFound("credential", key)
}

// HasCredential reports whether a credential is available.
func (m *Manager) HasCredential(ctx context.Context, key string) bool {
	_, err := m.GetCredential(ctx, key)
	return err == nil
}

// RequireAPIKey verifies the session API key is present, returning an auth
// error suitable for surfacing to callers when it is not.
func (m *Manager) RequireAPIKey(ctx context.Context) error {
	if !m.HasCredential(ctx, DefaultAPIKeyEnv) {
		return errors.Auth("no API credentials available")
	}
	return nil
}
