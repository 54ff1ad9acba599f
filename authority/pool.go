package authority

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/mmdatafocus/clearance_backend/config"
	"github.com/mmdatafocus/clearance_backend/faults"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Pool hands out one Client per tenant. A changed environment or credential
// set replaces the tenant's client, dropping the old token cache.
type Pool struct {
	settings config.EngineSettings
	logger   *logrus.Logger
	// limiter is shared: the authority rate-limits per integrator, not per tenant.
	limiter *rate.Limiter

	mu      sync.Mutex
	clients map[string]pooledClient // by tenant id
}

type pooledClient struct {
	fingerprint string
	client      *Client
}

func NewPool(settings config.EngineSettings, logger *logrus.Logger) *Pool {
	return &Pool{
		settings: settings,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(settings.RateLimitQPS), settings.RateLimitBurst),
		clients:  make(map[string]pooledClient),
	}
}

// ForTenant returns the tenant's client. Missing credentials are a configuration fault.
func (p *Pool) ForTenant(ctx context.Context, tenant *models.Tenant) (*Client, error) {
	if tenant == nil {
		return nil, faults.Configuration("ForTenant", "tenant is required")
	}
	if !tenant.IsActive {
		return nil, faults.Configuration("ForTenant", "tenant %s is inactive", tenant.ID)
	}
	if tenant.AuthorityUsername == "" || tenant.AuthorityPassword == "" {
		return nil, faults.Configuration("ForTenant", "tenant %s has no authority credentials", tenant.ID)
	}

	fingerprint := credentialFingerprint(tenant)
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.clients[tenant.ID]; ok && pc.fingerprint == fingerprint {
		return pc.client, nil
	}

	endpoint := p.settings.Endpoint(string(tenant.Environment))
	c := NewClient(Options{
		BaseURL:     endpoint.BaseURL,
		TokenURL:    endpoint.TokenURL,
		ClientID:    endpoint.ClientID,
		Timeout:     p.settings.RequestTimeout,
		MaxAttempts: p.settings.TransportMaxAttempts,
		Limiter:     p.limiter,
		Logger:      p.logger,
	}, Credentials{Username: tenant.AuthorityUsername, Password: tenant.AuthorityPassword})
	p.clients[tenant.ID] = pooledClient{fingerprint: fingerprint, client: c}
	return c, nil
}

// HealthClient returns an unauthenticated client for probing an environment.
func (p *Pool) HealthClient(environment string) *Client {
	endpoint := p.settings.Endpoint(environment)
	return NewClient(Options{
		BaseURL:  endpoint.BaseURL,
		TokenURL: endpoint.TokenURL,
		ClientID: endpoint.ClientID,
		Timeout:  p.settings.RequestTimeout,
		Logger:   p.logger,
	}, Credentials{})
}

func credentialFingerprint(t *models.Tenant) string {
	sum := sha256.Sum256([]byte(t.AuthorityPassword))
	return string(t.Environment) + "|" + t.AuthorityUsername + "|" + hex.EncodeToString(sum[:8])
}
