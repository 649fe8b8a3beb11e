package llm

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ServiceConfig describes one configured LLM service. The config layer maps
// file entries onto this; the registry owns client construction.
type ServiceConfig struct {
	ID                string
	Provider          string // "anthropic" or any OpenAI-compatible name
	APIKey            string
	APIBase           string
	Model             string
	ChatPath          string
	MaxTokens         int
	Temperature       float64
	ContextWindow     int
	RequestsPerMinute int
	MaxConcurrent     int
}

// ServiceResolver maps an agent to the ID of the service its role is bound
// to. Empty means "use the default service".
type ServiceResolver func(agentID string) string

// ServiceRegistry implements Dispatcher over a set of configured services.
// Each service carries its own rate limiter and concurrency semaphore, and
// every call made through ClientForAgent is tracked so Abort can cancel it.
type ServiceRegistry struct {
	mu        sync.Mutex
	services  map[string]*service
	defaultID string
	resolver  ServiceResolver
	inflight  map[string]*callHandle
}

type service struct {
	cfg     ServiceConfig
	client  Client
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

type callHandle struct {
	cancel context.CancelFunc
}

// NewServiceRegistry builds a client per configured service. notify, when
// non-nil, observes retry attempts across all services.
func NewServiceRegistry(cfgs []ServiceConfig, defaultID string, resolver ServiceResolver, notify RetryNotifyFunc) *ServiceRegistry {
	r := &ServiceRegistry{
		services:  make(map[string]*service, len(cfgs)),
		defaultID: defaultID,
		resolver:  resolver,
		inflight:  make(map[string]*callHandle),
	}

	for _, cfg := range cfgs {
		svc := &service{cfg: cfg, client: buildClient(cfg, notify)}
		if cfg.RequestsPerMinute > 0 {
			svc.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
		}
		if cfg.MaxConcurrent > 0 {
			svc.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
		}
		r.services[cfg.ID] = svc
	}

	if _, ok := r.services[r.defaultID]; !ok && len(cfgs) > 0 {
		r.defaultID = cfgs[0].ID
		if defaultID != "" {
			slog.Warn("llm: default service not configured, using first", "requested", defaultID, "using", r.defaultID)
		}
	}

	return r
}

func buildClient(cfg ServiceConfig, notify RetryNotifyFunc) Client {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		opts := []AnthropicOption{
			WithAnthropicBaseURL(cfg.APIBase),
			WithAnthropicModel(cfg.Model),
		}
		if notify != nil {
			opts = append(opts, WithAnthropicRetryNotify(notify))
		}
		return NewAnthropicClient(cfg.APIKey, opts...)
	default:
		name := cfg.Provider
		if name == "" {
			name = cfg.ID
		}
		c := NewOpenAIClient(name, cfg.APIKey, cfg.APIBase, cfg.Model)
		if cfg.ChatPath != "" {
			c = c.WithChatPath(cfg.ChatPath)
		}
		if notify != nil {
			c = c.WithRetryNotify(notify)
		}
		return c
	}
}

// ClientForAgent returns a client bound to the agent's service, wrapped with
// the service's rate and concurrency limits. Returns nil when no service is
// configured at all.
func (r *ServiceRegistry) ClientForAgent(agentID string) Client {
	svc := r.serviceFor(agentID)
	if svc == nil {
		return nil
	}
	return &limitedClient{reg: r, svc: svc, agentID: agentID}
}

// Abort cancels the agent's in-flight call if one exists.
func (r *ServiceRegistry) Abort(agentID string) bool {
	r.mu.Lock()
	h := r.inflight[agentID]
	delete(r.inflight, agentID)
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h.cancel()
	return true
}

// ContextWindowForAgent returns the configured context window for the
// agent's service, or 0 when unset.
func (r *ServiceRegistry) ContextWindowForAgent(agentID string) int {
	svc := r.serviceFor(agentID)
	if svc == nil {
		return 0
	}
	return svc.cfg.ContextWindow
}

// Services returns the configured services sorted by ID, for diagnostics.
func (r *ServiceRegistry) Services() []ServiceConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServiceConfig, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// serviceFor resolves the service for an agent, falling back to the default.
func (r *ServiceRegistry) serviceFor(agentID string) *service {
	id := ""
	if r.resolver != nil {
		id = r.resolver(agentID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if svc, ok := r.services[id]; ok {
			return svc
		}
		slog.Warn("llm: unknown service for agent, using default", "agent", agentID, "service", id)
	}
	return r.services[r.defaultID]
}

func (r *ServiceRegistry) track(agentID string, h *callHandle) {
	r.mu.Lock()
	r.inflight[agentID] = h
	r.mu.Unlock()
}

func (r *ServiceRegistry) untrack(agentID string, h *callHandle) {
	r.mu.Lock()
	if r.inflight[agentID] == h {
		delete(r.inflight, agentID)
	}
	r.mu.Unlock()
}

// limitedClient binds a service's client to one agent. It fills service
// defaults into the request, applies rate and concurrency limits, and
// registers the call so Abort can cancel it.
type limitedClient struct {
	reg     *ServiceRegistry
	svc     *service
	agentID string
}

func (c *limitedClient) Name() string { return c.svc.client.Name() }

func (c *limitedClient) Chat(ctx context.Context, req ChatRequest) (*Message, error) {
	if req.Model == "" {
		req.Model = c.svc.cfg.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.svc.cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = c.svc.cfg.Temperature
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := &callHandle{cancel: cancel}
	c.reg.track(c.agentID, h)
	defer c.reg.untrack(c.agentID, h)

	if c.svc.limiter != nil {
		if err := c.svc.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.svc.sem != nil {
		if err := c.svc.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.svc.sem.Release(1)
	}

	return c.svc.client.Chat(ctx, req)
}
