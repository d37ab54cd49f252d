// Package discovery resolves capability agents: it reads candidate records
// from the on-chain registry, filters them against the caller's query, and
// enriches survivors with each agent's own service descriptor.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	uniagent "github.com/toryoto/uniagent-go"
	"github.com/toryoto/uniagent-go/logger"
)

// DescriptorPath is the well-known path agents publish their service
// descriptor under.
const DescriptorPath = "/.well-known/agent.json"

// FallbackInvocationPath is appended to the registered service URL when the
// service descriptor is unreachable or names no endpoint.
const FallbackInvocationPath = "/api/v1/agent"

// DefaultDescriptorTimeout bounds one service descriptor fetch.
const DefaultDescriptorTimeout = 5 * time.Second

const maxDescriptorBody = 64 << 10

// Registry is the subset of the registry client that discovery reads.
type Registry interface {
	AllAgentIDs(ctx context.Context) ([]*big.Int, error)
	AgentIDsByCategory(ctx context.Context, category string) ([]*big.Int, error)
	Agent(ctx context.Context, id *big.Int) (*uniagent.CapabilityDescriptor, error)
}

// Service answers discovery queries. Discover is a pure filter: it never
// mutates registry state and an empty result is not an error.
type Service struct {
	registry   Registry
	httpClient *http.Client
	timeout    time.Duration
	log        logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the client used for service descriptor fetches.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *Service) { s.httpClient = httpClient }
}

// WithDescriptorTimeout overrides the per-descriptor fetch timeout.
func WithDescriptorTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService creates a discovery service over the given registry.
func NewService(registry Registry, opts ...Option) *Service {
	s := &Service{
		registry:   registry,
		httpClient: &http.Client{},
		timeout:    DefaultDescriptorTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNoop(s.log)
	return s
}

// Discover resolves the query to a filtered, rating-sorted candidate list.
// Individual agents that fail to resolve are dropped, not fatal; only a
// registry id lookup failure aborts the call.
func (s *Service) Discover(ctx context.Context, query uniagent.DiscoveryQuery) (*uniagent.DiscoveryResult, error) {
	ids, err := s.resolveIDs(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &uniagent.DiscoveryResult{Candidates: []uniagent.CapabilityDescriptor{}}, nil
	}

	// Indexed slots keep the fan-out free of shared mutation.
	slots := make([]*uniagent.CapabilityDescriptor, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id *big.Int) {
			defer wg.Done()
			agent, err := s.registry.Agent(ctx, id)
			if err != nil {
				s.log.Warn("dropping unresolvable agent", map[string]any{
					"id": id.String(), "error": err.Error(),
				})
				return
			}
			slots[i] = agent
		}(i, id)
	}
	wg.Wait()

	candidates := make([]uniagent.CapabilityDescriptor, 0, len(slots))
	for _, agent := range slots {
		if agent != nil && matches(*agent, query) {
			candidates = append(candidates, *agent)
		}
	}

	s.enrich(ctx, candidates)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RatingAverage > candidates[j].RatingAverage
	})

	return &uniagent.DiscoveryResult{
		Candidates: candidates,
		Total:      len(candidates),
	}, nil
}

func (s *Service) resolveIDs(ctx context.Context, query uniagent.DiscoveryQuery) ([]*big.Int, error) {
	if query.Category != "" {
		ids, err := s.registry.AgentIDsByCategory(ctx, query.Category)
		if err != nil {
			return nil, uniagent.AsAgentError(err)
		}
		return ids, nil
	}
	ids, err := s.registry.AllAgentIDs(ctx)
	if err != nil {
		return nil, uniagent.AsAgentError(err)
	}
	return ids, nil
}

// matches applies the query filters to one registry record.
func matches(agent uniagent.CapabilityDescriptor, query uniagent.DiscoveryQuery) bool {
	if !agent.Active {
		return false
	}
	if query.Skill != "" {
		skill := strings.ToLower(query.Skill)
		if !strings.Contains(strings.ToLower(agent.Name), skill) &&
			!strings.Contains(strings.ToLower(agent.Description), skill) {
			return false
		}
	}
	if query.MaxPrice != nil && agent.PricePerCall.GreaterThan(*query.MaxPrice) {
		return false
	}
	if query.MinRating != nil && agent.RatingAverage < *query.MinRating {
		return false
	}
	return true
}

// serviceDescriptor is the agent-published descriptor shape.
type serviceDescriptor struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// enrich resolves each candidate's invocation endpoint concurrently. An
// unreachable or malformed descriptor falls back to the conventional path
// under the registered service URL.
func (s *Service) enrich(ctx context.Context, candidates []uniagent.CapabilityDescriptor) {
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		go func(agent *uniagent.CapabilityDescriptor) {
			defer wg.Done()

			base := strings.TrimRight(agent.ServiceURL, "/")
			agent.InvocationEndpoint = base + FallbackInvocationPath

			descriptor, err := s.fetchDescriptor(ctx, base)
			if err != nil {
				s.log.Debug("service descriptor unavailable", map[string]any{
					"agent": agent.ID, "error": err.Error(),
				})
				return
			}
			if descriptor.URL != "" {
				agent.InvocationEndpoint = descriptor.URL
			}
			if descriptor.Description != "" {
				agent.Description = descriptor.Description
			}
		}(&candidates[i])
	}
	wg.Wait()
}

func (s *Service) fetchDescriptor(ctx context.Context, baseURL string) (*serviceDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+DescriptorPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("descriptor fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorBody))
	if err != nil {
		return nil, err
	}

	var descriptor serviceDescriptor
	if err := json.Unmarshal(body, &descriptor); err != nil {
		return nil, fmt.Errorf("malformed service descriptor: %w", err)
	}
	return &descriptor, nil
}
