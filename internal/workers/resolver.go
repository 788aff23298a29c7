package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RegistryResolver resolves an agent id to its registered callback endpoint
// by querying the identity registry's read API, the same read surface the
// condition evaluators' agent lookups would use if this pipeline exposed
// one (it doesn't; agent_callback is the only consumer of this call).
type RegistryResolver struct {
	Client  *http.Client
	BaseURL string
}

// NewRegistryResolver builds a RegistryResolver against baseURL, e.g.
// "https://registry.internal/agents".
func NewRegistryResolver(client *http.Client, baseURL string) *RegistryResolver {
	return &RegistryResolver{Client: client, BaseURL: strings.TrimRight(baseURL, "/")}
}

type registryAgentResponse struct {
	CallbackEndpoint string `json:"callback_endpoint"`
}

// ResolveEndpoint implements endpointResolver.
func (r *RegistryResolver) ResolveEndpoint(ctx context.Context, agentID string) (string, error) {
	target := fmt.Sprintf("%s/%s", r.BaseURL, url.PathEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("registry resolver: build request: %w", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("registry resolver: request agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry resolver: agent %s: unexpected status %d", agentID, resp.StatusCode)
	}

	var body registryAgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("registry resolver: decode agent %s: %w", agentID, err)
	}
	if body.CallbackEndpoint == "" {
		return "", fmt.Errorf("registry resolver: agent %s has no registered callback endpoint", agentID)
	}
	return body.CallbackEndpoint, nil
}

var _ endpointResolver = (*RegistryResolver)(nil)
