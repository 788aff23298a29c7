package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/chainwatch/pulse/internal/domain/event"
	"github.com/chainwatch/pulse/internal/domain/trigger"
	"github.com/chainwatch/pulse/internal/templating"
	"github.com/chainwatch/pulse/pkg/metrics"
)

func reportUnknownVariables(unknown []templating.UnknownVariable) {
	for _, u := range unknown {
		metrics.TemplateUnknownVariables.WithLabelValues(u.Name).Inc()
	}
}

// Outcome is the closed result of one delivery attempt, per the worker
// contract: (job, rendered payload) -> Delivered | TransientFailure |
// PermanentFailure.
type Outcome int

const (
	Delivered Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Delivery is implemented once per action kind.
type Delivery interface {
	Deliver(ctx context.Context, cfg map[string]string, ev event.Event) (Outcome, error)
}

// Registry dispatches by action kind, mirroring conditions.registry.
type Registry struct {
	deliveries map[trigger.ActionKind]Delivery
}

// NewRegistry wires the three closed action kinds to their delivery
// implementations.
func NewRegistry(push, webhook, callback Delivery) *Registry {
	return &Registry{deliveries: map[trigger.ActionKind]Delivery{
		trigger.ActionPushNotification: push,
		trigger.ActionHTTPWebhook:      webhook,
		trigger.ActionAgentCallback:    callback,
	}}
}

// Deliver dispatches to the registered Delivery for kind.
func (r *Registry) Deliver(ctx context.Context, kind trigger.ActionKind, cfg map[string]string, ev event.Event) (Outcome, error) {
	d, ok := r.deliveries[kind]
	if !ok {
		return PermanentFailure, fmt.Errorf("workers: no delivery registered for kind %q", kind)
	}
	return d.Deliver(ctx, cfg, ev)
}

// classifyHTTPStatus maps an HTTP response status code to an Outcome per
// the webhook/push contract: 2xx delivered; 4xx permanent except 408/429
// transient; 5xx transient. A 3xx that reaches here (one the caller did not
// follow) is classified as transient, like 5xx.
func classifyHTTPStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return Delivered
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return TransientFailure
	case status >= 400 && status < 500:
		return PermanentFailure
	default:
		return TransientFailure
	}
}

// --- push_notification -----------------------------------------------------

// PushNotificationDelivery posts to an external channel's REST API. BaseURL
// and APIKey model the one external channel deployments are assumed to
// integrate with; recipient id and message text come from cfg/template.
type PushNotificationDelivery struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
}

func (p *PushNotificationDelivery) Deliver(ctx context.Context, cfg map[string]string, ev event.Event) (Outcome, error) {
	recipient := cfg["recipient_id"]
	if recipient == "" {
		return PermanentFailure, fmt.Errorf("push_notification: missing recipient_id")
	}
	text, unknown, err := templating.Render(cfg["message_template"], ev, templating.MaxTextSize)
	if err != nil {
		return PermanentFailure, fmt.Errorf("push_notification: render: %w", err)
	}
	reportUnknownVariables(unknown)

	body, _ := json.Marshal(map[string]string{"recipient_id": recipient, "text": text, "parse_mode": cfg["parse_mode"]})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.BaseURL, "/")+"/send", bytes.NewReader(body))
	if err != nil {
		return PermanentFailure, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TransientFailure, ctx.Err()
		}
		return TransientFailure, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyHTTPStatus(resp.StatusCode), nil
}

// --- http_webhook ------------------------------------------------------------

// HTTPWebhookDelivery posts a rendered JSON body to a user-configured URL,
// rejecting targets that resolve to loopback, link-local, or RFC1918
// private addresses (SSRF protection) before ever issuing the request.
type HTTPWebhookDelivery struct {
	Client            *http.Client
	RequireHTTPS      bool
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration
}

func (h *HTTPWebhookDelivery) Deliver(ctx context.Context, cfg map[string]string, ev event.Event) (Outcome, error) {
	rawURL := cfg["url"]
	if err := validateWebhookTarget(rawURL, h.RequireHTTPS); err != nil {
		return PermanentFailure, err
	}

	method := cfg["method"]
	if method == "" {
		method = http.MethodPost
	}

	body, unknown, err := templating.Render(cfg["body_template"], ev, templating.MaxBodySize)
	if err != nil {
		return PermanentFailure, fmt.Errorf("http_webhook: render: %w", err)
	}
	reportUnknownVariables(unknown)

	if !gjson.Valid(body) {
		return PermanentFailure, fmt.Errorf("http_webhook: rendered body is not valid JSON")
	}

	timeout := h.DefaultTimeout
	if ms, err := strconv.Atoi(cfg["timeout_millis"]); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if h.MaxTimeout > 0 && timeout > h.MaxTimeout {
		timeout = h.MaxTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return h.doRequest(reqCtx, method, rawURL, body, cfg, 0)
}

// doRequest issues one request and, on a same-origin 3xx, follows up to one
// redirect before classifying the final response.
func (h *HTTPWebhookDelivery) doRequest(ctx context.Context, method, target, body string, headers map[string]string, redirects int) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, strings.NewReader(body))
	if err != nil {
		return PermanentFailure, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if strings.HasPrefix(k, "header_") {
			req.Header.Set(strings.TrimPrefix(k, "header_"), v)
		}
	}

	// The client must not follow redirects itself: only the single
	// same-origin hop below is taken, and its target is validated first.
	client := *h.Client
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TransientFailure, ctx.Err()
		}
		return TransientFailure, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 && resp.StatusCode < 400 && redirects == 0 {
		location := resp.Header.Get("Location")
		if location != "" && sameOrigin(target, location) {
			if err := validateWebhookTarget(location, false); err != nil {
				return PermanentFailure, err
			}
			return h.doRequest(ctx, method, location, body, headers, redirects+1)
		}
	}

	return classifyHTTPStatus(resp.StatusCode), nil
}

func sameOrigin(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host
}

// validateWebhookTarget rejects malformed URLs, non-HTTPS URLs when
// RequireHTTPS is set, and any hostname resolving to a loopback,
// link-local, or RFC1918 private address.
func validateWebhookTarget(raw string, requireHTTPS bool) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("http_webhook: invalid url %q", raw)
	}
	if requireHTTPS && u.Scheme != "https" {
		return fmt.Errorf("http_webhook: https required, got scheme %q", u.Scheme)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("http_webhook: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		} else {
			return fmt.Errorf("http_webhook: cannot resolve host %q: %w", host, err)
		}
	}
	for _, ip := range ips {
		if isDisallowedTarget(ip) {
			return fmt.Errorf("http_webhook: target %q resolves to a disallowed private/loopback address", raw)
		}
	}
	return nil
}

func isDisallowedTarget(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified()
}

// --- agent_callback ----------------------------------------------------------

// endpointResolver resolves an agent id to its on-chain-registered protocol
// endpoint. Production wiring fetches this from the identity registry; it
// is abstracted here so the worker's caching/invalidation logic is testable
// without a live registry.
type endpointResolver interface {
	ResolveEndpoint(ctx context.Context, agentID string) (string, error)
}

type cachedEndpoint struct {
	url       string
	expiresAt time.Time
}

// AgentCallbackDelivery posts to an agent's resolved callback endpoint,
// caching resolutions with a TTL and invalidating on a 404 (the resolved
// endpoint is gone) for one bonus retry against a freshly resolved address.
type AgentCallbackDelivery struct {
	Client   *http.Client
	Resolver endpointResolver
	TTL      time.Duration

	mu    sync.Mutex
	cache map[string]cachedEndpoint
}

func NewAgentCallbackDelivery(client *http.Client, resolver endpointResolver, ttl time.Duration) *AgentCallbackDelivery {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AgentCallbackDelivery{Client: client, Resolver: resolver, TTL: ttl, cache: make(map[string]cachedEndpoint)}
}

func (a *AgentCallbackDelivery) Deliver(ctx context.Context, cfg map[string]string, ev event.Event) (Outcome, error) {
	agentID := cfg["agent_id"]
	if agentID == "" {
		return PermanentFailure, fmt.Errorf("agent_callback: missing agent_id")
	}

	endpoint, err := a.resolve(ctx, agentID, false)
	if err != nil {
		return TransientFailure, err
	}

	body, unknown, err := templating.Render(cfg["payload_template"], ev, templating.MaxBodySize)
	if err != nil {
		return PermanentFailure, fmt.Errorf("agent_callback: render: %w", err)
	}
	reportUnknownVariables(unknown)

	outcome, status, err := a.post(ctx, endpoint, body)
	if err != nil {
		return outcome, err
	}

	// A 404 means the cached endpoint resolution is stale; invalidate and
	// take one bonus retry against a freshly resolved address before
	// giving up.
	if status == http.StatusNotFound {
		a.invalidate(agentID)
		endpoint, err = a.resolve(ctx, agentID, true)
		if err != nil {
			return TransientFailure, err
		}
		outcome, _, err = a.post(ctx, endpoint, body)
		return outcome, err
	}

	return outcome, nil
}

func (a *AgentCallbackDelivery) post(ctx context.Context, endpoint, body string) (Outcome, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return PermanentFailure, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TransientFailure, 0, ctx.Err()
		}
		return TransientFailure, 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return classifyHTTPStatus(resp.StatusCode), resp.StatusCode, nil
}

func (a *AgentCallbackDelivery) resolve(ctx context.Context, agentID string, force bool) (string, error) {
	a.mu.Lock()
	if !force {
		if c, ok := a.cache[agentID]; ok && time.Now().Before(c.expiresAt) {
			a.mu.Unlock()
			return c.url, nil
		}
	}
	a.mu.Unlock()

	endpoint, err := a.Resolver.ResolveEndpoint(ctx, agentID)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.cache[agentID] = cachedEndpoint{url: endpoint, expiresAt: time.Now().Add(a.TTL)}
	a.mu.Unlock()
	return endpoint, nil
}

// Invalidate drops the cached endpoint for agentID; wired to the
// per-agent metadata-change signal the registry emits.
func (a *AgentCallbackDelivery) Invalidate(agentID string) {
	a.invalidate(agentID)
}

func (a *AgentCallbackDelivery) invalidate(agentID string) {
	a.mu.Lock()
	delete(a.cache, agentID)
	a.mu.Unlock()
}
