package rotation

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vaultwright/secretcore/infrastructure/httputil"
	"github.com/vaultwright/secretcore/infrastructure/resilience"
	"github.com/vaultwright/secretcore/infrastructure/serviceauth"
	"github.com/vaultwright/secretcore/internal/vaultcrypto"
	"github.com/vaultwright/secretcore/internal/vaultstore"
	"github.com/vaultwright/secretcore/internal/vaulterr"
)

const alphanumericCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generator produces a new secret value for a rotation policy's spec.
type Generator interface {
	Generate(ctx context.Context, spec vaultstore.GeneratorSpec) ([]byte, error)
}

// generatorFor dispatches on spec.Kind.
func generatorFor(spec vaultstore.GeneratorSpec, webhook *WebhookGenerator) (Generator, error) {
	switch spec.Kind {
	case vaultstore.GeneratorRandomBytes:
		return randomBytesGenerator{}, nil
	case vaultstore.GeneratorRandomAlphanumeric:
		return randomAlphanumericGenerator{}, nil
	case vaultstore.GeneratorUUID:
		return uuidGenerator{}, nil
	case vaultstore.GeneratorWebhook:
		if webhook == nil {
			return nil, vaulterr.New(vaulterr.CodeInput, "webhook generator not configured")
		}
		return webhook, nil
	default:
		return nil, vaulterr.New(vaulterr.CodeInput, "unknown generator kind").WithDetail("kind", string(spec.Kind))
	}
}

type randomBytesGenerator struct{}

func (randomBytesGenerator) Generate(_ context.Context, spec vaultstore.GeneratorSpec) ([]byte, error) {
	n := spec.N
	if n <= 0 {
		n = 32
	}
	return vaultcrypto.RNG(n)
}

type randomAlphanumericGenerator struct{}

func (randomAlphanumericGenerator) Generate(_ context.Context, spec vaultstore.GeneratorSpec) ([]byte, error) {
	n := spec.N
	if n <= 0 {
		n = 16
	}
	raw, err := vaultcrypto.RNG(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = alphanumericCharset[int(b)%len(alphanumericCharset)]
	}
	return out, nil
}

type uuidGenerator struct{}

func (uuidGenerator) Generate(_ context.Context, _ vaultstore.GeneratorSpec) ([]byte, error) {
	return []byte(uuid.New().String()), nil
}

// WebhookGenerator calls an external URL that returns a new secret value,
// wrapped in retry-with-backoff and a circuit breaker, and authenticated
// via an RSA/JWT service-to-service token when a signing key is supplied.
type WebhookGenerator struct {
	client  *http.Client
	tokens  *serviceauth.ServiceTokenGenerator
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	timeout time.Duration
}

// NewWebhookGenerator constructs a WebhookGenerator. signingKey may be nil,
// in which case outbound calls carry no X-Service-Token header.
func NewWebhookGenerator(signingKey *rsa.PrivateKey, serviceID string, timeout time.Duration) *WebhookGenerator {
	client, _ := httputil.NewClient(httputil.ClientConfig{Timeout: timeout}, httputil.DefaultClientDefaults())
	var tokens *serviceauth.ServiceTokenGenerator
	if signingKey != nil {
		tokens = serviceauth.NewServiceTokenGenerator(signingKey, serviceID, time.Hour)
	}
	return &WebhookGenerator{
		client:  client,
		tokens:  tokens,
		breaker: resilience.New(resilience.DefaultConfig()),
		retry: resilience.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 30 * time.Second,
			MaxDelay:     time.Hour,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
		timeout: timeout,
	}
}

type webhookResponse struct {
	Value string `json:"value"`
}

// Generate calls spec.WebhookURL and expects a JSON body {"value": "..."}.
func (g *WebhookGenerator) Generate(ctx context.Context, spec vaultstore.GeneratorSpec) ([]byte, error) {
	if spec.WebhookURL == "" {
		return nil, vaulterr.New(vaulterr.CodeInput, "webhook generator requires webhookUrl")
	}
	_, _, err := httputil.NormalizeBaseURL(spec.WebhookURL, httputil.BaseURLOptions{})
	if err != nil {
		return nil, vaulterr.New(vaulterr.CodeInput, "invalid webhook url").WithDetail("reason", err.Error())
	}

	var value []byte
	err = g.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, g.retry, func() error {
			v, callErr := g.call(ctx, spec.WebhookURL)
			if callErr != nil {
				return callErr
			}
			value = v
			return nil
		})
	})
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CodeIO, "webhook generator failed", err)
	}
	return value, nil
}

func (g *WebhookGenerator) call(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	if g.tokens != nil {
		tok, err := g.tokens.GenerateToken()
		if err != nil {
			return nil, err
		}
		req.Header.Set(serviceauth.ServiceTokenHeader, tok)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	var parsed webhookResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Value == "" {
		return nil, fmt.Errorf("webhook response missing value field")
	}
	return []byte(parsed.Value), nil
}
