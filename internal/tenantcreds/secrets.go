package tenantcreds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/ports"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"go.uber.org/zap"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// Credentials is the JSON document stored in a tenant's secret.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	BaseURL   string `json:"base_url,omitempty"`
}

func NewSecretsManagerAPI(ctx context.Context, region string) (SecretsManagerAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if r := strings.TrimSpace(region); r != "" {
		opts = append(opts, awsconfig.WithRegion(r))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// DefaultSecretTTL is how long fetched credentials are reused before the
// secret is read again.
const DefaultSecretTTL = 15 * time.Minute

// SecretStore fetches tenant credentials by secret reference and caches them
// for ttl, so rotated secrets are picked up by long-running processes.
type SecretStore struct {
	api SecretsManagerAPI
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	creds     Credentials
	fetchedAt time.Time
}

// NewSecretStore caches secrets for ttl; ttl <= 0 selects DefaultSecretTTL.
func NewSecretStore(api SecretsManagerAPI, ttl time.Duration) *SecretStore {
	if ttl <= 0 {
		ttl = DefaultSecretTTL
	}
	return &SecretStore{api: api, ttl: ttl, now: time.Now, cache: map[string]cachedSecret{}}
}

func (s *SecretStore) Credentials(ctx context.Context, ref string) (Credentials, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Credentials{}, errors.New("secret ref is required")
	}

	s.mu.Lock()
	if e, ok := s.cache[ref]; ok {
		if s.now().Sub(e.fetchedAt) < s.ttl {
			s.mu.Unlock()
			return e.creds, nil
		}
		delete(s.cache, ref)
	}
	s.mu.Unlock()

	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref)})
	if err != nil {
		return Credentials{}, fmt.Errorf("get secret %q: %w", ref, err)
	}
	raw := aws.ToString(out.SecretString)
	if raw == "" {
		return Credentials{}, fmt.Errorf("secret %q has no string value", ref)
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("decode secret %q: %w", ref, err)
	}

	s.mu.Lock()
	s.cache[ref] = cachedSecret{creds: c, fetchedAt: s.now()}
	s.mu.Unlock()
	return c, nil
}

type credentialLookup interface {
	Credentials(ctx context.Context, ref string) (Credentials, error)
}

// Resolving wraps a tenant source and fills credentials for tenants that
// carry a secret_ref instead of inline keys. A tenant whose secret cannot be
// read is returned without credentials and logged.
type Resolving struct {
	source  ports.TenantSource
	secrets credentialLookup
	logger  *zap.Logger
}

func NewResolving(source ports.TenantSource, secrets credentialLookup, logger *zap.Logger) *Resolving {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolving{source: source, secrets: secrets, logger: logger}
}

func (r *Resolving) ListSyncTenants(ctx context.Context) ([]types.Tenant, error) {
	tenants, err := r.source.ListSyncTenants(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tenants {
		t := &tenants[i]
		if t.HasCredentials() || strings.TrimSpace(t.SecretRef) == "" || r.secrets == nil {
			continue
		}
		c, err := r.secrets.Credentials(ctx, t.SecretRef)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.logger.Warn("tenant secret unavailable",
				zap.String("tenant_id", t.ID),
				zap.String("secret_ref", t.SecretRef),
				zap.Error(err),
			)
			continue
		}
		t.APIKey = c.APIKey
		t.APISecret = c.APISecret
		if strings.TrimSpace(t.BaseURL) == "" {
			t.BaseURL = c.BaseURL
		}
	}
	return tenants, nil
}
