package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jacksonlee411/member-delta-sync/internal/crmclient"
	"github.com/jacksonlee411/member-delta-sync/internal/membersync"
	"github.com/jacksonlee411/member-delta-sync/internal/tenantcreds"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/jacksonlee411/member-delta-sync/modules/members/services"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	TenantSourceFile     = "file"
	TenantSourcePostgres = "postgres"
	TenantSourceStatic   = "static"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Duration reads YAML duration strings such as "300ms" or "24h".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Version  int            `yaml:"version"`
	CRM      CRMConfig      `yaml:"crm"`
	Sync     SyncConfig     `yaml:"sync"`
	Conflict ConflictConfig `yaml:"conflict"`
	Tenants  TenantsConfig  `yaml:"tenants"`
	Store    StoreConfig    `yaml:"store"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type CRMConfig struct {
	BaseURL              string   `yaml:"base_url"`
	MaxRequestsPerWindow int      `yaml:"max_requests_per_window"`
	Window               Duration `yaml:"window"`
	MaxRetries           int      `yaml:"max_retries"`
	BaseBackoff          Duration `yaml:"base_backoff"`
	MaxBackoff           Duration `yaml:"max_backoff"`
	CacheTTL             Duration `yaml:"cache_ttl"`
	CacheMaxEntries      int      `yaml:"cache_max_entries"`
	RequestTimeout       Duration `yaml:"request_timeout"`
}

type SyncConfig struct {
	Concurrency int      `yaml:"concurrency"`
	PageSize    int      `yaml:"page_size"`
	PageDelay   Duration `yaml:"page_delay"`
	RunTimeout  Duration `yaml:"run_timeout"`
	// Interval is the pause between runs in poll mode.
	Interval Duration `yaml:"interval"`
	Status   string   `yaml:"status"`
	GroupID  string   `yaml:"group_id"`
}

type ConflictConfig struct {
	DefaultStrategy string                `yaml:"default_strategy"`
	Fields          map[string]string     `yaml:"fields"`
	RecencyWindow   Duration              `yaml:"recency_window"`
	ReviewRules     []services.ReviewRule `yaml:"review_rules"`
}

type TenantsConfig struct {
	Source        string         `yaml:"source"`
	File          string         `yaml:"file"`
	Static        []types.Tenant `yaml:"static"`
	SecretsRegion string         `yaml:"secrets_region"`
	// ResolveSecrets enables AWS Secrets Manager lookups for secret_ref.
	ResolveSecrets bool     `yaml:"resolve_secrets"`
	SecretsTTL     Duration `yaml:"secrets_ttl"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	MaxConns    int32  `yaml:"max_conns"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	policy := services.DefaultConflictPolicy()
	fields := make(map[string]string, len(policy.FieldStrategies))
	for f, s := range policy.FieldStrategies {
		fields[string(f)] = string(s)
	}
	return Config{
		Version: 1,
		CRM: CRMConfig{
			MaxRequestsPerWindow: crmclient.DefaultMaxRequestsPerWindow,
			Window:               Duration(crmclient.DefaultWindow),
			MaxRetries:           crmclient.DefaultMaxRetries,
			BaseBackoff:          Duration(crmclient.DefaultBaseBackoff),
			MaxBackoff:           Duration(crmclient.DefaultMaxBackoff),
			CacheTTL:             Duration(crmclient.DefaultCacheTTL),
			CacheMaxEntries:      crmclient.DefaultCacheMaxEntries,
			RequestTimeout:       Duration(crmclient.DefaultRequestTimeout),
		},
		Sync: SyncConfig{
			Concurrency: membersync.DefaultConcurrency,
			PageSize:    membersync.DefaultPageSize,
			PageDelay:   Duration(membersync.DefaultPageDelay),
			Interval:    Duration(24 * time.Hour),
		},
		Conflict: ConflictConfig{
			DefaultStrategy: string(policy.DefaultStrategy),
			Fields:          fields,
			RecencyWindow:   Duration(policy.RecencyWindow),
		},
		Tenants: TenantsConfig{
			Source:     TenantSourcePostgres,
			SecretsTTL: Duration(tenantcreds.DefaultSecretTTL),
		},
		Store: StoreConfig{
			Driver: StorePostgres,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over Default(). An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.Version != 1 {
		return Config{}, errors.New("config: unsupported version")
	}
	return cfg, nil
}

// FromEnv loads path (CRMSYNC_CONFIG when empty), applies environment
// overrides and validates the result.
func FromEnv(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("CRMSYNC_CONFIG")
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("CRM_BASE_URL")); v != "" {
		c.CRM.BaseURL = v
	}
	if v := strings.TrimSpace(getenv("SYNC_CONCURRENCY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SYNC_CONCURRENCY: %w", err)
		}
		c.Sync.Concurrency = n
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" || c.Store.DatabaseURL == "" {
		c.Store.DatabaseURL = dbDSNFromEnv(getenv)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Sync.Concurrency <= 0 {
		return errors.New("config: sync.concurrency must be > 0")
	}
	if c.Sync.PageSize <= 0 {
		return errors.New("config: sync.page_size must be > 0")
	}
	if c.Sync.PageDelay < 0 || c.Sync.RunTimeout < 0 || c.Sync.Interval < 0 || c.Tenants.SecretsTTL < 0 {
		return errors.New("config: sync durations must not be negative")
	}
	if c.CRM.MaxRequestsPerWindow <= 0 {
		return errors.New("config: crm.max_requests_per_window must be > 0")
	}
	if c.CRM.MaxRetries < 0 {
		return errors.New("config: crm.max_retries must not be negative")
	}
	if _, err := c.ConflictPolicy(); err != nil {
		return err
	}

	switch c.Tenants.Source {
	case TenantSourceFile:
		if strings.TrimSpace(c.Tenants.File) == "" {
			return errors.New("config: tenants.file is required for the file source")
		}
	case TenantSourcePostgres:
		if c.Store.Driver != StorePostgres {
			return errors.New("config: tenants.source postgres requires store.driver postgres")
		}
	case TenantSourceStatic:
	default:
		return fmt.Errorf("config: unknown tenants.source %q", c.Tenants.Source)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.Store.DatabaseURL) == "" {
			return errors.New("config: store.database_url is required")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

// ConflictPolicy converts the conflict section into a validated policy.
func (c Config) ConflictPolicy() (services.ConflictPolicy, error) {
	p := services.ConflictPolicy{
		DefaultStrategy: types.Strategy(strings.TrimSpace(c.Conflict.DefaultStrategy)),
		FieldStrategies: make(map[types.Field]types.Strategy, len(c.Conflict.Fields)),
		RecencyWindow:   c.Conflict.RecencyWindow.Std(),
		ReviewRules:     c.Conflict.ReviewRules,
	}
	for f, s := range c.Conflict.Fields {
		p.FieldStrategies[types.Field(strings.TrimSpace(f))] = types.Strategy(strings.TrimSpace(s))
	}
	if err := p.Validate(); err != nil {
		return services.ConflictPolicy{}, fmt.Errorf("config: conflict: %w", err)
	}
	return p, nil
}

func (c Config) CRMOptions(logger *zap.Logger) crmclient.Options {
	return crmclient.Options{
		BaseURL:              c.CRM.BaseURL,
		MaxRequestsPerWindow: c.CRM.MaxRequestsPerWindow,
		Window:               c.CRM.Window.Std(),
		MaxRetries:           c.CRM.MaxRetries,
		BaseBackoff:          c.CRM.BaseBackoff.Std(),
		MaxBackoff:           c.CRM.MaxBackoff.Std(),
		CacheTTL:             c.CRM.CacheTTL.Std(),
		CacheMaxEntries:      c.CRM.CacheMaxEntries,
		HTTPClient:           &http.Client{Timeout: c.CRM.RequestTimeout.Std()},
		Logger:               logger,
	}
}

func (c Config) SyncOptions() membersync.Options {
	return membersync.Options{
		Concurrency: c.Sync.Concurrency,
		PageSize:    c.Sync.PageSize,
		PageDelay:   c.Sync.PageDelay.Std(),
		RunTimeout:  c.Sync.RunTimeout.Std(),
		Filters: crmclient.MemberFilters{
			Status:  strings.TrimSpace(c.Sync.Status),
			GroupID: strings.TrimSpace(c.Sync.GroupID),
		},
	}
}
