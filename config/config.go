package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
	"github.com/slighter12/go-lib/database/postgres"
)

const (
	defaultPath               = "."
	defaultMaxRequestBodySize = "100KB"

	defaultCalendarID     = "primary"
	defaultOAuthStateTTL  = 10 * time.Minute
	defaultRedisKeyPrefix = "calsync"
	defaultRedisOpTimeout = 500 * time.Millisecond
	defaultMetricsPath    = "/metrics"

	defaultTokenSafetyMargin = 5 * time.Minute
	defaultLocalMaxEntries   = 10000
	defaultExchangeTimeout   = 10 * time.Second
	defaultRetryMaxAttempts  = 3
	defaultRetryInitial      = 200 * time.Millisecond

	defaultSyncMinInterval       = 5 * time.Minute
	defaultSyncLookBehind        = 30 * 24 * time.Hour
	defaultSyncLookAhead         = 90 * 24 * time.Hour
	defaultSyncPageSize          = 250
	defaultSyncTimeout           = 30 * time.Second
	defaultSyncLockTTL           = 5 * time.Minute
	defaultSyncBackgroundTimeout = 2 * time.Minute
)

type Config struct {
	Env struct {
		Env         string `json:"env" yaml:"env"`
		ServiceName string `json:"serviceName" yaml:"serviceName"`
		Debug       bool   `json:"debug" yaml:"debug"`
		Log         Log    `json:"log" yaml:"log"`
	} `json:"env" yaml:"env"`

	HTTP struct {
		Port               int    `json:"port" yaml:"port"`
		MaxRequestBodySize string `json:"maxRequestBodySize" yaml:"maxRequestBodySize"`
		Timeouts           struct {
			ReadTimeout       time.Duration `json:"readTimeout" yaml:"readTimeout"`
			ReadHeaderTimeout time.Duration `json:"readHeaderTimeout" yaml:"readHeaderTimeout"`
			WriteTimeout      time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
			IdleTimeout       time.Duration `json:"idleTimeout" yaml:"idleTimeout"`
		} `json:"timeouts" yaml:"timeouts"`

		// CORSAllowOrigins lists the web origins allowed to call the API; empty allows any.
		CORSAllowOrigins []string `json:"corsAllowOrigins" yaml:"corsAllowOrigins"`
	} `json:"http" yaml:"http"`

	Postgres *postgres.DBConn `json:"postgres" yaml:"postgres" mapstructure:"postgres"`

	// Migrations applies the embedded schema on startup when enabled.
	Migrations struct {
		AutoApply bool `json:"autoApply" yaml:"autoApply"`
	} `json:"migrations" yaml:"migrations"`

	SecretKey struct {
		Access string `json:"access" yaml:"access"`
	} `json:"secretKey" yaml:"secretKey"`

	GoogleOAuth *GoogleOAuthConfig `json:"googleOAuth" yaml:"googleOAuth"`

	GoogleCalendar *GoogleCalendarConfig `json:"googleCalendar" yaml:"googleCalendar"`

	Vault *VaultConfig `json:"vault" yaml:"vault"`

	// Redis backs the distributed token tier and the distributed sync lease.
	// Leaving the address empty keeps both in-process.
	Redis *RedisConfig `json:"redis" yaml:"redis"`

	TokenCache *TokenCacheConfig `json:"tokenCache" yaml:"tokenCache"`

	Sync *SyncConfig `json:"sync" yaml:"sync"`

	// PubSub configuration for sync completion events
	PubSub *PubSubConfig `json:"pubsub" yaml:"pubsub"`

	Metrics *MetricsConfig `json:"metrics" yaml:"metrics"`
}

// GoogleOAuthConfig holds the client used for refresh-token exchanges.
type GoogleOAuthConfig struct {
	ClientID     string   `json:"clientId" yaml:"clientId"`
	ClientSecret string   `json:"clientSecret" yaml:"clientSecret"`
	RedirectURI  string   `json:"redirectUri" yaml:"redirectUri"`
	Scopes       []string `json:"scopes" yaml:"scopes"`

	// StateTTL bounds how long a consent redirect stays valid.
	StateTTL time.Duration `json:"stateTtl" yaml:"stateTtl"`

	// TokenURL overrides Google's token endpoint, mostly for local stubs.
	TokenURL string `json:"tokenUrl" yaml:"tokenUrl"`
}

type GoogleCalendarConfig struct {
	CalendarID string `json:"calendarId" yaml:"calendarId"`

	// Endpoint overrides the Calendar API base path.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// VaultConfig selects the secrets keeper, e.g. base64key://<key> or gcpkms://projects/...
type VaultConfig struct {
	KeeperURL string `json:"keeperUrl" yaml:"keeperUrl"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`

	// KeyPrefix namespaces every key written by this service.
	KeyPrefix   string        `json:"keyPrefix" yaml:"keyPrefix"`
	DialTimeout time.Duration `json:"dialTimeout" yaml:"dialTimeout"`

	// OpTimeout bounds a single cache round trip before the tier is treated as unreachable.
	OpTimeout time.Duration `json:"opTimeout" yaml:"opTimeout"`
}

// TokenCacheConfig defines access token caching and exchange retry policy
type TokenCacheConfig struct {
	SafetyMargin     time.Duration `json:"safetyMargin" yaml:"safetyMargin"`
	LocalMaxEntries  int64         `json:"localMaxEntries" yaml:"localMaxEntries"`
	ExchangeTimeout  time.Duration `json:"exchangeTimeout" yaml:"exchangeTimeout"`
	RetryMaxAttempts int           `json:"retryMaxAttempts" yaml:"retryMaxAttempts"`
	RetryInitial     time.Duration `json:"retryInitial" yaml:"retryInitial"`
}

// SyncConfig defines the calendar synchronization policy
type SyncConfig struct {
	MinInterval time.Duration `json:"minInterval" yaml:"minInterval"`
	LookBehind  time.Duration `json:"lookBehind" yaml:"lookBehind"`
	LookAhead   time.Duration `json:"lookAhead" yaml:"lookAhead"`
	PageSize    int64         `json:"pageSize" yaml:"pageSize"`

	// Timeout bounds each remote page request.
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	LockTTL  time.Duration `json:"lockTtl" yaml:"lockTtl"`
	LockWait time.Duration `json:"lockWait" yaml:"lockWait"`

	// BackgroundTimeout bounds syncs started by reads on stale data.
	BackgroundTimeout time.Duration `json:"backgroundTimeout" yaml:"backgroundTimeout"`
}

type Log struct {
	Pretty bool   `json:"pretty" yaml:"pretty"`
	Level  string `json:"level" yaml:"level"`

	// SlowQuery is the threshold above which SQL statements are logged as warnings.
	SlowQuery time.Duration `json:"slowQuery" yaml:"slowQuery"`
}

// PubSubConfig defines Pub/Sub configuration for event publishing
type PubSubConfig struct {
	// Provider type: "local" for local HTTP or "google" for Google Pub/Sub
	Provider string `json:"provider" yaml:"provider"`

	// Google Cloud project ID (for google provider)
	ProjectID string `json:"projectId" yaml:"projectId"`

	// Pub/Sub topic ID (for google provider)
	TopicID string `json:"topicId" yaml:"topicId"`

	// Local HTTP endpoint for development (for local provider)
	LocalEndpoint string `json:"localEndpoint" yaml:"localEndpoint"`

	// PushAudience is the audience expected in push OIDC tokens. Defaults to the request URL.
	PushAudience string `json:"pushAudience" yaml:"pushAudience"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// LoadWithEnv loads .yaml files through koanf.
func LoadWithEnv[T any](currEnv string, configPath ...string) (*T, error) {
	cfg := new(T)
	koanfInstance := koanf.New(".")

	// Build list of paths to search for config file
	searchPaths := []string{defaultPath}
	if len(configPath) != 0 {
		pwd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "os.Getwd")
		}
		for _, path := range configPath {
			abs := filepath.Join(pwd, path)
			searchPaths = append(searchPaths, abs)
		}
	}

	// Try to find and load the config file
	var configFile string
	var found bool
	for _, path := range searchPaths {
		candidate := filepath.Join(path, currEnv+".yaml")
		if _, err := os.Stat(candidate); err == nil {
			configFile = candidate
			found = true

			break
		}
	}

	if !found {
		return nil, errors.Errorf("config file %s.yaml not found in any search path", currEnv)
	}

	// Load YAML config file
	if err := koanfInstance.Load(file.Provider(configFile), yaml.Parser()); err != nil {
		return nil, errors.Wrapf(err, "read %s config failed", currEnv)
	}

	existingConfigMap := koanfInstance.Raw()

	// Load environment variables
	if err := koanfInstance.Load(env.Provider(".", env.Opt{
		TransformFunc: func(k, v string) (string, any) {
			// Convert ENV_VAR_NAME to path and align each segment with existing YAML keys.
			// Example: POSTGRES_SSLMODE -> postgres.sslMode (not postgres.sslmode)
			key := canonicalizeEnvKey(k, existingConfigMap)

			return key, v
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables failed")
	}

	// Unmarshal into the config struct (case-insensitive to match env vars)
	if err := koanfInstance.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			MatchName: func(mapKey, fieldName string) bool {
				// Case-insensitive matching for env var overrides
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s config failed", currEnv)
	}

	return cfg, nil
}

func New() (*Config, error) {
	cfg, err := LoadWithEnv[Config]("config", "config", "../config", "../../config")
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.HTTP.MaxRequestBodySize) == "" {
		cfg.HTTP.MaxRequestBodySize = defaultMaxRequestBodySize
	}

	// Build replicas from environment variables (POSTGRES_REPLICAS_0_HOST, POSTGRES_REPLICAS_0_PORT, etc.)
	if cfg.Postgres != nil {
		cfg.Postgres.Replicas = buildReplicasFromEnv()
	}

	cfg.applyDefaults()

	return cfg, nil
}

// applyDefaults fills unset sections so that a minimal yaml still boots.
func (cfg *Config) applyDefaults() {
	if cfg.GoogleOAuth == nil {
		cfg.GoogleOAuth = &GoogleOAuthConfig{}
	}
	if cfg.GoogleOAuth.StateTTL <= 0 {
		cfg.GoogleOAuth.StateTTL = defaultOAuthStateTTL
	}

	if cfg.GoogleCalendar == nil {
		cfg.GoogleCalendar = &GoogleCalendarConfig{}
	}
	if cfg.GoogleCalendar.CalendarID == "" {
		cfg.GoogleCalendar.CalendarID = defaultCalendarID
	}

	if cfg.Redis == nil {
		cfg.Redis = &RedisConfig{}
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = defaultRedisKeyPrefix
	}
	if cfg.Redis.OpTimeout <= 0 {
		cfg.Redis.OpTimeout = defaultRedisOpTimeout
	}

	if cfg.TokenCache == nil {
		cfg.TokenCache = &TokenCacheConfig{}
	}
	tc := cfg.TokenCache
	if tc.SafetyMargin <= 0 {
		tc.SafetyMargin = defaultTokenSafetyMargin
	}
	if tc.LocalMaxEntries <= 0 {
		tc.LocalMaxEntries = defaultLocalMaxEntries
	}
	if tc.ExchangeTimeout <= 0 {
		tc.ExchangeTimeout = defaultExchangeTimeout
	}
	if tc.RetryMaxAttempts <= 0 {
		tc.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	if tc.RetryInitial <= 0 {
		tc.RetryInitial = defaultRetryInitial
	}

	if cfg.Sync == nil {
		cfg.Sync = &SyncConfig{}
	}
	sc := cfg.Sync
	if sc.MinInterval <= 0 {
		sc.MinInterval = defaultSyncMinInterval
	}
	if sc.LookBehind <= 0 {
		sc.LookBehind = defaultSyncLookBehind
	}
	if sc.LookAhead <= 0 {
		sc.LookAhead = defaultSyncLookAhead
	}
	if sc.PageSize <= 0 {
		sc.PageSize = defaultSyncPageSize
	}
	if sc.Timeout <= 0 {
		sc.Timeout = defaultSyncTimeout
	}
	if sc.LockTTL <= 0 {
		sc.LockTTL = defaultSyncLockTTL
	}
	if sc.LockWait < 0 {
		sc.LockWait = 0
	}
	if sc.BackgroundTimeout <= 0 {
		sc.BackgroundTimeout = defaultSyncBackgroundTimeout
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
}

func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for _, segment := range segments {
		if segment == "" {
			continue
		}

		if matched, next, ok := findExistingSegment(current, segment); ok {
			canonical = append(canonical, matched)
			current = next
		} else {
			canonical = append(canonical, segment)
			current = nil
		}
	}

	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (matched string, next map[string]any, ok bool) {
	if len(current) == 0 {
		return "", nil, false
	}

	needle := normalizeToken(segment)
	for key, value := range current {
		if normalizeToken(key) != needle {
			continue
		}

		child, _ := value.(map[string]any)

		return key, child, true
	}

	return "", nil, false
}

func normalizeToken(s string) string {
	var normalized strings.Builder
	normalized.Grow(len(s))

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		normalized.WriteRune(unicode.ToLower(r))
	}

	return normalized.String()
}

// buildReplicasFromEnv builds the replicas slice from environment variables.
// Environment variable format: POSTGRES_REPLICAS_{index}_{field}
// Example: POSTGRES_REPLICAS_0_HOST, POSTGRES_REPLICAS_0_PORT, POSTGRES_REPLICAS_0_USERNAME, POSTGRES_REPLICAS_0_PASSWORD
func buildReplicasFromEnv() []postgres.ConnectionConfig {
	var replicas []postgres.ConnectionConfig

	for i := 0; ; i++ {
		prefix := "POSTGRES_REPLICAS_" + strconv.Itoa(i) + "_"

		host := os.Getenv(prefix + "HOST")
		port := os.Getenv(prefix + "PORT")
		if host == "" || port == "" {
			// No more replicas or incomplete configuration.
			break
		}

		replica := postgres.ConnectionConfig{
			Host:     host,
			Port:     port,
			UserName: os.Getenv(prefix + "USERNAME"),
			Password: os.Getenv(prefix + "PASSWORD"),
		}

		replicas = append(replicas, replica)
	}

	return replicas
}
