//nolint:lll // struct tags can't be split
package scene

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix      = "SCENE_ENV_PREFIX"
	DefaultEnvPrefix        = "SCENE"
	DefaultDatabaseType     = dbTypeSQLite
	DefaultDatabase         = "scene.sqlite3"
	DefaultLogLevel         = slog.LevelInfo
	DefaultStartupTimeout   = 30 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
	DefaultBootConcurrency  = 8
	DefaultDatabaseLogLevel = slog.LevelInfo

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultDiscordLogLevel     = slog.LevelWarn
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	DefaultDiscordCustomStatusFormat = "emoji resizing | %d servers"

	DefaultImageLogLevel               = slog.LevelInfo
	DefaultImageFetchTimeout           = 15 * time.Second
	DefaultImageFetchAttempts          = 3
	DefaultImageFetchRetryDelay        = 500 * time.Millisecond
	DefaultImageFetchRequestsPerSecond = 20.0
	DefaultImageMaxFetchBytes          = 10 * 1000 * 1000
	DefaultImageMaxInputBytes          = 10 * 1000 * 1000
	DefaultImageMaxDecodedBytes        = 2 * 1024 * 1024
	DefaultImageMaxSourcePixels        = 4096 * 4096
	DefaultImageProcessTimeout         = 30 * time.Second
	DefaultImageResampleFilter         = ResampleBilinear
	DefaultOutputLimitDefault          = 10 * 1000 * 1000
	DefaultOutputLimitTier2            = 25 * 1000 * 1000
	DefaultOutputLimitTier3            = 50 * 1000 * 1000

	DefaultSurrealDBEndpoint  = "ws://127.0.0.1:8000/rpc"
	DefaultSurrealDBNamespace = "scene"
	DefaultSurrealDBDatabase  = "scene"

	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPatch,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType selects the guild policy document store
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres surrealdb memory"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// SurrealDB is required when DatabaseType is 'surrealdb'
	SurrealDB *SurrealDBConfig `yaml:"surrealdb" mapstructure:"surrealdb" json:"surrealdb"`

	// Discord configures the bot's gateway connection
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Images configures fetching and image processing limits
	Images *ImageConfig `yaml:"images" mapstructure:"images" json:"images" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// BootConcurrency limits how many guild policies are loaded at once
	// when the gateway session becomes ready
	BootConcurrency int `yaml:"boot_concurrency" mapstructure:"boot_concurrency" json:"boot_concurrency" binding:"min=1"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Message content is required to see emoji
	// in message text. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatusFormat is the bot's custom status, formatted with the
	// number of guilds it's in. Leave empty to skip setting a status.
	CustomStatusFormat string `yaml:"custom_status_format" mapstructure:"custom_status_format" json:"custom_status_format"`
}

// ImageConfig configures image fetching and processing
type ImageConfig struct {
	// CDNBaseURL is where custom emoji images are fetched from
	CDNBaseURL string `yaml:"cdn_base_url" mapstructure:"cdn_base_url" json:"cdn_base_url" binding:"required,url"`

	// FetchTimeout bounds each individual fetch attempt
	FetchTimeout time.Duration `yaml:"fetch_timeout" mapstructure:"fetch_timeout" json:"fetch_timeout" binding:"min=1s"`

	// FetchAttempts is the total number of attempts for each fetch
	FetchAttempts uint `yaml:"fetch_attempts" mapstructure:"fetch_attempts" json:"fetch_attempts" binding:"min=1"`

	// FetchRetryDelay is the base delay between fetch attempts
	FetchRetryDelay time.Duration `yaml:"fetch_retry_delay" mapstructure:"fetch_retry_delay" json:"fetch_retry_delay"`

	// FetchRequestsPerSecond limits requests to the CDN, across all
	// handlers. 0=unlimited
	FetchRequestsPerSecond float64 `yaml:"fetch_requests_per_second" mapstructure:"fetch_requests_per_second" json:"fetch_requests_per_second" binding:"min=0"`

	// MaxFetchBytes caps the size of any fetched body
	MaxFetchBytes int64 `yaml:"max_fetch_bytes" mapstructure:"max_fetch_bytes" json:"max_fetch_bytes" binding:"min=1"`

	// MaxInputBytes is the largest attachment that will be converted
	MaxInputBytes int64 `yaml:"max_input_bytes" mapstructure:"max_input_bytes" json:"max_input_bytes" binding:"min=1"`

	// MaxDecodedBytes is the largest decoded (all frames, RGBA) WebP
	// image that will be converted
	MaxDecodedBytes int64 `yaml:"max_decoded_bytes" mapstructure:"max_decoded_bytes" json:"max_decoded_bytes" binding:"min=1"`

	// MaxSourcePixels is the largest emoji (width*height) which will be
	// decoded for resizing or compositing
	MaxSourcePixels int64 `yaml:"max_source_pixels" mapstructure:"max_source_pixels" json:"max_source_pixels" binding:"min=1"`

	// ProcessTimeout bounds decoding, resampling and encoding
	ProcessTimeout time.Duration `yaml:"process_timeout" mapstructure:"process_timeout" json:"process_timeout" binding:"min=1s"`

	// ResampleFilter is the kernel used to resize emoji
	ResampleFilter string `yaml:"resample_filter" mapstructure:"resample_filter" json:"resample_filter" binding:"oneof=bilinear catmull-rom lanczos3 nearest"`

	// Upload limits, by guild premium tier
	OutputLimitDefault int64 `yaml:"output_limit_default" mapstructure:"output_limit_default" json:"output_limit_default" binding:"min=1"`
	OutputLimitTier2   int64 `yaml:"output_limit_tier2" mapstructure:"output_limit_tier2" json:"output_limit_tier2" binding:"min=1"`
	OutputLimitTier3   int64 `yaml:"output_limit_tier3" mapstructure:"output_limit_tier3" json:"output_limit_tier3" binding:"min=1"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// OutputLimit returns the upload limit for a guild with the given
// premium tier
func (c ImageConfig) OutputLimit(tier discordgo.PremiumTier) int64 {
	switch tier {
	case discordgo.PremiumTier3:
		return c.OutputLimitTier3
	case discordgo.PremiumTier2:
		return c.OutputLimitTier2
	default:
		return c.OutputLimitDefault
	}
}

// SurrealDBConfig configures the SurrealDB guild policy store
type SurrealDBConfig struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint" binding:"required,url"`
	Namespace string `yaml:"namespace" mapstructure:"namespace" json:"namespace" binding:"required"`
	Database  string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`
	Username  string `yaml:"username" mapstructure:"username" json:"username"`
	Password  string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled starts the API server alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required for /api requests. If empty,
	// requests aren't authenticated.
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Development registers the net/http/pprof handlers under /debug/pprof,
	// behind the same bearer token as /api
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		// cors panics without at least one origin
		cfg.AllowOriginFunc = func(string) bool { return false }
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultImageConfig returns an ImageConfig with default limits
func DefaultImageConfig() *ImageConfig {
	logLevel := &slog.LevelVar{}
	logLevel.Set(DefaultImageLogLevel)
	return &ImageConfig{
		CDNBaseURL:             DefaultCDNBaseURL,
		FetchTimeout:           DefaultImageFetchTimeout,
		FetchAttempts:          DefaultImageFetchAttempts,
		FetchRetryDelay:        DefaultImageFetchRetryDelay,
		FetchRequestsPerSecond: DefaultImageFetchRequestsPerSecond,
		MaxFetchBytes:          DefaultImageMaxFetchBytes,
		MaxInputBytes:          DefaultImageMaxInputBytes,
		MaxDecodedBytes:        DefaultImageMaxDecodedBytes,
		MaxSourcePixels:        DefaultImageMaxSourcePixels,
		ProcessTimeout:         DefaultImageProcessTimeout,
		ResampleFilter:         DefaultImageResampleFilter,
		OutputLimitDefault:     DefaultOutputLimitDefault,
		OutputLimitTier2:       DefaultOutputLimitTier2,
		OutputLimitTier3:       DefaultOutputLimitTier3,
		LogLevel:               logLevel,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		BootConcurrency:       DefaultBootConcurrency,
		SurrealDB: &SurrealDBConfig{
			Endpoint:  DefaultSurrealDBEndpoint,
			Namespace: DefaultSurrealDBNamespace,
			Database:  DefaultSurrealDBDatabase,
		},
		Discord: &DiscordConfig{
			GatewayIntents:     DefaultDiscordGatewayIntent,
			LogLevel:           discordLogLevel,
			DiscordGoLogLevel:  discordgoLogLevel,
			CustomStatusFormat: DefaultDiscordCustomStatusFormat,
		},
		Images: DefaultImageConfig(),
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
