package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/scene/scene"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = scene.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"images.log_level",
	"api.log_level",
}

// stringSliceKeys are space-separated lists when set from the environment
var stringSliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "scene [flags]",
	Short: "Discord bot for resizing custom emoji and converting animated WebP images",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "info", "WARN+2")
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", scene.DefaultDatabase)
	viper.SetDefault("database_type", scene.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", scene.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", scene.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", scene.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", scene.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", scene.DefaultShutdownTimeout)
	viper.SetDefault("boot_concurrency", scene.DefaultBootConcurrency)

	// SurrealDB config
	viper.SetDefault("surrealdb.endpoint", scene.DefaultSurrealDBEndpoint)
	viper.SetDefault("surrealdb.namespace", scene.DefaultSurrealDBNamespace)
	viper.SetDefault("surrealdb.database", scene.DefaultSurrealDBDatabase)
	viper.SetDefault("surrealdb.username", "")
	viper.SetDefault("surrealdb.password", "")

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.log_level", scene.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", scene.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(scene.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.custom_status_format", scene.DefaultDiscordCustomStatusFormat)

	// Image fetching and processing
	viper.SetDefault("images.cdn_base_url", scene.DefaultCDNBaseURL)
	viper.SetDefault("images.fetch_timeout", scene.DefaultImageFetchTimeout)
	viper.SetDefault("images.fetch_attempts", scene.DefaultImageFetchAttempts)
	viper.SetDefault("images.fetch_retry_delay", scene.DefaultImageFetchRetryDelay)
	viper.SetDefault("images.fetch_requests_per_second", scene.DefaultImageFetchRequestsPerSecond)
	viper.SetDefault("images.max_fetch_bytes", scene.DefaultImageMaxFetchBytes)
	viper.SetDefault("images.max_input_bytes", scene.DefaultImageMaxInputBytes)
	viper.SetDefault("images.max_decoded_bytes", scene.DefaultImageMaxDecodedBytes)
	viper.SetDefault("images.max_source_pixels", scene.DefaultImageMaxSourcePixels)
	viper.SetDefault("images.process_timeout", scene.DefaultImageProcessTimeout)
	viper.SetDefault("images.resample_filter", scene.DefaultImageResampleFilter)
	viper.SetDefault("images.output_limit_default", scene.DefaultOutputLimitDefault)
	viper.SetDefault("images.output_limit_tier2", scene.DefaultOutputLimitTier2)
	viper.SetDefault("images.output_limit_tier3", scene.DefaultOutputLimitTier3)
	viper.SetDefault("images.log_level", scene.DefaultImageLogLevel.String())

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", scene.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", scene.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", scene.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", scene.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", scene.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", scene.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", scene.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", scene.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", scene.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", scene.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", scene.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", scene.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(scene.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = scene.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from (default: .env)",
	)
}
