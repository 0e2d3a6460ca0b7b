package scene

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/scene/scene.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Scene is the emoji bot. It owns the discord session, the guild policy
// store and the image pipeline (Resizer, Transcoder, Compositor), and
// serves the admin API.
type Scene struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord

	// documents is opened in initRun, unless already set
	documents PolicyDocumentStore
	guilds    *GuildConfigStore

	fetcher    Fetcher
	resizer    *Resizer
	transcoder *Transcoder
	compositor *Compositor

	api *API

	// prevents concurrent runs
	runMu sync.Mutex

	// signalReady receives a value once the discord session is open
	signalReady chan struct{}

	// signalStop triggers a graceful shutdown when sent a value
	signalStop chan struct{}

	startedAt time.Time
}

// New creates a Scene from config. Any errors creating its components
// are joined and returned.
func New(config *Config) (*Scene, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres, dbTypeSurrealDB, dbTypeMemory:
		//
	default:
		errs = append(
			errs,
			fmt.Errorf(
				"invalid database type %q (must be one of: %s, %s, %s, %s)",
				config.DatabaseType,
				dbTypeSQLite, dbTypePostgres, dbTypeSurrealDB, dbTypeMemory,
			),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Images == nil {
		config.Images = DefaultImageConfig()
	}
	if config.Discord == nil {
		config.Discord = &DiscordConfig{GatewayIntents: DefaultDiscordGatewayIntent}
	}

	s := &Scene{
		config:      config,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
	}

	s.logHandler = newLogHandler(config.LogLevel)
	s.logger = slog.New(s.logHandler)
	slog.SetDefault(s.logger)

	imageLogger := slog.New(newLogHandler(config.Images.LogLevel))
	s.fetcher = NewImageFetcher(config.Images, config.HTTPClient, imageLogger)

	resizer, err := NewResizer(s.fetcher, config.Images, imageLogger)
	if err != nil {
		errs = append(errs, err)
	}
	s.resizer = resizer
	s.transcoder = NewTranscoder(s.fetcher, config.Images, imageLogger)
	s.compositor = NewCompositor(s.fetcher, config.Images, imageLogger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel),
	)
	s.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(config.Discord.LogLevel)),
	)

	if config.API != nil {
		api, e := newAPI(s, config.API)
		if e != nil {
			errs = append(errs, e)
		}
		s.api = api
	}

	return s, errors.Join(errs...)
}

// newLogHandler returns the tint handler used by every component.
// A nil level logs at slog.LevelInfo.
func newLogHandler(level *slog.LevelVar) slog.Handler {
	opts := &tint.Options{AddSource: true}
	if level != nil {
		opts.Level = level
	}
	return tint.NewHandler(defaultLogWriter, opts)
}

func (s *Scene) ValidateConfig() error {
	if err := structValidator.Struct(s.config); err != nil {
		return err
	}
	switch s.config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		if s.config.Database == "" {
			return fmt.Errorf("database is required for database type %q", s.config.DatabaseType)
		}
	case dbTypeSurrealDB:
		if s.config.SurrealDB == nil {
			return errors.New("surrealdb configuration is required for database type 'surrealdb'")
		}
	}
	return nil
}

// Guilds returns the guild policy store. It's nil until Run has
// initialized the document store.
func (s *Scene) Guilds() *GuildConfigStore {
	return s.guilds
}

// Stop triggers a graceful shutdown of a running Scene
func (s *Scene) Stop() {
	select {
	case s.signalStop <- struct{}{}:
	default:
	}
}

// Run validates the configuration, opens the document store, starts
// the admin API and connects to discord. It blocks until ctx is
// cancelled (or Stop is called), then shuts down gracefully.
func (s *Scene) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.startedAt = time.Now()
	logger := s.logger

	if err := s.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", s.config))
	if s.signalReady == nil {
		s.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			return
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- s.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if s.api != nil && s.config.API.Enabled {
		go func() {
			httpErr := s.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := s.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := s.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	s.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt
	<-ctx.Done()

	return s.shutdown(ctx, runtimeWG)
}

// initRun opens the document store and creates the guild policy store
func (s *Scene) initRun(ctx context.Context) error {
	if s.documents == nil {
		dbHandler := newLogHandler(s.config.DatabaseLogLevel)
		documents, err := OpenDocumentStore(ctx, s.config, dbHandler)
		if err != nil {
			return fmt.Errorf("error opening document store: %w", err)
		}
		s.documents = documents
	}
	if s.guilds == nil {
		s.guilds = NewGuildConfigStore(s.documents, s.config.BootConcurrency, s.logger)
	}
	return nil
}

func (s *Scene) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := s.logger.With(loggerNameKey, "discord_session")

	if s.discord.session == nil {
		session, err := s.discord.newSession(s.config.HTTPClient)
		if err != nil {
			return err
		}
		s.discord.session = session
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range s.discord.removeHandlerFuncs {
		h()
	}

	s.discord.session.SetIdentify(
		discordgo.Identify{Intents: s.config.Discord.GatewayIntents},
	)

	// handlers run in their own goroutine, tracked by runtimeWG, so
	// shutdown can wait on in-flight events
	track := func(fn func()) {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer func() {
				if rc := recover(); rc != nil {
					s.handleRecover(ctx, rc)
				}
			}()
			fn()
		}()
	}

	s.discord.removeHandlerFuncs = []func(){
		s.discord.session.AddHandler(s.discord.handlerConnect()),
		s.discord.session.AddHandler(s.discord.handlerDisconnect()),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.Ready) {
				track(func() { s.handleReady(ctx, r) })
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				track(func() { s.handleGuildCreate(ctx, g) })
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				track(func() { s.handleGuildDelete(ctx, g) })
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				track(func() { s.handleMessageCreate(ctx, m) })
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				track(func() { s.handleInteraction(ctx, i) })
			},
		),
	}
	return nil
}

func (s *Scene) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	s.logger.WarnContext(ctx, "shutting down")

	shutdownStart := time.Now()
	shutdownTimeout := s.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		s.logger.Warn("immediate shutdown")
		if s.api != nil && s.api.httpServer != nil {
			go func() {
				_ = s.api.httpServer.Close()
			}()
		}
		return errors.New("handlers did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	s.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// stop receiving new events before waiting on in-flight handlers
		if s.discord.session != nil {
			s.logger.InfoContext(ctx, "closing discord session")
			_ = s.discord.session.Close()
			for _, h := range s.discord.removeHandlerFuncs {
				h()
			}
			s.discord.removeHandlerFuncs = nil
			s.logger.InfoContext(ctx, "discord session closed")
		}

		runtimeWG.Wait()
		runtimeStopEnd := time.Now()
		s.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}

		if s.api != nil && s.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				s.logger.InfoContext(ctx, "stopping http server")
				_ = s.api.httpServer.Shutdown(closeCtx)
				s.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if s.documents != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				if err := s.documents.Close(closeCtx); err != nil {
					s.logger.ErrorContext(ctx, "error closing document store", tint.Err(err))
				}
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		shutdownEnded := time.Now()
		s.logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", shutdownEnded.Sub(shutdownStart),
		)
		return nil
	case <-closeCtx.Done():
		s.logger.Warn("handlers did not stop in time, forcing close")
		if s.api != nil && s.api.httpServer != nil {
			go func() {
				_ = s.api.httpServer.Close()
			}()
		}
		return errors.New("handlers did not stop in time")
	}
}

func (*Scene) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
