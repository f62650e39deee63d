// Package server provides the public entry point for initializing the
// koripet sync server.
//
// It lives in pkg/ (not internal/) so embedders can compose the server into
// a larger process:
//
//	srv, err := server.New(ctx)
//	go srv.Poller.Run(ctx)
//	http.ListenAndServe(":4000", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/koripet/koripet/internal/api"
	"github.com/koripet/koripet/internal/api/handlers"
	"github.com/koripet/koripet/internal/config"
	"github.com/koripet/koripet/internal/hub"
	"github.com/koripet/koripet/internal/poller"
	"github.com/koripet/koripet/internal/spotify"
	"github.com/koripet/koripet/internal/stats"
	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/internal/telemetry"
	"github.com/koripet/koripet/internal/tips"
	"github.com/koripet/koripet/pkg/models"
)

// Server holds the initialized koripet components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the backing data store.
	Store store.Store

	// Hub fans state changes out to connected clients.
	Hub *hub.Hub

	// Poller is the change-detection loop; the caller runs it.
	Poller *poller.Poller

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration and returns
// a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("store initialized")

	var spotifyCfg *spotify.Config
	if cfg.Spotify.ClientID != "" && cfg.Spotify.ClientSecret != "" {
		spotifyCfg = &spotify.Config{
			ClientID:             cfg.Spotify.ClientID,
			ClientSecret:         cfg.Spotify.ClientSecret,
			FallbackRefreshToken: cfg.Spotify.RefreshToken,
		}
		log.Info().Msg("spotify integration enabled")
	}
	spotifyClient := spotify.New(spotifyCfg, dataStore, log.Logger)

	var gen tips.Generator
	if cfg.Tips.APIKey != "" {
		gen = tips.NewGeminiGenerator(cfg.Tips.APIKey, cfg.Tips.Model)
		log.Info().Str("model", cfg.Tips.Model).Msg("tip generation enabled")
	}
	tipSvc := tips.NewService(dataStore, gen, log.Logger)

	builder := stats.NewBuilder(dataStore, spotifyClient)
	wsHub := hub.New(dataStore, builder, tipSvc, log.Logger)
	pollLoop := poller.New(dataStore, builder, wsHub, spotifyClient, tipSvc,
		cfg.Poll.Interval, log.Logger)

	// One eager refresh so the first client sees a tip without waiting for
	// the gate to open.
	if _, err := tipSvc.MaybeRefresh(ctx, models.DefaultPetID); err != nil {
		log.Warn().Err(err).Msg("startup tip refresh failed")
	}

	h := handlers.New(dataStore, wsHub, builder, spotifyClient,
		cfg.Spotify.RedirectURI, log.Logger)
	router := api.NewRouter(cfg, h, wsHub)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Hub:          wsHub,
		Poller:       pollLoop,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// openStore selects the backing store and fails fast when it is unreachable.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "redis":
		s := store.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
