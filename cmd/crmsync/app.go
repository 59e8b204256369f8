package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/internal/pipeline"
	"github.com/ajitpratap0/crmsync/pkg/archive"
	"github.com/ajitpratap0/crmsync/pkg/clients"
	"github.com/ajitpratap0/crmsync/pkg/config"
	"github.com/ajitpratap0/crmsync/pkg/connection"
	"github.com/ajitpratap0/crmsync/pkg/credentials"
	"github.com/ajitpratap0/crmsync/pkg/events"
	"github.com/ajitpratap0/crmsync/pkg/jobs"
	"github.com/ajitpratap0/crmsync/pkg/salesforce"
	"github.com/ajitpratap0/crmsync/pkg/store"
)

// app holds everything a sync process owns
type app struct {
	orchestrator *pipeline.Orchestrator
	backend      store.Backend
	events       events.Publisher
	http         *clients.HTTPClient
	logger       *zap.Logger
}

// newApp wires the orchestrator from configuration
func newApp(ctx context.Context, cfg *config.BaseConfig, logger *zap.Logger) (*app, error) {
	creds, err := credentials.FromConfig(ctx, cfg.Credentials)
	if err != nil {
		return nil, err
	}

	httpClient := clients.NewHTTPClient(httpConfig(cfg), logger)
	sf := salesforce.NewClient(salesforce.Config{
		LoginURL:     cfg.Remote.LoginURL,
		APIVersion:   cfg.Remote.APIVersion,
		ClientID:     cfg.Remote.ClientID,
		ClientSecret: cfg.Remote.ClientSecret,
		PageSize:     cfg.Remote.PageSize,
	}, httpClient, logger)

	backend, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		_ = httpClient.Close()
		return nil, err
	}

	a := &app{backend: backend, http: httpClient, logger: logger}

	a.events, err = events.FromConfig(cfg.Events, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	deps := pipeline.Dependencies{
		Connections: connection.NewProvider(sf, creds, logger),
		Store:       backend,
		Watermarks:  backend,
		Jobs:        jobs.NewTracker(cfg.Jobs.TTL, cfg.Jobs.MaxEntries),
		Events:      a.events,
	}
	archiver, err := archive.FromConfig(ctx, cfg.Archive, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if archiver != nil {
		deps.Archiver = archiver
	}

	a.orchestrator, err = pipeline.NewOrchestrator(cfg.Mappings, deps, pipeline.Config{
		UpsertConcurrency: cfg.Performance.UpsertConcurrency,
		JoinConcurrency:   cfg.Performance.JoinConcurrency,
		MaxResults:        cfg.Remote.MaxResults,
		MaxPages:          cfg.Remote.MaxPages,
		RunTimeout:        cfg.Timeouts.Run,
	}, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func httpConfig(cfg *config.BaseConfig) *clients.HTTPConfig {
	hc := clients.DefaultHTTPConfig()
	hc.RequestTimeout = cfg.Timeouts.Request
	hc.DialTimeout = cfg.Timeouts.Connection
	hc.RetryAttempts = cfg.Reliability.RetryAttempts
	hc.RetryDelay = cfg.Reliability.RetryDelay
	hc.RetryMultiplier = cfg.Reliability.RetryMultiplier
	hc.MaxRetryDelay = cfg.Reliability.MaxRetryDelay
	hc.CircuitBreakerEnabled = cfg.Reliability.CircuitBreaker
	hc.RateLimit = float64(cfg.Reliability.RateLimitPerSec)
	hc.RateBurst = cfg.Reliability.RateLimitBurst
	hc.UserAgent = "crmsync/" + version
	return hc
}

// close waits for background runs and releases every resource
func (a *app) close(ctx context.Context) {
	if a.orchestrator != nil {
		a.orchestrator.Wait()
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Warn("failed to close event publisher", zap.Error(err))
		}
	}
	if err := a.backend.Close(ctx); err != nil {
		a.logger.Warn("failed to close store", zap.Error(err))
	}
	if err := a.http.Close(); err != nil {
		a.logger.Warn("failed to close http client", zap.Error(err))
	}
}
