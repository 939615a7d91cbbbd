package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/shadowsync/internal/adapter"
	"github.com/agentworkforce/shadowsync/internal/config"
	"github.com/agentworkforce/shadowsync/internal/exclude"
	"github.com/agentworkforce/shadowsync/internal/ratelimit"
	"github.com/agentworkforce/shadowsync/internal/replica"
	"github.com/agentworkforce/shadowsync/internal/replica/localfs"
	"github.com/agentworkforce/shadowsync/internal/replica/remote"
	"github.com/agentworkforce/shadowsync/internal/store"
)

// daemon owns the configured adapters.
type daemon struct {
	cfg      config.Config
	logger   *zap.Logger
	adapters []*adapter.Adapter
	byName   map[string]*adapter.Adapter
	backends []store.Backend
}

func buildDaemon(cfg config.Config, logger *zap.Logger) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &daemon{cfg: cfg, logger: logger, byName: map[string]*adapter.Adapter{}}
	type binding struct {
		target string
		source adapter.LateRevisionProvider
	}
	var bindings []binding
	for _, ac := range cfg.Adapters {
		var source adapter.LateRevisionProvider
		if ac.RevisionSource != "" {
			source = adapter.NewLateRevisionProvider("revision source of " + ac.Name)
			bindings = append(bindings, binding{target: ac.RevisionSource, source: source})
		}
		a, err := d.buildAdapter(ac, source)
		if err != nil {
			d.close()
			return nil, err
		}
		d.adapters = append(d.adapters, a)
		d.byName[ac.Name] = a
	}
	// Revision sources refer to adapters that may be built after their
	// consumer.
	for _, b := range bindings {
		if err := b.source.Bind(d.byName[b.target]); err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

func (d *daemon) buildAdapter(ac config.AdapterConfig, source adapter.LateRevisionProvider) (*adapter.Adapter, error) {
	logger := d.logger.Named(ac.Name)
	roots := make([]adapter.Root, 0, len(ac.Roots))
	paths := make([]string, 0, len(ac.Roots))
	patterns := append([]string(nil), exclude.DefaultPatterns...)
	special := append([]string(nil), exclude.DefaultSpecialFolders...)
	for _, rc := range ac.Roots {
		roots = append(roots, adapter.Root{ID: rc.ID, Path: rc.Path, Scope: rc.Scope, Enabled: rc.IsEnabled()})
		paths = append(paths, rc.Path)
		patterns = append(patterns, rc.IgnorePatterns...)
		special = append(special, rc.SpecialFolders...)
		if ac.Replica == config.ReplicaLocal {
			fromFile, err := exclude.LoadIgnoreFile(rc.Path)
			if err != nil {
				return nil, fmt.Errorf("adapter %s: read ignore file of root %s: %w", ac.Name, rc.ID, err)
			}
			patterns = append(patterns, fromFile...)
		}
	}

	var (
		client   replica.FileSystemClient
		eventLog replica.EventLogClient
	)
	switch ac.Replica {
	case config.ReplicaLocal:
		c, err := localfs.New(localfs.Options{Roots: paths, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", ac.Name, err)
		}
		client = c
		eventLog = localfs.NewEventLog(c, 0)
	case config.ReplicaRemote:
		timeout := ac.Remote.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		api := remote.NewHTTPClient(ac.Remote.BaseURL, ac.Remote.Token, &http.Client{Timeout: timeout})
		c, err := remote.New(api, remote.Options{
			Workspace: ac.Remote.Workspace,
			Provider:  ac.Remote.Provider,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", ac.Name, err)
		}
		client = c
		eventLog = remote.NewEventLog(c, paths)
	}

	backend, err := store.BuildFromDSN(ac.StateDSN, ac.Name)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: state backend: %w", ac.Name, err)
	}
	if backend != nil {
		d.backends = append(d.backends, backend)
	}

	opts := adapter.Options{
		Name:     ac.Name,
		Client:   client,
		EventLog: eventLog,
		Backend:  backend,
		Roots:    roots,
		Filter:   exclude.New(patterns, special),
		Limiter: ratelimit.NewOperationLimiter(ratelimit.Config{
			MinDelay:    d.cfg.RateLimit.MinDelay,
			MaxDelay:    d.cfg.RateLimit.MaxDelay,
			AccessRate:  d.cfg.RateLimit.AccessRate,
			AccessBurst: d.cfg.RateLimit.AccessBurst,
		}),
		OnDemand:     ac.OnDemand,
		ReadDebounce: ac.ReadDebounce,
		Logger:       logger,
	}
	if source.LateBound != nil {
		opts.RevisionSource = source
	}
	return adapter.New(opts)
}

func (d *daemon) connect(ctx context.Context) error {
	for _, a := range d.adapters {
		if err := a.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", a.Name(), err)
		}
		d.logger.Info("adapter connected", zap.String("adapter", a.Name()))
	}
	return nil
}

func (d *daemon) close() {
	for _, a := range d.adapters {
		if err := a.Disconnect(); err != nil && !errors.Is(err, adapter.ErrNotConnected) {
			d.logger.Warn("disconnect failed", zap.String("adapter", a.Name()), zap.Error(err))
		}
	}
	for _, b := range d.backends {
		if err := b.Close(); err != nil {
			d.logger.Warn("close state backend failed", zap.Error(err))
		}
	}
	d.backends = nil
}

// detectOnce runs one detection pass on every adapter.
func (d *daemon) detectOnce(ctx context.Context) (map[string]adapter.DetectionReport, error) {
	reports := make(map[string]adapter.DetectionReport, len(d.adapters))
	var errs []error
	for _, a := range d.adapters {
		report, err := d.detect(ctx, a)
		reports[a.Name()] = report
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return reports, errors.Join(errs...)
}

func (d *daemon) detect(ctx context.Context, a *adapter.Adapter) (adapter.DetectionReport, error) {
	timeout := d.cfg.Detection.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	report, err := a.DetectUpdates(ctx)
	if errors.Is(err, adapter.ErrFaulted) {
		// A faulted adapter comes back through a fresh session.
		d.logger.Warn("adapter faulted, reconnecting", zap.String("adapter", a.Name()), zap.Error(err))
		_ = a.Disconnect()
		if connErr := a.Connect(ctx); connErr != nil {
			return report, errors.Join(err, connErr)
		}
	}
	return report, err
}

// runDetection polls every adapter on a jittered interval until ctx ends.
func (d *daemon) runDetection(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range d.adapters {
		wg.Add(1)
		go func(a *adapter.Adapter) {
			defer wg.Done()
			d.detectLoop(ctx, a)
		}(a)
	}
	wg.Wait()
}

func (d *daemon) detectLoop(ctx context.Context, a *adapter.Adapter) {
	interval := d.cfg.Detection.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	jitter := clampJitterRatio(d.cfg.Detection.Jitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	logger := d.logger.With(zap.String("adapter", a.Name()))

	run := func() {
		report, err := d.detect(ctx, a)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("detection failed", zap.Error(err))
			}
			return
		}
		if report.Events > 0 || report.Remaining > 0 {
			logger.Debug("detection completed",
				zap.Int("events", report.Events),
				zap.Int("enumerated", report.Enumerated),
				zap.Int("remaining", report.Remaining),
				zap.Duration("duration", report.Duration),
			)
		}
	}

	run()
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("detection stopping", zap.Error(ctx.Err()))
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
