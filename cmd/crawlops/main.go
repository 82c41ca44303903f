// Package main wires together the crawl operations service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/api"
	"github.com/localatlas/crawlops/internal/backoff"
	"github.com/localatlas/crawlops/internal/campaign"
	"github.com/localatlas/crawlops/internal/claim"
	"github.com/localatlas/crawlops/internal/clock/system"
	"github.com/localatlas/crawlops/internal/config"
	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/id/uuid"
	"github.com/localatlas/crawlops/internal/logging"
	"github.com/localatlas/crawlops/internal/probe"
	sinkmemory "github.com/localatlas/crawlops/internal/sink/memory"
	"github.com/localatlas/crawlops/internal/storage/memory"
	"github.com/localatlas/crawlops/internal/storage/postgres"
	"github.com/localatlas/crawlops/internal/sweep"
	"github.com/localatlas/crawlops/internal/watchdog"
	"github.com/localatlas/crawlops/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		targets    dispatch.TargetStore
		heartbeats dispatch.HeartbeatStore
		runs       dispatch.ExecutionLogStore
		healing    dispatch.HealingStore
	)
	if cfg.DB.DSN != "" {
		if err := postgres.Migrate(cfg.DB.DSN); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			logger.Fatal("postgres pool failed", zap.Error(err))
		}
		defer pool.Close()
		ts, err := postgres.NewTargetStore(pool)
		if err != nil {
			logger.Fatal("target store init failed", zap.Error(err))
		}
		hs, err := postgres.NewHeartbeatStore(pool)
		if err != nil {
			logger.Fatal("heartbeat store init failed", zap.Error(err))
		}
		rs, err := postgres.NewRunStore(pool)
		if err != nil {
			logger.Fatal("run store init failed", zap.Error(err))
		}
		es, err := postgres.NewHealingStore(pool)
		if err != nil {
			logger.Fatal("healing store init failed", zap.Error(err))
		}
		targets, heartbeats, runs, healing = ts, hs, rs, es
		logger.Info("using postgres stores")
	} else {
		targets = memory.NewTargetStore()
		heartbeats = memory.NewHeartbeatStore()
		runs = memory.NewRunStore()
		healing = memory.NewHealingStore()
		logger.Warn("db.dsn empty, using in-memory stores (dev mode)")
	}

	var cooldowns watchdog.CooldownKeeper
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close() //nolint:errcheck // shutdown path
		cooldowns = watchdog.NewRedisCooldown(client, "")
		logger.Info("using redis cooldown keeper", zap.String("addr", cfg.Redis.Addr))
	} else {
		cooldowns = watchdog.NewMemoryCooldown(nil)
	}

	clock := system.New()
	idGen := uuid.New()
	policy := backoff.NewPolicy()
	sink := sinkmemory.New()
	processor := &devProcessor{}

	claims := claim.NewManager(targets, clock, claim.Config{
		MaxAttempts:      cfg.Worker.MaxAttempts,
		MaxSelectRetries: cfg.Worker.ClaimSelectRetries,
	}, logger.Named("claim"))

	sweeper := sweep.New(targets, heartbeats, policy, clock, sweep.Config{
		DefaultTimeout: time.Duration(cfg.Sweep.DefaultTimeoutMinutes) * time.Minute,
		TypeTimeouts:   cfg.SweepTimeouts(),
		Interval:       time.Duration(cfg.Sweep.IntervalMinutes) * time.Minute,
		MaxAttempts:    cfg.Worker.MaxAttempts,
	}, logger.Named("sweep"))

	scheduler := campaign.NewScheduler(runs, sweeper, clock, idGen, logger.Named("campaign"))
	prober := probe.New(targets, processor, clock, logger.Named("probe"))

	filters := dispatch.TargetFilters{
		Provider:    cfg.Worker.FilterProvider,
		Country:     cfg.Worker.FilterCountry,
		Category:    cfg.Worker.FilterCategory,
		MinPriority: cfg.Worker.FilterMinPriority,
	}
	for i := 0; i < cfg.Worker.Count; i++ {
		w := worker.New(worker.Config{
			Name:              fmt.Sprintf("%s-worker-%d", cfg.Worker.Type, i),
			Type:              cfg.Worker.Type,
			Filters:           filters,
			HeartbeatInterval: cfg.HeartbeatInterval(),
			IdleDelay:         time.Duration(cfg.Worker.IdleDelaySeconds) * time.Second,
			DefaultPageTarget: cfg.Worker.DefaultPageTarget,
		}, claims, processor, sink, heartbeats, policy, clock, logger.Named("worker"))
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("worker exited", zap.Error(err))
			}
		}()
	}

	go sweeper.Run(ctx)

	if cfg.Watchdog.Enabled {
		wd := watchdog.New(heartbeats, healing, runtimeSampler{}, &remediator{stop: stop, logger: logger}, cooldowns, clock, idGen, watchdog.Config{
			StaleAfter:         time.Duration(cfg.Watchdog.StaleAfterMinutes) * time.Minute,
			TypeStaleAfter:     cfg.SweepTimeouts(),
			ProcessCeiling:     cfg.Watchdog.ProcessCeiling,
			MemoryCeilingBytes: cfg.Watchdog.MemoryCeilingBytes,
			EscalationWindow:   time.Duration(cfg.Watchdog.EscalationWindowMin) * time.Minute,
			Interval:           time.Duration(cfg.Watchdog.IntervalSeconds) * time.Second,
		}, logger.Named("watchdog"))
		go wd.Run(ctx)
	}

	runner := &jobRunner{
		scheduler:     scheduler,
		targets:       targets,
		prober:        prober,
		jobName:       cfg.Campaign.JobName,
		probeJobName:  cfg.Campaign.ProbeJobName,
		probeProvider: cfg.Campaign.ProbeProvider,
	}
	go runner.runOnSchedule(ctx, time.Duration(cfg.Campaign.IntervalMinutes)*time.Minute, logger)
	go runner.runProbeOnSchedule(ctx, time.Duration(cfg.Campaign.ProbeIntervalMinutes)*time.Minute, logger)

	apiServer := api.NewServer(targets, runs, heartbeats, healing, runner, prober, idGen, clock, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// jobRunner adapts the scheduler to the API's trigger surface and the
// interval loops. The crawl body waits for the worker fleet to drain the
// queue; counters live on the targets themselves. The probe job name maps
// to the dry-run body instead.
type jobRunner struct {
	scheduler     *campaign.Scheduler
	targets       dispatch.TargetStore
	prober        *probe.Prober
	jobName       string
	probeJobName  string
	probeProvider string
}

func (r *jobRunner) RunJob(ctx context.Context, jobName string) (dispatch.ExecutionLog, error) {
	if jobName == r.probeJobName {
		return r.scheduler.Run(ctx, jobName, r.prober.Body(r.probeProvider))
	}
	return r.scheduler.Run(ctx, jobName, r.drainBody())
}

func (r *jobRunner) runOnSchedule(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.scheduler.Run(ctx, r.jobName, r.drainBody()); err != nil {
				logger.Error("scheduled run failed", zap.Error(err))
			}
		}
	}
}

func (r *jobRunner) runProbeOnSchedule(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.scheduler.Run(ctx, r.probeJobName, r.prober.Body(r.probeProvider)); err != nil {
				logger.Error("scheduled probe failed", zap.Error(err))
			}
		}
	}
}

func (r *jobRunner) drainBody() campaign.Body {
	return func(ctx context.Context, rc *campaign.RunContext) error {
		for {
			if rc.Stopped() {
				return nil
			}
			counts, err := r.targets.CountByStatus(ctx)
			if err != nil {
				return err
			}
			if counts[dispatch.StatusPlanned]+counts[dispatch.StatusInProgress] == 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// devProcessor synthesizes a couple of result pages per target so the full
// pipeline can be exercised without real provider credentials. Production
// deployments swap in a real fetch+parse processor here.
type devProcessor struct{}

func (devProcessor) Process(_ context.Context, _ dispatch.CrawlTarget, page int) (dispatch.ProcessResult, error) {
	if page > 2 {
		return dispatch.ProcessResult{}, nil
	}
	return dispatch.ProcessResult{Accepted: 10, Rejected: 2}, nil
}

// runtimeSampler reads in-process resource usage for the watchdog ceilings.
type runtimeSampler struct{}

func (runtimeSampler) Sample(_ context.Context) (dispatch.ResourceSample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return dispatch.ResourceSample{
		ProcessCount: runtime.NumGoroutine(),
		MemoryBytes:  int64(ms.Alloc),
		SampledAt:    time.Now().UTC(),
	}, nil
}

// remediator is the single-process remediation backend: soft cleanup frees
// memory, restarts escalate to a supervisor-driven process exit.
type remediator struct {
	stop   context.CancelFunc
	logger *zap.Logger
}

func (r *remediator) Remediate(_ context.Context, action, target string) error {
	switch action {
	case watchdog.ActionSoftCleanup:
		runtime.GC()
		return nil
	case watchdog.ActionComponentRestart:
		r.logger.Warn("component restart requested", zap.String("target", target))
		runtime.GC()
		return nil
	case watchdog.ActionServiceRestart:
		// Exit gracefully; the supervisor (systemd, k8s) restarts us.
		r.logger.Warn("service restart requested, shutting down", zap.String("target", target))
		r.stop()
		return nil
	default:
		return fmt.Errorf("unknown remediation action %q", action)
	}
}
