package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/Will-Luck/CTF-Warden/internal/anticheat"
	"github.com/Will-Luck/CTF-Warden/internal/audit"
	"github.com/Will-Luck/CTF-Warden/internal/auth"
	"github.com/Will-Luck/CTF-Warden/internal/cache"
	"github.com/Will-Luck/CTF-Warden/internal/catalog"
	"github.com/Will-Luck/CTF-Warden/internal/clock"
	"github.com/Will-Luck/CTF-Warden/internal/config"
	"github.com/Will-Luck/CTF-Warden/internal/docker"
	"github.com/Will-Luck/CTF-Warden/internal/engine"
	"github.com/Will-Luck/CTF-Warden/internal/events"
	"github.com/Will-Luck/CTF-Warden/internal/expiry"
	"github.com/Will-Luck/CTF-Warden/internal/flag"
	"github.com/Will-Luck/CTF-Warden/internal/logging"
	"github.com/Will-Luck/CTF-Warden/internal/metrics"
	"github.com/Will-Luck/CTF-Warden/internal/notify"
	"github.com/Will-Luck/CTF-Warden/internal/platform"
	"github.com/Will-Luck/CTF-Warden/internal/ports"
	"github.com/Will-Luck/CTF-Warden/internal/settings"
	"github.com/Will-Luck/CTF-Warden/internal/store"
	"github.com/Will-Luck/CTF-Warden/internal/web"
)

var version = "dev"

// Player lifecycle calls are limited per account; submissions are exempt
// because the host platform already gates them.
const (
	rateLimit  = 10
	rateWindow = time.Minute
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("CTF-Warden " + version)
	fmt.Println("=============================================")
	fmt.Printf("WARDEN_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("WARDEN_DB_DRIVER=%s\n", cfg.DBDriver)
	fmt.Printf("WARDEN_SPOOL_PATH=%s\n", cfg.SpoolPath)
	fmt.Printf("WARDEN_SWEEP_SCHEDULE=%s\n", cfg.SweepSchedule)
	fmt.Printf("WARDEN_CLEANUP_SCHEDULE=%s\n", cfg.CleanupSchedule)
	fmt.Printf("WARDEN_CHALLENGES_FILE=%s\n", cfg.ChallengesFile)
	fmt.Printf("WARDEN_CHALLENGES_WATCH=%t\n", cfg.ChallengesWatch)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close(db)
	if err := store.Migrate(db); err != nil {
		log.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	redis, err := cache.Open(cfg.RedisURL, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redis.Close()

	spool, err := audit.OpenSpool(cfg.SpoolPath)
	if err != nil {
		log.Error("failed to open audit spool", "error", err)
		os.Exit(1)
	}
	defer spool.Close()

	instances := store.NewInstanceRepo(db)
	challenges := store.NewChallengeRepo(db)
	flags := store.NewFlagRepo(db)
	attempts := store.NewAttemptRepo(db)
	audits := store.NewAuditRepo(db)

	clk := clock.Real{}
	bus := events.New()
	recorder := audit.NewRecorder(audits, spool, bus, clk, log)
	cfgStore := settings.New(store.NewConfigRepo(db), log)

	endpoint, err := cfgStore.DockerEndpoint(ctx)
	if err != nil {
		log.Error("failed to read docker endpoint", "error", err)
		os.Exit(1)
	}
	dockerClient := docker.New(endpoint, log)
	defer dockerClient.Close()

	flagSvc := flag.NewService(cfgStore, flags)
	allocator := ports.NewAllocator(cfgStore, instances, redis, log)
	scheduler := expiry.NewScheduler(redis, clk, log)

	eng := engine.New(engine.Deps{
		Docker:     dockerClient,
		Instances:  instances,
		Challenges: challenges,
		Flags:      flags,
		FlagSvc:    flagSvc,
		Ports:      allocator,
		Scheduler:  scheduler,
		Settings:   cfgStore,
		Audit:      recorder,
		Bus:        bus,
		Clock:      clk,
		Log:        log,
	})

	listener := expiry.NewListener(redis, eng, log)
	go listener.Run(ctx)

	bridge := platform.NewBridge(cfg.PlatformBanURL, cfg.PlatformSolveURL, cfg.PlatformToken, log)
	checker := anticheat.New(anticheat.Deps{
		Challenges: challenges,
		Flags:      flags,
		Attempts:   attempts,
		Instances:  instances,
		Engine:     eng,
		Host:       bridge,
		Audit:      recorder,
		Bus:        bus,
		Clock:      clk,
		Log:        log,
	})

	importer := catalog.NewImporter(challenges, log)
	if cfg.ChallengesFile != "" {
		if _, err := importer.ImportFile(ctx, cfg.ChallengesFile); err != nil {
			log.Error("failed to import challenges", "error", err)
			os.Exit(1)
		}

		if cfg.ChallengesWatch {
			watcher := catalog.NewWatcher(cfg.ChallengesFile, importer, log)
			go func() {
				if err := watcher.Run(ctx); err != nil {
					log.Error("catalog watcher stopped", "error", err)
				}
			}()
		}
	}

	serviceToken, err := auth.EnsureToken(cfg.ServiceToken, "service", log)
	if err != nil {
		log.Error("failed to provision service token", "error", err)
		os.Exit(1)
	}
	adminToken, err := auth.EnsureToken(cfg.AdminToken, "admin", log)
	if err != nil {
		log.Error("failed to provision admin token", "error", err)
		os.Exit(1)
	}
	limiter := auth.NewLimiter(rateLimit, rateWindow, clk)

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.DiscordWebhook != "" {
		notifiers = append(notifiers,
			notify.NewFiltered(notify.NewDiscord(cfg.DiscordWebhook), cfg.NotifyMinSeverity))
		log.Info("discord notifications enabled", "min_severity", cfg.NotifyMinSeverity)
	}
	if cfg.MQTTBroker != "" {
		mq := notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID,
			cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS)
		notifiers = append(notifiers, notify.NewFiltered(mq, cfg.NotifyMinSeverity))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	multi := notify.NewMulti(log, notifiers...)
	go notify.Listen(ctx, bus, multi)

	// Background jobs. Schedules were validated with the config, so AddFunc
	// failing means a parser mismatch worth dying over.
	jobs := cron.New()
	schedule := func(spec string, job func()) {
		if _, err := jobs.AddFunc(spec, job); err != nil {
			log.Error("failed to schedule job", "spec", spec, "error", err)
			os.Exit(1)
		}
	}
	schedule(cfg.SweepSchedule, func() {
		eng.CleanupExpired(ctx)
		limiter.Cleanup()
		sampleGauges(ctx, instances, recorder, log)
		if cfg.MetricsTextfile != "" {
			if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
				log.Warn("metrics textfile write failed", "path", cfg.MetricsTextfile, "error", err)
			}
		}
	})
	schedule(cfg.CleanupSchedule, func() {
		if _, err := eng.CleanupOld(ctx); err != nil {
			log.Warn("old instance cleanup failed", "error", err)
		}
		if _, err := eng.CleanupOrphans(ctx); err != nil {
			log.Warn("orphan cleanup failed", "error", err)
		}
	})
	schedule(cfg.SpoolFlushSchedule, func() {
		if _, err := recorder.FlushSpool(ctx); err != nil {
			log.Warn("audit spool flush failed", "error", err)
		}
	})
	jobs.Start()

	srv := web.NewServer(web.Dependencies{
		Engine:       eng,
		Admin:        eng,
		Checker:      checker,
		Settings:     cfgStore,
		Docker:       dockerClient,
		Challenges:   challenges,
		Importer:     importer,
		Audits:       audits,
		Instances:    instances,
		Ports:        allocator,
		Spool:        recorder,
		DB:           dbPinger{db},
		Redis:        redis,
		Bus:          bus,
		Limiter:      limiter,
		ServiceToken: serviceToken,
		AdminToken:   adminToken,
		Log:          log,
	})

	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", "error", err)
		}
	}()

	log.Info("warden started", "version", version, "addr", cfg.ListenAddr)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown error", "error", err)
	}
	<-jobs.Stop().Done()

	log.Info("warden shutdown complete")
}

// sampleGauges refreshes the point-in-time metrics each sweep. Counters are
// incremented where the events happen; only the gauges need polling.
func sampleGauges(ctx context.Context, instances *store.InstanceRepo, recorder *audit.Recorder, log *logging.Logger) {
	byStatus, err := instances.CountByStatus(ctx)
	if err != nil {
		log.Warn("instance count failed", "error", err)
	} else {
		var active int64
		for _, st := range store.LiveStatuses {
			active += byStatus[st]
		}
		metrics.InstancesActive.Set(float64(active))
	}

	used, err := instances.UsedPorts(ctx)
	if err != nil {
		log.Warn("used port count failed", "error", err)
	} else {
		metrics.PortsInUse.Set(float64(len(used)))
	}

	spooled, err := recorder.Spooled()
	if err != nil {
		log.Warn("spool count failed", "error", err)
	} else {
		metrics.AuditSpooled.Set(float64(spooled))
	}
}

// dbPinger adapts the gorm handle to the health probe.
type dbPinger struct{ db *gorm.DB }

func (p dbPinger) Ping(ctx context.Context) error { return store.Ping(ctx, p.db) }
