// Package container wires the engine's components once at startup and
// hands the finished set to routes and commands. Construction order is
// infrastructure first (log store, redis), then kernel (registry),
// then the surfaces that front it.
package container

import (
	"context"
	"fmt"

	"github.com/yawlengine/yawl/cmd/yawl/announce"
	"github.com/yawlengine/yawl/cmd/yawl/casedata"
	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
	"github.com/yawlengine/yawl/cmd/yawl/faults"
	"github.com/yawlengine/yawl/cmd/yawl/middleware"
	"github.com/yawlengine/yawl/cmd/yawl/predicate"
	"github.com/yawlengine/yawl/cmd/yawl/registry"
	"github.com/yawlengine/yawl/cmd/yawl/session"
	"github.com/yawlengine/yawl/cmd/yawl/workitem"
	"github.com/yawlengine/yawl/cmd/yawl/sweeper"
	"github.com/yawlengine/yawl/cmd/yawl/xclient"
	"github.com/yawlengine/yawl/common/config"
	"github.com/yawlengine/yawl/common/db"
	"github.com/yawlengine/yawl/common/logger"
	"github.com/yawlengine/yawl/common/redis"
	"github.com/yawlengine/yawl/common/telemetry"
)

// Container holds every long-lived component of a running engine.
type Container struct {
	Cfg *config.Config
	Log *logger.Logger

	DB    *db.DB
	Redis *redis.Client

	EventLog  eventlog.Log
	Sessions  *session.Manager
	Hub       *announce.Hub
	Registry  *registry.Registry
	Sweeper   *sweeper.Sweeper
	Telemetry *telemetry.Telemetry
	Counter   middleware.Counter

	sessionStore session.Store
}

// New builds the engine from configuration. Event-log failures are
// reported with the log fault kind so the caller can map them to the
// dedicated exit code.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	ct := &Container{Cfg: cfg, Log: log}

	needsRedis := cfg.Store.Sessions == "redis" || cfg.Announcer.RedisChannel != ""
	if needsRedis {
		client, err := redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		ct.Redis = client
	}

	if err := ct.buildEventLog(ctx); err != nil {
		ct.closePartial()
		return nil, err
	}

	if err := ct.buildSessions(); err != nil {
		ct.closePartial()
		return nil, err
	}

	ct.Hub = announce.NewHub(log, cfg.Announcer.BufferSize)
	if cfg.Announcer.RedisChannel != "" {
		ct.Hub.AttachBridge(announce.NewRedisBridge(ct.Redis, cfg.Announcer.RedisChannel, log))
	}

	xcli := xclient.New(cfg.Exception.HandlerURL, cfg.Exception.Timeout, log)
	eval := predicate.NewEvaluator()
	ct.Registry = registry.New(ct.EventLog, ct.Hub, workitem.NewSet(), casedata.NewStore(eval), eval, xcli, log, registry.Config{
		LockWait:          cfg.Engine.LockWait,
		RetireGrace:       cfg.Engine.GraceWindow,
		MaxFirings:        cfg.Engine.MaxFiringsPerRun,
		DefaultRetryLimit: cfg.Exception.RetryLimit,
	})

	ct.Sweeper = sweeper.New(ct.Registry, cfg.Exception.SweepInterval, log)

	ct.Telemetry = telemetry.New(cfg.Telemetry.AdminPort, cfg.Telemetry.EnablePprof, cfg.Telemetry.EnableMetrics,
		func() error {
			if ct.Registry.Degraded() {
				return fmt.Errorf("event log degraded, engine is read-only")
			}
			return nil
		}, log)

	if ct.Redis != nil {
		ct.Counter = ct.Redis
	} else {
		ct.Counter = middleware.NewMemoryCounter()
	}

	return ct, nil
}

func (ct *Container) buildEventLog(ctx context.Context) error {
	switch ct.Cfg.Store.EventLog {
	case "postgres":
		database, err := db.New(ctx, ct.Cfg, ct.Log)
		if err != nil {
			return faults.Wrap(faults.KindLog, err, "failed to open the event store database")
		}
		ct.DB = database
		log, err := eventlog.NewPostgres(ctx, database)
		if err != nil {
			return faults.Wrap(faults.KindLog, err, "failed to initialise the event log")
		}
		ct.EventLog = log
	default:
		ct.EventLog = eventlog.NewMemory()
	}
	return nil
}

func (ct *Container) buildSessions() error {
	accounts := make([]session.Account, 0, len(ct.Cfg.Auth.Users))
	for _, u := range ct.Cfg.Auth.Users {
		acct, err := session.NewAccount(u.Name, u.Password, u.Scopes, u.Tasks)
		if err != nil {
			return fmt.Errorf("invalid account %q: %w", u.Name, err)
		}
		accounts = append(accounts, acct)
	}

	switch ct.Cfg.Store.Sessions {
	case "redis":
		ct.sessionStore = session.NewRedisStore(ct.Redis, ct.Cfg.Session.TTL, ct.Log)
	default:
		ct.sessionStore = session.NewMemoryStore(ct.Cfg.Session.TTL, ct.Log)
	}

	mgr, err := session.NewManager(accounts, ct.sessionStore, ct.Log)
	if err != nil {
		return fmt.Errorf("failed to build session manager: %w", err)
	}
	ct.Sessions = mgr
	return nil
}

func (ct *Container) closePartial() {
	if ct.sessionStore != nil {
		ct.sessionStore.Close()
	}
	if ct.DB != nil {
		ct.DB.Close()
	}
	if ct.Redis != nil {
		ct.Redis.Close()
	}
}

// Shutdown releases every held resource. Safe to call once after the
// servers have drained.
func (ct *Container) Shutdown() {
	ct.closePartial()
	ct.Log.Info("engine components shut down")
}
