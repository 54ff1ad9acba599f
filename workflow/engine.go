package workflow

import (
	"github.com/bsm/redislock"
	"github.com/mmdatafocus/clearance_backend/config"
	"github.com/mmdatafocus/clearance_backend/identifier"
	"github.com/mmdatafocus/clearance_backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Engine is the set of collaborating workflows one process runs.
type Engine struct {
	Identifiers  *identifier.Generator
	Intake       *Intake
	Orchestrator *Orchestrator
	Scheduler    *Scheduler
	Sweeper      *Sweeper
}

// EngineDeps are the collaborators an Engine is assembled from. Redis and
// Locker are optional; without them sequencing and leasing stay in-process.
type EngineDeps struct {
	Store     models.DocumentStore
	Tenants   models.TenantStore
	Clients   ClientSource
	Reporter  ErrorReporter
	Artifacts ArtifactStore
	Redis     *redis.Client
	Locker    *redislock.Client
	Logger    *logrus.Logger
}

// NewEngine wires the workflows with the tunables from settings.
func NewEngine(settings config.EngineSettings, deps EngineDeps) *Engine {
	var counter identifier.Counter
	if deps.Redis != nil {
		counter = identifier.NewRedisCounter(deps.Redis)
	}
	ids := identifier.NewGenerator(deps.Store, counter)

	o := NewOrchestrator(deps.Store, deps.Tenants, deps.Clients, deps.Logger)
	o.Reporter = deps.Reporter
	o.Artifacts = deps.Artifacts
	o.MaxAttempts = settings.MaxSubmitAttempts
	o.CallTimeout = settings.RequestTimeout
	o.Jitter = config.RetryJitterEnabled()
	if deps.Locker != nil {
		lease := NewRedisLease(deps.Locker, 0)
		lease.OnError = o.ReportCacheError
		o.Lease = lease
	}

	sched := NewScheduler(o, deps.Logger)
	sched.Locker = deps.Locker
	sched.Tick = settings.SchedulerTick
	sched.BatchSize = settings.PollBatchSize
	sched.Budget = settings.PollBudget
	sched.StaleAfter = settings.StaleSendingAfter

	sweeper := NewSweeper(o, deps.Logger)
	sweeper.Locker = deps.Locker
	sweeper.Tick = settings.SweeperTick
	sweeper.BatchSize = settings.SweepBatchSize
	sweeper.Spacing = settings.SweepSpacing

	return &Engine{
		Identifiers:  ids,
		Intake:       &Intake{Store: deps.Store, Tenants: deps.Tenants, Identifiers: ids, Logger: deps.Logger},
		Orchestrator: o,
		Scheduler:    sched,
		Sweeper:      sweeper,
	}
}
