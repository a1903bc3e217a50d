package planner

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/raceplan/ilqr"
	"go.viam.com/raceplan/refpath"
	"go.viam.com/raceplan/utils"
	"go.viam.com/raceplan/vehicle"
)

// stampedState is a predicted vehicle state anchored to the instant it is
// valid for.
type stampedState struct {
	state vehicle.State
	stamp time.Time
}

// Planner owns the control and planning loops and every buffer between them.
// External collaborators push data in through the Update methods; the loops
// never call out except to the actuator and, once at startup, the router.
type Planner struct {
	cfg      Config
	logger   golog.Logger
	clk      clock.Clock
	model    *vehicle.Model
	opt      *ilqr.Optimizer
	route    RouteService
	actuator Actuator
	pwm      PWMConverter

	obstacles *ilqr.StaticObstacles

	poseBuf   *utils.RealtimeBuffer[Sample]
	stateBuf  *utils.RealtimeBuffer[stampedState]
	policyBuf *utils.RealtimeBuffer[Policy]
	pathBuf   *utils.RealtimeBuffer[[]refpath.Waypoint]

	latency  *atomic.Float64
	planning *atomic.Bool

	// legs holds one waypoint corridor per mission goal, resolved once at
	// Start; goalIdx is only touched by the planning loop after that.
	legs    [][]refpath.Waypoint
	goalIdx int

	mu                      sync.Mutex
	started                 bool
	cancel                  context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// Options carries the optional collaborators.
type Options struct {
	Clock clock.Clock
	PWM   PWMConverter
}

// New assembles a planner. The route service and actuator are required; the
// clock defaults to the wall clock.
func New(
	cfg Config,
	route RouteService,
	actuator Actuator,
	opts Options,
	logger golog.Logger,
) (*Planner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid planner config")
	}
	if route == nil || actuator == nil {
		return nil, errors.New("planner needs a route service and an actuator")
	}
	model, err := vehicle.NewModel(cfg.Limits)
	if err != nil {
		return nil, err
	}
	cost, err := ilqr.NewTrackingCost(cfg.Optimizer.Weights)
	if err != nil {
		return nil, err
	}
	opt, err := ilqr.New(cfg.Optimizer, model, cost, logger)
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	obstacles := ilqr.NewStaticObstacles()
	opt.SetObstacles(obstacles)
	return &Planner{
		cfg:       cfg,
		logger:    logger,
		clk:       clk,
		model:     model,
		opt:       opt,
		route:     route,
		actuator:  actuator,
		pwm:       opts.PWM,
		obstacles: obstacles,
		poseBuf:   utils.NewRealtimeBuffer[Sample](),
		stateBuf:  utils.NewRealtimeBuffer[stampedState](),
		policyBuf: utils.NewRealtimeBuffer[Policy](),
		pathBuf:   utils.NewRealtimeBuffer[[]refpath.Waypoint](),
		latency:   atomic.NewFloat64(cfg.Latency),
		planning:  atomic.NewBool(false),
	}, nil
}

// Start resolves the mission into per-leg corridors and launches both loops.
// It fails without side effects when any leg cannot be routed.
func (p *Planner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("planner already started")
	}

	legs, err := p.resolveMission(ctx)
	if err != nil {
		return err
	}
	p.legs = legs
	p.goalIdx = 0
	p.pathBuf.Write(legs[0])

	cancelCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		p.runControlLoop(cancelCtx)
	}, p.activeBackgroundWorkers.Done)
	p.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		p.runPlanningLoop(cancelCtx)
	}, p.activeBackgroundWorkers.Done)

	p.started = true
	p.logger.Infow("planner started",
		"goals", len(p.cfg.Goals),
		"control_hz", p.cfg.ControlFrequency,
		"receding_horizon", p.cfg.RecedingHorizon)
	return nil
}

// resolveMission routes each consecutive goal pair, closing the loop back to
// the first goal when the mission loops.
func (p *Planner) resolveMission(ctx context.Context) ([][]refpath.Waypoint, error) {
	goals := p.cfg.Goals
	n := len(goals) - 1
	if p.cfg.Loop {
		n = len(goals)
	}
	legs := make([][]refpath.Waypoint, 0, n)
	for i := 0; i < n; i++ {
		start, goal := goals[i], goals[(i+1)%len(goals)]
		wps, err := p.route.Plan(ctx, start, goal)
		if err != nil {
			return nil, errors.Wrapf(err, "routing leg %d failed", i)
		}
		if len(wps) < 2 {
			return nil, errors.Errorf("routing leg %d returned %d waypoints", i, len(wps))
		}
		legs = append(legs, wps)
	}
	return legs, nil
}

// Close stops both loops and waits for them.
func (p *Planner) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.cancel()
	p.activeBackgroundWorkers.Wait()
	p.started = false
	p.logger.Info("planner stopped")
	return nil
}

// UpdatePose feeds one localization fix to the control loop. Latest wins.
func (p *Planner) UpdatePose(s Sample) {
	p.poseBuf.Write(s)
}

// UpdateObstacle replaces the polygon stored under id; fewer than three
// vertices removes it.
func (p *Planner) UpdateObstacle(id string, vertices []r2.Point) {
	p.obstacles.Update(id, vertices)
}

// UpdatePath replaces the reference corridor. Empty updates keep the current
// path so a flaky upstream cannot strand the vehicle without a reference.
func (p *Planner) UpdatePath(wps []refpath.Waypoint) {
	if len(wps) < 2 {
		p.logger.Warnw("ignoring degenerate path update", "waypoints", len(wps))
		return
	}
	p.pathBuf.Write(wps)
}

// StartPlanning arms the planning loop.
func (p *Planner) StartPlanning() {
	p.planning.Store(true)
}

// StopPlanning disarms the planning loop and drops the active policy, which
// makes the control loop fail safe on its next tick.
func (p *Planner) StopPlanning() {
	p.planning.Store(false)
	p.policyBuf.Reset()
}

// SetLatency adjusts the actuation-delay compensation live. Negative values
// are rejected.
func (p *Planner) SetLatency(d time.Duration) {
	if d < 0 {
		p.logger.Warnw("rejecting negative latency", "latency", d)
		return
	}
	p.latency.Store(d.Seconds())
}

// Latency returns the current actuation-delay compensation.
func (p *Planner) Latency() time.Duration {
	return time.Duration(p.latency.Load() * float64(time.Second))
}
