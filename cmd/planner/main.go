// Package main runs the planner in simulation: a fake localizer integrates
// the issued commands through the vehicle model and feeds the resulting poses
// back, closing the loop without hardware.
package main

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/raceplan/planner"
	"go.viam.com/raceplan/refpath"
	"go.viam.com/raceplan/vehicle"
)

var logger = golog.NewDevelopmentLogger("raceplan")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Config string `flag:"config,usage=path to a JSON5 planner config"`
}

// circleRoute connects goals with arcs around the origin, a stand-in for a
// real routing service.
type circleRoute struct {
	radius float64
}

func (r circleRoute) Plan(ctx context.Context, start, goal r2.Point) ([]refpath.Waypoint, error) {
	a0 := math.Atan2(start.Y, start.X)
	a1 := math.Atan2(goal.Y, goal.X)
	sweep := a1 - a0
	for sweep <= 0 {
		sweep += 2 * math.Pi
	}
	n := int(math.Ceil(sweep/0.06)) + 1
	wps := make([]refpath.Waypoint, n)
	for i := range wps {
		theta := a0 + sweep*float64(i)/float64(n-1)
		wps[i] = refpath.Waypoint{
			X:          r.radius * math.Cos(theta),
			Y:          r.radius * math.Sin(theta),
			LeftWidth:  0.5,
			RightWidth: 0.5,
			SpeedLimit: 1,
		}
	}
	return wps, nil
}

// simActuator keeps the most recent command for the simulation to act on.
type simActuator struct {
	mu   sync.Mutex
	cmd  planner.Command
	live bool
}

func (a *simActuator) Command(ctx context.Context, cmd planner.Command) error {
	a.mu.Lock()
	a.cmd = cmd
	a.live = true
	a.mu.Unlock()
	return nil
}

func (a *simActuator) latest() (planner.Command, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cmd, a.live
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	cfg := planner.DefaultConfig()
	if argsParsed.Config != "" {
		var err error
		if cfg, err = planner.ReadConfig(argsParsed.Config); err != nil {
			return err
		}
	} else {
		cfg.Goals = []r2.Point{{X: 0, Y: -1}, {X: 0, Y: 1}}
		cfg.Loop = true
	}

	act := &simActuator{}
	p, err := planner.New(cfg, circleRoute{radius: 1}, act, planner.Options{}, logger)
	if err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(p.Close(context.Background()))
	}()
	p.StartPlanning()

	return simulate(ctx, cfg, act, p, logger)
}

// simulate integrates the vehicle at 100 Hz and reports progress once a
// second.
func simulate(
	ctx context.Context,
	cfg planner.Config,
	act *simActuator,
	p *planner.Planner,
	logger golog.Logger,
) error {
	model, err := vehicle.NewModel(cfg.Limits)
	if err != nil {
		return err
	}

	const simDT = 10 * time.Millisecond
	state := vehicle.State{X: cfg.Goals[0].X, Y: cfg.Goals[0].Y}
	lastReport := time.Now()
	for goutils.SelectContextOrWait(ctx, simDT) {
		if cmd, ok := act.latest(); ok {
			rate := (cmd.Steer - state.Steer) / simDT.Seconds()
			state, _ = model.Integrate(state, vehicle.Control{Accel: cmd.Accel, SteerRate: rate}, simDT)
		}
		now := time.Now()
		p.UpdatePose(planner.Sample{
			Position:    r2.Point{X: state.X, Y: state.Y},
			Orientation: quat.Number{Real: math.Cos(state.Heading / 2), Kmag: math.Sin(state.Heading / 2)},
			Velocity:    state.Velocity,
			Stamp:       now,
		})
		if now.Sub(lastReport) >= time.Second {
			lastReport = now
			logger.Infow("vehicle",
				"x", state.X, "y", state.Y,
				"v", state.Velocity, "heading", state.Heading)
		}
	}
	return ctx.Err()
}
