package planner

import (
	"context"
	"time"

	"github.com/golang/geo/r2"
	goutils "go.viam.com/utils"

	"go.viam.com/raceplan/ilqr"
	"go.viam.com/raceplan/refpath"
	"go.viam.com/raceplan/vehicle"
)

const (
	// planPollInterval is how often the planning loop checks its buffers.
	planPollInterval = 10 * time.Millisecond
	// wholePathSettle lets the vehicle brake to a stop before a whole-path
	// solve is stitched together.
	wholePathSettle = 2 * time.Second
	// maxWholePathSteps caps a stitched policy so a loop course cannot be
	// chained forever.
	maxWholePathSteps = 5000
	// pathEndEpsilon is the arc-length slack, in meters, under which forward
	// progress counts as stalled.
	pathEndEpsilon = 1e-3
)

// pathIsLoop treats a corridor whose endpoints coincide as closed.
func pathIsLoop(wps []refpath.Waypoint) bool {
	first, last := wps[0].Point(), wps[len(wps)-1].Point()
	return first.Sub(last).Norm() < 1e-9
}

// setPath swaps the optimizer's reference corridor, keeping the previous one
// when the new waypoints do not form a valid path.
func (p *Planner) setPath(wps []refpath.Waypoint) bool {
	path, err := refpath.New(wps, pathIsLoop(wps))
	if err != nil {
		p.logger.Warnw("rejecting path update, keeping previous path", "error", err)
		return false
	}
	p.opt.SetPath(path)
	return true
}

// runPlanningLoop is the producer side: it turns fresh predicted states and
// corridors into policies at the replan rate, never blocking the control
// loop.
func (p *Planner) runPlanningLoop(ctx context.Context) {
	replanInterval := time.Duration(p.cfg.ReplanInterval * float64(time.Second))
	var lastPlan time.Time
	needWholePlan := false

	for goutils.SelectContextOrWait(ctx, planPollInterval) {
		if p.pathBuf.HasNewData() {
			if wps, ok := p.pathBuf.Read(); ok && p.setPath(wps) {
				needWholePlan = true
			}
		}
		if !p.planning.Load() {
			continue
		}

		if !p.cfg.RecedingHorizon {
			if needWholePlan && p.planWholePath(ctx) {
				needWholePlan = false
			}
			continue
		}

		if !p.stateBuf.HasNewData() {
			continue
		}
		now := p.clk.Now()
		if now.Sub(lastPlan) < replanInterval {
			continue
		}
		st, ok := p.stateBuf.Read()
		if !ok {
			continue
		}
		p.maybeAdvanceGoal(st.state)

		var warm vehicle.ControlSequence
		if prev, ok := p.policyBuf.Read(); ok {
			warm = prev.RefControls(st.stamp)
		}
		sol := p.opt.Plan(ctx, st.state, warm)
		lastPlan = now
		if sol.Status != ilqr.StatusConverged {
			p.logger.Warnw("solve failed, keeping previous policy",
				"status", sol.Status.String(),
				"iterations", sol.Iterations,
				"elapsed", sol.Elapsed)
			continue
		}
		p.policyBuf.Write(Policy{
			States:   sol.Trajectory,
			Controls: sol.Controls,
			Gains:    sol.Gains,
			Start:    st.stamp,
			Timestep: p.opt.Timestep(),
		})
	}
}

// maybeAdvanceGoal moves the mission to its next leg once the vehicle is
// within the arrival radius of the current one's endpoint.
func (p *Planner) maybeAdvanceGoal(s vehicle.State) {
	leg := p.legs[p.goalIdx]
	end := leg[len(leg)-1].Point()
	if end.Sub(r2.Point{X: s.X, Y: s.Y}).Norm() > p.cfg.GoalRadius {
		return
	}
	next := p.goalIdx + 1
	if next >= len(p.legs) {
		if !p.cfg.Loop {
			p.logger.Info("mission complete")
			p.StopPlanning()
			return
		}
		next = 0
	}
	p.goalIdx = next
	p.logger.Infow("goal reached, advancing", "leg", next)
	p.setPath(p.legs[next])
}

// planWholePath stitches single-horizon solves along the full corridor into
// one long policy, published only when at least one chunk converged.
func (p *Planner) planWholePath(ctx context.Context) bool {
	p.policyBuf.Reset()
	if !goutils.SelectContextOrWait(ctx, wholePathSettle) {
		return false
	}
	st, ok := p.stateBuf.Read()
	if !ok {
		return false
	}
	path := p.opt.Path()
	if path == nil {
		return false
	}

	x := st.state
	states := vehicle.Trajectory{x}
	var controls vehicle.ControlSequence
	var gains []ilqr.Gain
	prev := path.Progress(r2.Point{X: x.X, Y: x.Y})
	for len(controls) < maxWholePathSteps {
		if ctx.Err() != nil {
			return false
		}
		sol := p.opt.Plan(ctx, x, nil)
		if sol.Status != ilqr.StatusConverged {
			p.logger.Warnw("whole-path chunk failed", "status", sol.Status.String())
			break
		}
		states = append(states, sol.Trajectory[1:]...)
		controls = append(controls, sol.Controls...)
		gains = append(gains, sol.Gains...)
		x = sol.Trajectory[len(sol.Trajectory)-1]

		prog := path.Progress(r2.Point{X: x.X, Y: x.Y})
		advance := prog - prev
		if path.Loop() && advance < 0 {
			advance++
		}
		prev = prog
		if advance*path.Length() <= pathEndEpsilon {
			break
		}
		if !path.Loop() && (1-prog)*path.Length() <= pathEndEpsilon {
			break
		}
	}
	if len(controls) == 0 {
		return false
	}
	p.policyBuf.Write(Policy{
		States:   states,
		Controls: controls,
		Gains:    gains,
		Start:    p.clk.Now(),
		Timestep: p.opt.Timestep(),
	})
	p.logger.Infow("whole-path policy published",
		"steps", len(controls),
		"duration", time.Duration(len(controls))*p.opt.Timestep())
	return true
}
