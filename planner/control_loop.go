package planner

import (
	"context"
	"time"

	"go.viam.com/raceplan/ilqr"
	"go.viam.com/raceplan/utils"
	"go.viam.com/raceplan/vehicle"
)

// commandQueueCap bounds the replay queue; under a healthy localizer only a
// handful of commands ever accumulate between fixes.
const commandQueueCap = 128

// stateEstimator dead-reckons the vehicle between localization fixes by
// replaying the commands issued since the last fix. Steering angle is not
// observed, so the estimate carries it across fixes.
type stateEstimator struct {
	model *vehicle.Model
	est   vehicle.State
	stamp time.Time
	valid bool
	queue []Command
}

func newStateEstimator(model *vehicle.Model) *stateEstimator {
	return &stateEstimator{model: model}
}

// observe re-anchors the estimate on a fix and drops the commands the
// measurement already reflects.
func (e *stateEstimator) observe(s Sample) {
	e.est = vehicle.State{
		X:        s.Position.X,
		Y:        s.Position.Y,
		Velocity: s.Velocity,
		Heading:  s.Heading(),
		Steer:    e.est.Steer,
	}
	e.stamp = s.Stamp
	e.valid = true
	keep := e.queue[:0]
	for _, c := range e.queue {
		if c.Stamp.After(s.Stamp) {
			keep = append(keep, c)
		}
	}
	e.queue = keep
}

// record remembers an issued command for later replay.
func (e *stateEstimator) record(cmd Command) {
	if len(e.queue) >= commandQueueCap {
		e.queue = e.queue[1:]
	}
	e.queue = append(e.queue, cmd)
}

// apply integrates one command over dt, turning the absolute steer command
// into the rate that reaches it within the interval.
func (e *stateEstimator) apply(s vehicle.State, cmd Command, dt time.Duration) vehicle.State {
	if dt <= 0 {
		return s
	}
	rate := (cmd.Steer - s.Steer) / dt.Seconds()
	next, _ := e.model.Integrate(s, vehicle.Control{Accel: cmd.Accel, SteerRate: rate}, dt)
	return next
}

// predict integrates from the anchor to target, each queued command covering
// the span from its stamp to the next command's. Past the last command the
// estimator holds it.
func (e *stateEstimator) predict(target time.Time) vehicle.State {
	s := e.est
	cursor := e.stamp
	for i, cmd := range e.queue {
		if cmd.Stamp.After(cursor) && cursor.Before(target) {
			// the command that covered this gap was consumed by the last
			// fix, so the vehicle coasts across it
			coastTo := cmd.Stamp
			if target.Before(coastTo) {
				coastTo = target
			}
			s = e.apply(s, Command{Steer: s.Steer}, coastTo.Sub(cursor))
			cursor = coastTo
		}
		end := target
		if i+1 < len(e.queue) && e.queue[i+1].Stamp.Before(end) {
			end = e.queue[i+1].Stamp
		}
		if !end.After(cursor) {
			continue
		}
		s = e.apply(s, cmd, end.Sub(cursor))
		cursor = end
		if !cursor.Before(target) {
			break
		}
	}
	if cursor.Before(target) {
		cmd := Command{Steer: s.Steer}
		if n := len(e.queue); n > 0 {
			cmd = e.queue[n-1]
		}
		s = e.apply(s, cmd, target.Sub(cursor))
	}
	return s
}

// runControlLoop ticks at the configured frequency until ctx is done.
func (p *Planner) runControlLoop(ctx context.Context) {
	period := time.Duration(float64(time.Second) / p.cfg.ControlFrequency)
	ticker := p.clk.Ticker(period)
	defer ticker.Stop()
	est := newStateEstimator(p.model)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.controlTick(ctx, est, period)
	}
}

// controlTick runs one control cycle: refresh the state estimate, predict to
// the actuation instant, query the policy and emit one command.
func (p *Planner) controlTick(ctx context.Context, est *stateEstimator, period time.Duration) {
	now := p.clk.Now()
	if p.poseBuf.HasNewData() {
		if s, ok := p.poseBuf.Read(); ok {
			est.observe(s)
		}
	}
	if !est.valid {
		return
	}

	target := now
	if !p.cfg.Simulation {
		target = now.Add(p.Latency())
	}
	predicted := est.predict(target)
	p.stateBuf.Write(stampedState{state: predicted, stamp: target})

	pol, ok := p.policyBuf.Read()
	if !ok {
		p.issue(ctx, est, p.failsafeCommand(predicted, now))
		return
	}

	var (
		ref  vehicle.State
		uref vehicle.Control
		gain ilqr.Gain
		err  error
	)
	if p.cfg.RecedingHorizon {
		ref, uref, gain, err = pol.Step(target)
	} else {
		ref, uref, gain, err = pol.StepByState(predicted)
	}
	if err != nil {
		p.policyBuf.Reset()
		p.logger.Warnw("policy expired, braking", "error", err)
		p.issue(ctx, est, p.failsafeCommand(predicted, now))
		return
	}

	u := applyFeedback(gain, uref, predicted, ref)
	lim := p.model.Limits()
	rate := utils.Clamp(u.SteerRate, -lim.MaxSteerRate, lim.MaxSteerRate)
	cmd := Command{
		Accel: utils.Clamp(u.Accel, lim.MinAccel, lim.MaxAccel),
		Steer: utils.Clamp(predicted.Steer+rate*period.Seconds(), -lim.MaxSteer, lim.MaxSteer),
		Stamp: now,
	}
	p.issue(ctx, est, cmd)
}

// failsafeCommand brakes hard while holding the current steering angle.
func (p *Planner) failsafeCommand(s vehicle.State, now time.Time) Command {
	return Command{Accel: p.model.Limits().MinAccel, Steer: s.Steer, Stamp: now}
}

// issue records the command for replay and hands it to the actuator, through
// the PWM converter when one is wired and the loop drives real hardware.
func (p *Planner) issue(ctx context.Context, est *stateEstimator, cmd Command) {
	est.record(cmd)
	out := cmd
	if p.pwm != nil && !p.cfg.Simulation {
		out = p.pwm.Convert(cmd)
	}
	if err := p.actuator.Command(ctx, out); err != nil {
		p.logger.Errorw("actuator rejected command", "error", err)
	}
}
