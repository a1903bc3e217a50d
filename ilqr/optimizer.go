package ilqr

import (
	"context"
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/raceplan/refpath"
	"go.viam.com/raceplan/utils"
	"go.viam.com/raceplan/vehicle"
)

// Status reports how an optimization attempt ended. Expected numerical
// outcomes are statuses, never errors, so callers can degrade gracefully.
type Status int

// The possible terminal states of one Plan call.
const (
	StatusConverged Status = iota
	StatusIterationLimit
	StatusLineSearchFailed
	StatusNumericalFailure
	StatusNoReferencePath
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "Converged"
	case StatusIterationLimit:
		return "IterationLimitExceeded"
	case StatusLineSearchFailed:
		return "LineSearchFailed"
	case StatusNumericalFailure:
		return "NumericalFailure"
	case StatusNoReferencePath:
		return "NoReferencePath"
	case StatusInterrupted:
		return "Interrupted"
	}
	return "Unknown"
}

// Gain is the per-timestep feedback law u = u_ref + K (x - x_ref) + alpha k.
type Gain struct {
	K           *mat.Dense    // ControlDim x StateDim
	Feedforward *mat.VecDense // ControlDim
}

// Solution is the product of one Plan call. On failure statuses the
// trajectory and controls are the last fully accepted nominal sequence; a
// partially updated pass is never visible.
type Solution struct {
	Trajectory vehicle.Trajectory
	Controls   vehicle.ControlSequence
	Gains      []Gain
	Status     Status
	Cost       float64
	// Trace records the accepted cost after each outer iteration.
	Trace          []float64
	Iterations     int
	Regularization float64
	Elapsed        time.Duration
}

// Optimizer runs the ILQR solve. It is not safe for concurrent use: Plan,
// SetPath and SetObstacles must all be called from the planning task.
type Optimizer struct {
	cfg      Config
	model    *vehicle.Model
	cost     CostModel
	logger   golog.Logger
	alphas   []float64
	dt       time.Duration
	path     *refpath.Path
	obstacle ObstacleProvider

	// acceptStep decides whether a forward-pass candidate replaces the
	// nominal; the default is a bare cost decrease
	acceptStep func(newCost, oldCost float64) bool
}

// New returns an optimizer for the given model and cost.
func New(cfg Config, model *vehicle.Model, cost CostModel, logger golog.Logger) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid ilqr config")
	}
	if model == nil || cost == nil {
		return nil, errors.New("optimizer needs a vehicle model and a cost model")
	}
	return &Optimizer{
		cfg:        cfg,
		model:      model,
		cost:       cost,
		logger:     logger,
		alphas:     cfg.Alphas(),
		dt:         time.Duration(cfg.Timestep * float64(time.Second)),
		acceptStep: func(newCost, oldCost float64) bool { return newCost < oldCost },
	}, nil
}

// Config returns the optimizer configuration.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// Timestep returns the discretization interval.
func (o *Optimizer) Timestep() time.Duration {
	return o.dt
}

// SetPath replaces the reference path for subsequent Plan calls.
func (o *Optimizer) SetPath(p *refpath.Path) {
	o.path = p
}

// Path returns the current reference path, nil if unset.
func (o *Optimizer) Path() *refpath.Path {
	return o.path
}

// SetObstacles replaces the obstacle reference provider.
func (o *Optimizer) SetObstacles(p ObstacleProvider) {
	o.obstacle = p
}

// references projects the nominal trajectory onto the path and obstacle set.
func (o *Optimizer) references(traj vehicle.Trajectory) ([]PathRef, []ObstacleRef) {
	pathRefs := make([]PathRef, len(traj))
	for t, s := range traj {
		proj := o.path.ClosestPoint(r2.Point{X: s.X, Y: s.Y})
		pathRefs[t] = PathRef{
			Point:      proj.Point,
			Heading:    proj.Heading,
			SpeedLimit: proj.SpeedLimit,
			LeftWidth:  proj.LeftWidth,
			RightWidth: proj.RightWidth,
		}
	}
	if o.obstacle == nil {
		return pathRefs, make([]ObstacleRef, len(traj))
	}
	return pathRefs, o.obstacle.References(traj)
}

// Plan runs the outer ILQR loop from x0. A nil or short initial control
// guess is zero-padded to the horizon. The call is synchronous and
// deterministic for identical inputs; ctx cancellation stops it between
// outer iterations with the current nominal intact.
func (o *Optimizer) Plan(ctx context.Context, x0 vehicle.State, init vehicle.ControlSequence) Solution {
	start := time.Now()
	if o.path == nil {
		o.logger.Warn("no reference path set; cannot plan")
		return Solution{Status: StatusNoReferencePath, Elapsed: time.Since(start)}
	}

	controls := make(vehicle.ControlSequence, o.cfg.Horizon)
	copy(controls, init)

	traj, controls := o.model.Rollout(x0, controls, o.dt)
	pathRefs, obsRefs := o.references(traj)
	cost := o.cost.Cost(traj, controls, pathRefs, obsRefs)

	sol := Solution{
		Trajectory:     traj,
		Controls:       controls,
		Cost:           cost,
		Status:         StatusIterationLimit,
		Regularization: o.cfg.RegInit,
	}

	lam := o.cfg.RegInit
	for iter := 0; iter < o.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			sol.Status = StatusInterrupted
			break
		}
		sol.Iterations = iter + 1

		gains, newLam, ok := o.backwardPass(sol.Trajectory, sol.Controls, pathRefs, obsRefs, lam)
		lam = newLam
		if !ok {
			o.logger.Warnw("backward pass never recovered positive definiteness", "lambda", lam)
			sol.Status = StatusNumericalFailure
			break
		}
		sol.Gains = gains

		newTraj, newControls, newPathRefs, newObsRefs, newCost, accepted := o.forwardPass(
			sol.Trajectory, sol.Controls, gains, sol.Cost)
		if !accepted {
			if lam >= o.cfg.RegMax {
				sol.Status = StatusLineSearchFailed
				break
			}
			// retry the iteration with a stiffer solve, nominal unchanged
			lam = math.Min(lam*o.cfg.RegScaleUp, o.cfg.RegMax)
			continue
		}

		improvement := sol.Cost - newCost
		sol.Trajectory = newTraj
		sol.Controls = newControls
		sol.Cost = newCost
		sol.Trace = append(sol.Trace, newCost)
		pathRefs, obsRefs = newPathRefs, newObsRefs
		lam = math.Max(lam*o.cfg.RegScaleDown, o.cfg.RegMin)

		if improvement < o.cfg.Tolerance {
			sol.Status = StatusConverged
			break
		}
	}

	sol.Regularization = lam
	sol.Elapsed = time.Since(start)
	return sol
}

// backwardPass computes gains for the current nominal, retrying with larger
// regularization whenever the control Hessian loses positive definiteness.
// Partial gains from an aborted recursion are never returned.
func (o *Optimizer) backwardPass(
	traj vehicle.Trajectory,
	controls vehicle.ControlSequence,
	pathRefs []PathRef,
	obsRefs []ObstacleRef,
	lam float64,
) ([]Gain, float64, bool) {
	derivs := o.cost.Derivatives(traj, controls, pathRefs, obsRefs)
	as, bs := o.model.Linearize(traj, controls, o.dt)

	for attempt := 0; attempt < o.cfg.MaxBackwardAttempts; attempt++ {
		gains, ok := o.recurse(derivs, as, bs, lam)
		if ok {
			return gains, lam, true
		}
		if lam >= o.cfg.RegMax {
			// saturated; an identical retry cannot succeed
			return nil, lam, false
		}
		lam = math.Min(lam*o.cfg.RegScaleUp, o.cfg.RegMax)
	}
	return nil, lam, false
}

// symmetrize copies the average of m and its transpose into a SymDense.
func symmetrize(m *mat.Dense) *mat.SymDense {
	n, _ := m.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return sym
}

// recurse runs one backward recursion from t = T-1 down to 0. It reports
// failure as soon as the regularized control Hessian fails its Cholesky
// factorization at any step.
func (o *Optimizer) recurse(derivs *Derivatives, as, bs []*mat.Dense, lam float64) ([]Gain, bool) {
	horizon := len(bs)
	gains := make([]Gain, horizon)

	// terminal value function derivatives
	valGrad := mat.VecDenseCopyOf(derivs.StateGrad[horizon])
	valHess := mat.NewDense(vehicle.StateDim, vehicle.StateDim, nil)
	valHess.Copy(derivs.StateHess[horizon])

	for t := horizon - 1; t >= 0; t-- {
		a, b := as[t], bs[t]

		var qx, qu mat.VecDense
		qx.MulVec(a.T(), valGrad)
		qx.AddVec(&qx, derivs.StateGrad[t])
		qu.MulVec(b.T(), valGrad)
		qu.AddVec(&qu, derivs.ControlGrad[t])

		var pa, pb mat.Dense
		pa.Mul(valHess, a)
		pb.Mul(valHess, b)

		var qxx, quu, qux mat.Dense
		qxx.Mul(a.T(), &pa)
		qxx.Add(&qxx, derivs.StateHess[t])
		quu.Mul(b.T(), &pb)
		quu.Add(&quu, derivs.ControlHess[t])
		qux.Mul(b.T(), &pa)
		qux.Add(&qux, derivs.CrossHess[t])

		// regularized blocks: lambda is added to the propagated value
		// Hessian before it meets B and A
		reg := mat.NewDense(vehicle.StateDim, vehicle.StateDim, nil)
		reg.Copy(valHess)
		for i := 0; i < vehicle.StateDim; i++ {
			reg.Set(i, i, reg.At(i, i)+lam)
		}
		var regA, regB mat.Dense
		regA.Mul(reg, a)
		regB.Mul(reg, b)

		var quuReg, quxReg mat.Dense
		quuReg.Mul(b.T(), &regB)
		quuReg.Add(&quuReg, derivs.ControlHess[t])
		quxReg.Mul(b.T(), &regA)
		quxReg.Add(&quxReg, derivs.CrossHess[t])

		var chol mat.Cholesky
		if !chol.Factorize(symmetrize(&quuReg)) {
			return nil, false
		}
		var bigK mat.Dense
		if err := chol.SolveTo(&bigK, &quxReg); err != nil {
			return nil, false
		}
		bigK.Scale(-1, &bigK)
		var ff mat.VecDense
		if err := chol.SolveVecTo(&ff, &qu); err != nil {
			return nil, false
		}
		ff.ScaleVec(-1, &ff)

		// p = Qx + K'Qu + K'Quu k + Qux'k
		var newGrad, tmpVec mat.VecDense
		tmpVec.MulVec(bigK.T(), &qu)
		newGrad.AddVec(&qx, &tmpVec)
		var quuFF mat.VecDense
		quuFF.MulVec(&quu, &ff)
		tmpVec.MulVec(bigK.T(), &quuFF)
		newGrad.AddVec(&newGrad, &tmpVec)
		tmpVec.MulVec(qux.T(), &ff)
		newGrad.AddVec(&newGrad, &tmpVec)

		// P = Qxx + K'Quu K + K'Qux + Qux'K, kept symmetric
		var quuK, kQuuK, kQux mat.Dense
		quuK.Mul(&quu, &bigK)
		kQuuK.Mul(bigK.T(), &quuK)
		kQux.Mul(bigK.T(), &qux)
		var newHess mat.Dense
		newHess.Add(&qxx, &kQuuK)
		newHess.Add(&newHess, &kQux)
		var kQuxT mat.Dense
		kQuxT.CloneFrom(kQux.T())
		newHess.Add(&newHess, &kQuxT)
		newHessSym := symmetrize(&newHess)

		valGrad = &newGrad
		valHess.Copy(newHessSym)

		gains[t] = Gain{K: mat.DenseCopyOf(&bigK), Feedforward: mat.VecDenseCopyOf(&ff)}
	}
	return gains, true
}

// stateError is the wrapped state deviation used by the feedback law.
func stateError(x, ref vehicle.State) *mat.VecDense {
	return mat.NewVecDense(vehicle.StateDim, []float64{
		x.X - ref.X,
		x.Y - ref.Y,
		x.Velocity - ref.Velocity,
		utils.AngleDiff(x.Heading, ref.Heading),
		x.Steer - ref.Steer,
	})
}

// forwardPass simulates the policy at each line-search step, largest first,
// and accepts the first candidate whose re-projected cost beats the current
// one.
func (o *Optimizer) forwardPass(
	traj vehicle.Trajectory,
	controls vehicle.ControlSequence,
	gains []Gain,
	cost float64,
) (vehicle.Trajectory, vehicle.ControlSequence, []PathRef, []ObstacleRef, float64, bool) {
	horizon := len(controls)
	for _, alpha := range o.alphas {
		newTraj := make(vehicle.Trajectory, horizon+1)
		newControls := make(vehicle.ControlSequence, horizon)
		newTraj[0] = traj[0]
		for t := 0; t < horizon; t++ {
			var du mat.VecDense
			du.MulVec(gains[t].K, stateError(newTraj[t], traj[t]))
			du.AddScaledVec(&du, alpha, gains[t].Feedforward)
			u := vehicle.Control{
				Accel:     controls[t].Accel + du.AtVec(0),
				SteerRate: controls[t].SteerRate + du.AtVec(1),
			}
			newTraj[t+1], newControls[t] = o.model.Integrate(newTraj[t], u, o.dt)
		}
		pathRefs, obsRefs := o.references(newTraj)
		newCost := o.cost.Cost(newTraj, newControls, pathRefs, obsRefs)
		if o.acceptStep(newCost, cost) {
			return newTraj, newControls, pathRefs, obsRefs, newCost, true
		}
	}
	return nil, nil, nil, nil, cost, false
}
