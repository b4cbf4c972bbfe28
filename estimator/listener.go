package estimator

// Listener is notified synchronously while Estimate runs. Callbacks run on the
// estimating goroutine with the estimator locked: setters called from inside
// a callback return ErrLocked.
type Listener interface {
	OnEstimateStart(e *Estimator)
	OnEstimateEnd(e *Estimator)
	OnEstimateNextIteration(e *Estimator, iteration int)
	OnEstimateProgressChange(e *Estimator, progress float64)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Start          func(e *Estimator)
	End            func(e *Estimator)
	NextIteration  func(e *Estimator, iteration int)
	ProgressChange func(e *Estimator, progress float64)
}

func (f ListenerFuncs) OnEstimateStart(e *Estimator) {
	if f.Start != nil {
		f.Start(e)
	}
}

func (f ListenerFuncs) OnEstimateEnd(e *Estimator) {
	if f.End != nil {
		f.End(e)
	}
}

func (f ListenerFuncs) OnEstimateNextIteration(e *Estimator, iteration int) {
	if f.NextIteration != nil {
		f.NextIteration(e, iteration)
	}
}

func (f ListenerFuncs) OnEstimateProgressChange(e *Estimator, progress float64) {
	if f.ProgressChange != nil {
		f.ProgressChange(e, progress)
	}
}

// listenerObserver forwards consensus notifications to a Listener.
type listenerObserver struct {
	e *Estimator
	l Listener
}

func (o listenerObserver) OnIteration(iteration int) {
	o.l.OnEstimateNextIteration(o.e, iteration)
}

func (o listenerObserver) OnProgress(progress float64) {
	o.l.OnEstimateProgressChange(o.e, progress)
}
