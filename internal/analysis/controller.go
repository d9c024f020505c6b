package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/dr-api/internal/screening"
)

var (
	ErrModelNotReady = errors.New("model is not ready")
	ErrSuperseded    = errors.New("analysis was superseded or reset")
	ErrClosed        = errors.New("controller closed")
)

// Loader is implemented by providers that need a one-time setup before the
// first inference.
type Loader interface {
	Load() error
}

type snapshot struct {
	state   State
	changed <-chan struct{}
}

type submitReq struct {
	img   screening.SourceImage
	reply chan submitReply
}

type submitReply struct {
	id  string
	err error
}

// Controller owns one analysis slot. All state transitions happen on its loop
// goroutine; callers talk to it through channels.
type Controller struct {
	provider screening.Provider
	interp   *screening.Interpreter
	logger   *zap.Logger

	submits  chan submitReq
	resets   chan chan struct{}
	reads    chan chan snapshot
	events   chan Event
	done     chan struct{}
	finished chan struct{}
	stop     sync.Once
}

func NewController(provider screening.Provider, interp *screening.Interpreter, loader Loader, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		provider: provider,
		interp:   interp,
		logger:   logger,
		submits:  make(chan submitReq),
		resets:   make(chan chan struct{}),
		reads:    make(chan chan snapshot),
		events:   make(chan Event, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	initial := State{Kind: Idle}
	if loader != nil {
		initial = State{Kind: AwaitingModel}
		go func() {
			var ev Event = ModelReady{}
			if err := loader.Load(); err != nil {
				ev = ModelFailed{Err: err}
			}
			c.post(ev)
		}()
	}

	go c.run(initial)
	return c
}

func (c *Controller) run(state State) {
	defer close(c.finished)

	changed := make(chan struct{})
	var cancel context.CancelFunc = func() {}

	apply := func(ev Event) {
		next := Reduce(state, ev)
		if next.Kind == state.Kind && next.RequestID == state.RequestID && next.Result == state.Result {
			return
		}
		c.logger.Debug("analysis transition",
			zap.Stringer("from", state.Kind),
			zap.Stringer("to", next.Kind),
			zap.String("request_id", next.RequestID))
		state = next
		close(changed)
		changed = make(chan struct{})
	}

	for {
		select {
		case req := <-c.submits:
			if !state.Accepting() {
				req.reply <- submitReply{err: c.notReadyErr(state)}
				continue
			}
			cancel()
			id := uuid.New().String()
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			apply(FileSelected{RequestID: id, Filename: req.img.Filename})
			go c.analyze(ctx, id, req.img)
			req.reply <- submitReply{id: id}

		case done := <-c.resets:
			if state.Accepting() {
				cancel()
				cancel = func() {}
			}
			apply(Reset{})
			close(done)

		case reply := <-c.reads:
			reply <- snapshot{state: state, changed: changed}

		case ev := <-c.events:
			if settled, ok := ev.(InferenceSettled); ok {
				if settled.RequestID != state.RequestID {
					c.logger.Debug("dropping stale result", zap.String("request_id", settled.RequestID))
					continue
				}
				cancel()
				cancel = func() {}
			}
			if mf, ok := ev.(ModelFailed); ok {
				c.logger.Error("model load failed", zap.Error(mf.Err))
			}
			apply(ev)

		case <-c.done:
			cancel()
			return
		}
	}
}

func (c *Controller) notReadyErr(state State) error {
	if state.Kind == AwaitingModel {
		return ErrModelNotReady
	}
	return fmt.Errorf("%w: %v", ErrModelNotReady, state.Err)
}

func (c *Controller) analyze(ctx context.Context, id string, img screening.SourceImage) {
	settled := InferenceSettled{RequestID: id}

	out, err := c.provider.Classify(ctx, img)
	if err == nil {
		settled.Result, err = c.interp.Interpret(out)
	}
	if ctx.Err() != nil {
		// Superseded, reset or closed; nobody is waiting for this one.
		return
	}
	if err != nil {
		c.logger.Warn("analysis failed", zap.String("request_id", id), zap.Error(err))
		settled.Err = err
	} else {
		c.logger.Info("analysis complete",
			zap.String("request_id", id),
			zap.String("label", string(settled.Result.Label)),
			zap.Float64("probability_of_dr", settled.Result.ProbabilityOfDR))
	}
	c.post(settled)
}

func (c *Controller) post(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Submit starts analyzing img, cancelling whatever was in flight, and returns
// the new request id.
func (c *Controller) Submit(img screening.SourceImage) (string, error) {
	req := submitReq{img: img, reply: make(chan submitReply, 1)}
	select {
	case c.submits <- req:
	case <-c.done:
		return "", ErrClosed
	}
	r := <-req.reply
	return r.id, r.err
}

func (c *Controller) Reset() {
	done := make(chan struct{})
	select {
	case c.resets <- done:
		<-done
	case <-c.done:
	}
}

func (c *Controller) snapshot() (snapshot, error) {
	reply := make(chan snapshot, 1)
	select {
	case c.reads <- reply:
		return <-reply, nil
	case <-c.done:
		return snapshot{}, ErrClosed
	}
}

func (c *Controller) State() State {
	snap, err := c.snapshot()
	if err != nil {
		return State{Kind: Failed, Err: err}
	}
	return snap.state
}

// WaitReady blocks until model loading has settled.
func (c *Controller) WaitReady(ctx context.Context) error {
	for {
		snap, err := c.snapshot()
		if err != nil {
			return err
		}
		if snap.state.Kind != AwaitingModel {
			if snap.state.modelUnavailable() {
				return snap.state.Err
			}
			return nil
		}
		select {
		case <-snap.changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until request id settles. It returns ErrSuperseded if another
// submission or a reset replaced it first.
func (c *Controller) Wait(ctx context.Context, id string) (State, error) {
	for {
		snap, err := c.snapshot()
		if err != nil {
			return State{}, err
		}
		if snap.state.RequestID != id {
			return snap.state, ErrSuperseded
		}
		if snap.state.Kind != Analyzing {
			return snap.state, nil
		}
		select {
		case <-snap.changed:
		case <-ctx.Done():
			return snap.state, ctx.Err()
		}
	}
}

func (c *Controller) Close() {
	c.stop.Do(func() { close(c.done) })
	<-c.finished
}
