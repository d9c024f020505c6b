package analysis

import (
	"errors"

	"github.com/Brownie44l1/dr-api/internal/screening"
)

type Kind int

const (
	Idle Kind = iota
	AwaitingModel
	Analyzing
	Displaying
	Failed
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case AwaitingModel:
		return "awaiting_model"
	case Analyzing:
		return "analyzing"
	case Displaying:
		return "displaying"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the single analysis slot. Result is set only in Displaying, Err
// only in Failed, Filename only while Analyzing.
type State struct {
	Kind      Kind
	RequestID string
	Filename  string
	Result    *screening.Result
	Err       error
}

// Accepting reports whether a new image may be submitted.
func (s State) Accepting() bool {
	return s.Kind != AwaitingModel && !s.modelUnavailable()
}

func (s State) modelUnavailable() bool {
	return s.Kind == Failed && errors.Is(s.Err, screening.ErrModelLoad)
}

type Event interface {
	isEvent()
}

type ModelReady struct{}

type ModelFailed struct {
	Err error
}

type FileSelected struct {
	RequestID string
	Filename  string
}

type InferenceSettled struct {
	RequestID string
	Result    screening.Result
	Err       error
}

type Reset struct{}

func (ModelReady) isEvent()       {}
func (ModelFailed) isEvent()      {}
func (FileSelected) isEvent()     {}
func (InferenceSettled) isEvent() {}
func (Reset) isEvent()            {}

// Reduce applies one event. Settlements for any request other than the one
// currently analyzing are dropped.
func Reduce(s State, e Event) State {
	switch ev := e.(type) {
	case ModelReady:
		if s.Kind == AwaitingModel {
			return State{Kind: Idle}
		}
	case ModelFailed:
		if s.Kind == AwaitingModel {
			return State{Kind: Failed, Err: ev.Err}
		}
	case FileSelected:
		if s.Accepting() {
			return State{Kind: Analyzing, RequestID: ev.RequestID, Filename: ev.Filename}
		}
	case InferenceSettled:
		if s.Kind != Analyzing || s.RequestID != ev.RequestID {
			return s
		}
		if ev.Err != nil {
			return State{Kind: Failed, RequestID: ev.RequestID, Err: ev.Err}
		}
		result := ev.Result
		return State{Kind: Displaying, RequestID: ev.RequestID, Result: &result}
	case Reset:
		if s.Accepting() {
			return State{Kind: Idle}
		}
	}
	return s
}
