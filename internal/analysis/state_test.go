package analysis

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Brownie44l1/dr-api/internal/screening"
)

func TestReduce(t *testing.T) {
	result := screening.Result{Label: screening.NoDR, ProbabilityOfDR: 0.2}
	loadErr := fmt.Errorf("missing file: %w", screening.ErrModelLoad)
	inferErr := fmt.Errorf("shape: %w", screening.ErrInference)

	analyzing := State{Kind: Analyzing, RequestID: "a", Filename: "a.png"}

	tests := []struct {
		name     string
		from     State
		event    Event
		wantKind Kind
		wantID   string
	}{
		{"model ready", State{Kind: AwaitingModel}, ModelReady{}, Idle, ""},
		{"model failed", State{Kind: AwaitingModel}, ModelFailed{Err: loadErr}, Failed, ""},
		{"select while loading", State{Kind: AwaitingModel}, FileSelected{RequestID: "a"}, AwaitingModel, ""},
		{"reset while loading", State{Kind: AwaitingModel}, Reset{}, AwaitingModel, ""},
		{"select from idle", State{Kind: Idle}, FileSelected{RequestID: "a"}, Analyzing, "a"},
		{"supersede", analyzing, FileSelected{RequestID: "b"}, Analyzing, "b"},
		{"settle current", analyzing, InferenceSettled{RequestID: "a", Result: result}, Displaying, "a"},
		{"settle stale", analyzing, InferenceSettled{RequestID: "old", Result: result}, Analyzing, "a"},
		{"settle with error", analyzing, InferenceSettled{RequestID: "a", Err: inferErr}, Failed, "a"},
		{"settle while idle", State{Kind: Idle}, InferenceSettled{RequestID: "a"}, Idle, ""},
		{"reset analyzing", analyzing, Reset{}, Idle, ""},
		{"select after display", State{Kind: Displaying, RequestID: "a", Result: &result}, FileSelected{RequestID: "b"}, Analyzing, "b"},
		{"select after request failure", State{Kind: Failed, RequestID: "a", Err: inferErr}, FileSelected{RequestID: "b"}, Analyzing, "b"},
		{"select after load failure", State{Kind: Failed, Err: loadErr}, FileSelected{RequestID: "b"}, Failed, ""},
		{"reset after load failure", State{Kind: Failed, Err: loadErr}, Reset{}, Failed, ""},
		{"late model ready", State{Kind: Idle}, ModelReady{}, Idle, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce(tt.from, tt.event)
			if got.Kind != tt.wantKind || got.RequestID != tt.wantID {
				t.Errorf("Expected %s/%q, got %s/%q", tt.wantKind, tt.wantID, got.Kind, got.RequestID)
			}
		})
	}
}

func TestReduceClearsStaleState(t *testing.T) {
	analyzing := State{Kind: Analyzing, RequestID: "a", Filename: "a.png"}

	failed := Reduce(analyzing, InferenceSettled{RequestID: "a", Err: screening.ErrNetwork})
	if failed.Filename != "" || failed.Result != nil {
		t.Errorf("Failed state kept image or result: %+v", failed)
	}
	if !errors.Is(failed.Err, screening.ErrNetwork) {
		t.Errorf("Expected ErrNetwork, got %v", failed.Err)
	}

	shown := Reduce(analyzing, InferenceSettled{RequestID: "a", Result: screening.Result{Label: screening.DRDetected, ProbabilityOfDR: 0.8}})
	if shown.Result == nil || shown.Result.ProbabilityOfDR != 0.8 || shown.Err != nil {
		t.Errorf("Unexpected displaying state %+v", shown)
	}

	next := Reduce(shown, FileSelected{RequestID: "b", Filename: "b.png"})
	if next.Result != nil {
		t.Error("New selection kept the previous result")
	}
}

func TestKindString(t *testing.T) {
	if Displaying.String() != "displaying" || AwaitingModel.String() != "awaiting_model" || Kind(42).String() != "unknown" {
		t.Error("Unexpected kind names")
	}
}
