package inference

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the inference backend could not be reached.
var ErrUnavailable = errors.New("inference backend unavailable")

// Prediction is the per-channel output of one inference pass, already
// normalized to label→confidence maps. A nil map means the backend did
// not produce that channel.
type Prediction struct {
	Age         map[string]float64
	Gender      map[string]float64
	Nationality map[string]float64
	Emotion     map[string]float64
}

// Engine port (remote model execution).
type Engine interface {
	// PredictAll submits the audio file at path and returns every channel
	// the backend produced.
	PredictAll(ctx context.Context, path string) (*Prediction, error)
	// Healthy reports whether the backend answers its health probe.
	Healthy(ctx context.Context) error
}
