package intent

import (
	"context"
	"errors"
)

type Intent string

const (
	Confirm    Intent = "CONFIRM"
	Cancel     Intent = "CANCEL"
	Reschedule Intent = "RESCHEDULE_REQUEST"
	Unknown    Intent = "UNKNOWN"
)

func (i Intent) Valid() bool {
	switch i {
	case Confirm, Cancel, Reschedule, Unknown:
		return true
	}
	return false
}

type Source string

const (
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
)

type Result struct {
	Intent     Intent
	Confidence float64
	Source     Source
}

// Both errors stay inside the classifier; callers always get a Result.
var (
	ErrRemoteClassifier = errors.New("remote intent classifier failed")
	ErrCircuitOpen      = errors.New("remote intent classifier circuit is open")
)

// Remote is a model-backed classifier. Implementations must honour ctx.
type Remote interface {
	Classify(ctx context.Context, utterance, language string) (Intent, float64, error)
	Name() string
}
