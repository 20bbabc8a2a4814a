package inference

import (
	"context"
	"errors"

	"github.com/cyclopcam/snapbus/pkg/envelope"
)

var (
	ErrTimeout = errors.New("Timed out waiting for inference result")
	ErrClosed  = errors.New("Inference engine is closed")
)

// Result is the raw output of an engine for one cycle
type Result struct {
	Text string

	// Cleanup removes any intermediate state the engine left behind.
	// It is never nil.
	Cleanup func()
}

// Engine hands an image to an external inference engine and waits for its answer
type Engine interface {
	Infer(ctx context.Context, cycle envelope.Cycle, img []byte) (*Result, error)
	Close()
}

func noCleanup() {}
