// internal/pipeline/stage.go
package pipeline

import "fmt"

// Stage is a step of a prediction.
type Stage string

const (
	StageReceived    Stage = "received"
	StageDecoding    Stage = "decoding"
	StageClassifying Stage = "classifying"
	StageExtracting  Stage = "extracting"
	StageRendering   Stage = "rendering"
	StageResponding  Stage = "responding"
)

// Failure is a fatal pipeline error. Only StageDecoding and StageClassifying
// produce one.
type Failure struct {
	Stage Stage
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
