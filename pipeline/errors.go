package pipeline

import (
	"errors"
	"fmt"
)

type StageName string

const (
	StageConfig   = StageName("config")
	StageCapture  = StageName("capture")
	StageHardware = StageName("hardware")
	StageDecoder  = StageName("decoder")
	StageFilter   = StageName("filter")
	StageEncoder  = StageName("encoder")
	StageMuxer    = StageName("muxer")
)

// ErrStage names the stage an error came from.
type ErrStage struct {
	Stage StageName
	Err   error
}

func (e ErrStage) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e ErrStage) Unwrap() error {
	return e.Err
}

var ErrAlreadyStarted = errors.New("the pipeline was already started")

func stageErr(stage StageName, err error) error {
	if err == nil {
		return nil
	}
	var already ErrStage
	if errors.As(err, &already) {
		return err
	}
	return ErrStage{Stage: stage, Err: err}
}
