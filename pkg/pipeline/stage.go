package pipeline

import "fmt"

// Stage identifies one step of the processing pipeline. Stages are
// ordered; a run executes a contiguous inclusive range of them.
type Stage string

const (
	StageWake   Stage = "wake_word"
	StageSTT    Stage = "stt"
	StageIntent Stage = "intent"
	StageTTS    Stage = "tts"
)

var stageOrder = []Stage{StageWake, StageSTT, StageIntent, StageTTS}

// Index returns the position of s in stage order, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// ParseStage converts a wire name into a Stage.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage: %s", name)
	}
	return s, nil
}
