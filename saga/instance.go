package saga

import (
	"slices"
	"time"
)

// Instance is one run of a saga definition.
type Instance struct {
	ID               string     `json:"id"`
	DefinitionName   string     `json:"definitionName"`
	State            State      `json:"state"`
	CurrentStep      int        `json:"currentStep"`
	Context          Context    `json:"context"`
	CompletedSteps   []string   `json:"completedSteps"`
	CompensatedSteps []string   `json:"compensatedSteps,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Clone returns a copy that shares nothing mutable with i, context values excepted.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}

	out := *i
	out.Context = i.Context.Clone()
	out.CompletedSteps = slices.Clone(i.CompletedSteps)
	out.CompensatedSteps = slices.Clone(i.CompensatedSteps)

	if i.CompletedAt != nil {
		at := *i.CompletedAt
		out.CompletedAt = &at
	}

	return &out
}

func (i *Instance) finish(state State, at time.Time) {
	i.State = state
	at = at.UTC()
	i.CompletedAt = &at
}
