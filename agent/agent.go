// Package agent provides the pipeline stages that run units inside a pilot:
// input staging, core scheduling, execution and output staging. Stages talk
// only through the queues and the state pubsub named here.
package agent

import (
	"bytes"
	"encoding/json"

	"github.com/c360/pilotstreams/component"
	"github.com/c360/pilotstreams/errors"
)

// Channel names shared by the stages and the unit manager
const (
	QueueStagingInput  = "agent_staging_input_queue"
	QueueScheduling    = "agent_scheduling_queue"
	QueueExecuting     = "agent_executing_queue"
	QueueStagingOutput = "agent_staging_output_queue"

	StatePubsub = "agent_state_pubsub"
)

// Stage kinds as registered with a component.Registry
const (
	KindStagingInput  = "staging_input"
	KindScheduler     = "scheduler"
	KindExecutor      = "executor"
	KindStagingOutput = "staging_output"
)

// Register adds every agent stage to registry
func Register(registry *component.Registry) error {
	if registry == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "agent", "Register", "check registry")
	}

	regs := []component.Registration{
		{
			Name:        KindStagingInput,
			Description: "Creates the unit sandbox and stages input files into it",
			Factory: func(raw json.RawMessage) (component.Initializer, error) {
				var opts StagingOptions
				if err := decodeOptions(raw, &opts); err != nil {
					return nil, err
				}
				return NewStagingInput(opts), nil
			},
		},
		{
			Name:        KindScheduler,
			Description: "Places units on contiguous pilot cores, first fit",
			Factory: func(raw json.RawMessage) (component.Initializer, error) {
				var opts SchedulerOptions
				if err := decodeOptions(raw, &opts); err != nil {
					return nil, err
				}
				return NewScheduler(opts)
			},
		},
		{
			Name:        KindExecutor,
			Description: "Runs unit executables in their sandbox on a bounded pool",
			Factory: func(raw json.RawMessage) (component.Initializer, error) {
				var opts ExecutorOptions
				if err := decodeOptions(raw, &opts); err != nil {
					return nil, err
				}
				return NewExecutor(opts)
			},
		},
		{
			Name:        KindStagingOutput,
			Description: "Stages output files out of the sandbox and completes units",
			Factory: func(raw json.RawMessage) (component.Initializer, error) {
				var opts StagingOptions
				if err := decodeOptions(raw, &opts); err != nil {
					return nil, err
				}
				return NewStagingOutput(opts), nil
			},
		},
	}

	for _, reg := range regs {
		if err := registry.Register(reg); err != nil {
			return errors.WrapInvalid(err, "agent", "Register", "register "+reg.Name)
		}
	}
	return nil
}

// decodeOptions decodes stage options strictly. Empty input keeps defaults.
func decodeOptions(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapInvalid(err, "agent", "decodeOptions", "decode stage options")
	}
	return nil
}
