package orchestrator

import (
	"context"
)

// RunPipeline drives the remaining stages sequentially: one Run per stage
// until the project completes or a run stops advancing (blocked, quarantined,
// conflict, error). Each stage gets the default artifact location; an
// explicit output path would collide across stages.
func (o *Orchestrator) RunPipeline(ctx context.Context, req Request) []Outcome {
	req.Stage = ""
	req.OutputPath = ""

	var outcomes []Outcome
	for range o.store.Graph().Stages() {
		if ctx.Err() != nil {
			break
		}

		outcome := o.Run(ctx, req)
		outcomes = append(outcomes, outcome)
		if outcome.Kind != KindStageAdvanced {
			break
		}
	}
	return outcomes
}
