package builtin

import (
	"context"

	"github.com/hupe1980/agentloop/tool"
)

// AttemptCompletionArgs are the arguments of attempt_completion.
type AttemptCompletionArgs struct {
	Result string `json:"result" description:"Final answer presented to the user"`
}

// AttemptCompletionTool returns the tool the model calls to finish a task.
// Its result ends the loop.
func AttemptCompletionTool() *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		"attempt_completion",
		"Present the final result of the task to the user and stop.",
		AttemptCompletionArgs{},
		func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decode[AttemptCompletionArgs](raw)
			if err != nil {
				return nil, err
			}

			return tool.Stop(args.Result), nil
		},
		readOnly,
	)
}
