package workflows

import (
	"geoetl-core/internal/idgen"
	"geoetl-core/internal/model"
)

// Hello is the minimal seed workflow: one stage, one task, parameter
// {name}. It exists to exercise the bare job lifecycle without any domain
// logic.
var Hello = model.WorkflowDefinition{
	JobType: "hello",
	Stages: []model.StageDefinition{
		{Number: 1, Name: "greet", TaskType: "hello", Parallelism: "single"},
	},
	ParametersSchema: model.ParameterSchema{
		Fields: []model.ParameterField{
			{Name: "name", Required: true, Rule: "required"},
		},
	},
	CreateTasksForStage: helloCreateTasks,
}

func helloCreateTasks(stage int, jobParams map[string]any, jobID string, previousResults []model.TaskResult) ([]model.TaskSpec, error) {
	return []model.TaskSpec{
		{
			TaskID:     idgen.TaskID(jobID, stage, "0"),
			TaskType:   "hello",
			Parameters: map[string]any{"name": jobParams["name"]},
		},
	}, nil
}
