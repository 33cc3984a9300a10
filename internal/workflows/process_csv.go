package workflows

import (
	"fmt"

	"geoetl-core/internal/idgen"
	"geoetl-core/internal/model"
)

// ProcessCSV is the fan-out/fan-in seed workflow: stage 1 ingests a
// source file, stage 2 validates it in parallel chunks keyed by a job
// parameter, stage 3 fans the chunk results back in.
var ProcessCSV = model.WorkflowDefinition{
	JobType: "process_csv",
	Stages: []model.StageDefinition{
		{Number: 1, Name: "ingest", TaskType: "ingest", Parallelism: "single"},
		{Number: 2, Name: "validate", TaskType: "validate_chunk", Parallelism: "dynamic", UsesLineage: true},
		{Number: 3, Name: "upload", TaskType: "upload", Parallelism: "single", UsesLineage: true},
	},
	ParametersSchema: model.ParameterSchema{
		Fields: []model.ParameterField{
			{Name: "source_path", Required: true, Rule: "required"},
			{Name: "chunk_count", Required: false, Default: float64(1), Rule: "gte=1,lte=256"},
		},
	},
	CreateTasksForStage: processCSVCreateTasks,
	AggregateJobResults: processCSVAggregate,
}

func processCSVCreateTasks(stage int, jobParams map[string]any, jobID string, previousResults []model.TaskResult) ([]model.TaskSpec, error) {
	switch stage {
	case 1:
		return []model.TaskSpec{
			{
				TaskID:     idgen.TaskID(jobID, stage, "0"),
				TaskType:   "ingest",
				Parameters: map[string]any{"source_path": jobParams["source_path"]},
			},
		}, nil

	case 2:
		if len(previousResults) != 1 {
			return nil, fmt.Errorf("stage 2 requires exactly one stage-1 result, got %d", len(previousResults))
		}
		ingestResult := previousResults[0].ResultData
		tempPath, _ := ingestResult["temp_path"].(string)
		totalRows, _ := asInt(ingestResult["total_rows"])

		chunkCount, _ := asInt(jobParams["chunk_count"])
		if chunkCount < 1 {
			chunkCount = 1
		}
		specs := make([]model.TaskSpec, 0, chunkCount)
		for i := 0; i < chunkCount; i++ {
			chunkKey := fmt.Sprintf("%s:chunk:%d", tempPath, i)
			specs = append(specs, model.TaskSpec{
				TaskID:   idgen.TaskID(jobID, stage, idgen.ChunkSemanticIndex(chunkKey)),
				TaskType: "validate_chunk",
				Parameters: map[string]any{
					"temp_path":   tempPath,
					"total_rows":  totalRows,
					"chunk_index": i,
					"chunk_count": chunkCount,
				},
			})
		}
		return specs, nil

	case 3:
		validRows := 0
		for _, r := range previousResults {
			n, _ := asInt(r.ResultData["valid_rows"])
			validRows += n
		}
		return []model.TaskSpec{
			{
				TaskID:     idgen.TaskID(jobID, stage, "0"),
				TaskType:   "upload",
				Parameters: map[string]any{"valid_rows": validRows},
			},
		}, nil

	default:
		return nil, fmt.Errorf("process_csv has no stage %d", stage)
	}
}

// processCSVAggregate reports the final stage's rows_uploaded verbatim;
// spelled out explicitly (rather than relying on the default single-task
// fallback) because a future stage split here should not silently change
// the job's result shape.
func processCSVAggregate(job *model.JobRecord, allStageResults map[string][]model.TaskResult) (map[string]any, error) {
	final := allStageResults["3"]
	if len(final) != 1 {
		return nil, fmt.Errorf("expected exactly one stage-3 result, got %d", len(final))
	}
	return final[0].ResultData, nil
}

// asInt coerces a JSON-decoded numeric value (float64 from encoding/json,
// or a plain int from in-process construction) to int.
func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
