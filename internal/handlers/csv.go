package handlers

import (
	"bufio"
	"os"

	"geoetl-core/internal/model"
)

// Ingest reads the source file line by line and spills it into a temp
// file. Reporting total_rows here (rather than deferring the count to
// stage 2) lets every downstream chunk handler work off a stable temp
// copy instead of re-reading a source path that may move or disappear
// between stages.
func Ingest(parameters map[string]any) model.HandlerResult {
	sourcePath, _ := parameters["source_path"].(string)
	if sourcePath == "" {
		return model.HandlerResult{Success: false, Error: "source_path is required", ErrorType: "InvalidParameters"}
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return model.HandlerResult{Success: false, Error: err.Error(), ErrorType: "IOError"}
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "geoetl-ingest-*.csv")
	if err != nil {
		return model.HandlerResult{Success: false, Error: err.Error(), ErrorType: "IOError"}
	}
	defer tmp.Close()

	rows := 0
	scanner := bufio.NewScanner(src)
	writer := bufio.NewWriter(tmp)
	for scanner.Scan() {
		if _, err := writer.WriteString(scanner.Text() + "\n"); err != nil {
			return model.HandlerResult{Success: false, Error: err.Error(), ErrorType: "IOError"}
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return model.HandlerResult{Success: false, Error: err.Error(), ErrorType: "IOError"}
	}
	if err := writer.Flush(); err != nil {
		return model.HandlerResult{Success: false, Error: err.Error(), ErrorType: "IOError"}
	}

	return model.HandlerResult{
		Success: true,
		Result:  map[string]any{"total_rows": rows, "temp_path": tmp.Name()},
	}
}

// ValidateChunk counts the non-blank lines in its assigned row range of
// temp_path. The range is derived from chunk_index/chunk_count so
// parallel readers share one spill file, rather than pre-slicing the file
// into separate chunk files.
func ValidateChunk(parameters map[string]any) model.HandlerResult {
	tempPath, _ := parameters["temp_path"].(string)
	totalRows := asInt(parameters["total_rows"])
	chunkIndex := asInt(parameters["chunk_index"])
	chunkCount := asInt(parameters["chunk_count"])
	if tempPath == "" || chunkCount < 1 {
		return model.HandlerResult{Success: false, Error: "temp_path and chunk_count are required", ErrorType: "InvalidParameters"}
	}

	start, end := chunkRange(totalRows, chunkCount, chunkIndex)

	f, err := os.Open(tempPath)
	if err != nil {
		return model.HandlerResult{Success: false, Error: err.Error(), ErrorType: "IOError"}
	}
	defer f.Close()

	valid := 0
	row := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if row >= start && row < end && scanner.Text() != "" {
			valid++
		}
		row++
	}
	if err := scanner.Err(); err != nil {
		return model.HandlerResult{Success: false, Error: err.Error(), ErrorType: "IOError"}
	}

	return model.HandlerResult{Success: true, Result: map[string]any{"valid_rows": valid}}
}

// Upload reports the fan-in total computed by ProcessCSV's stage-3
// CreateTasksForStage; the handler itself does no further I/O.
func Upload(parameters map[string]any) model.HandlerResult {
	validRows := asInt(parameters["valid_rows"])
	return model.HandlerResult{Success: true, Result: map[string]any{"rows_uploaded": validRows}}
}

func chunkRange(totalRows, chunkCount, chunkIndex int) (start, end int) {
	if chunkCount < 1 {
		chunkCount = 1
	}
	size := totalRows / chunkCount
	remainder := totalRows % chunkCount
	start = chunkIndex * size
	if chunkIndex < remainder {
		start += chunkIndex
	} else {
		start += remainder
	}
	end = start + size
	if chunkIndex < remainder {
		end++
	}
	return start, end
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
