package workflows

import "testing"

func TestHelloCreateTasksForStage(t *testing.T) {
	specs, err := Hello.CreateTasksForStage(1, map[string]any{"name": "Ada"}, "job123", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected exactly one task spec, got %d", len(specs))
	}
	if specs[0].Parameters["name"] != "Ada" {
		t.Fatalf("name = %v, want Ada", specs[0].Parameters["name"])
	}
}

func TestHelloTaskIDsUniqueAcrossJobs(t *testing.T) {
	a, _ := Hello.CreateTasksForStage(1, map[string]any{"name": "Ada"}, "job1", nil)
	b, _ := Hello.CreateTasksForStage(1, map[string]any{"name": "Ada"}, "job2", nil)
	if a[0].TaskID == b[0].TaskID {
		t.Fatal("expected different task IDs for different jobs")
	}
}
