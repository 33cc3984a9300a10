// Command client is a small CLI for the orchestrator's HTTP surface:
// submit a job from a JSON file, or fetch a job's status by ID.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"geoetl-core/internal/config"
)

func baseURL() string {
	return config.GetEnv("ORCHESTRATOR_URL", "http://localhost:8080") + "/api/v1/jobs"
}

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "submit":
		if len(os.Args) < 3 {
			log.Fatal("usage: submit <job.json>")
		}
		submit(os.Args[2])
	case "status":
		if len(os.Args) < 3 {
			log.Fatal("usage: status <job_id>")
		}
		status(os.Args[2])
	default:
		printHelp()
	}
}

func printHelp() {
	fmt.Println("usage:")
	fmt.Println("  client submit <job.json>   submit a job, e.g. {\"job_type\":\"hello\",\"parameters\":{\"name\":\"Ada\"}}")
	fmt.Println("  client status <job_id>     fetch current job status")
}

func submit(path string) {
	body, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("reading %s: %v", path, err)
	}
	resp, err := http.Post(baseURL(), "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("submitting job: %v", err)
	}
	defer resp.Body.Close()
	printPretty(resp)
}

func status(jobID string) {
	resp, err := http.Get(fmt.Sprintf("%s/%s", baseURL(), jobID))
	if err != nil {
		log.Fatalf("fetching status: %v", err)
	}
	defer resp.Body.Close()
	printPretty(resp)
}

func printPretty(resp *http.Response) {
	raw, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(pretty.String())
}
