// Package config loads process configuration from the environment, plus
// optional per-workflow tuning overrides from a YAML file.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// GetEnv returns the environment variable named key, or fallback if unset.
func GetEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// WorkflowTuning describes per-workflow overrides loaded from YAML: the
// per-stage failure policy, which is the only tunable setting. Operators
// use this to tune a workflow's behavior without recompiling the process
// that registers it.
type WorkflowTuning struct {
	JobType string `yaml:"job_type"`
	Stages  []struct {
		Number  int    `yaml:"number"`
		Failure string `yaml:"failure,omitempty"`
	} `yaml:"stages"`
}

// TuningFile is the top-level shape of the optional workflow tuning file.
type TuningFile struct {
	Workflows []WorkflowTuning `yaml:"workflows"`
}

// LoadTuning reads and parses a workflow tuning YAML file. A missing file
// is not an error: tuning is optional and workflows fall back to the
// defaults baked into their Go definitions.
func LoadTuning(path string) (*TuningFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &TuningFile{}, nil
		}
		return nil, err
	}
	var tf TuningFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	return &tf, nil
}

// FailurePolicyFor returns the configured failure policy override for
// (jobType, stage), and whether one was found.
func (t *TuningFile) FailurePolicyFor(jobType string, stage int) (string, bool) {
	if t == nil {
		return "", false
	}
	for _, wf := range t.Workflows {
		if wf.JobType != jobType {
			continue
		}
		for _, s := range wf.Stages {
			if s.Number == stage && s.Failure != "" {
				return s.Failure, true
			}
		}
	}
	return "", false
}
