// Package eval orchestrates evaluation runs: task definitions, prompt
// construction, the agent loop, answer parsing and scoring.
package eval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"webeval/internal/cache"
)

// Task is one evaluation scenario: pages to pre-cache, a question for the
// agent, and the rule for judging its answer.
type Task struct {
	ID       string     `yaml:"id"`
	Site     string     `yaml:"site"`
	StartURL string     `yaml:"start_url"`
	Prompt   string     `yaml:"prompt"`
	Pages    []PageSpec `yaml:"pages"`
	Answer   AnswerSpec `yaml:"answer"`
}

// PageSpec names a page the task needs cached before the agent runs.
type PageSpec struct {
	URL       string `yaml:"url"`
	NeedsData bool   `yaml:"needs_data"`
}

// Requirement converts a page spec to a cache requirement.
func (p PageSpec) Requirement() cache.PageRequirement {
	if p.NeedsData {
		return cache.Data(p.URL)
	}
	return cache.Nav(p.URL)
}

// AnswerSpec configures scoring for a task.
//
// Mode is one of:
//   - exact: case-insensitive string match
//   - numeric: numeric match within a relative tolerance
//   - semantic: embedding cosine similarity above a threshold
//   - judge: an LLM judges correctness against the expected value
//
// Value may reference the cached ground truth with the form
// "structured:<key>", resolved against the data page's structured payload.
type AnswerSpec struct {
	Mode      string  `yaml:"mode"`
	Value     string  `yaml:"value"`
	Tolerance float64 `yaml:"tolerance"`
	Threshold float64 `yaml:"threshold"`
}

type taskFile struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadTasks reads task definitions from a yaml file.
func LoadTasks(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("no tasks in %s", path)
	}
	for i, task := range tf.Tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if task.StartURL == "" {
			return nil, fmt.Errorf("task %s has no start_url", task.ID)
		}
		if task.Prompt == "" {
			return nil, fmt.Errorf("task %s has no prompt", task.ID)
		}
	}
	return tf.Tasks, nil
}

// Requirements returns the cache requirements for every page of the task,
// always including the start URL as a navigation page.
func (t Task) Requirements() []cache.PageRequirement {
	reqs := make([]cache.PageRequirement, 0, len(t.Pages)+1)
	seen := map[string]bool{}
	for _, p := range t.Pages {
		key := cache.Normalize(p.URL)
		if !seen[key] {
			seen[key] = true
			reqs = append(reqs, p.Requirement())
		}
	}
	if key := cache.Normalize(t.StartURL); !seen[key] {
		reqs = append(reqs, cache.Nav(t.StartURL))
	}
	return reqs
}
