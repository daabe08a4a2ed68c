// Package eval replays scripted conversations against the orchestrator and
// checks the replies, the tools that ran, and the order store afterwards.
package eval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidTask = errors.New("invalid evaluation task")

type Category string

const (
	CategoryOrderStatus  Category = "order_status"
	CategoryReturnStatus Category = "return_status"
	CategoryReturnInit   Category = "return_init"
	CategoryProductQA    Category = "product_qa"
	CategoryOutOfScope   Category = "out_of_scope"
)

// ParseCategory maps a category name case-insensitively. Unknown names count
// as order_status.
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryOrderStatus, CategoryReturnStatus, CategoryReturnInit, CategoryProductQA, CategoryOutOfScope:
		return c
	default:
		return CategoryOrderStatus
	}
}

// Task is one scripted scenario. The last reply of the conversation is the one
// that gets checked.
type Task struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  Category `json:"category"`
	UserID    string   `json:"user_id"`
	Prompt    string   `json:"prompt"`
	Followups []string `json:"followup_prompts,omitempty"`

	GroundTruth map[string]any `json:"ground_truth,omitempty"`

	ResponseMustContain    []string          `json:"response_must_contain,omitempty"`
	ResponseMustNotContain []string          `json:"response_must_not_contain,omitempty"`
	ToolMustBeCalled       []string          `json:"tool_must_be_called,omitempty"`
	ToolMustNotBeCalled    []string          `json:"tool_must_not_be_called,omitempty"`
	ExpectedOrderState     map[string]string `json:"expected_db_state,omitempty"`
}

func (t Task) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	case strings.TrimSpace(t.UserID) == "":
		return fmt.Errorf("%w: task %s has no user_id", ErrInvalidTask, t.ID)
	case strings.TrimSpace(t.Prompt) == "":
		return fmt.Errorf("%w: task %s has no prompt", ErrInvalidTask, t.ID)
	}
	return nil
}

// Prompts returns the user messages in the order they are sent.
func (t Task) Prompts() []string {
	return append([]string{t.Prompt}, t.Followups...)
}

// OrderID is the ground-truth order the task is about, if any.
func (t Task) OrderID() string {
	switch v := t.GroundTruth["order_id"].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

type taskFile struct {
	Tasks []Task `json:"tasks"`
}

// LoadFile reads a {"tasks": [...]} document.
func LoadFile(path string) ([]Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var doc taskFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode task file %s: %w", path, err)
	}
	for i := range doc.Tasks {
		doc.Tasks[i].Category = ParseCategory(string(doc.Tasks[i].Category))
		if err := doc.Tasks[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return doc.Tasks, nil
}

// LoadDir reads every *.json file in dir in name order. When categories are
// given only files named after one of them are read.
func LoadDir(dir string, categories ...string) ([]Task, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		if _, statErr := os.Stat(dir); statErr != nil {
			return nil, fmt.Errorf("tasks directory: %w", statErr)
		}
	}
	sort.Strings(files)

	wanted := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			wanted[c] = struct{}{}
		}
	}

	var tasks []Task
	for _, f := range files {
		if len(wanted) > 0 {
			stem := strings.ToLower(strings.TrimSuffix(filepath.Base(f), filepath.Ext(f)))
			if _, ok := wanted[stem]; !ok {
				continue
			}
		}
		loaded, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, loaded...)
	}
	return tasks, nil
}
