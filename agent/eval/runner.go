package eval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/purchase"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	logx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/logger"
)

type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
	StatusError  Status = "error"
)

// Agent is the part of the orchestrator a run drives.
type Agent interface {
	CreateSession(ctx context.Context, userID string) (*statex.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	ProcessTurn(ctx context.Context, threadID, userID, message string) (contractx.TurnOutcome, error)
	Resume(ctx context.Context, threadID, approvalInput string) (contractx.TurnOutcome, error)
	History(ctx context.Context, threadID string) ([]*statex.Checkpoint, error)
}

// AgentFactory builds an agent over the given order store. Every task gets a
// fresh store seeded from the baseline.
type AgentFactory func(purchases contractx.PurchaseStore) (Agent, error)

type Config struct {
	AutoApprove   bool          `envconfig:"AUTO_APPROVE" default:"true"`
	ApprovalInput string        `envconfig:"APPROVAL_INPUT" default:"y"`
	TaskTimeout   time.Duration `envconfig:"TASK_TIMEOUT" default:"2m"`
}

type Result struct {
	TaskID   string        `json:"task_id"`
	Category Category      `json:"category"`
	Status   Status        `json:"status"`
	Checks   []Check       `json:"checks,omitempty"`
	Response string        `json:"response"`
	Tools    []string      `json:"tools,omitempty"`
	Latency  time.Duration `json:"latency"`
	Failure  string        `json:"failure,omitempty"`
	Err      string        `json:"error,omitempty"`
}

func (r Result) Passed() bool {
	return r.Status == StatusPassed
}

type Runner struct {
	cfg      Config
	baseline map[string][]statex.PurchaseRecord
	newAgent AgentFactory
}

func NewRunner(cfg Config, baseline map[string][]statex.PurchaseRecord, newAgent AgentFactory) (*Runner, error) {
	if newAgent == nil {
		return nil, errors.New("agent factory is required")
	}
	if strings.TrimSpace(cfg.ApprovalInput) == "" {
		cfg.ApprovalInput = "y"
	}
	return &Runner{cfg: cfg, baseline: baseline, newAgent: newAgent}, nil
}

// Run executes tasks one after another and aggregates the results.
func (r *Runner) Run(ctx context.Context, tasks []Task) *Summary {
	summary := &Summary{StartedAt: time.Now()}
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		res := r.RunTask(ctx, task)
		summary.Add(res)

		logx.Info().
			Str("task_id", res.TaskID).
			Str("category", string(res.Category)).
			Str("status", string(res.Status)).
			Dur("latency", res.Latency).
			Msg("evaluation task finished")
	}
	summary.Duration = time.Since(summary.StartedAt)
	return summary
}

// RunTask plays one task on a fresh agent and store. Agent errors make the
// result StatusError; failed checks make it StatusFailed.
func (r *Runner) RunTask(ctx context.Context, task Task) Result {
	res := Result{TaskID: task.ID, Category: task.Category}
	started := time.Now()
	defer func() { res.Latency = time.Since(started) }()

	if r.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer cancel()
	}

	store := purchase.NewMemoryStore(r.baseline)
	response, tools, err := r.converse(ctx, task, store)
	res.Response = response
	res.Tools = tools
	if err != nil {
		logx.Warn().Err(err).Str("task_id", task.ID).Msg("evaluation task errored")
		res.Status = StatusError
		res.Err = err.Error()
		return res
	}

	res.Checks = Verify(ctx, task, response, tools, store)
	res.Status = StatusPassed
	var failures []string
	for _, c := range res.Checks {
		if !c.Passed {
			res.Status = StatusFailed
			failures = append(failures, c.Error)
		}
	}
	res.Failure = strings.Join(failures, "; ")
	return res
}

func (r *Runner) converse(ctx context.Context, task Task, store contractx.PurchaseStore) (string, []string, error) {
	agent, err := r.newAgent(store)
	if err != nil {
		return "", nil, fmt.Errorf("build agent: %w", err)
	}
	sess, err := agent.CreateSession(ctx, task.UserID)
	if err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		if err := agent.EndSession(context.WithoutCancel(ctx), sess.SessionID); err != nil {
			logx.Warn().Err(err).Str("session_id", sess.SessionID).Msg("end evaluation session")
		}
	}()

	var last contractx.TurnOutcome
	for _, prompt := range task.Prompts() {
		last, err = agent.ProcessTurn(ctx, sess.SessionID, task.UserID, prompt)
		if err != nil {
			return "", nil, fmt.Errorf("turn %q: %w", prompt, err)
		}
		if last.Kind == contractx.OutcomeApproval && r.cfg.AutoApprove {
			last, err = agent.Resume(ctx, sess.SessionID, r.cfg.ApprovalInput)
			if err != nil {
				return "", nil, fmt.Errorf("approve: %w", err)
			}
		}
	}

	history, err := agent.History(ctx, sess.SessionID)
	if err != nil {
		return last.Text, nil, fmt.Errorf("history: %w", err)
	}
	return last.Text, toolsCalled(history), nil
}

// toolsCalled lists the distinct tools the conversation invoked, in call order.
func toolsCalled(history []*statex.Checkpoint) []string {
	if len(history) == 0 || history[len(history)-1].State == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var names []string
	for _, m := range history[len(history)-1].State.Messages {
		if m == nil || m.Role != schema.Assistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			name := tc.Function.Name
			if _, ok := seen[name]; ok || name == "" {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

type CategoryCount struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Errors int `json:"errors"`
}

type Summary struct {
	Total      int                         `json:"total"`
	Passed     int                         `json:"passed"`
	Failed     int                         `json:"failed"`
	Errors     int                         `json:"errors"`
	ByCategory map[Category]*CategoryCount `json:"by_category"`
	Results    []Result                    `json:"results"`
	StartedAt  time.Time                   `json:"started_at"`
	Duration   time.Duration               `json:"duration"`
}

func (s *Summary) Add(res Result) {
	if s.ByCategory == nil {
		s.ByCategory = make(map[Category]*CategoryCount)
	}
	s.Results = append(s.Results, res)
	s.Total++
	cc, ok := s.ByCategory[res.Category]
	if !ok {
		cc = &CategoryCount{}
		s.ByCategory[res.Category] = cc
	}
	cc.Total++
	switch res.Status {
	case StatusPassed:
		s.Passed++
		cc.Passed++
	case StatusFailed:
		s.Failed++
		cc.Failed++
	default:
		s.Errors++
		cc.Errors++
	}
}

// PassRate is the share of passed tasks in percent.
func (s *Summary) PassRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Total) * 100
}

func (s *Summary) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %d  Passed: %d (%.1f%%)  Failed: %d  Errors: %d  Duration: %s\n",
		s.Total, s.Passed, s.PassRate(), s.Failed, s.Errors, s.Duration.Round(time.Millisecond))

	categories := make([]string, 0, len(s.ByCategory))
	for c := range s.ByCategory {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)
	for _, c := range categories {
		cc := s.ByCategory[Category(c)]
		fmt.Fprintf(&b, "  %-14s %d/%d\n", c, cc.Passed, cc.Total)
	}

	for _, res := range s.Results {
		switch res.Status {
		case StatusFailed:
			fmt.Fprintf(&b, "FAIL %s: %s\n", res.TaskID, res.Failure)
		case StatusError:
			fmt.Fprintf(&b, "ERROR %s: %s\n", res.TaskID, res.Err)
		}
	}
	return b.String()
}
