package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	nodex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/nodes"
	promptx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/prompt"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/resolver"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/tool"
	logx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/pkg/logger"
)

var (
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrInvalidThread  = nodex.ErrInvalidThread
	ErrInvalidUser    = nodex.ErrInvalidUser
)

type Config struct {
	MaxSteps          int           `split_words:"true" default:"6"`
	StepTimeout       time.Duration `split_words:"true" default:"20s"`
	MaxRetries        int           `split_words:"true" default:"2"`
	RetryBackoff      time.Duration `split_words:"true" default:"200ms"`
	AffirmativeTokens []string      `split_words:"true" default:"y,yes"`
	// ApprovalTimeout cancels a pending approval after this long. Zero disables it.
	ApprovalTimeout  time.Duration `split_words:"true" default:"0s"`
	FallbackMessages []string      `ignored:"true"`
}

func DefaultConfig() Config {
	return Config{
		MaxSteps:          6,
		StepTimeout:       20 * time.Second,
		MaxRetries:        2,
		RetryBackoff:      200 * time.Millisecond,
		AffirmativeTokens: []string{"y", "yes"},
	}
}

type Deps struct {
	Checkpoints statex.CheckpointStore
	Sessions    statex.SessionCache
	Models      contractx.Registry
	Purchases   contractx.PurchaseStore
	Tools       toolx.Executor
	Scheduler   contractx.ApprovalScheduler
	Reporter    contractx.FailureReporter
	Prompts     promptx.PromptSet
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// Orchestrator drives conversations through the checkpointed state machine.
type Orchestrator struct {
	checkpoints statex.CheckpointStore
	sessions    statex.SessionCache
	scheduler   contractx.ApprovalScheduler
	reporter    contractx.FailureReporter

	prepare  compose.Runnable[nodex.TurnInput, *nodex.TurnState]
	dispatch map[string]nodeSpec

	cfg          Config
	affirmative  map[string]struct{}
	confirmToken string
	fallbacks    *fallbackRotator
	locks        *threadLocks

	now   func() time.Time
	newID func() string
}

func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	if deps.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if deps.Models == nil {
		return nil, errors.New("model registry is required")
	}
	if deps.Purchases == nil {
		return nil, errors.New("purchase store is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("tool executor is required")
	}
	if deps.Reporter == nil {
		deps.Reporter = LogReporter{}
	}

	defaults := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaults.MaxSteps
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaults.StepTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if confirmToken(cfg.AffirmativeTokens) == "" {
		cfg.AffirmativeTokens = defaults.AffirmativeTokens
	}

	o := &Orchestrator{
		checkpoints:  deps.Checkpoints,
		sessions:     deps.Sessions,
		scheduler:    deps.Scheduler,
		reporter:     deps.Reporter,
		cfg:          cfg,
		affirmative:  affirmativeSet(cfg.AffirmativeTokens),
		confirmToken: confirmToken(cfg.AffirmativeTokens),
		fallbacks:    newFallbackRotator(cfg.FallbackMessages),
		locks:        newThreadLocks(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	res, err := resolver.New(deps.Models.Extractor())
	if err != nil {
		return nil, err
	}
	handlers, err := nodex.NewHandlers(nodex.Deps{
		Classifier: deps.Models.Classifier(),
		Resolver:   res,
		Responder:  deps.Models.Responder(),
		Purchases:  deps.Purchases,
		Tools:      deps.Tools,
		Prompts:    deps.Prompts,
		Now:        func() time.Time { return o.now() },
		NewID:      func() string { return o.newID() },
	})
	if err != nil {
		return nil, err
	}
	o.dispatch = buildDispatch(handlers)

	prepare, err := o.compilePrepareTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.prepare = prepare

	return o, nil
}

// ProcessTurn handles one inbound user message. While the thread waits for an
// approval decision the message is treated as that decision. A turn left
// unfinished by a crash is completed before the new message is processed.
func (o *Orchestrator) ProcessTurn(ctx context.Context, threadID, userID, message string) (contractx.TurnOutcome, error) {
	release := o.locks.Lock(strings.TrimSpace(threadID))
	defer release()

	ts, err := o.prepare.Invoke(ctx, nodex.TurnInput{
		ThreadID: threadID,
		UserID:   userID,
		Text:     message,
	})
	if err != nil {
		return contractx.TurnOutcome{}, err
	}
	if err := o.touchSession(ctx, ts.ThreadID, ts.UserID); err != nil {
		return contractx.TurnOutcome{}, err
	}

	t := newTurn(ts.State, ts.Latest)
	if ts.Latest.Suspended() {
		return o.decideApproval(ctx, t, ts.Text)
	}
	if ts.Latest != nil && ts.Latest.NextNode != "" {
		out, err := o.resumeInterrupted(ctx, t, ts.Latest.NextNode)
		if err != nil {
			return contractx.TurnOutcome{}, err
		}
		// A recovered approval prompt is returned as is; this message does not answer it.
		if out.Kind == contractx.OutcomeApproval {
			return out, nil
		}
	}
	if out, ok := o.replay(t, ts.Text); ok {
		return out, nil
	}
	return o.startTurn(ctx, t, ts.Text)
}

// Resume delivers an approval decision to a suspended thread.
func (o *Orchestrator) Resume(ctx context.Context, threadID, approvalInput string) (contractx.TurnOutcome, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return contractx.TurnOutcome{}, ErrInvalidThread
	}
	input := strings.TrimSpace(approvalInput)
	if input == "" {
		return contractx.TurnOutcome{}, ErrInvalidMessage
	}

	release := o.locks.Lock(threadID)
	defer release()

	cp, err := o.checkpoints.GetLatest(ctx, threadID)
	if errors.Is(err, statex.ErrCheckpointNotFound) {
		return contractx.TurnOutcome{}, fmt.Errorf("%w: thread=%s", contractx.ErrNoPendingApproval, threadID)
	}
	if err != nil {
		return contractx.TurnOutcome{}, err
	}

	t := newTurn(cp.State, cp)
	if !cp.Suspended() {
		if out, ok := o.replay(t, input); ok {
			return out, nil
		}
		return contractx.TurnOutcome{}, fmt.Errorf("%w: thread=%s", contractx.ErrNoPendingApproval, threadID)
	}
	return o.decideApproval(ctx, t, input)
}

// CancelPending rejects a pending sensitive call without user input, e.g.
// when its approval window expired. A callID that is no longer pending is ignored.
func (o *Orchestrator) CancelPending(ctx context.Context, threadID, callID, reason string) (contractx.TurnOutcome, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return contractx.TurnOutcome{}, ErrInvalidThread
	}

	release := o.locks.Lock(threadID)
	defer release()

	cp, err := o.checkpoints.GetLatest(ctx, threadID)
	if errors.Is(err, statex.ErrCheckpointNotFound) {
		return contractx.TurnOutcome{ThreadID: threadID}, nil
	}
	if err != nil {
		return contractx.TurnOutcome{}, err
	}
	return o.cancel(ctx, newTurn(cp.State, cp), callID, reason)
}

// RefreshPurchaseHistory makes the next turn reload the caller's orders.
func (o *Orchestrator) RefreshPurchaseHistory(ctx context.Context, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return ErrInvalidThread
	}

	release := o.locks.Lock(threadID)
	defer release()

	cp, err := o.checkpoints.GetLatest(ctx, threadID)
	if err != nil {
		return err
	}
	t := newTurn(cp.State, cp)
	t.state.RefreshRequested = true
	t.state.Touch(o.now())
	return o.checkpoint(ctx, t, cp.NextNode, "refresh")
}

// History returns every retained checkpoint of the thread, oldest first.
func (o *Orchestrator) History(ctx context.Context, threadID string) ([]*statex.Checkpoint, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, ErrInvalidThread
	}
	return o.checkpoints.History(ctx, threadID)
}

func (o *Orchestrator) CreateSession(ctx context.Context, userID string) (*statex.Session, error) {
	if o.sessions == nil {
		return nil, errors.New("session cache is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUser
	}

	now := o.now().UTC()
	sess := &statex.Session{
		SessionID:    o.newID(),
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := o.sessions.Put(ctx, sess); err != nil {
		return nil, err
	}
	logx.Info().Str("thread_id", sess.SessionID).Str("user_id", userID).Msg("session created")
	return sess, nil
}

func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	if o.sessions == nil {
		return errors.New("session cache is not configured")
	}
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Ended() {
		return nil
	}
	ended := o.now().UTC()
	sess.EndedAt = &ended
	return o.sessions.Put(ctx, sess)
}

func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	if o.sessions == nil {
		return errors.New("session cache is not configured")
	}
	return o.sessions.Delete(ctx, sessionID)
}

// touchSession checks the session that shares the thread id, when one exists.
// Threads without a session are allowed.
func (o *Orchestrator) touchSession(ctx context.Context, threadID, userID string) error {
	if o.sessions == nil {
		return nil
	}
	sess, err := o.sessions.Get(ctx, threadID)
	if errors.Is(err, statex.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		logx.Warn().Err(err).Str("thread_id", threadID).Msg("session lookup failed")
		return nil
	}
	if sess.UserID != userID {
		return fmt.Errorf("%w: session=%s", contractx.ErrUserMismatch, threadID)
	}
	if sess.Ended() {
		return fmt.Errorf("%w: session=%s", statex.ErrSessionEnded, threadID)
	}

	sess.LastActiveAt = o.now().UTC()
	if err := o.sessions.Put(ctx, sess); err != nil {
		logx.Warn().Err(err).Str("thread_id", threadID).Msg("session touch failed")
	}
	return nil
}
