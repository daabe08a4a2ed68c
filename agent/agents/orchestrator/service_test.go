package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/contract"
	nodex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/nodes"
	promptx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/prompt"
	"github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/purchase"
	statex "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/state"
	toolx "github.com/tanpawarit/Chative-Customer-Service-Orchestrator/agent/tool"
)

var testNow = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testPurchases() []statex.PurchaseRecord {
	return []statex.PurchaseRecord{
		{OrderID: "1001", ProductName: "Jetson Nano", OrderDate: day(2024, 12, 20), OrderStatus: "Delivered"},
		{OrderID: "1002", ProductName: "RTX 4090", OrderDate: day(2025, 1, 3), OrderStatus: "Delivered", ReturnStatus: "Requested"},
		{OrderID: "1003", ProductName: "Raspberry Pi 5", OrderDate: day(2025, 1, 5), OrderStatus: "Delivered"},
		{OrderID: "1004", ProductName: "Logitech MX Master 3", OrderDate: day(2024, 11, 1), OrderStatus: "Delivered"},
		{OrderID: "1005", ProductName: "Logitech MX Keys", OrderDate: day(2024, 11, 2), OrderStatus: "Delivered"},
	}
}

type fakeClassifier struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, call int, req contractx.IntentRequest) (contractx.RoutingDecision, error)
	calls int
}

func (f *fakeClassifier) Classify(ctx context.Context, req contractx.IntentRequest) (contractx.RoutingDecision, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, call, req)
	}
	return keywordRoute(req), nil
}

func (f *fakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func keywordRoute(req contractx.IntentRequest) contractx.RoutingDecision {
	latest := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if m := req.Messages[i]; m != nil && m.Role == schema.User {
			latest = strings.ToLower(m.Content)
			break
		}
	}
	switch {
	case strings.Contains(latest, "return"):
		return contractx.ToReturnProcessing()
	case strings.Contains(latest, "where"), strings.Contains(latest, "status"):
		return contractx.ToOrderStatus()
	case strings.Contains(latest, "how"), strings.Contains(latest, "spec"):
		return contractx.ToProductQA()
	default:
		return contractx.OtherTalk()
	}
}

var knownProducts = []string{"Jetson Nano", "RTX 4090", "Raspberry Pi 5", "Logitech", "iPhone"}

type fakeExtractor struct{}

func (fakeExtractor) ExtractProductName(ctx context.Context, msgs []*schema.Message) (string, error) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil || m.Role != schema.User {
			continue
		}
		lower := strings.ToLower(m.Content)
		for _, p := range knownProducts {
			if strings.Contains(lower, strings.ToLower(p)) {
				return p, nil
			}
		}
	}
	return "", nil
}

type fakeResponder struct {
	mu   sync.Mutex
	reqs []contractx.ResponseRequest
}

func (f *fakeResponder) Respond(ctx context.Context, req contractx.ResponseRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return fmt.Sprintf("[%s] %s", req.Task, req.Context), nil
}

func (f *fakeResponder) Last() contractx.ResponseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return contractx.ResponseRequest{}
	}
	return f.reqs[len(f.reqs)-1]
}

type fakeRegistry struct {
	classifier *fakeClassifier
	responder  *fakeResponder
}

func (r *fakeRegistry) Classifier() contractx.IntentClassifier { return r.classifier }
func (r *fakeRegistry) Extractor() contractx.ProductExtractor  { return fakeExtractor{} }
func (r *fakeRegistry) Responder() contractx.Responder         { return r.responder }

type fakePurchases struct {
	mu         sync.Mutex
	records    []statex.PurchaseRecord
	listErr    error
	requestErr error
	requests   int
	changes    int
}

func (f *fakePurchases) ListPurchases(ctx context.Context, userID string) ([]statex.PurchaseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]statex.PurchaseRecord(nil), f.records...), nil
}

func (f *fakePurchases) RequestReturn(ctx context.Context, userID, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.requestErr != nil {
		return false, f.requestErr
	}
	for i := range f.records {
		if f.records[i].OrderID != orderID {
			continue
		}
		if f.records[i].HasReturn() {
			return false, nil
		}
		f.records[i].ReturnStatus = statex.ReturnStatusRequested
		f.changes++
		return true, nil
	}
	return false, fmt.Errorf("order %s not found", orderID)
}

func (f *fakePurchases) setRequestErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestErr = err
}

func (f *fakePurchases) counts() (requests, changes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests, f.changes
}

type fakeStructured struct {
	mu      sync.Mutex
	err     error
	onQuery func()
	queries []contractx.StructuredQuery
}

func (f *fakeStructured) Search(ctx context.Context, q contractx.StructuredQuery) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.onQuery != nil {
		f.onQuery()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return "row: shipped via DHL, tracking TH123", nil
}

type fakeUnstructured struct {
	mu      sync.Mutex
	queries []string
}

func (f *fakeUnstructured) Search(ctx context.Context, q contractx.UnstructuredQuery) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q.Query)
	return "doc: 4GB RAM, 128 CUDA cores", nil
}

func (f *fakeUnstructured) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type recordingReporter struct {
	mu       sync.Mutex
	failures []contractx.TurnFailure
}

func (r *recordingReporter) Report(ctx context.Context, f contractx.TurnFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func (r *recordingReporter) All() []contractx.TurnFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contractx.TurnFailure(nil), r.failures...)
}

type scheduledExpiry struct {
	threadID string
	callID   string
	after    time.Duration
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduledExpiry
}

func (f *fakeScheduler) ScheduleExpiry(ctx context.Context, threadID, callID string, after time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduledExpiry{threadID: threadID, callID: callID, after: after})
	return nil
}

type harness struct {
	orch       *Orchestrator
	store      *statex.MemoryCheckpointStore
	sessions   *statex.MemorySessionCache
	classifier *fakeClassifier
	responder  *fakeResponder
	purchases  *fakePurchases
	structured *fakeStructured
	docs       *fakeUnstructured
	reporter   *recordingReporter
	scheduler  *fakeScheduler
	cfg        Config
	ids        atomic.Int64
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RetryBackoff = 0
	cfg.StepTimeout = 2 * time.Second
	if configure != nil {
		configure(&cfg)
	}

	h := &harness{
		store:      statex.NewMemoryCheckpointStore(),
		sessions:   statex.NewMemorySessionCache(0),
		classifier: &fakeClassifier{},
		responder:  &fakeResponder{},
		purchases:  &fakePurchases{records: testPurchases()},
		structured: &fakeStructured{},
		docs:       &fakeUnstructured{},
		reporter:   &recordingReporter{},
		scheduler:  &fakeScheduler{},
		cfg:        cfg,
	}
	h.orch = h.newOrchestrator(t)
	return h
}

// newOrchestrator builds a fresh orchestrator over the harness stores, the
// way a restarted process would.
func (h *harness) newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	orch, err := New(Deps{
		Checkpoints: h.store,
		Sessions:    h.sessions,
		Models:      &fakeRegistry{classifier: h.classifier, responder: h.responder},
		Purchases:   h.purchases,
		Tools: toolx.NewExecutor(toolx.Deps{
			Structured:   h.structured,
			Unstructured: h.docs,
			TopK:         3,
		}),
		Scheduler: h.scheduler,
		Reporter:  h.reporter,
		Prompts:   promptx.LoadPromptSet(),
	}, h.cfg,
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", h.ids.Add(1)) }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return orch
}

func (h *harness) turn(t *testing.T, threadID, text string) contractx.TurnOutcome {
	t.Helper()
	out, err := h.orch.ProcessTurn(context.Background(), threadID, "4165", text)
	if err != nil {
		t.Fatalf("ProcessTurn(%q) error = %v", text, err)
	}
	return out
}

func (h *harness) latest(t *testing.T, threadID string) *statex.Checkpoint {
	t.Helper()
	cp, err := h.store.GetLatest(context.Background(), threadID)
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	return cp
}

func (h *harness) historyLen(t *testing.T, threadID string) int {
	t.Helper()
	history, err := h.store.History(context.Background(), threadID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	return len(history)
}

func TestProcessTurnOrderStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	out := h.turn(t, "thread-1", "Where is my Jetson Nano?")

	if out.Kind != contractx.OutcomeResponse || out.Fallback {
		t.Fatalf("outcome = %+v, want plain response", out)
	}
	if !strings.HasPrefix(out.Text, "[order_status]") || !strings.Contains(out.Text, "order 1001") {
		t.Fatalf("unexpected reply: %q", out.Text)
	}
	if len(h.structured.queries) != 1 || h.structured.queries[0].UserID != "4165" {
		t.Fatalf("structured queries = %+v", h.structured.queries)
	}

	history, err := h.orch.History(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	wantSources := []string{"input", nodex.NodeFetchPurchaseHistory, nodex.NodeClassifyIntent, nodex.NodeOrderStatus}
	if len(history) != len(wantSources) {
		t.Fatalf("checkpoints = %d, want %d", len(history), len(wantSources))
	}
	for i, cp := range history {
		if cp.Source != wantSources[i] {
			t.Fatalf("checkpoint[%d].Source = %q, want %q", i, cp.Source, wantSources[i])
		}
		if cp.SequenceNo != int64(i+1) {
			t.Fatalf("checkpoint[%d].SequenceNo = %d, want %d", i, cp.SequenceNo, i+1)
		}
	}

	last := history[len(history)-1]
	if last.NextNode != "" {
		t.Fatalf("final NextNode = %q, want empty", last.NextNode)
	}
	if last.State.ActiveProduct != "Jetson Nano" || last.State.Route != nodex.NodeOrderStatus {
		t.Fatalf("final state product=%q route=%q", last.State.ActiveProduct, last.State.Route)
	}
	if out.SequenceNo != last.SequenceNo {
		t.Fatalf("outcome sequence = %d, want %d", out.SequenceNo, last.SequenceNo)
	}
}

func TestProcessTurnExistingReturnDoesNotSuspend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	out := h.turn(t, "thread-1", "I want to return my RTX 4090")

	if out.Kind != contractx.OutcomeResponse || out.PendingCall != nil {
		t.Fatalf("outcome = %+v, want response without pending call", out)
	}
	if !strings.Contains(h.responder.Last().Context, "already exists") {
		t.Fatalf("responder context = %q", h.responder.Last().Context)
	}
	if requests, _ := h.purchases.counts(); requests != 0 {
		t.Fatalf("RequestReturn calls = %d, want 0", requests)
	}
	if h.latest(t, "thread-1").State.AwaitingApproval() {
		t.Fatal("state awaits approval after existing return")
	}
}

func TestApprovalExecutesExactlyOnceAndReplays(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	out := h.turn(t, "thread-1", "I'd like to return my Raspberry Pi 5")
	if out.Kind != contractx.OutcomeApproval || out.PendingCall == nil {
		t.Fatalf("outcome = %+v, want approval", out)
	}
	if out.PendingCall.OrderID != "1003" || out.PendingCall.Tool != toolx.ToolUpdateReturn {
		t.Fatalf("pending call = %+v", out.PendingCall)
	}
	suspended := h.latest(t, "thread-1")
	if !suspended.Suspended() || suspended.NextNode != nodex.NodeExecuteReturn || suspended.Source != "suspend" {
		t.Fatalf("suspend checkpoint = next=%q source=%q", suspended.NextNode, suspended.Source)
	}
	if requests, _ := h.purchases.counts(); requests != 0 {
		t.Fatalf("RequestReturn before approval = %d, want 0", requests)
	}

	done := h.turn(t, "thread-1", " Yes! ")
	if done.Kind != contractx.OutcomeResponse || !strings.Contains(done.Text, "has been started") {
		t.Fatalf("approval outcome = %+v", done)
	}
	if requests, changes := h.purchases.counts(); requests != 1 || changes != 1 {
		t.Fatalf("RequestReturn requests=%d changes=%d, want 1/1", requests, changes)
	}

	st := h.latest(t, "thread-1").State
	if st.Approval != statex.ApprovalExecuted || st.PendingSensitiveCall != nil {
		t.Fatalf("after execute approval=%q pending=%v", st.Approval, st.PendingSensitiveCall)
	}
	if st.LastExecuted == nil || st.LastExecuted.CallID != out.PendingCall.ID {
		t.Fatalf("LastExecuted = %+v", st.LastExecuted)
	}
	if rec, _ := st.FindOrder("1003"); rec.ReturnStatus != "" || rec.ReturnStartDate != nil {
		t.Fatalf("snapshot edited by execute_return: status=%q start=%v", rec.ReturnStatus, rec.ReturnStartDate)
	}
	if !st.RefreshRequested {
		t.Fatal("RefreshRequested = false after the return was written")
	}

	before := h.historyLen(t, "thread-1")
	replayed := h.turn(t, "thread-1", "yes")
	if !replayed.Replayed || replayed.Text != done.Text {
		t.Fatalf("replay outcome = %+v", replayed)
	}
	if after := h.historyLen(t, "thread-1"); after != before {
		t.Fatalf("replay wrote checkpoints: %d -> %d", before, after)
	}
	if requests, _ := h.purchases.counts(); requests != 1 {
		t.Fatalf("RequestReturn after replay = %d, want 1", requests)
	}

	h.turn(t, "thread-1", "thanks")
	again := h.turn(t, "thread-1", "yes")
	if again.Replayed {
		t.Fatal("replay after an unrelated turn")
	}
	if requests, _ := h.purchases.counts(); requests != 1 {
		t.Fatalf("RequestReturn after later yes = %d, want 1", requests)
	}
}

func TestApprovalRejectionAcknowledgesFeedback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.turn(t, "thread-1", "return my Raspberry Pi 5 please")

	out := h.turn(t, "thread-1", "no, I changed my mind")
	if out.Kind != contractx.OutcomeResponse || !strings.HasPrefix(out.Text, "[return_processing]") {
		t.Fatalf("rejection outcome = %+v", out)
	}
	if !strings.Contains(h.responder.Last().Context, "declined") {
		t.Fatalf("responder context = %q", h.responder.Last().Context)
	}
	if h.responder.Last().UserMessage != "no, I changed my mind" {
		t.Fatalf("responder user message = %q", h.responder.Last().UserMessage)
	}
	if requests, _ := h.purchases.counts(); requests != 0 {
		t.Fatalf("RequestReturn after rejection = %d, want 0", requests)
	}

	st := h.latest(t, "thread-1").State
	if st.Approval != statex.ApprovalRejected || st.PendingSensitiveCall != nil || st.LastRejectedOrderID != "" {
		t.Fatalf("after rejection approval=%q pending=%v lastRejected=%q", st.Approval, st.PendingSensitiveCall, st.LastRejectedOrderID)
	}
}

func TestResumeAfterRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.turn(t, "thread-1", "I want to return my Raspberry Pi 5")

	restarted := h.newOrchestrator(t)
	out, err := restarted.Resume(context.Background(), "thread-1", "y")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !strings.Contains(out.Text, "Raspberry Pi 5") {
		t.Fatalf("resume outcome = %+v", out)
	}
	if _, changes := h.purchases.counts(); changes != 1 {
		t.Fatalf("changes = %d, want 1", changes)
	}

	if _, err := restarted.Resume(context.Background(), "thread-2", "y"); !errors.Is(err, contractx.ErrNoPendingApproval) {
		t.Fatalf("Resume() unknown thread error = %v, want ErrNoPendingApproval", err)
	}
}

func TestExecuteReturnFailureKeepsApprovalForRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.turn(t, "thread-1", "return my Raspberry Pi 5")

	h.purchases.setRequestErr(errors.New("connection reset"))
	out := h.turn(t, "thread-1", "y")
	if !out.Fallback || out.Text != executeReturnFailureText {
		t.Fatalf("failure outcome = %+v", out)
	}
	if requests, _ := h.purchases.counts(); requests != h.cfg.MaxRetries+1 {
		t.Fatalf("RequestReturn attempts = %d, want %d", requests, h.cfg.MaxRetries+1)
	}
	failures := h.reporter.All()
	if len(failures) != 1 || failures[0].Node != nodex.NodeExecuteReturn || failures[0].Attempts != h.cfg.MaxRetries+1 {
		t.Fatalf("reported failures = %+v", failures)
	}

	cp := h.latest(t, "thread-1")
	if !cp.Suspended() || cp.State.Approval != statex.ApprovalApproved || cp.Source != "fallback" {
		t.Fatalf("fallback checkpoint next=%q approval=%q source=%q", cp.NextNode, cp.State.Approval, cp.Source)
	}

	h.purchases.setRequestErr(nil)
	retry := h.turn(t, "thread-1", "y")
	if retry.Fallback || !strings.Contains(retry.Text, "has been started") {
		t.Fatalf("retry outcome = %+v", retry)
	}
	if _, changes := h.purchases.counts(); changes != 1 {
		t.Fatalf("changes = %d, want 1", changes)
	}
}

func TestExecuteReturnPermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.turn(t, "thread-1", "return my Raspberry Pi 5")

	h.purchases.setRequestErr(fmt.Errorf("%w: order 1003 not found for user 4165", purchase.ErrOrderNotFound))
	out := h.turn(t, "thread-1", "y")
	if !out.Fallback || out.Text != executeReturnFailureText {
		t.Fatalf("failure outcome = %+v", out)
	}
	if requests, _ := h.purchases.counts(); requests != 1 {
		t.Fatalf("RequestReturn attempts = %d, want 1", requests)
	}
	failures := h.reporter.All()
	if len(failures) != 1 || failures[0].Attempts != 1 || !errors.Is(failures[0].Err, purchase.ErrOrderNotFound) {
		t.Fatalf("reported failures = %+v", failures)
	}
	if contractx.IsTransient(failures[0].Err) {
		t.Fatalf("missing order reported as transient: %v", failures[0].Err)
	}
}

func TestInterruptedTurnIsCompletedBeforeNextMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.structured.onQuery = cancel

	if _, err := h.orch.ProcessTurn(ctx, "thread-1", "4165", "Where is my Jetson Nano?"); err == nil {
		t.Fatal("ProcessTurn() error = nil for a cancelled turn")
	}
	interrupted := h.latest(t, "thread-1")
	if interrupted.NextNode != nodex.NodeOrderStatus || interrupted.Suspended() {
		t.Fatalf("interrupted checkpoint next=%q source=%q", interrupted.NextNode, interrupted.Source)
	}

	h.structured.mu.Lock()
	h.structured.onQuery = nil
	h.structured.mu.Unlock()

	restarted := h.newOrchestrator(t)
	out, err := restarted.ProcessTurn(context.Background(), "thread-1", "4165", "thanks")
	if err != nil {
		t.Fatalf("ProcessTurn() after restart error = %v", err)
	}
	if out.Fallback || !strings.HasPrefix(out.Text, "[small_talk]") {
		t.Fatalf("outcome = %+v, want reply to the new message", out)
	}
	if len(h.structured.queries) != 2 {
		t.Fatalf("structured queries = %d, want the interrupted lookup to run again", len(h.structured.queries))
	}

	cp := h.latest(t, "thread-1")
	if cp.NextNode != "" || cp.State.Turn != 2 {
		t.Fatalf("final checkpoint next=%q turn=%d", cp.NextNode, cp.State.Turn)
	}
	msgs := cp.State.Messages
	if len(msgs) < 3 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[len(msgs)-2].Content != "thanks" {
		t.Fatalf("second to last message = %q, want the new user message", msgs[len(msgs)-2].Content)
	}
	if recovered := msgs[len(msgs)-3]; recovered.Role != schema.Assistant || !strings.HasPrefix(recovered.Content, "[order_status]") {
		t.Fatalf("recovered reply = %s %q", recovered.Role, recovered.Content)
	}
}

func TestProductQuestionKeepsProductFromEarlierTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.turn(t, "thread-1", "Where is my Jetson Nano?")

	out := h.turn(t, "thread-1", "how do I set it up?")
	if out.Kind != contractx.OutcomeResponse || out.Fallback || !strings.HasPrefix(out.Text, "[product_qa]") {
		t.Fatalf("outcome = %+v", out)
	}
	queries := h.docs.Queries()
	if len(queries) != 1 || queries[0] != "Jetson Nano: how do I set it up?" {
		t.Fatalf("documentation queries = %q", queries)
	}
	if got := h.responder.Last().Product; got != "Jetson Nano" {
		t.Fatalf("responder product = %q", got)
	}
	st := h.latest(t, "thread-1").State
	if st.ActiveProduct != "Jetson Nano" || st.Clarification != nil {
		t.Fatalf("state product=%q clarification=%+v", st.ActiveProduct, st.Clarification)
	}
}

func TestProductQuestionWithoutProductDoesNotClarify(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	out := h.turn(t, "thread-1", "how long is the warranty?")
	if out.Kind != contractx.OutcomeResponse || !strings.HasPrefix(out.Text, "[product_qa]") {
		t.Fatalf("outcome = %+v", out)
	}
	if queries := h.docs.Queries(); len(queries) != 1 || queries[0] != "how long is the warranty?" {
		t.Fatalf("documentation queries = %q", queries)
	}
}

func TestApprovalPromptQuotesUsableToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tokens []string
		quoted string
		answer string
	}{
		{name: "blank first entry", tokens: []string{" ", "!", "Confirm!"}, quoted: "confirm", answer: "CONFIRM"},
		{name: "nothing usable", tokens: []string{"", "."}, quoted: "y", answer: "yes"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, func(cfg *Config) { cfg.AffirmativeTokens = tc.tokens })
			out := h.turn(t, "thread-1", "return my Raspberry Pi 5")
			if want := fmt.Sprintf("Reply %q to confirm", tc.quoted); !strings.Contains(out.Text, want) {
				t.Fatalf("prompt = %q, want %q", out.Text, want)
			}
			done := h.turn(t, "thread-1", tc.answer)
			if !strings.Contains(done.Text, "has been started") {
				t.Fatalf("answer %q outcome = %+v", tc.answer, done)
			}
		})
	}
}

func TestProcessTurnClarification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "unknown product", text: "Where is my iPhone?", want: []string{"couldn't find", "iPhone"}},
		{name: "ambiguous product", text: "Where is my Logitech?", want: []string{"Logitech MX Master 3", "Logitech MX Keys"}},
		{name: "no product", text: "Where is my order?", want: []string{"Which product"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			out := h.turn(t, "thread-1", tc.text)
			if out.Kind != contractx.OutcomeClarification {
				t.Fatalf("outcome kind = %q, want clarification", out.Kind)
			}
			for _, w := range tc.want {
				if !strings.Contains(out.Text, w) {
					t.Fatalf("clarification %q missing %q", out.Text, w)
				}
			}
			if len(h.structured.queries) != 0 {
				t.Fatalf("structured retrieval ran during clarification: %+v", h.structured.queries)
			}
			st := h.latest(t, "thread-1").State
			if st.Clarification == nil || st.ActiveProduct != "" {
				t.Fatalf("state clarification=%v product=%q", st.Clarification, st.ActiveProduct)
			}
		})
	}
}

func TestOrderDataFailureUsesNodeText(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.structured.err = errors.New("database unavailable")

	out := h.turn(t, "thread-1", "Where is my Jetson Nano?")
	if !out.Fallback || out.Text != nodex.OrderStatusFailureText {
		t.Fatalf("outcome = %+v", out)
	}
	cp := h.latest(t, "thread-1")
	if cp.Source != "fallback" || cp.NextNode != "" {
		t.Fatalf("fallback checkpoint source=%q next=%q", cp.Source, cp.NextNode)
	}
	if got := cp.State.Messages[len(cp.State.Messages)-1].Content; got != nodex.OrderStatusFailureText {
		t.Fatalf("last message = %q", got)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.classifier.fn = func(ctx context.Context, call int, req contractx.IntentRequest) (contractx.RoutingDecision, error) {
		if call == 1 {
			return contractx.RoutingDecision{}, contractx.ErrMalformedOutput
		}
		return keywordRoute(req), nil
	}

	out := h.turn(t, "thread-1", "hello there")
	if out.Fallback || !strings.HasPrefix(out.Text, "[small_talk]") {
		t.Fatalf("outcome = %+v", out)
	}
	if h.classifier.Calls() != 2 {
		t.Fatalf("classifier calls = %d, want 2", h.classifier.Calls())
	}
	if len(h.reporter.All()) != 0 {
		t.Fatalf("unexpected failure reports: %+v", h.reporter.All())
	}
}

func TestNodeFailureFallsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{name: "non transient", err: errors.New("boom"), wantCalls: 1},
		{name: "retries exhausted", err: fmt.Errorf("%w: upstream 503", contractx.ErrModelInvoke), wantCalls: 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, nil)
			h.classifier.fn = func(ctx context.Context, call int, req contractx.IntentRequest) (contractx.RoutingDecision, error) {
				return contractx.RoutingDecision{}, tc.err
			}

			out := h.turn(t, "thread-1", "hello")
			if !out.Fallback || out.Text != defaultFallbackMessages[0] {
				t.Fatalf("outcome = %+v", out)
			}
			if h.classifier.Calls() != tc.wantCalls {
				t.Fatalf("classifier calls = %d, want %d", h.classifier.Calls(), tc.wantCalls)
			}
			failures := h.reporter.All()
			if len(failures) != 1 || failures[0].Node != nodex.NodeClassifyIntent || !errors.Is(failures[0].Err, tc.err) {
				t.Fatalf("reported failures = %+v", failures)
			}
			if failures[0].UserID != "4165" || failures[0].Fallback != out.Text {
				t.Fatalf("failure = %+v", failures[0])
			}
		})
	}
}

func TestFallbackMessagesRotate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.classifier.fn = func(ctx context.Context, call int, req contractx.IntentRequest) (contractx.RoutingDecision, error) {
		return contractx.RoutingDecision{}, errors.New("boom")
	}

	first := h.turn(t, "thread-1", "hello")
	second := h.turn(t, "thread-1", "hello again")
	if first.Text == second.Text {
		t.Fatalf("fallback did not rotate: %q", first.Text)
	}
}

func TestStepTimeoutFallsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		block func(ctx context.Context)
	}{
		{name: "honours context", block: func(ctx context.Context) { <-ctx.Done() }},
		{name: "ignores context", block: func(ctx context.Context) { time.Sleep(300 * time.Millisecond) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, func(cfg *Config) { cfg.StepTimeout = 30 * time.Millisecond })
			h.classifier.fn = func(ctx context.Context, call int, req contractx.IntentRequest) (contractx.RoutingDecision, error) {
				tc.block(ctx)
				return contractx.OtherTalk(), ctx.Err()
			}

			out, err := h.orch.ProcessTurn(context.Background(), "thread-1", "4165", "hello")
			if err != nil {
				t.Fatalf("ProcessTurn() error = %v", err)
			}
			if !out.Fallback || out.Kind != contractx.OutcomeResponse || out.Text != defaultFallbackMessages[0] {
				t.Fatalf("outcome = %+v, want generic fallback", out)
			}
			if h.classifier.Calls() != 1 {
				t.Fatalf("classifier calls = %d, want 1", h.classifier.Calls())
			}
			failures := h.reporter.All()
			if len(failures) != 1 || !errors.Is(failures[0].Err, contractx.ErrStepTimeout) || failures[0].Node != nodex.NodeClassifyIntent {
				t.Fatalf("reported failures = %+v", failures)
			}
			cp := h.latest(t, "thread-1")
			if cp.Source != "fallback" || cp.NextNode != "" || out.SequenceNo != cp.SequenceNo {
				t.Fatalf("latest checkpoint source=%q next=%q seq=%d", cp.Source, cp.NextNode, cp.SequenceNo)
			}
		})
	}
}

func TestStepLimitFallsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.MaxSteps = 2 })
	out, err := h.orch.ProcessTurn(context.Background(), "thread-1", "4165", "Where is my Jetson Nano?")
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if !out.Fallback || out.Text != defaultFallbackMessages[0] {
		t.Fatalf("outcome = %+v, want generic fallback", out)
	}
	if len(h.structured.queries) != 0 {
		t.Fatal("order status ran past the step limit")
	}
	failures := h.reporter.All()
	if len(failures) != 1 || !errors.Is(failures[0].Err, contractx.ErrRecursionExceeded) || failures[0].Fallback != out.Text {
		t.Fatalf("reported failures = %+v", failures)
	}
	cp := h.latest(t, "thread-1")
	if cp.Source != "fallback" || cp.NextNode != "" {
		t.Fatalf("latest checkpoint source=%q next=%q", cp.Source, cp.NextNode)
	}
}

func TestStepLimitWhileApprovedKeepsPendingCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.turn(t, "thread-1", "return my Raspberry Pi 5")

	h.orch.cfg.MaxSteps = 0
	out, err := h.orch.ProcessTurn(context.Background(), "thread-1", "4165", "yes")
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if !out.Fallback {
		t.Fatalf("outcome = %+v, want fallback", out)
	}
	if requests, _ := h.purchases.counts(); requests != 0 {
		t.Fatalf("RequestReturn calls = %d, want 0", requests)
	}
	cp := h.latest(t, "thread-1")
	if !cp.Suspended() || cp.NextNode != nodex.NodeExecuteReturn || cp.State.Approval != statex.ApprovalApproved {
		t.Fatalf("checkpoint next=%q approval=%q", cp.NextNode, cp.State.Approval)
	}
}

func TestCancelPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.ApprovalTimeout = 15 * time.Minute })
	out := h.turn(t, "thread-1", "return my Raspberry Pi 5")
	callID := out.PendingCall.ID

	if len(h.scheduler.calls) != 1 {
		t.Fatalf("scheduled expiries = %d, want 1", len(h.scheduler.calls))
	}
	if got := h.scheduler.calls[0]; got.threadID != "thread-1" || got.callID != callID || got.after != 15*time.Minute {
		t.Fatalf("scheduled expiry = %+v", got)
	}

	before := h.historyLen(t, "thread-1")
	stale, err := h.orch.CancelPending(context.Background(), "thread-1", "some-other-call", "expired")
	if err != nil {
		t.Fatalf("CancelPending(stale) error = %v", err)
	}
	if stale.Text != "" || h.historyLen(t, "thread-1") != before {
		t.Fatalf("stale cancel changed the thread: %+v", stale)
	}

	cancelled, err := h.orch.CancelPending(context.Background(), "thread-1", callID, "the approval window expired")
	if err != nil {
		t.Fatalf("CancelPending() error = %v", err)
	}
	if !strings.Contains(cancelled.Text, "order 1003") || !strings.Contains(cancelled.Text, "expired") {
		t.Fatalf("cancel outcome = %+v", cancelled)
	}
	cp := h.latest(t, "thread-1")
	if cp.Source != "cancel" || cp.Suspended() || cp.State.Approval != statex.ApprovalRejected {
		t.Fatalf("cancel checkpoint source=%q approval=%q", cp.Source, cp.State.Approval)
	}

	again, err := h.orch.CancelPending(context.Background(), "thread-1", callID, "expired")
	if err != nil || again.Text != "" {
		t.Fatalf("second CancelPending() = %+v, %v", again, err)
	}

	late := h.turn(t, "thread-1", "yes")
	if late.Replayed || !strings.HasPrefix(late.Text, "[small_talk]") {
		t.Fatalf("late approval outcome = %+v", late)
	}
	if requests, _ := h.purchases.counts(); requests != 0 {
		t.Fatalf("RequestReturn after cancel = %d, want 0", requests)
	}
}

func TestRefreshPurchaseHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.turn(t, "thread-1", "Where is my Jetson Nano?")

	h.purchases.mu.Lock()
	h.purchases.records = append(h.purchases.records, statex.PurchaseRecord{
		OrderID: "1006", ProductName: "iPhone", OrderDate: day(2025, 1, 9), OrderStatus: "Shipped",
	})
	h.purchases.mu.Unlock()

	if out := h.turn(t, "thread-1", "Where is my iPhone?"); out.Kind != contractx.OutcomeClarification {
		t.Fatalf("before refresh outcome = %+v, want clarification from cached snapshot", out)
	}

	if err := h.orch.RefreshPurchaseHistory(context.Background(), "thread-1"); err != nil {
		t.Fatalf("RefreshPurchaseHistory() error = %v", err)
	}
	if cp := h.latest(t, "thread-1"); cp.Source != "refresh" || !cp.State.RefreshRequested {
		t.Fatalf("refresh checkpoint source=%q requested=%t", cp.Source, cp.State.RefreshRequested)
	}

	out := h.turn(t, "thread-1", "Where is my iPhone?")
	if out.Kind != contractx.OutcomeResponse || !strings.Contains(out.Text, "order 1006") {
		t.Fatalf("after refresh outcome = %+v", out)
	}
	if h.latest(t, "thread-1").State.RefreshRequested {
		t.Fatal("RefreshRequested still set after reload")
	}
}

func TestProcessTurnValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.orch.ProcessTurn(ctx, "thread-1", "4165", "   "); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("empty message error = %v, want ErrInvalidMessage", err)
	}
	if _, err := h.orch.ProcessTurn(ctx, "", "4165", "hi"); !errors.Is(err, ErrInvalidThread) {
		t.Fatalf("empty thread error = %v, want ErrInvalidThread", err)
	}

	h.turn(t, "thread-1", "hello")
	if _, err := h.orch.ProcessTurn(ctx, "thread-1", "5000", "hello"); !errors.Is(err, contractx.ErrUserMismatch) {
		t.Fatalf("other user error = %v, want ErrUserMismatch", err)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	sess, err := h.orch.CreateSession(ctx, "4165")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := h.orch.ProcessTurn(ctx, sess.SessionID, "5000", "hello"); !errors.Is(err, contractx.ErrUserMismatch) {
		t.Fatalf("foreign user error = %v, want ErrUserMismatch", err)
	}
	if out := h.turn(t, sess.SessionID, "hello"); out.ThreadID != sess.SessionID {
		t.Fatalf("outcome thread = %q, want %q", out.ThreadID, sess.SessionID)
	}

	if err := h.orch.EndSession(ctx, sess.SessionID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, err := h.orch.ProcessTurn(ctx, sess.SessionID, "4165", "hello"); !errors.Is(err, statex.ErrSessionEnded) {
		t.Fatalf("ended session error = %v, want ErrSessionEnded", err)
	}

	if err := h.orch.DeleteSession(ctx, sess.SessionID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	h.turn(t, sess.SessionID, "hello")
}

func TestConcurrentTurnsOnOneThreadAreSerialized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.ProcessTurn(context.Background(), "thread-1", "4165", fmt.Sprintf("hello %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("ProcessTurn() error = %v", err)
		}
	}
	if got := h.latest(t, "thread-1").State.Turn; got != 4 {
		t.Fatalf("turns = %d, want 4", got)
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		node    string
		d       contractx.RoutingDecision
		want    transition
		wantErr error
	}{
		{name: "static edge", node: nodex.NodeFetchPurchaseHistory, want: transition{next: nodex.NodeClassifyIntent}},
		{name: "handoff", node: nodex.NodeClassifyIntent, d: contractx.ToProductQA(), want: transition{next: nodex.NodeProductQA}},
		{name: "handoff from handler", node: nodex.NodeOrderStatus, d: contractx.ToReturnProcessing(), wantErr: contractx.ErrValidation},
		{name: "respond", node: nodex.NodeSmallTalk, d: contractx.Respond("hi"), want: transition{outcome: contractx.OutcomeResponse}},
		{name: "clarify", node: nodex.NodeOrderStatus, d: contractx.AskClarification("which?"), want: transition{outcome: contractx.OutcomeClarification}},
		{
			name: "sensitive tool",
			node: nodex.NodeReturnProcessing,
			d:    contractx.InvokeTool(toolx.ToolUpdateReturn, map[string]any{"order_id": "1003"}),
			want: transition{suspend: true},
		},
		{
			name:    "sensitive tool without order",
			node:    nodex.NodeReturnProcessing,
			d:       contractx.InvokeTool(toolx.ToolUpdateReturn, map[string]any{}),
			wantErr: contractx.ErrValidation,
		},
		{
			name:    "read tool",
			node:    nodex.NodeReturnProcessing,
			d:       contractx.InvokeTool(toolx.ToolStructuredRAG, map[string]any{"query": "x"}),
			wantErr: contractx.ErrValidation,
		},
		{name: "empty respond", node: nodex.NodeSmallTalk, d: contractx.Respond(" "), wantErr: contractx.ErrValidation},
		{name: "unknown", node: nodex.NodeSmallTalk, d: contractx.RoutingDecision{Kind: "dance"}, wantErr: contractx.ErrUnknownRoute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := route(tc.node, tc.d)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("route() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("route() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("route() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestIsAffirmative(t *testing.T) {
	t.Parallel()

	o := &Orchestrator{affirmative: affirmativeSet([]string{"y", "yes"})}
	cases := map[string]bool{
		"y":           true,
		" YES ":       true,
		"yes!":        true,
		"Yes.":        true,
		"yes please":  false,
		"no":          false,
		"y, but wait": false,
		"":            false,
	}
	for input, want := range cases {
		if got := o.isAffirmative(input); got != want {
			t.Fatalf("isAffirmative(%q) = %t, want %t", input, got, want)
		}
	}
}
