package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/searchchat/internal/admission"
	"github.com/hitoshi/searchchat/internal/llm"
	"github.com/hitoshi/searchchat/internal/model"
)

type submitOutcome struct {
	res *TurnResult
	err error
}

func submitAsync(s *Session, ctx context.Context, in SubmitInput, sink Sink) <-chan submitOutcome {
	done := make(chan submitOutcome, 1)
	go func() {
		res, err := s.Submit(ctx, in, sink)
		done <- submitOutcome{res: res, err: err}
	}()
	return done
}

func waitOutcome(t *testing.T, done <-chan submitOutcome) submitOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
		return submitOutcome{}
	}
}

func waitChunk(t *testing.T, sink *recordingSink) {
	t.Helper()
	select {
	case <-sink.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("chunk was not delivered")
	}
}

func messageIDs(msgs []model.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func seededHistory() []model.Message {
	return []model.Message{
		{ID: "u0", ChatID: "chat-1", Role: model.RoleUser, Content: "earlier question"},
		{ID: "a0", ChatID: "chat-1", Role: model.RoleAssistant, Content: "earlier answer"},
	}
}

func TestSession_Submit_Success(t *testing.T) {
	f := newSessionFixture(seededHistory()...)
	f.provider.script(evText("Hel"), evText("lo"), evEnd())
	sink := &recordingSink{}

	res, err := f.session.Submit(context.Background(), SubmitInput{Text: "hi"}, sink)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if res.State != StateCompleted || res.Message.Content != "Hello" {
		t.Errorf("result = %+v", res)
	}
	if sink.text() != "Hello" {
		t.Errorf("sink received %q, want %q", sink.text(), "Hello")
	}

	view := f.session.View()
	if len(view.Messages) != 4 {
		t.Fatalf("history length = %d, want 4", len(view.Messages))
	}
	if view.Messages[2].Role != model.RoleUser || view.Messages[2].Content != "hi" {
		t.Errorf("messages[2] = %+v, want the new user message", view.Messages[2])
	}
	if view.Messages[3].Role != model.RoleAssistant || view.Messages[3].ID != res.Message.ID {
		t.Errorf("messages[3] = %+v, want the final assistant message", view.Messages[3])
	}
	if view.Provisional != nil {
		t.Errorf("provisional = %+v, want nil", view.Provisional)
	}
	if view.State != StateCompleted {
		t.Errorf("state = %q, want completed", view.State)
	}

	req := f.provider.lastRequest()
	if len(req.History) != 3 || req.History[2].Content != "hi" {
		t.Errorf("provider history = %+v", req.History)
	}
	if req.Mode != model.ModeSearch || req.Model != "gpt-4o" {
		t.Errorf("request mode/model = %q/%q", req.Mode, req.Model)
	}
	if req.RequestID == "" || req.RequestID != res.RequestID {
		t.Errorf("request id = %q, result id = %q", req.RequestID, res.RequestID)
	}
	if f.admitter.keys[0] != "acct-1" {
		t.Errorf("admission key = %q, want the account id", f.admitter.keys[0])
	}
	if !f.provider.streams[0].isClosed() {
		t.Error("provider stream was not closed")
	}

	saved := f.turns.saved()
	if len(saved) != 1 {
		t.Fatalf("SaveTurn called %d times, want 1", len(saved))
	}
	if got := messageIDs(saved[0].messages); !equalStrings(got, []string{view.Messages[2].ID, view.Messages[3].ID}) {
		t.Errorf("saved messages = %v", got)
	}
	if len(saved[0].replaced) != 0 {
		t.Errorf("replaced = %v, want none", saved[0].replaced)
	}
}

func TestSession_Submit_DeniedByAdmission(t *testing.T) {
	f := newSessionFixture(seededHistory()...)
	f.admitter.admitFn = func(context.Context, string) admission.Decision {
		return admission.Decision{Allowed: false, RetryAfter: 42 * time.Second}
	}

	_, err := f.session.Submit(context.Background(), SubmitInput{Text: "hi"}, nil)

	var turnErr *model.TurnError
	if !errors.As(err, &turnErr) || !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("expected quota TurnError, got %v", err)
	}
	if turnErr.RetryAfterSeconds() != 42 {
		t.Errorf("RetryAfterSeconds = %d, want 42", turnErr.RetryAfterSeconds())
	}
	if f.provider.requestCount() != 0 {
		t.Error("provider must not be called when admission denies")
	}

	view := f.session.View()
	if view.State != StateIdle {
		t.Errorf("state = %q, want idle", view.State)
	}
	if !equalStrings(messageIDs(view.Messages), []string{"u0", "a0"}) {
		t.Errorf("history = %v, want unchanged", messageIDs(view.Messages))
	}
	if !view.CanRetry {
		t.Error("denied message should be retryable")
	}
}

// 上限5件のウィンドウ内で6件目の送信が拒否されることを検証する。
func TestSession_SixthSubmitWithinWindowIsDenied(t *testing.T) {
	store := admission.NewMemoryCounterStore(time.Minute)
	defer store.Stop()
	f := newSessionFixture()
	f.session.deps.Admitter = admission.NewController(store, admission.Config{Limit: 5, Window: time.Minute}, nil)

	for i := 0; i < 5; i++ {
		f.provider.script(evText("ok"), evEnd())
		res, err := f.session.Submit(context.Background(), SubmitInput{Text: "q"}, nil)
		if err != nil {
			t.Fatalf("submit %d returned error: %v", i+1, err)
		}
		if res.State != StateCompleted {
			t.Fatalf("submit %d state = %q", i+1, res.State)
		}
	}

	_, err := f.session.Submit(context.Background(), SubmitInput{Text: "q"}, nil)
	var turnErr *model.TurnError
	if !errors.As(err, &turnErr) || turnErr.Kind != model.TurnErrorQuota {
		t.Fatalf("6th submit: expected quota error, got %v", err)
	}
	if turnErr.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", turnErr.RetryAfter)
	}
	if got := len(f.session.View().Messages); got != 10 {
		t.Errorf("history length = %d, want 10", got)
	}
}

func TestSession_Retry_AfterDenialAppendsUserMessageOnce(t *testing.T) {
	f := newSessionFixture()
	denied := true
	f.admitter.admitFn = func(context.Context, string) admission.Decision {
		if denied {
			return admission.Decision{Allowed: false, RetryAfter: time.Second}
		}
		return admission.Decision{Allowed: true}
	}

	if _, err := f.session.Submit(context.Background(), SubmitInput{Text: "question"}, nil); err == nil {
		t.Fatal("expected denial")
	}

	denied = false
	f.provider.script(evText("answer"), evEnd())
	res, err := f.session.Retry(context.Background(), nil)
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %q, want completed", res.State)
	}

	view := f.session.View()
	if len(view.Messages) != 2 {
		t.Fatalf("history = %+v, want user + assistant", view.Messages)
	}
	if view.Messages[0].Content != "question" || view.Messages[1].Content != "answer" {
		t.Errorf("history = %+v", view.Messages)
	}
}

func TestSession_Submit_MidStreamErrorRestoresHistory(t *testing.T) {
	f := newSessionFixture(seededHistory()...)
	f.provider.script(evText("partial "), evError(&llm.APIError{Provider: "fake", StatusCode: 500, Message: "boom"}))

	_, err := f.session.Submit(context.Background(), SubmitInput{Text: "hi"}, nil)
	if !errors.Is(err, model.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}

	view := f.session.View()
	if !equalStrings(messageIDs(view.Messages), []string{"u0", "a0"}) {
		t.Errorf("history = %v, want pre-submit state", messageIDs(view.Messages))
	}
	if view.Provisional != nil {
		t.Errorf("provisional = %+v, want discarded", view.Provisional)
	}
	if view.State != StateErrored {
		t.Errorf("state = %q, want errored", view.State)
	}
	if view.LastError == nil || view.LastError.Kind != model.TurnErrorProvider {
		t.Errorf("LastError = %+v", view.LastError)
	}
	if len(f.turns.saved()) != 0 {
		t.Error("failed turn must not be persisted")
	}

	f.provider.script(evText("fine"), evEnd())
	res, err := f.session.Submit(context.Background(), SubmitInput{Text: "again"}, nil)
	if err != nil {
		t.Fatalf("next Submit returned error: %v", err)
	}
	if res.State != StateCompleted {
		t.Errorf("state = %q, want completed", res.State)
	}
	if got := len(f.session.View().Messages); got != 4 {
		t.Errorf("history length = %d, want 4", got)
	}
}

func TestSession_Retry_AfterErrorDoesNotDuplicateUserMessage(t *testing.T) {
	f := newSessionFixture(seededHistory()...)
	f.provider.script(evText("par"), evError(errors.New("malformed payload")))

	if _, err := f.session.Submit(context.Background(), SubmitInput{Text: "hi"}, nil); err == nil {
		t.Fatal("expected error")
	}
	failedUser := f.provider.lastRequest().History[2]

	f.provider.script(evText("done"), evEnd())
	if _, err := f.session.Retry(context.Background(), nil); err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}

	retryReq := f.provider.lastRequest()
	if len(retryReq.History) != 3 || retryReq.History[2].ID != failedUser.ID {
		t.Errorf("retry history = %v, want the failed user message once", messageIDs(retryReq.History))
	}
	view := f.session.View()
	if len(view.Messages) != 4 || !equalStrings(messageIDs(view.Messages)[:3], []string{"u0", "a0", failedUser.ID}) {
		t.Fatalf("history = %v", messageIDs(view.Messages))
	}
	if view.Messages[3].Content != "done" {
		t.Errorf("assistant content = %q, want %q", view.Messages[3].Content, "done")
	}
}

func TestSession_Retry_AfterCompletionReplacesAnswer(t *testing.T) {
	f := newSessionFixture()
	f.provider.script(evText("first"), evEnd())
	first, err := f.session.Submit(context.Background(), SubmitInput{Text: "q"}, nil)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	f.provider.script(evText("second"), evEnd())
	second, err := f.session.Retry(context.Background(), nil)
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if second.RequestID == first.RequestID {
		t.Error("retry must use a fresh request id")
	}

	view := f.session.View()
	if len(view.Messages) != 2 || view.Messages[1].Content != "second" {
		t.Fatalf("history = %+v", view.Messages)
	}
	saved := f.turns.saved()
	if len(saved) != 2 {
		t.Fatalf("SaveTurn called %d times, want 2", len(saved))
	}
	if !equalStrings(saved[1].replaced, []string{first.Message.ID}) {
		t.Errorf("replaced = %v, want [%s]", saved[1].replaced, first.Message.ID)
	}
	if !equalStrings(messageIDs(saved[1].messages), []string{second.Message.ID}) {
		t.Errorf("saved = %v, want only the new answer", messageIDs(saved[1].messages))
	}
}

func TestSession_Retry_NothingToRetry(t *testing.T) {
	f := newSessionFixture()
	if _, err := f.session.Retry(context.Background(), nil); !errors.Is(err, model.ErrNothingToRetry) {
		t.Fatalf("expected ErrNothingToRetry, got %v", err)
	}
}

func TestSession_Stop_KeepsReceivedChunks(t *testing.T) {
	f := newSessionFixture()
	live := f.provider.live()
	sink := &recordingSink{notify: make(chan string, 10)}

	done := submitAsync(f.session, context.Background(), SubmitInput{Text: "q"}, sink)
	live <- evText("one ")
	waitChunk(t, sink)
	live <- evText("two")
	waitChunk(t, sink)

	if !f.session.Stop() {
		t.Fatal("Stop returned false while streaming")
	}
	out := waitOutcome(t, done)
	if out.err != nil {
		t.Fatalf("Submit returned error: %v", out.err)
	}
	if out.res.State != StateCancelled {
		t.Fatalf("state = %q, want cancelled", out.res.State)
	}
	if out.res.Message == nil || out.res.Message.Content != "one two" {
		t.Errorf("partial message = %+v, want %q", out.res.Message, "one two")
	}

	if f.session.ApplyIncrement(out.res.RequestID, "three") {
		t.Error("chunk applied after Stop")
	}
	view := f.session.View()
	if view.State != StateCancelled {
		t.Errorf("state = %q, want cancelled", view.State)
	}
	if view.Provisional == nil || view.Provisional.Content != "one two" {
		t.Errorf("provisional = %+v", view.Provisional)
	}
	if len(view.Messages) != 1 {
		t.Errorf("history = %+v, want only the user message", view.Messages)
	}
	if !f.provider.streams[0].isClosed() {
		t.Error("provider stream was not closed after Stop")
	}
	if f.session.Stop() {
		t.Error("second Stop should be a no-op")
	}

	// 次の送信で暫定メッセージを履歴に確定し、状態はIdleを経て進む。
	f.provider.script(evText("next"), evEnd())
	if _, err := f.session.Submit(context.Background(), SubmitInput{Text: "q2"}, nil); err != nil {
		t.Fatalf("Submit after stop returned error: %v", err)
	}
	view = f.session.View()
	want := []string{"q", "one two", "q2", "next"}
	if len(view.Messages) != len(want) {
		t.Fatalf("history = %+v", view.Messages)
	}
	for i, w := range want {
		if view.Messages[i].Content != w {
			t.Errorf("messages[%d] = %q, want %q", i, view.Messages[i].Content, w)
		}
	}
	saved := f.turns.saved()
	if len(saved) != 1 || len(saved[0].messages) != 4 {
		t.Errorf("saved turns = %+v, want all four messages in one save", saved)
	}
}

func TestSession_Retry_AfterStopDiscardsPartial(t *testing.T) {
	f := newSessionFixture()
	live := f.provider.live()
	sink := &recordingSink{notify: make(chan string, 10)}

	done := submitAsync(f.session, context.Background(), SubmitInput{Text: "q"}, sink)
	live <- evText("half")
	waitChunk(t, sink)
	f.session.Stop()
	waitOutcome(t, done)

	f.provider.script(evText("whole"), evEnd())
	if _, err := f.session.Retry(context.Background(), nil); err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	view := f.session.View()
	if len(view.Messages) != 2 || view.Messages[1].Content != "whole" {
		t.Errorf("history = %+v", view.Messages)
	}
}

func TestSession_SubmitWhileStreaming_IsRejected(t *testing.T) {
	f := newSessionFixture()
	live := f.provider.live()
	sink := &recordingSink{notify: make(chan string, 10)}

	done := submitAsync(f.session, context.Background(), SubmitInput{Text: "q"}, sink)
	live <- evText("x")
	waitChunk(t, sink)

	if _, err := f.session.Submit(context.Background(), SubmitInput{Text: "other"}, nil); !errors.Is(err, model.ErrRequestInFlight) {
		t.Errorf("Submit: expected ErrRequestInFlight, got %v", err)
	}
	if _, err := f.session.Retry(context.Background(), nil); !errors.Is(err, model.ErrRequestInFlight) {
		t.Errorf("Retry: expected ErrRequestInFlight, got %v", err)
	}

	live <- evEnd()
	out := waitOutcome(t, done)
	if out.err != nil || out.res.State != StateCompleted {
		t.Fatalf("outcome = %+v / %v", out.res, out.err)
	}
	if got := len(f.session.View().Messages); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

func TestSession_IdleTimeout_IsTransportError(t *testing.T) {
	f := newSessionFixture()
	f.session.deps.IdleTimeout = 20 * time.Millisecond
	f.provider.live()

	_, err := f.session.Submit(context.Background(), SubmitInput{Text: "q"}, nil)
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !errors.Is(err, errIdleTimeout) {
		t.Errorf("error should carry the idle timeout cause: %v", err)
	}
	if view := f.session.View(); len(view.Messages) != 0 || view.State != StateErrored {
		t.Errorf("view = %+v", view)
	}
}

func TestSession_IdleTimeout_CoversWaitForResponseHeaders(t *testing.T) {
	// ヘッダーを返さないままリクエストを保持するサーバー
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newSessionFixture()
	f.session.deps.Provider = llm.NewOpenAIProvider("sk-test", srv.URL)
	f.session.deps.IdleTimeout = 100 * time.Millisecond

	out := waitOutcome(t, submitAsync(f.session, context.Background(), SubmitInput{Text: "q"}, nil))
	if !errors.Is(out.err, model.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", out.err)
	}
	if !errors.Is(out.err, errIdleTimeout) {
		t.Errorf("error should carry the idle timeout cause: %v", out.err)
	}
	if view := f.session.View(); view.State != StateErrored || len(view.Messages) != 0 {
		t.Errorf("view = %+v", view)
	}
}

func TestSession_TruncatedStream_IsTransportError(t *testing.T) {
	f := newSessionFixture()
	f.provider.script(evText("cut"))

	_, err := f.session.Submit(context.Background(), SubmitInput{Text: "q"}, nil)
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestSession_ProviderRateLimit_IsQuotaError(t *testing.T) {
	f := newSessionFixture()
	f.provider.script(evError(&llm.APIError{Provider: "fake", StatusCode: 429}))

	_, err := f.session.Submit(context.Background(), SubmitInput{Text: "q"}, nil)
	var turnErr *model.TurnError
	if !errors.As(err, &turnErr) || turnErr.Kind != model.TurnErrorQuota {
		t.Fatalf("expected quota error, got %v", err)
	}
	if turnErr.RetryAfter != DefaultQuotaCooldown {
		t.Errorf("RetryAfter = %v, want %v", turnErr.RetryAfter, DefaultQuotaCooldown)
	}
}

func TestSession_CallerDisconnect_CancelsTurn(t *testing.T) {
	f := newSessionFixture()
	live := f.provider.live()
	sink := &recordingSink{notify: make(chan string, 10)}
	ctx, cancel := context.WithCancel(context.Background())

	done := submitAsync(f.session, ctx, SubmitInput{Text: "q"}, sink)
	live <- evText("partial")
	waitChunk(t, sink)
	cancel()

	out := waitOutcome(t, done)
	if out.err != nil {
		t.Fatalf("Submit returned error: %v", out.err)
	}
	if out.res.State != StateCancelled || out.res.Message == nil || out.res.Message.Content != "partial" {
		t.Errorf("result = %+v", out.res)
	}
	if f.session.Busy() {
		t.Error("session should accept a new submit")
	}
}

func TestSession_Artifact_PanelVisibility(t *testing.T) {
	f := newSessionFixture()
	sanitizer := &mockSanitizer{}
	f.session.deps.Sanitizer = sanitizer
	artifact := &model.Artifact{
		Kind:    model.ArtifactSearchResults,
		Title:   "results",
		Results: []model.SearchResult{{Title: "Go", URL: "https://go.dev"}},
	}
	f.provider.script(evText("see panel"), llm.Event{Kind: llm.EventArtifact, Artifact: artifact}, evEnd())
	sink := &recordingSink{}

	if f.session.View().ArtifactVisible {
		t.Fatal("panel should start hidden")
	}
	res, err := f.session.Submit(context.Background(), SubmitInput{Text: "q"}, sink)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if res.Artifact == nil || res.Artifact.Title != "sanitized: results" {
		t.Errorf("artifact = %+v", res.Artifact)
	}
	if sanitizer.calls != 1 || len(sink.artifacts) != 1 {
		t.Errorf("sanitizer calls = %d, sink artifacts = %d", sanitizer.calls, len(sink.artifacts))
	}

	view := f.session.View()
	if !view.ArtifactVisible || view.Artifact == nil {
		t.Fatalf("panel should be visible: %+v", view)
	}

	f.session.DismissArtifact()
	if f.session.View().ArtifactVisible {
		t.Error("panel should be hidden after dismiss")
	}

	f.provider.script(evText("plain"), evEnd())
	if _, err := f.session.Submit(context.Background(), SubmitInput{Text: "q2"}, nil); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if f.session.View().ArtifactVisible {
		t.Error("a turn without an artifact must not reopen the panel")
	}
}

func TestSession_ArtifactIsNotShownForFailedTurn(t *testing.T) {
	f := newSessionFixture()
	f.provider.script(
		llm.Event{Kind: llm.EventArtifact, Artifact: &model.Artifact{Kind: model.ArtifactSearchResults}},
		evError(&llm.APIError{Provider: "fake", StatusCode: 502}),
	)

	if _, err := f.session.Submit(context.Background(), SubmitInput{Text: "q"}, nil); err == nil {
		t.Fatal("expected error")
	}
	if f.session.View().ArtifactVisible {
		t.Error("panel must stay hidden when the turn fails")
	}
}

func TestSession_ModeChangeAppliesToNextSubmit(t *testing.T) {
	f := newSessionFixture()
	live := f.provider.live()
	sink := &recordingSink{notify: make(chan string, 10)}

	done := submitAsync(f.session, context.Background(), SubmitInput{Text: "q"}, sink)
	live <- evText("x")
	waitChunk(t, sink)
	f.session.SetMode(model.ModeDeepResearch)
	live <- evEnd()
	waitOutcome(t, done)

	if f.provider.requests[0].Mode != model.ModeSearch {
		t.Errorf("in-flight request mode = %q, want search", f.provider.requests[0].Mode)
	}

	f.provider.script(evText("deep"), evEnd())
	if _, err := f.session.Submit(context.Background(), SubmitInput{Text: "q2", ReasoningModel: "o3-mini"}, nil); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	req := f.provider.lastRequest()
	if req.Mode != model.ModeDeepResearch || req.Model != "o3-mini" {
		t.Errorf("request mode/model = %q/%q, want deep-research/o3-mini", req.Mode, req.Model)
	}
}

func TestSession_RecordVote(t *testing.T) {
	f := newSessionFixture(seededHistory()...)
	ctx := context.Background()

	if err := f.session.RecordVote(ctx, "u0", model.VoteUp); !errors.Is(err, model.ErrMessageNotFound) {
		t.Errorf("vote on user message: expected ErrMessageNotFound, got %v", err)
	}
	if err := f.session.RecordVote(ctx, "missing", model.VoteUp); !errors.Is(err, model.ErrMessageNotFound) {
		t.Errorf("vote on unknown message: expected ErrMessageNotFound, got %v", err)
	}
	if err := f.session.RecordVote(ctx, "a0", model.VoteUp); err != nil {
		t.Fatalf("RecordVote returned error: %v", err)
	}
	if err := f.session.RecordVote(ctx, "a0", model.VoteDown); err != nil {
		t.Fatalf("RecordVote returned error: %v", err)
	}
	f.session.background.Wait()

	votes, err := f.session.Votes(ctx)
	if err != nil {
		t.Fatalf("Votes returned error: %v", err)
	}
	if len(votes) != 2 || votes[1].Value != model.VoteDown || votes[1].ChatID != "chat-1" {
		t.Errorf("votes = %+v", votes)
	}
}

func TestSession_RecordVote_StoreFailureDoesNotSurface(t *testing.T) {
	f := newSessionFixture(seededHistory()...)
	f.votes.upsertFn = func(context.Context, model.Vote) error { return errors.New("db down") }

	if err := f.session.RecordVote(context.Background(), "a0", model.VoteUp); err != nil {
		t.Fatalf("RecordVote returned error: %v", err)
	}
	f.session.background.Wait()
}

func TestSession_PersistFailure_RetriedOnNextTurn(t *testing.T) {
	f := newSessionFixture()
	calls := 0
	f.turns.saveTurnFn = func(context.Context, string, []string, []model.Message) error {
		calls++
		if calls == 1 {
			return errors.New("db down")
		}
		return nil
	}

	f.provider.script(evText("a1"), evEnd())
	if _, err := f.session.Submit(context.Background(), SubmitInput{Text: "q1"}, nil); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	f.provider.script(evText("a2"), evEnd())
	if _, err := f.session.Submit(context.Background(), SubmitInput{Text: "q2"}, nil); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	saved := f.turns.saved()
	if len(saved) != 1 {
		t.Fatalf("successful saves = %d, want 1", len(saved))
	}
	var contents []string
	for _, m := range saved[0].messages {
		contents = append(contents, m.Content)
	}
	if !equalStrings(contents, []string{"q1", "a1", "q2", "a2"}) {
		t.Errorf("saved = %v", contents)
	}
}

func TestSession_RecordsTurnOutcomes(t *testing.T) {
	f := newSessionFixture()
	f.provider.script(evText("ok"), evEnd())
	f.provider.script(evError(&llm.APIError{Provider: "fake", StatusCode: 500}))

	_, _ = f.session.Submit(context.Background(), SubmitInput{Text: "1"}, nil)
	_, _ = f.session.Submit(context.Background(), SubmitInput{Text: "2"}, nil)

	want := []string{"completed", "provider"}
	if !equalStrings(f.recorder.outcomes, want) {
		t.Errorf("outcomes = %v, want %v", f.recorder.outcomes, want)
	}
}
