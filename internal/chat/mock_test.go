package chat

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/searchchat/internal/admission"
	"github.com/hitoshi/searchchat/internal/llm"
	"github.com/hitoshi/searchchat/internal/model"
)

// --- モック定義 ---

type mockAdmitter struct {
	mu      sync.Mutex
	admitFn func(ctx context.Context, key string) admission.Decision
	keys    []string
}

func (m *mockAdmitter) Admit(ctx context.Context, key string) admission.Decision {
	m.mu.Lock()
	m.keys = append(m.keys, key)
	m.mu.Unlock()
	if m.admitFn != nil {
		return m.admitFn(ctx, key)
	}
	return admission.Decision{Allowed: true}
}

// fakeStream はチャネルから受け取ったイベントを返すストリーム。
// コンテキストがキャンセルされるとその原因をエラーイベントとして返す。
type fakeStream struct {
	ctx    context.Context
	events <-chan llm.Event
	cur    llm.Event
	err    error
	done   bool

	mu     sync.Mutex
	closed bool
}

func (f *fakeStream) Next() bool {
	if f.done {
		return false
	}
	select {
	case ev, ok := <-f.events:
		if !ok {
			f.done = true
			return false
		}
		f.cur = ev
		switch ev.Kind {
		case llm.EventError:
			f.err = ev.Err
			f.done = true
		case llm.EventEnd:
			f.done = true
		}
		return true
	case <-f.ctx.Done():
		f.err = context.Cause(f.ctx)
		f.cur = llm.Event{Kind: llm.EventError, Err: f.err}
		f.done = true
		return true
	}
}

func (f *fakeStream) Current() llm.Event { return f.cur }
func (f *fakeStream) Err() error         { return f.err }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeProvider は呼び出しごとに用意されたイベント列を返すプロバイダ。
type fakeProvider struct {
	mu       sync.Mutex
	scripts  []chan llm.Event
	requests []llm.Request
	streams  []*fakeStream
	streamFn func(ctx context.Context, req llm.Request) (llm.Stream, error)
}

// script は次の呼び出しで返すイベント列を登録する。チャネルは閉じた状態で登録する。
func (p *fakeProvider) script(events ...llm.Event) {
	ch := make(chan llm.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	p.push(ch)
}

// live は呼び出し側から逐次イベントを送るためのチャネルを登録する。
func (p *fakeProvider) live() chan llm.Event {
	ch := make(chan llm.Event)
	p.push(ch)
	return ch
}

func (p *fakeProvider) push(ch chan llm.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, ch)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Catalog() llm.Catalog { return llm.OpenAICatalog() }

func (p *fakeProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.streamFn != nil {
		return p.streamFn(ctx, req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var ch chan llm.Event
	if len(p.scripts) > 0 {
		ch = p.scripts[0]
		p.scripts = p.scripts[1:]
	} else {
		ch = make(chan llm.Event)
		close(ch)
	}
	s := &fakeStream{ctx: ctx, events: ch}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) lastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

type savedTurn struct {
	chatID   string
	replaced []string
	messages []model.Message
}

type mockTurnStore struct {
	mu         sync.Mutex
	saveTurnFn func(ctx context.Context, chatID string, replaced []string, messages []model.Message) error
	turns      []savedTurn
}

func (m *mockTurnStore) SaveTurn(ctx context.Context, chatID string, replaced []string, messages []model.Message) error {
	if m.saveTurnFn != nil {
		if err := m.saveTurnFn(ctx, chatID, replaced, messages); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, savedTurn{chatID: chatID, replaced: replaced, messages: messages})
	return nil
}

func (m *mockTurnStore) saved() []savedTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]savedTurn(nil), m.turns...)
}

type mockVoteStore struct {
	mu       sync.Mutex
	listFn   func(ctx context.Context, chatID string) ([]model.Vote, error)
	upsertFn func(ctx context.Context, vote model.Vote) error
	votes    []model.Vote
}

func (m *mockVoteStore) ListByChatID(ctx context.Context, chatID string) ([]model.Vote, error) {
	if m.listFn != nil {
		return m.listFn(ctx, chatID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Vote{}, m.votes...), nil
}

func (m *mockVoteStore) Upsert(ctx context.Context, vote model.Vote) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, vote)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes = append(m.votes, vote)
	return nil
}

type mockSanitizer struct {
	calls int
}

func (m *mockSanitizer) SanitizeArtifact(a *model.Artifact) *model.Artifact {
	m.calls++
	out := *a
	out.Title = "sanitized: " + a.Title
	return &out
}

type mockRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *mockRecorder) RecordTurn(_, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

// recordingSink は受け取った断片を記録し、通知チャネルへ送る。
type recordingSink struct {
	mu        sync.Mutex
	chunks    []string
	artifacts []*model.Artifact
	notify    chan string
}

func (r *recordingSink) OnText(chunk string) {
	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.mu.Unlock()
	if r.notify != nil {
		r.notify <- chunk
	}
}

func (r *recordingSink) OnArtifact(a *model.Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, a)
}

func (r *recordingSink) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ""
	for _, c := range r.chunks {
		out += c
	}
	return out
}

func evText(s string) llm.Event   { return llm.Event{Kind: llm.EventText, Text: s} }
func evEnd() llm.Event            { return llm.Event{Kind: llm.EventEnd} }
func evError(err error) llm.Event { return llm.Event{Kind: llm.EventError, Err: err} }

type sessionFixture struct {
	session  *Session
	admitter *mockAdmitter
	provider *fakeProvider
	turns    *mockTurnStore
	votes    *mockVoteStore
	recorder *mockRecorder
}

func newSessionFixture(history ...model.Message) *sessionFixture {
	f := &sessionFixture{
		admitter: &mockAdmitter{},
		provider: &fakeProvider{},
		turns:    &mockTurnStore{},
		votes:    &mockVoteStore{},
		recorder: &mockRecorder{},
	}
	f.session = NewSession(&model.Chat{ID: "chat-1", AccountID: "acct-1", Title: "t"}, history, SessionDeps{
		Admitter:    f.admitter,
		Provider:    f.provider,
		Turns:       f.turns,
		Votes:       f.votes,
		Recorder:    f.recorder,
		IdleTimeout: time.Second,
	})
	return f
}
