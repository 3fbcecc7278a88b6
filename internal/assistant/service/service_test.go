package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"Aria_AI/internal/assistant/service"
	"Aria_AI/internal/config"
	"Aria_AI/internal/database/milvus"
	"Aria_AI/internal/embedding/mock"
	"Aria_AI/internal/llm"
	"Aria_AI/internal/memory"
	"Aria_AI/internal/memory/store"
	"Aria_AI/internal/models"
	"Aria_AI/internal/psyche"
	"Aria_AI/internal/session"
)

// fakeStore is one in-memory implementation of all three store contracts,
// enough to drive the full pipeline without a database.
type fakeStore struct {
	sessions map[string]*models.Session
	messages map[string][]models.Message
	seq      map[string]int64

	facts     map[string]*models.Fact
	summaries map[string]*models.LongTermMemorySummary
	metas     map[string]*models.MetaFact
	embeds    map[string]*models.EmbeddingRecord

	psycheState models.PsycheState
	episodes    []models.PsycheEpisode
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:    make(map[string]*models.Session),
		messages:    make(map[string][]models.Message),
		seq:         make(map[string]int64),
		facts:       make(map[string]*models.Fact),
		summaries:   make(map[string]*models.LongTermMemorySummary),
		metas:       make(map[string]*models.MetaFact),
		embeds:      make(map[string]*models.EmbeddingRecord),
		psycheState: models.DefaultPsycheState(),
	}
}

func (s *fakeStore) CreateSession(_ context.Context, sess *models.Session) error {
	s.sessions[sess.ID] = sess
	return nil
}

func (s *fakeStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *fakeStore) ListSessions(_ context.Context, userID string) ([]models.SessionSummary, error) {
	return nil, nil
}

func (s *fakeStore) RenameSession(_ context.Context, id, title string) error { return nil }

func (s *fakeStore) DeleteSession(_ context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

func (s *fakeStore) AppendMessage(_ context.Context, m *models.Message) error {
	if _, ok := s.sessions[m.SessionID]; !ok {
		return store.ErrNotFound
	}
	for _, existing := range s.messages[m.SessionID] {
		if existing.ID == m.ID {
			return store.ErrConstraint
		}
	}
	s.seq[m.SessionID]++
	m.Seq = s.seq[m.SessionID]
	s.messages[m.SessionID] = append(s.messages[m.SessionID], *m)
	return nil
}

func (s *fakeStore) GetMessages(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, store.ErrNotFound
	}
	msgs := s.messages[sessionID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *fakeStore) CountMessages(_ context.Context, sessionID string) (int64, error) {
	return int64(len(s.messages[sessionID])), nil
}

func (s *fakeStore) PutSummary(_ context.Context, sum *models.LongTermMemorySummary) error {
	if _, ok := s.summaries[sum.ID]; ok {
		return store.ErrConstraint
	}
	s.summaries[sum.ID] = sum
	return nil
}

func (s *fakeStore) SearchSummaries(_ context.Context, userID, query string, limit int) ([]store.ScoredSummary, error) {
	return nil, nil
}

func (s *fakeStore) SummariesByIDs(_ context.Context, ids []string) ([]models.LongTermMemorySummary, error) {
	return nil, nil
}

func (s *fakeStore) TrimSummaries(_ context.Context, userID string, maxCount int, before time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeStore) DistinctSummaryUsers(_ context.Context) ([]string, error) { return nil, nil }

func (s *fakeStore) UpsertMetaFact(_ context.Context, f *models.MetaFact) error {
	s.metas[f.UserID+"/"+f.FactKey] = f
	return nil
}

func (s *fakeStore) ListMetaFacts(_ context.Context, userID string) ([]models.MetaFact, error) {
	return nil, nil
}

func (s *fakeStore) PutFact(_ context.Context, f *models.Fact) error {
	s.facts[f.ID] = f
	return nil
}

func (s *fakeStore) GetFact(_ context.Context, id string) (*models.Fact, error) {
	f, ok := s.facts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f, nil
}

func (s *fakeStore) SoftDeleteFact(_ context.Context, id string) error { return nil }

func (s *fakeStore) SearchFacts(_ context.Context, userID, query string, limit int) ([]store.ScoredFact, error) {
	return nil, nil
}

func (s *fakeStore) FactsByIDs(_ context.Context, ids []string) ([]models.Fact, error) {
	return nil, nil
}

func (s *fakeStore) PutEmbeddingRecord(_ context.Context, r *models.EmbeddingRecord) error {
	if _, ok := s.embeds[r.MemoryID]; ok {
		return store.ErrConstraint
	}
	s.embeds[r.MemoryID] = r
	return nil
}

func (s *fakeStore) GetPsycheState(_ context.Context) (*models.PsycheState, error) {
	st := s.psycheState
	return &st, nil
}

func (s *fakeStore) CASUpdatePsycheState(_ context.Context, st *models.PsycheState) error {
	if st.Version != s.psycheState.Version {
		return store.ErrConflict
	}
	st.Version++
	s.psycheState = *st
	return nil
}

func (s *fakeStore) AppendEpisode(_ context.Context, e *models.PsycheEpisode) error {
	s.episodes = append(s.episodes, *e)
	return nil
}

func (s *fakeStore) ListEpisodes(_ context.Context, userID string, limit int) ([]models.PsycheEpisode, error) {
	return nil, nil
}

type fakeVectors struct{}

func (fakeVectors) Upsert(_ context.Context, _, _, _ string, _ []float32) error { return nil }
func (fakeVectors) Search(_ context.Context, _ string, _ int, _ []float32) ([]milvus.Hit, error) {
	return nil, nil
}

// scriptedLLM streams a fixed list of fragments. failAfter >= 0 injects a
// provider error after that many fragments; block simulates an upstream
// that never answers.
type scriptedLLM struct {
	fragments []string
	failAfter int
	interval  time.Duration
	block     bool
}

func respWith(text string) *models.GenerateContentResponse {
	return &models.GenerateContentResponse{
		Content: []models.Content{{Role: models.SpeakerModel, Parts: []*models.Part{{Text: text}}}},
	}
}

func (s *scriptedLLM) GenerateContent(_ context.Context, _ *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	if s.failAfter >= 0 {
		return nil, errors.New("upstream failed")
	}
	return respWith(strings.Join(s.fragments, "")), nil
}

func (s *scriptedLLM) GenerateContentStream(ctx context.Context, _ *models.GenerateContentRequest) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent)
	go func() {
		defer close(ch)
		if s.block {
			<-ctx.Done()
			return
		}
		for i, f := range s.fragments {
			if s.failAfter >= 0 && i == s.failAfter {
				select {
				case ch <- llm.StreamEvent{Err: errors.New("upstream exploded")}:
				case <-ctx.Done():
				}
				return
			}
			if s.interval > 0 {
				select {
				case <-time.After(s.interval):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- llm.StreamEvent{Resp: respWith(f)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func newService(gen *scriptedLLM, partialCommit bool) (*service.Service, *fakeStore) {
	cfg := &config.AppConfig{}
	cfg.ApplyDefaults()
	cfg.LLM.Timeout = 1
	cfg.LLM.Models = []config.ModelConfig{{Name: "test-model"}}
	cfg.Memory.PartialCommit = partialCommit

	st := newFakeStore()
	mem := memory.NewManager(cfg, st, st, nil, fakeVectors{}, &mock.Embedder{}, gen, nil)
	psy := psyche.New(&cfg.Psyche, st, nil)
	sess := session.NewManager(st)
	return service.New(cfg, sess, mem, psy, gen), st
}

func collect(t *testing.T, events <-chan service.Event) []service.Event {
	t.Helper()
	var out []service.Event
	for ev := range events {
		if ev.Type == service.EventKeepalive {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func TestStreamEventSequence(t *testing.T) {
	gen := &scriptedLLM{fragments: []string{"Hel", "lo ", "there"}, failAfter: -1}
	svc, st := newService(gen, false)

	events, err := svc.ChatStream(context.Background(), "u1", &models.ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	got := collect(t, events)

	if len(got) < 2 {
		t.Fatalf("expected at least meta and done, got %d events", len(got))
	}
	if got[0].Type != models.EventMeta {
		t.Fatalf("first event = %s, want meta", got[0].Type)
	}
	meta := got[0].Data.(models.MetaEvent)
	if meta.Model != "test-model" || meta.SessionID == "" {
		t.Errorf("unexpected meta event: %+v", meta)
	}

	var answer strings.Builder
	var terminals int
	for _, ev := range got[1:] {
		switch ev.Type {
		case models.EventDelta:
			frag := ev.Data.(models.DeltaEvent).Text
			if frag == "" {
				t.Error("delta event with empty fragment")
			}
			answer.WriteString(frag)
		case models.EventDone, models.EventError:
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminals)
	}
	if got[len(got)-1].Type != models.EventDone {
		t.Errorf("last event = %s, want done", got[len(got)-1].Type)
	}
	if answer.String() != "Hello there" {
		t.Errorf("concatenated deltas = %q, want %q", answer.String(), "Hello there")
	}

	// The finished turn is committed as user + assistant messages.
	msgs := st.messages[meta.SessionID]
	if len(msgs) != 2 {
		t.Fatalf("expected 2 committed messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.SpeakerUser || msgs[0].Content != "hi" {
		t.Errorf("first committed message = %v %q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != models.SpeakerAssistant || msgs[1].Content != "Hello there" {
		t.Errorf("second committed message = %v %q", msgs[1].Role, msgs[1].Content)
	}

	// A psyche observation was recorded for the user's text.
	if st.psycheState.ObsCount != 1 {
		t.Errorf("expected one psyche observation, got %d", st.psycheState.ObsCount)
	}
}

func TestStreamAndSyncAnswersMatch(t *testing.T) {
	gen := &scriptedLLM{fragments: []string{"four", " score", " and", " seven"}, failAfter: -1}
	svc, _ := newService(gen, false)

	events, err := svc.ChatStream(context.Background(), "u1", &models.ChatRequest{Message: "speech please"})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	var streamed strings.Builder
	for _, ev := range collect(t, events) {
		if ev.Type == models.EventDelta {
			streamed.WriteString(ev.Data.(models.DeltaEvent).Text)
		}
	}

	resp, err := svc.Chat(context.Background(), "u1", &models.ChatRequest{Message: "speech please"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Answer != streamed.String() {
		t.Errorf("sync answer %q differs from streamed %q", resp.Answer, streamed.String())
	}
	if resp.SessionID == "" {
		t.Error("sync response is missing the session ID")
	}
}

func TestStreamProviderErrorEndsWithErrorEvent(t *testing.T) {
	gen := &scriptedLLM{fragments: []string{"par", "tial", "never"}, failAfter: 2}
	svc, st := newService(gen, false)

	events, err := svc.ChatStream(context.Background(), "u1", &models.ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	got := collect(t, events)

	last := got[len(got)-1]
	if last.Type != models.EventError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	for _, ev := range got {
		if ev.Type == models.EventDone {
			t.Error("failed stream must not emit a done event")
		}
	}
	// A failed turn is not committed.
	for id := range st.messages {
		if len(st.messages[id]) != 0 {
			t.Errorf("failed turn left %d messages in session %s", len(st.messages[id]), id)
		}
	}
}

func TestStreamCancellationDiscardsTurn(t *testing.T) {
	gen := &scriptedLLM{fragments: manyFragments(100), failAfter: -1, interval: 5 * time.Millisecond}
	svc, st := newService(gen, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := svc.ChatStream(ctx, "u1", &models.ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	var got []service.Event
	deltas := 0
	for ev := range events {
		if ev.Type == service.EventKeepalive {
			continue
		}
		got = append(got, ev)
		if ev.Type == models.EventDelta {
			deltas++
			if deltas == 2 {
				cancel()
			}
		}
	}

	// The stream must end in exactly one error frame and never reach done.
	last := got[len(got)-1]
	if last.Type != models.EventError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	if code := last.Data.(models.ErrorEvent).Code; code != service.CodeCanceled {
		t.Errorf("error code = %s, want %s", code, service.CodeCanceled)
	}
	for _, ev := range got {
		if ev.Type == models.EventDone {
			t.Error("canceled stream must not emit done")
		}
	}
	// No delta frames after the terminal error frame.
	for i, ev := range got {
		if ev.Type == models.EventError && i != len(got)-1 {
			t.Error("events observed after the terminal error frame")
		}
	}

	// Partial commit is disabled: nothing is written.
	for id := range st.messages {
		if len(st.messages[id]) != 0 {
			t.Errorf("canceled turn left %d messages in session %s", len(st.messages[id]), id)
		}
	}
}

func TestStreamCancellationWithPartialCommit(t *testing.T) {
	gen := &scriptedLLM{fragments: manyFragments(100), failAfter: -1, interval: 5 * time.Millisecond}
	svc, st := newService(gen, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := svc.ChatStream(ctx, "u1", &models.ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	deltas := 0
	for ev := range events {
		if ev.Type == models.EventDelta {
			deltas++
			if deltas == 2 {
				cancel()
			}
		}
	}

	var committed int
	for id := range st.messages {
		committed += len(st.messages[id])
	}
	if committed != 2 {
		t.Errorf("expected user message plus partial answer committed, got %d messages", committed)
	}
}

func TestStreamTimeout(t *testing.T) {
	gen := &scriptedLLM{block: true, failAfter: -1}
	svc, _ := newService(gen, false)

	events, err := svc.ChatStream(context.Background(), "u1", &models.ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}

	keepalives := 0
	var last service.Event
	for ev := range events {
		if ev.Type == service.EventKeepalive {
			keepalives++
			continue
		}
		last = ev
	}
	if last.Type != models.EventError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	if code := last.Data.(models.ErrorEvent).Code; code != service.CodeTimeout {
		t.Errorf("error code = %s, want %s", code, service.CodeTimeout)
	}
	// The idle timer keeps the connection warm while waiting.
	if keepalives == 0 {
		t.Error("expected keepalive frames while the upstream was silent")
	}
}

func TestEmptyMessageRejectedBeforeAnyWrite(t *testing.T) {
	gen := &scriptedLLM{fragments: []string{"x"}, failAfter: -1}
	svc, st := newService(gen, false)

	_, err := svc.ChatStream(context.Background(), "u1", &models.ChatRequest{})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(st.sessions) != 0 {
		t.Error("validation failure must not create a session")
	}
}

func manyFragments(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "x"
	}
	return out
}
