package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"Aria_AI/internal/config"
	"Aria_AI/internal/database/milvus"
	"Aria_AI/internal/embedding/mock"
	"Aria_AI/internal/llm"
	"Aria_AI/internal/memory"
	"Aria_AI/internal/memory/store"
	"Aria_AI/internal/models"

	"gorm.io/datatypes"
)

// --- in-memory fakes over the store contracts ---

type fakeSessionStore struct {
	sessions map[string]*models.Session
	messages map[string][]models.Message // sessionID -> ordered messages
	seq      map[string]int64
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]models.Message),
		seq:      make(map[string]int64),
	}
}

func (s *fakeSessionStore) CreateSession(_ context.Context, sess *models.Session) error {
	if _, ok := s.sessions[sess.ID]; ok {
		return store.ErrConstraint
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *fakeSessionStore) ListSessions(_ context.Context, userID string) ([]models.SessionSummary, error) {
	var out []models.SessionSummary
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, models.SessionSummary{ID: sess.ID, Title: sess.Title, UpdatedAt: sess.UpdatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *fakeSessionStore) RenameSession(_ context.Context, id, title string) error {
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.Title = title
	return nil
}

func (s *fakeSessionStore) DeleteSession(_ context.Context, id string) error {
	if _, ok := s.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *fakeSessionStore) AppendMessage(_ context.Context, m *models.Message) error {
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
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], *m)
	s.sessions[m.SessionID].UpdatedAt = time.Now()
	return nil
}

func (s *fakeSessionStore) GetMessages(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
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

func (s *fakeSessionStore) CountMessages(_ context.Context, sessionID string) (int64, error) {
	return int64(len(s.messages[sessionID])), nil
}

type fakeMemoryStore struct {
	facts     map[string]*models.Fact
	scores    map[string]float64 // canned lexical ranks per fact ID
	summaries map[string]*models.LongTermMemorySummary
	metas     map[string]*models.MetaFact // userID+"/"+key
	embeds    map[string]*models.EmbeddingRecord
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{
		facts:     make(map[string]*models.Fact),
		scores:    make(map[string]float64),
		summaries: make(map[string]*models.LongTermMemorySummary),
		metas:     make(map[string]*models.MetaFact),
		embeds:    make(map[string]*models.EmbeddingRecord),
	}
}

func (s *fakeMemoryStore) PutSummary(_ context.Context, sum *models.LongTermMemorySummary) error {
	if _, ok := s.summaries[sum.ID]; ok {
		return store.ErrConstraint
	}
	s.summaries[sum.ID] = sum
	return nil
}

// SearchSummaries mimics the summaries full-text index the same way
// SearchFacts does for facts.
func (s *fakeMemoryStore) SearchSummaries(_ context.Context, userID, query string, limit int) ([]store.ScoredSummary, error) {
	words := strings.Fields(strings.ToLower(query))
	var out []store.ScoredSummary
	for id, sum := range s.summaries {
		if sum.UserID != userID {
			continue
		}
		text := strings.ToLower(sum.Summary + " " + sum.Detail)
		for _, w := range words {
			if strings.Contains(text, w) {
				score := s.scores[id]
				if score == 0 {
					score = 1
				}
				out = append(out, store.ScoredSummary{LongTermMemorySummary: *sum, Score: score})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeMemoryStore) SummariesByIDs(_ context.Context, ids []string) ([]models.LongTermMemorySummary, error) {
	var out []models.LongTermMemorySummary
	for _, id := range ids {
		if sum, ok := s.summaries[id]; ok {
			out = append(out, *sum)
		}
	}
	return out, nil
}

func (s *fakeMemoryStore) TrimSummaries(_ context.Context, userID string, maxCount int, before time.Time) (int64, error) {
	var deleted int64
	for id, sum := range s.summaries {
		if sum.UserID == userID && !before.IsZero() && sum.CreatedAt.Before(before) {
			delete(s.summaries, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *fakeMemoryStore) DistinctSummaryUsers(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, sum := range s.summaries {
		seen[sum.UserID] = struct{}{}
	}
	var out []string
	for u := range seen {
		out = append(out, u)
	}
	return out, nil
}

func (s *fakeMemoryStore) UpsertMetaFact(_ context.Context, f *models.MetaFact) error {
	s.metas[f.UserID+"/"+f.FactKey] = f
	return nil
}

func (s *fakeMemoryStore) ListMetaFacts(_ context.Context, userID string) ([]models.MetaFact, error) {
	var out []models.MetaFact
	for key, f := range s.metas {
		if strings.HasPrefix(key, userID+"/") {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (s *fakeMemoryStore) PutFact(_ context.Context, f *models.Fact) error {
	if _, ok := s.facts[f.ID]; ok {
		return store.ErrConstraint
	}
	s.facts[f.ID] = f
	return nil
}

func (s *fakeMemoryStore) GetFact(_ context.Context, id string) (*models.Fact, error) {
	f, ok := s.facts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f, nil
}

func (s *fakeMemoryStore) SoftDeleteFact(_ context.Context, id string) error {
	f, ok := s.facts[id]
	if !ok {
		return store.ErrNotFound
	}
	f.Deleted = true
	return nil
}

// SearchFacts mimics the full-text index: a fact matches when its content
// or its tags share a word with the query, its rank comes from the canned
// scores map.
func (s *fakeMemoryStore) SearchFacts(_ context.Context, userID, query string, limit int) ([]store.ScoredFact, error) {
	words := strings.Fields(strings.ToLower(query))
	var out []store.ScoredFact
	for id, f := range s.facts {
		if f.UserID != userID || f.Deleted {
			continue
		}
		content := strings.ToLower(f.Content + " " + string(f.Tags))
		for _, w := range words {
			if strings.Contains(content, w) {
				score := s.scores[id]
				if score == 0 {
					score = 1
				}
				out = append(out, store.ScoredFact{Fact: *f, Score: score})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeMemoryStore) FactsByIDs(_ context.Context, ids []string) ([]models.Fact, error) {
	var out []models.Fact
	for _, id := range ids {
		if f, ok := s.facts[id]; ok && !f.Deleted {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (s *fakeMemoryStore) PutEmbeddingRecord(_ context.Context, r *models.EmbeddingRecord) error {
	if _, ok := s.embeds[r.MemoryID]; ok {
		return store.ErrConstraint
	}
	s.embeds[r.MemoryID] = r
	return nil
}

// fakeVectors is an in-process vector index with canned search results.
type fakeVectors struct {
	hits     []milvus.Hit
	upserts  map[string]int
	searches int
	fail     bool
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{upserts: make(map[string]int)}
}

func (v *fakeVectors) Upsert(_ context.Context, id, _, _ string, _ []float32) error {
	v.upserts[id]++
	return nil
}

func (v *fakeVectors) Search(_ context.Context, _ string, topK int, _ []float32) ([]milvus.Hit, error) {
	v.searches++
	if v.fail {
		return nil, errors.New("vector index down")
	}
	hits := v.hits
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// fakeLLM answers every generation request with a fixed text.
type fakeLLM struct {
	answer string
	calls  int
}

func (g *fakeLLM) GenerateContent(_ context.Context, _ *models.GenerateContentRequest) (*models.GenerateContentResponse, error) {
	g.calls++
	return &models.GenerateContentResponse{
		Content: []models.Content{{Role: models.SpeakerModel, Parts: []*models.Part{{Text: g.answer}}}},
	}, nil
}

func (g *fakeLLM) GenerateContentStream(_ context.Context, _ *models.GenerateContentRequest) (<-chan llm.StreamEvent, error) {
	ch := make(chan llm.StreamEvent, 1)
	ch <- llm.StreamEvent{Resp: &models.GenerateContentResponse{
		Content: []models.Content{{Role: models.SpeakerModel, Parts: []*models.Part{{Text: g.answer}}}},
	}}
	close(ch)
	return ch, nil
}

func testConfig() *config.AppConfig {
	cfg := &config.AppConfig{}
	cfg.ApplyDefaults()
	return cfg
}

func newManager(t *testing.T, sess *fakeSessionStore, mem *fakeMemoryStore, vec *fakeVectors, emb *mock.Embedder) *memory.Manager {
	t.Helper()
	return memory.NewManager(testConfig(), sess, mem, nil, vec, emb, nil, nil)
}

func seedSession(t *testing.T, sess *fakeSessionStore, userID, sessionID string) {
	t.Helper()
	err := sess.CreateSession(context.Background(), &models.Session{ID: sessionID, UserID: userID})
	if err != nil {
		t.Fatalf("seeding session failed: %v", err)
	}
}

// --- tests ---

func TestRecallIncludesRecentMessagesInOrder(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	m := newManager(t, sess, mem, newFakeVectors(), &mock.Embedder{})
	seedSession(t, sess, "u1", "s1")

	for i := 0; i < 5; i++ {
		msg := &models.Message{ID: fmt.Sprintf("m%d", i), SessionID: "s1", Role: models.SpeakerUser, Content: fmt.Sprintf("message %d", i)}
		if err := sess.AppendMessage(context.Background(), msg); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	ctx, err := m.Recall(context.Background(), "u1", "s1", "anything")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(ctx.Messages) != 5 {
		t.Fatalf("expected 5 STM messages, got %d", len(ctx.Messages))
	}
	for i := 1; i < len(ctx.Messages); i++ {
		if ctx.Messages[i].Seq <= ctx.Messages[i-1].Seq {
			t.Errorf("STM messages out of order: seq %d after %d", ctx.Messages[i].Seq, ctx.Messages[i-1].Seq)
		}
	}
}

func TestRecallUnknownSession(t *testing.T) {
	m := newManager(t, newFakeSessionStore(), newFakeMemoryStore(), newFakeVectors(), &mock.Embedder{})
	_, err := m.Recall(context.Background(), "u1", "missing", "hello")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecallNeverExceedsTokenCap(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	cfg := testConfig()
	cfg.Memory.ContextTokenCap = 50
	m := memory.NewManager(cfg, sess, mem, nil, newFakeVectors(), &mock.Embedder{}, nil, nil)
	seedSession(t, sess, "u1", "s1")

	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 20)
	for i := 0; i < 30; i++ {
		msg := &models.Message{ID: fmt.Sprintf("m%d", i), SessionID: "s1", Role: models.SpeakerUser, Content: long}
		if err := sess.AppendMessage(context.Background(), msg); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		mem.facts[fmt.Sprintf("f%d", i)] = &models.Fact{ID: fmt.Sprintf("f%d", i), UserID: "u1", Content: "fox " + long}
	}

	ctx, err := m.Recall(context.Background(), "u1", "s1", "fox")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if ctx.Tokens > cfg.Memory.ContextTokenCap {
		t.Errorf("context size %d exceeds cap %d", ctx.Tokens, cfg.Memory.ContextTokenCap)
	}
}

func TestRecallDegradesWhenEmbedderFails(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	emb := &mock.Embedder{Fail: true}
	m := newManager(t, sess, mem, newFakeVectors(), emb)
	seedSession(t, sess, "u1", "s1")

	mem.facts["f1"] = &models.Fact{ID: "f1", UserID: "u1", Content: "the user likes green tea"}

	ctx, err := m.Recall(context.Background(), "u1", "s1", "tea")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if !ctx.Degraded {
		t.Error("expected degraded context when the embedder is down")
	}
	if len(ctx.Facts) != 1 || ctx.Facts[0].ID != "f1" {
		t.Errorf("expected the lexical fact to survive degradation, got %+v", ctx.Facts)
	}
}

func TestRecallDegradedStillReturnsSummaries(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	emb := &mock.Embedder{Fail: true}
	m := newManager(t, sess, mem, newFakeVectors(), emb)
	seedSession(t, sess, "u1", "s1")

	mem.summaries["sum1"] = &models.LongTermMemorySummary{ID: "sum1", UserID: "u1", Summary: "the user planned a trip to Kyoto"}

	ctx, err := m.Recall(context.Background(), "u1", "s1", "kyoto trip")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if !ctx.Degraded {
		t.Error("expected degraded context when the embedder is down")
	}
	if len(ctx.Summaries) != 1 || ctx.Summaries[0].ID != "sum1" {
		t.Errorf("expected the summary to survive degradation through lexical search, got %+v", ctx.Summaries)
	}
}

func TestRecallDegradesWhenVectorIndexFails(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	vec := newFakeVectors()
	vec.fail = true
	m := newManager(t, sess, mem, vec, &mock.Embedder{})
	seedSession(t, sess, "u1", "s1")

	ctx, err := m.Recall(context.Background(), "u1", "s1", "anything")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if !ctx.Degraded {
		t.Error("expected degraded context when the vector index is down")
	}
}

func TestForgetExcludesFactFromRecall(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	vec := newFakeVectors()
	m := newManager(t, sess, mem, vec, &mock.Embedder{})
	seedSession(t, sess, "u1", "s1")

	mem.facts["f1"] = &models.Fact{ID: "f1", UserID: "u1", Content: "the user is allergic to peanuts"}
	// A stale vector hit still points at the forgotten fact.
	vec.hits = []milvus.Hit{{ID: "f1", Score: 0.99}}

	if err := m.Forget(context.Background(), "u1", "f1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}

	ctx, err := m.Recall(context.Background(), "u1", "s1", "peanuts allergy")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	for _, f := range ctx.Facts {
		if f.ID == "f1" {
			t.Error("forgotten fact resurfaced in recall")
		}
	}
}

func TestForgetForeignFactNotFound(t *testing.T) {
	mem := newFakeMemoryStore()
	mem.facts["f1"] = &models.Fact{ID: "f1", UserID: "owner", Content: "private"}
	m := newManager(t, newFakeSessionStore(), mem, newFakeVectors(), &mock.Embedder{})

	err := m.Forget(context.Background(), "intruder", "f1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a foreign fact, got %v", err)
	}
}

func TestRecallTieBreakPrefersLexical(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	vec := newFakeVectors()
	m := newManager(t, sess, mem, vec, &mock.Embedder{})
	seedSession(t, sess, "u1", "s1")

	// Two lexical hits normalize to 1.0 and 0.5. The semantic-only summary
	// lands at 0.52, inside the epsilon band around the weaker lexical hit.
	mem.facts["f-top"] = &models.Fact{ID: "f-top", UserID: "u1", Content: "coffee order: oat milk flat white"}
	mem.facts["f-low"] = &models.Fact{ID: "f-low", UserID: "u1", Content: "coffee loyalty card number 42"}
	mem.scores["f-top"] = 2.0
	mem.scores["f-low"] = 1.0
	mem.summaries["sum1"] = &models.LongTermMemorySummary{ID: "sum1", UserID: "u1", Summary: "talked about hot drinks once"}
	vec.hits = []milvus.Hit{{ID: "sum1", Score: 0.52}}

	ctx, err := m.Recall(context.Background(), "u1", "s1", "coffee")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(ctx.Facts) != 2 {
		t.Fatalf("expected both lexical facts, got %d", len(ctx.Facts))
	}
	if ctx.Facts[1].ID != "f-low" {
		t.Errorf("expected f-low ranked second, got %s", ctx.Facts[1].ID)
	}
	if len(ctx.Summaries) != 1 {
		t.Fatalf("expected the semantic summary present, got %d", len(ctx.Summaries))
	}
}

func TestRecallFindsFactByTag(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	m := newManager(t, sess, mem, newFakeVectors(), &mock.Embedder{})
	seedSession(t, sess, "u1", "s1")

	// The tag word appears nowhere in the content; only the tags column
	// can make this fact lexically reachable.
	mem.facts["f1"] = &models.Fact{
		ID:      "f1",
		UserID:  "u1",
		Content: "cannot eat peanuts",
		Tags:    datatypes.JSON(`["allergy"]`),
	}

	ctx, err := m.Recall(context.Background(), "u1", "s1", "any allergy I should know about?")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(ctx.Facts) != 1 || ctx.Facts[0].ID != "f1" {
		t.Errorf("expected the tagged fact recalled by its tag, got %+v", ctx.Facts)
	}
}

func TestRecallMatchesMetaFactKeys(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	m := newManager(t, sess, mem, newFakeVectors(), &mock.Embedder{})
	seedSession(t, sess, "u1", "s1")

	mem.metas["u1/favorite_color"] = &models.MetaFact{UserID: "u1", FactKey: "favorite_color", Value: "blue", Confidence: 0.9}
	mem.metas["u1/hometown"] = &models.MetaFact{UserID: "u1", FactKey: "hometown", Value: "Osaka", Confidence: 0.8}

	ctx, err := m.Recall(context.Background(), "u1", "s1", "what is my favorite color?")
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(ctx.MetaFacts) != 1 || ctx.MetaFacts[0].FactKey != "favorite_color" {
		t.Errorf("expected only favorite_color to match, got %+v", ctx.MetaFacts)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	vec := newFakeVectors()
	m := newManager(t, sess, mem, vec, &mock.Embedder{})
	seedSession(t, sess, "u1", "s1")

	turn := []*models.Message{
		{ID: "msg-1", Role: models.SpeakerUser, Content: "hi"},
		{ID: "msg-2", Role: models.SpeakerAssistant, Content: "hello"},
	}
	if err := m.Commit(context.Background(), "u1", "s1", turn); err != nil {
		t.Fatalf("first Commit() error = %v", err)
	}
	// Retry with the same message IDs: no new rows.
	if err := m.Commit(context.Background(), "u1", "s1", turn); err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}

	n, _ := sess.CountMessages(context.Background(), "s1")
	if n != 2 {
		t.Errorf("expected 2 messages after replayed commit, got %d", n)
	}
}

func TestCommitEmbedsMessages(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	vec := newFakeVectors()
	m := newManager(t, sess, mem, vec, &mock.Embedder{})
	seedSession(t, sess, "u1", "s1")

	turn := []*models.Message{{ID: "msg-1", Role: models.SpeakerUser, Content: "remember me"}}
	if err := m.Commit(context.Background(), "u1", "s1", turn); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if vec.upserts["msg-1"] != 1 {
		t.Errorf("expected one vector upsert for msg-1, got %d", vec.upserts["msg-1"])
	}
	if _, ok := mem.embeds["msg-1"]; !ok {
		t.Error("expected an embedding record for msg-1")
	}
}

func TestCommitTriggersSummarizeAtThreshold(t *testing.T) {
	sess := newFakeSessionStore()
	mem := newFakeMemoryStore()
	vec := newFakeVectors()
	cfg := testConfig()
	cfg.Memory.SummarizeThreshold = 4
	gen := &fakeLLM{answer: "the user greeted the assistant twice"}
	m := memory.NewManager(cfg, sess, mem, nil, vec, &mock.Embedder{}, gen, nil)
	seedSession(t, sess, "u1", "s1")

	for i := 0; i < 4; i++ {
		turn := []*models.Message{{ID: fmt.Sprintf("msg-%d", i), Role: models.SpeakerUser, Content: "hi again"}}
		if err := m.Commit(context.Background(), "u1", "s1", turn); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}

	if len(mem.summaries) != 1 {
		t.Fatalf("expected exactly one LTM summary at the threshold, got %d", len(mem.summaries))
	}
	for id, sum := range mem.summaries {
		if sum.Summary != "the user greeted the assistant twice" {
			t.Errorf("unexpected summary text %q", sum.Summary)
		}
		if vec.upserts[id] != 1 {
			t.Errorf("expected the summary to be embedded, upserts=%d", vec.upserts[id])
		}
	}
}

func TestProcessTaskEmbedReplaySafe(t *testing.T) {
	mem := newFakeMemoryStore()
	vec := newFakeVectors()
	m := newManager(t, newFakeSessionStore(), mem, vec, &mock.Embedder{})

	task := memory.Task{Kind: memory.TaskEmbed, MemoryID: "f1", MemKind: memory.KindFact, UserID: "u1", Text: "hello"}
	if err := m.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("first ProcessTask() error = %v", err)
	}
	if err := m.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("replayed ProcessTask() error = %v", err)
	}
	if len(mem.embeds) != 1 {
		t.Errorf("expected one embedding record after replay, got %d", len(mem.embeds))
	}
}

func TestSetMetaFactValidation(t *testing.T) {
	m := newManager(t, newFakeSessionStore(), newFakeMemoryStore(), newFakeVectors(), &mock.Embedder{})
	err := m.SetMetaFact(context.Background(), &models.MetaFact{UserID: "u1", FactKey: "k", Confidence: 1.5})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation for confidence > 1, got %v", err)
	}
}

func TestSetMetaFactOverwritesSameKey(t *testing.T) {
	mem := newFakeMemoryStore()
	m := newManager(t, newFakeSessionStore(), mem, newFakeVectors(), &mock.Embedder{})

	first := &models.MetaFact{UserID: "u1", FactKey: "favorite_color", Value: "blue", Confidence: 0.9}
	if err := m.SetMetaFact(context.Background(), first); err != nil {
		t.Fatalf("first SetMetaFact() error = %v", err)
	}
	second := &models.MetaFact{UserID: "u1", FactKey: "favorite_color", Value: "green", Confidence: 0.95}
	if err := m.SetMetaFact(context.Background(), second); err != nil {
		t.Fatalf("second SetMetaFact() error = %v", err)
	}

	if len(mem.metas) != 1 {
		t.Fatalf("expected exactly one row for the (user, key) pair, got %d", len(mem.metas))
	}
	got := mem.metas["u1/favorite_color"]
	if got == nil || got.Value != "green" || got.Confidence != 0.95 {
		t.Errorf("expected the later write to win, got %+v", got)
	}
}
