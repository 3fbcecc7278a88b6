package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"Aria_AI/internal/config"
	"Aria_AI/internal/database/milvus"
	"Aria_AI/internal/embedding"
	"Aria_AI/internal/llm"
	"Aria_AI/internal/memory/store"
	"Aria_AI/internal/models"
	"Aria_AI/pkg/logger"
	"Aria_AI/pkg/util"

	"github.com/pkoukk/tiktoken-go"
	"gorm.io/datatypes"
)

// VectorIndex is the similarity-search contract the manager depends on.
// The production implementation is the Milvus client; tests substitute
// an in-process fake.
type VectorIndex interface {
	Upsert(ctx context.Context, id, userID, kind string, vector []float32) error
	Search(ctx context.Context, userID string, topK int, vector []float32) ([]milvus.Hit, error)
}

// Context is the bounded result of a recall: everything the generation
// pipeline is allowed to know about the user for this turn. Its serialized
// size never exceeds the configured token cap.
type Context struct {
	Messages  []models.Message               // STM window, chronological order
	Facts     []models.Fact                  // ranked, best first
	Summaries []models.LongTermMemorySummary // ranked, best first
	MetaFacts []models.MetaFact              // keys referenced by the query

	// Degraded reports that the embedding provider or the vector index was
	// unavailable and ranking fell back to lexical-only. Soft failure: the
	// context is still usable.
	Degraded bool

	// Tokens is the measured size of the packed context.
	Tokens int
}

// SystemPrompt renders the memory tiers (everything except the STM
// messages) into a single system-role preamble for the generator.
func (c *Context) SystemPrompt() string {
	var b strings.Builder
	if len(c.MetaFacts) > 0 {
		b.WriteString("Known facts about the user:\n")
		for _, mf := range c.MetaFacts {
			fmt.Fprintf(&b, "- %s: %s (confidence %.2f)\n", mf.FactKey, mf.Value, mf.Confidence)
		}
	}
	if len(c.Facts) > 0 {
		b.WriteString("Relevant memories:\n")
		for _, f := range c.Facts {
			fmt.Fprintf(&b, "- %s\n", f.Content)
		}
	}
	if len(c.Summaries) > 0 {
		b.WriteString("Summaries of earlier conversations:\n")
		for _, s := range c.Summaries {
			fmt.Fprintf(&b, "- %s\n", s.Summary)
		}
	}
	return b.String()
}

// Manager orchestrates reads and writes across the memory tiers. It holds
// no per-user state: every operation is a self-contained read/write against
// the store, so concurrent requests need no coordination here.
type Manager struct {
	cfg      *config.AppConfig
	sessions store.SessionStore
	memories store.MemoryStore
	cache    store.Cache
	vectors  VectorIndex
	embedder embedding.Embedding
	gen      llm.LLM
	queue    TaskQueue
	enc      *tiktoken.Tiktoken
	local    *util.LRUCache[string, []float32]
	log      *logger.Logger
}

// NewManager wires a Manager. queue may be nil, in which case background
// work (embedding, summarization) runs inline on the caller's goroutine.
func NewManager(
	cfg *config.AppConfig,
	sessions store.SessionStore,
	memories store.MemoryStore,
	cache store.Cache,
	vectors VectorIndex,
	embedder embedding.Embedding,
	gen llm.LLM,
	queue TaskQueue,
) *Manager {
	m := &Manager{
		cfg:      cfg,
		sessions: sessions,
		memories: memories,
		cache:    cache,
		vectors:  vectors,
		embedder: embedder,
		gen:      gen,
		queue:    queue,
		log:      logger.New("memory_manager", "", ""),
	}
	if m.queue == nil {
		m.queue = &SyncQueue{Runner: m}
	}
	// 进程内的一级嵌入缓存，挡在 Redis 之前。
	m.local, _ = util.NewWithConfig(util.CacheConfig[string, []float32]{
		Capacity: 1024,
		TTL:      time.Duration(cfg.Memory.CacheTTL) * time.Second,
	})
	// The tokenizer needs its BPE ranks on first use; when that fails the
	// cap falls back to a character-based estimate, which still bounds the
	// context, just less precisely.
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		m.enc = enc
	} else {
		m.log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("tiktoken unavailable, using character estimate for the context cap")
	}
	return m
}

func (m *Manager) countTokens(text string) int {
	if m.enc != nil {
		return len(m.enc.Encode(text, nil, nil))
	}
	return len([]rune(text))/4 + 1
}

// candidate is one fact or summary competing for a context slot.
type candidate struct {
	id      string
	lex     float64 // normalized full-text rank, 0 when no lexical hit
	sem     float64 // cosine similarity, 0 when no semantic hit
	hasLex  bool
	blended float64
}

// Recall assembles the generation context for one turn:
// the STM window of the active session, the top-K facts and summaries under
// a blended lexical/semantic ranking, and meta-facts whose keys appear in
// the query text. The result is packed under the configured token cap.
func (m *Manager) Recall(ctx context.Context, userID, sessionID, queryText string) (*Context, error) {
	out := &Context{}
	log := m.log.WithUser(userID).WithSession(sessionID)

	// (a) STM: most recent messages of the active session.
	var stm []models.Message
	if sessionID != "" {
		msgs, err := m.sessions.GetMessages(ctx, sessionID, m.cfg.Memory.STMWindow)
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err != nil {
			log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("STM read failed, continuing without recent history")
		} else {
			stm = msgs
		}
	}

	// (b) Lexical recall over facts and LTM summaries. Both tiers compete in
	// the same lexical channel, so summaries stay reachable when the semantic
	// channel is down.
	lexFacts, err := m.memories.SearchFacts(ctx, userID, queryText, m.cfg.Memory.TopK)
	if err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("lexical fact search failed")
		lexFacts = nil
	}
	lexSums, err := m.memories.SearchSummaries(ctx, userID, queryText, m.cfg.Memory.TopK)
	if err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("lexical summary search failed")
		lexSums = nil
	}

	// (b) Semantic recall over the embedding index. Provider or index
	// trouble degrades to lexical-only and is surfaced on the context.
	var semHits []milvus.Hit
	if m.embedder != nil && m.vectors != nil && queryText != "" {
		vec, embErr := m.embedText(ctx, queryText)
		if embErr != nil {
			out.Degraded = true
			log.WithError(models.ErrorInfo{Message: embErr.Error(), Type: "provider_unavailable"}).Warn("query embedding failed, semantic ranking skipped")
		} else {
			semHits, err = m.vectors.Search(ctx, userID, m.cfg.Memory.TopK, vec)
			if err != nil {
				out.Degraded = true
				semHits = nil
				log.WithError(models.ErrorInfo{Message: err.Error(), Type: "provider_unavailable"}).Warn("vector search failed, semantic ranking skipped")
			}
		}
	}

	facts, summaries := m.rankCandidates(ctx, lexFacts, lexSums, semHits)

	// (c) Meta-facts whose key is referenced by the query text.
	metaFacts := m.matchMetaFacts(ctx, userID, queryText)

	m.pack(out, stm, facts, summaries, metaFacts)
	return out, nil
}

// rankCandidates merges lexical and semantic hits into one ranked pool and
// resolves the winners back to rows. Lexical ranks are normalized against
// the best hit across facts and summaries so they are comparable with cosine
// scores; within the epsilon band a lexical hit outranks a semantic-only one.
func (m *Manager) rankCandidates(ctx context.Context, lexFacts []store.ScoredFact, lexSums []store.ScoredSummary, semHits []milvus.Hit) ([]models.Fact, []models.LongTermMemorySummary) {
	pool := make(map[string]*candidate)

	var maxLex float64
	for _, h := range lexFacts {
		if h.Score > maxLex {
			maxLex = h.Score
		}
	}
	for _, h := range lexSums {
		if h.Score > maxLex {
			maxLex = h.Score
		}
	}
	normalize := func(score float64) float64 {
		if maxLex > 0 {
			return score / maxLex
		}
		return 1.0
	}
	for _, h := range lexFacts {
		pool[h.ID] = &candidate{id: h.ID, lex: normalize(h.Score), hasLex: true}
	}
	for _, h := range lexSums {
		pool[h.ID] = &candidate{id: h.ID, lex: normalize(h.Score), hasLex: true}
	}
	for _, h := range semHits {
		if c, ok := pool[h.ID]; ok {
			c.sem = h.Score
		} else {
			pool[h.ID] = &candidate{id: h.ID, sem: h.Score}
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}

	ranked := make([]*candidate, 0, len(pool))
	for _, c := range pool {
		switch {
		case c.hasLex && c.sem > 0:
			c.blended = (c.lex + c.sem) / 2
		case c.hasLex:
			c.blended = c.lex
		default:
			c.blended = c.sem
		}
		ranked = append(ranked, c)
	}
	eps := m.cfg.Memory.Epsilon
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if diff := a.blended - b.blended; diff > eps || diff < -eps {
			return a.blended > b.blended
		}
		if a.hasLex != b.hasLex {
			return a.hasLex
		}
		return a.blended > b.blended
	})
	if len(ranked) > m.cfg.Memory.TopK {
		ranked = ranked[:m.cfg.Memory.TopK]
	}

	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.id
	}

	// Resolve winners to rows. Soft-deleted facts are filtered here, so a
	// forgotten fact cannot resurface through a stale vector hit.
	factRows, err := m.memories.FactsByIDs(ctx, ids)
	if err != nil {
		m.log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("resolving ranked facts failed")
	}
	sumRows, err := m.memories.SummariesByIDs(ctx, ids)
	if err != nil {
		m.log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("resolving ranked summaries failed")
	}
	factByID := make(map[string]models.Fact, len(factRows))
	for _, f := range factRows {
		factByID[f.ID] = f
	}
	sumByID := make(map[string]models.LongTermMemorySummary, len(sumRows))
	for _, s := range sumRows {
		sumByID[s.ID] = s
	}

	var facts []models.Fact
	var summaries []models.LongTermMemorySummary
	for _, c := range ranked {
		if f, ok := factByID[c.id]; ok {
			facts = append(facts, f)
		} else if s, ok := sumByID[c.id]; ok {
			summaries = append(summaries, s)
		}
	}
	return facts, summaries
}

// matchMetaFacts returns the user's meta-facts whose key appears in the
// query text. Keys use snake_case; matching also tries the space-separated
// form so "favorite color" finds "favorite_color".
func (m *Manager) matchMetaFacts(ctx context.Context, userID, queryText string) []models.MetaFact {
	all, err := m.memories.ListMetaFacts(ctx, userID)
	if err != nil {
		m.log.WithUser(userID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("listing meta-facts failed")
		return nil
	}
	q := strings.ToLower(queryText)
	var out []models.MetaFact
	for _, mf := range all {
		key := strings.ToLower(mf.FactKey)
		if strings.Contains(q, key) || strings.Contains(q, strings.ReplaceAll(key, "_", " ")) {
			out = append(out, mf)
		}
	}
	return out
}

// pack fills the context under the token cap. Priority order: meta-facts,
// then STM newest-first, then facts, then summaries. Within each tier,
// packing stops at the first item that does not fit.
func (m *Manager) pack(out *Context, stm []models.Message, facts []models.Fact, summaries []models.LongTermMemorySummary, metaFacts []models.MetaFact) {
	budget := m.cfg.Memory.ContextTokenCap

	take := func(text string) bool {
		n := m.countTokens(text)
		if out.Tokens+n > budget {
			return false
		}
		out.Tokens += n
		return true
	}

	for _, mf := range metaFacts {
		if !take(mf.FactKey + ": " + mf.Value) {
			break
		}
		out.MetaFacts = append(out.MetaFacts, mf)
	}

	// Newest messages matter most; walk backwards, then restore
	// chronological order.
	for i := len(stm) - 1; i >= 0; i-- {
		if !take(stm[i].Content) {
			break
		}
		out.Messages = append(out.Messages, stm[i])
	}
	for i, j := 0, len(out.Messages)-1; i < j; i, j = i+1, j-1 {
		out.Messages[i], out.Messages[j] = out.Messages[j], out.Messages[i]
	}

	for _, f := range facts {
		if !take(f.Content) {
			break
		}
		out.Facts = append(out.Facts, f)
	}
	for _, s := range summaries {
		if !take(s.Summary) {
			break
		}
		out.Summaries = append(out.Summaries, s)
	}
}

// Commit persists the messages of a finished turn and schedules the derived
// writes: an embedding per message, and an LTM summary when the session
// crosses the summarize threshold. Message IDs are caller-chosen idempotency
// keys, so retrying a partially failed commit is safe.
func (m *Manager) Commit(ctx context.Context, userID, sessionID string, turn []*models.Message) error {
	if sessionID == "" || len(turn) == 0 {
		return fmt.Errorf("%w: commit requires a session and at least one message", store.ErrValidation)
	}
	log := m.log.WithUser(userID).WithSession(sessionID)

	var lastSeq int64
	for _, msg := range turn {
		msg.SessionID = sessionID
		err := m.sessions.AppendMessage(ctx, msg)
		if errors.Is(err, store.ErrConstraint) {
			// Already written by an earlier attempt.
			log.WithPayload(map[string]interface{}{"message_id": msg.ID}).Debug("message already committed, skipping")
			continue
		}
		if err != nil {
			return fmt.Errorf("committing turn message: %w", err)
		}
		lastSeq = msg.Seq

		if err := m.queue.Enqueue(ctx, Task{
			Kind:      TaskEmbed,
			MemoryID:  msg.ID,
			MemKind:   KindMessage,
			UserID:    userID,
			SessionID: sessionID,
			Text:      msg.Content,
		}); err != nil {
			return fmt.Errorf("scheduling embedding task: %w", err)
		}
	}

	count, err := m.sessions.CountMessages(ctx, sessionID)
	if err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("counting session messages failed, summarize check skipped")
		return nil
	}
	threshold := int64(m.cfg.Memory.SummarizeThreshold)
	if threshold > 0 && count > 0 && count%threshold == 0 {
		// Deterministic summary ID: replaying this task overwrites nothing
		// and the duplicate insert is treated as done.
		sumID := fmt.Sprintf("ltm-%s-%d", sessionID, lastSeq)
		if err := m.queue.Enqueue(ctx, Task{
			Kind:      TaskSummarize,
			MemoryID:  sumID,
			UserID:    userID,
			SessionID: sessionID,
		}); err != nil {
			return fmt.Errorf("scheduling summarize task: %w", err)
		}
	}
	return nil
}

// RememberFact stores a freestanding fact and schedules its embedding.
func (m *Manager) RememberFact(ctx context.Context, f *models.Fact) error {
	if f.ID == "" || f.UserID == "" || f.Content == "" {
		return fmt.Errorf("%w: fact requires id, user and content", store.ErrValidation)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be in [0,1]", store.ErrValidation)
	}
	err := m.memories.PutFact(ctx, f)
	if err != nil && !errors.Is(err, store.ErrConstraint) {
		return err
	}
	return m.queue.Enqueue(ctx, Task{
		Kind:     TaskEmbed,
		MemoryID: f.ID,
		MemKind:  KindFact,
		UserID:   f.UserID,
		Text:     f.Content,
	})
}

// SetMetaFact upserts a (user, key) belief.
func (m *Manager) SetMetaFact(ctx context.Context, f *models.MetaFact) error {
	if f.UserID == "" || f.FactKey == "" {
		return fmt.Errorf("%w: meta-fact requires user and key", store.ErrValidation)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be in [0,1]", store.ErrValidation)
	}
	return m.memories.UpsertMetaFact(ctx, f)
}

// Forget soft-deletes a fact. The embedding stays in the index; every
// retrieval path filters on the deleted flag, so the fact cannot come back.
func (m *Manager) Forget(ctx context.Context, userID, factID string) error {
	f, err := m.memories.GetFact(ctx, factID)
	if err != nil {
		return err
	}
	if f.UserID != userID {
		return store.ErrNotFound
	}
	return m.memories.SoftDeleteFact(ctx, factID)
}

// ProcessTask executes one background memory task. Handlers are idempotent:
// the task's MemoryID doubles as the primary key of whatever it writes, so
// at-least-once delivery cannot duplicate rows or vectors.
func (m *Manager) ProcessTask(ctx context.Context, t Task) error {
	switch t.Kind {
	case TaskEmbed:
		return m.processEmbed(ctx, t)
	case TaskSummarize:
		return m.processSummarize(ctx, t)
	default:
		return fmt.Errorf("unknown memory task kind %q", t.Kind)
	}
}

func (m *Manager) processEmbed(ctx context.Context, t Task) error {
	vec, err := m.embedText(ctx, t.Text)
	if err != nil {
		return fmt.Errorf("embedding %s %s: %w", t.MemKind, t.MemoryID, err)
	}
	if err := m.vectors.Upsert(ctx, t.MemoryID, t.UserID, t.MemKind, vec); err != nil {
		return fmt.Errorf("indexing %s %s: %w", t.MemKind, t.MemoryID, err)
	}

	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encoding vector for %s: %w", t.MemoryID, err)
	}
	err = m.memories.PutEmbeddingRecord(ctx, &models.EmbeddingRecord{
		MemoryID: t.MemoryID,
		UserID:   t.UserID,
		Kind:     t.MemKind,
		Vector:   datatypes.JSON(raw),
	})
	if errors.Is(err, store.ErrConstraint) {
		// Replayed task; the record is already there.
		return nil
	}
	return err
}

func (m *Manager) processSummarize(ctx context.Context, t Task) error {
	msgs, err := m.sessions.GetMessages(ctx, t.SessionID, m.cfg.Memory.SummarizeThreshold)
	if err != nil {
		return fmt.Errorf("loading session %s for summary: %w", t.SessionID, err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var transcript strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	req := &models.GenerateContentRequest{
		Content: []models.Content{
			{
				Role: models.SpeakerSystem,
				Parts: []*models.Part{{
					Text: "Condense the following conversation into a short third-person memory summary. Keep only durable information about the user: preferences, facts, decisions, ongoing topics. Answer with the summary only.",
				}},
			},
			{
				Role:  models.SpeakerUser,
				Parts: []*models.Part{{Text: transcript.String()}},
			},
		},
	}
	resp, err := m.gen.GenerateContent(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: summarization call failed: %v", store.ErrProviderUnavailable, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil
	}

	err = m.memories.PutSummary(ctx, &models.LongTermMemorySummary{
		ID:        t.MemoryID,
		UserID:    t.UserID,
		Summary:   text,
		Detail:    transcript.String(),
		CreatedAt: time.Now(),
	})
	if errors.Is(err, store.ErrConstraint) {
		return nil
	}
	if err != nil {
		return err
	}

	// The new summary joins the semantic index like any other memory unit.
	return m.queue.Enqueue(ctx, Task{
		Kind:     TaskEmbed,
		MemoryID: t.MemoryID,
		MemKind:  KindSummary,
		UserID:   t.UserID,
		Text:     text,
	})
}

// embedText returns the embedding for a text, memoizing through the
// process-local LRU and then the shared cache tier: repeated recalls with
// the same query do not pay the provider twice.
func (m *Manager) embedText(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	key := "embed:" + hex.EncodeToString(sum[:])

	if m.local != nil {
		if vec, ok := m.local.Get(key); ok {
			return vec, nil
		}
	}
	if m.cache != nil {
		if raw, err := m.cache.GetCache(ctx, key); err == nil {
			var vec []float32
			if json.Unmarshal(raw, &vec) == nil && len(vec) > 0 {
				if m.local != nil {
					m.local.Put(key, vec)
				}
				return vec, nil
			}
		}
	}

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrProviderUnavailable, err)
	}

	if m.local != nil {
		m.local.Put(key, vec)
	}
	if m.cache != nil {
		if raw, err := json.Marshal(vec); err == nil {
			ttl := time.Duration(m.cfg.Memory.CacheTTL) * time.Second
			if cacheErr := m.cache.SetCache(ctx, key, raw, ttl); cacheErr != nil {
				m.log.WithError(models.ErrorInfo{Message: cacheErr.Error()}).Debug("caching embedding failed")
			}
		}
	}
	return vec, nil
}

// RunRetention trims each user's LTM summaries by age and count according
// to the configured policy. Returns the number of rows removed.
func (m *Manager) RunRetention(ctx context.Context) (int64, error) {
	users, err := m.memories.DistinctSummaryUsers(ctx)
	if err != nil {
		return 0, err
	}

	var before time.Time
	if days := m.cfg.Memory.LTMRetentionDays; days > 0 {
		before = time.Now().AddDate(0, 0, -days)
	}
	maxCount := m.cfg.Memory.LTMMaxPerUser

	var total int64
	for _, userID := range users {
		n, err := m.memories.TrimSummaries(ctx, userID, maxCount, before)
		if err != nil {
			m.log.WithUser(userID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("summary retention failed for user")
			continue
		}
		total += n
	}
	if total > 0 {
		m.log.WithPayload(map[string]interface{}{"deleted": total}).Info("LTM retention pass complete")
	}
	return total, nil
}

// StartRetention runs retention passes on a fixed interval until the
// context is canceled. Meant to be launched once from main.
func (m *Manager) StartRetention(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunRetention(ctx); err != nil {
				m.log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("LTM retention pass failed")
			}
		}
	}
}
