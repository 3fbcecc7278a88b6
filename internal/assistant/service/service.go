package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"Aria_AI/internal/config"
	"Aria_AI/internal/llm"
	"Aria_AI/internal/memory"
	"Aria_AI/internal/memory/store"
	"Aria_AI/internal/models"
	"Aria_AI/internal/psyche"
	"Aria_AI/internal/session"
	"Aria_AI/pkg/logger"

	"github.com/oklog/ulid/v2"
)

// Event is one frame of the response stream. Type is one of the
// models.Event* constants, or EventKeepalive for the comment-style
// heartbeat that carries no payload and is ignored by consumers.
type Event struct {
	Type string
	Data interface{}
}

// EventKeepalive marks an idle-timer heartbeat frame. The transport writes
// it as an SSE comment line, never as a data event.
const EventKeepalive = "keepalive"

// Stream error codes surfaced in the error event.
const (
	CodeTimeout     = "timeout"
	CodeUnavailable = "provider_unavailable"
	CodeCanceled    = "canceled"
	CodeInternal    = "internal"
)

// Per-request stream states. A stream starts in stateStarted, moves to
// stateStreaming on the first fragment, terminates in exactly one of
// stateDone or stateFailed, then closes.
const (
	stateStarted   = "STARTED"
	stateStreaming = "STREAMING"
	stateDone      = "DONE"
	stateFailed    = "FAILED"
)

// Service drives one generation per request: it resolves the session,
// recalls memory context, streams model output as events, and on completion
// commits the finished turn back into memory and records a psyche
// observation. The whole turn (user message + answer) is committed
// together, so an aborted stream leaves the session untouched unless the
// partial-commit policy is enabled.
type Service struct {
	cfg      *config.AppConfig
	sessions *session.Manager
	memory   *memory.Manager
	psyche   *psyche.Machine
	gen      llm.LLM
	log      *logger.Logger
}

// New wires a Service.
func New(cfg *config.AppConfig, sessions *session.Manager, mem *memory.Manager, psy *psyche.Machine, gen llm.LLM) *Service {
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		memory:   mem,
		psyche:   psy,
		gen:      gen,
		log:      logger.New("assistant_service", "", ""),
	}
}

// turn is the prepared input of one generation: resolved session, recalled
// context, and the pending user message (not yet committed).
type turn struct {
	userID    string
	sessionID string
	userMsg   *models.Message
	recall    *memory.Context
	req       *models.GenerateContentRequest
	model     string
}

// prepare validates the request, resolves the session and assembles the
// generation request from recalled memory. Nothing is written yet.
func (s *Service) prepare(ctx context.Context, userID string, req *models.ChatRequest) (*turn, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		for _, c := range req.Messages {
			for _, p := range c.Parts {
				text += p.Text
			}
		}
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: empty message", store.ErrValidation)
	}

	sessionID, err := s.sessions.Ensure(ctx, userID, req.SessionID)
	if err != nil {
		return nil, err
	}

	recall, err := s.memory.Recall(ctx, userID, sessionID, text)
	if err != nil {
		return nil, err
	}

	model := s.defaultModel()
	var params models.GenerationParams
	if req.Params != nil {
		params = *req.Params
		if params.Model != "" {
			model = params.Model
		}
	}
	params.Model = model

	genReq := &models.GenerateContentRequest{Params: params}
	if sys := s.systemPrompt(ctx, recall); sys != "" {
		genReq.Content = append(genReq.Content, models.Content{
			Role:  models.SpeakerSystem,
			Parts: []*models.Part{{Text: sys}},
		})
	}
	for _, m := range recall.Messages {
		genReq.Content = append(genReq.Content, models.Content{
			Role:  m.Role,
			Parts: []*models.Part{{Text: m.Content}},
		})
	}
	genReq.Content = append(genReq.Content, models.Content{
		Role:  models.SpeakerUser,
		Parts: []*models.Part{{Text: text}},
	})

	return &turn{
		userID:    userID,
		sessionID: sessionID,
		userMsg: &models.Message{
			ID:      ulid.Make().String(),
			Role:    models.SpeakerUser,
			Content: text,
		},
		recall: recall,
		req:    genReq,
		model:  model,
	}, nil
}

func (s *Service) defaultModel() string {
	if len(s.cfg.LLM.Models) > 0 {
		return s.cfg.LLM.Models[0].Name
	}
	return ""
}

// systemPrompt combines the recalled memory tiers with a style hint from
// the current psyche state.
func (s *Service) systemPrompt(ctx context.Context, recall *memory.Context) string {
	var b strings.Builder
	if st, err := s.psyche.Snapshot(ctx); err == nil {
		fmt.Fprintf(&b, "Answer in a %s tone.\n", st.Style)
	}
	b.WriteString(recall.SystemPrompt())
	return strings.TrimSpace(b.String())
}

// ChatStream runs the streaming pipeline. Validation and session errors are
// returned synchronously before any event is produced; once the channel is
// handed out, every outcome is delivered as events: one meta frame, zero or
// more delta frames, keepalive frames on the idle timer, and exactly one
// terminal done or error frame. The channel closes after the terminal frame.
func (s *Service) ChatStream(ctx context.Context, userID string, req *models.ChatRequest) (<-chan Event, error) {
	t, err := s.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 8)
	go s.run(ctx, t, out)
	return out, nil
}

// run executes the per-request state machine and closes out when done.
func (s *Service) run(ctx context.Context, t *turn, out chan<- Event) {
	defer close(out)
	log := s.log.WithUser(t.userID).WithSession(t.sessionID)
	state := stateStarted

	out <- Event{Type: models.EventMeta, Data: models.MetaEvent{SessionID: t.sessionID, Model: t.model}}

	genCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.LLM.Timeout)*time.Second)
	defer cancel()

	stream, err := s.gen.GenerateContentStream(genCtx, t.req)
	if err != nil {
		state = stateFailed
		out <- Event{Type: models.EventError, Data: errorEvent(genCtx, err)}
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("stream setup failed")
		return
	}

	keepalive := time.Duration(s.cfg.Stream.KeepaliveMillis) * time.Millisecond
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	// abort handles caller cancellation: no further deltas, no done frame.
	// The partial answer is committed only under the explicit partial-commit
	// policy, otherwise the whole turn is discarded.
	var answer strings.Builder
	abort := func() {
		out <- Event{Type: models.EventError, Data: models.ErrorEvent{Code: CodeCanceled, Message: "stream canceled by caller"}}
		if s.cfg.Memory.PartialCommit && answer.Len() > 0 {
			s.commitTurn(context.Background(), t, answer.String(), log)
		}
		log.WithPayload(map[string]interface{}{"state": stateFailed}).Info("stream canceled")
	}

	for {
		select {
		case <-ctx.Done():
			state = stateFailed
			abort()
			return

		case <-genCtx.Done():
			state = stateFailed
			if ctx.Err() != nil {
				// Parent cancellation also cancels genCtx; report it as an
				// abort, not a timeout.
				abort()
				return
			}
			out <- Event{Type: models.EventError, Data: models.ErrorEvent{Code: CodeTimeout, Message: "generation exceeded deadline"}}
			log.WithError(models.ErrorInfo{Message: genCtx.Err().Error(), Type: CodeTimeout}).Error("stream timed out")
			return

		case <-ticker.C:
			out <- Event{Type: EventKeepalive}

		case ev, ok := <-stream:
			if ctx.Err() != nil {
				// Cancellation raced with a ready fragment; the abort wins
				// and no further deltas go out.
				state = stateFailed
				abort()
				return
			}
			if !ok {
				// Normal end of stream.
				state = stateDone
				s.commitTurn(ctx, t, answer.String(), log)
				out <- Event{Type: models.EventDone, Data: models.DoneEvent{OK: true}}
				log.WithPayload(map[string]interface{}{"state": state, "answer_len": answer.Len()}).Info("stream complete")
				return
			}
			if ev.Err != nil {
				state = stateFailed
				out <- Event{Type: models.EventError, Data: errorEvent(genCtx, ev.Err)}
				log.WithError(models.ErrorInfo{Message: ev.Err.Error()}).Error("generation failed mid-stream")
				return
			}
			fragment := ev.Resp.Text()
			if fragment == "" {
				continue
			}
			state = stateStreaming
			answer.WriteString(fragment)
			out <- Event{Type: models.EventDelta, Data: models.DeltaEvent{Text: fragment}}
			ticker.Reset(keepalive)
		}
	}
}

func errorEvent(ctx context.Context, err error) models.ErrorEvent {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.ErrorEvent{Code: CodeTimeout, Message: "generation exceeded deadline"}
	case errors.Is(err, llm.ErrUnavailable) || errors.Is(err, store.ErrProviderUnavailable):
		return models.ErrorEvent{Code: CodeUnavailable, Message: err.Error()}
	default:
		return models.ErrorEvent{Code: CodeInternal, Message: err.Error()}
	}
}

// commitTurn writes the user message and the answer as one turn, then
// records a psyche observation for the user's text. Memory failures here
// are logged, not surfaced: the user already has the answer.
func (s *Service) commitTurn(ctx context.Context, t *turn, answer string, log *logger.Logger) {
	msgs := []*models.Message{t.userMsg}
	if answer != "" {
		msgs = append(msgs, &models.Message{
			ID:      ulid.Make().String(),
			Role:    models.SpeakerAssistant,
			Content: answer,
		})
	}
	if err := s.memory.Commit(ctx, t.userID, t.sessionID, msgs); err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("turn commit failed")
	}
	if err := s.psyche.Observe(ctx, t.userID, t.userMsg.Content); err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("psyche observation failed")
	}
}

// Chat is the non-streaming mode: the same pipeline without the event
// envelope. It consumes its own stream and blocks until the terminal frame,
// so the returned answer equals the concatenation of the delta frames the
// streaming mode would have produced for the same request.
func (s *Service) Chat(ctx context.Context, userID string, req *models.ChatRequest) (*models.ChatResponse, error) {
	events, err := s.ChatStream(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	var answer strings.Builder
	var sessionID, model string
	for ev := range events {
		switch ev.Type {
		case models.EventMeta:
			meta := ev.Data.(models.MetaEvent)
			sessionID, model = meta.SessionID, meta.Model
		case models.EventDelta:
			answer.WriteString(ev.Data.(models.DeltaEvent).Text)
		case models.EventError:
			e := ev.Data.(models.ErrorEvent)
			return nil, fmt.Errorf("generation failed (%s): %s", e.Code, e.Message)
		}
	}

	return &models.ChatResponse{
		Answer:    answer.String(),
		SessionID: sessionID,
		Ts:        time.Now(),
		Metadata:  map[string]interface{}{"model": model},
	}, nil
}

// EndEpisode closes the user's open psyche episode, typically when the
// client signals the end of a conversation.
func (s *Service) EndEpisode(ctx context.Context, userID string) error {
	return s.psyche.EpisodeEnd(ctx, userID)
}
