package psyche

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Aria_AI/internal/config"
	"Aria_AI/internal/memory/store"
	"Aria_AI/internal/models"
	"Aria_AI/pkg/logger"

	"github.com/oklog/ulid/v2"
)

// Bounds per state dimension. Mood is bipolar, everything else unipolar.
const (
	moodMin = -1.0
	moodMax = 1.0
	dimMin  = 0.0
	dimMax  = 1.0
)

// How many times an Observe/EpisodeEnd retries a CAS update before giving
// up. Conflicts only happen when two observations land at the same instant,
// so a handful of retries is plenty.
const maxCASRetries = 5

// Machine is the affective state machine. It holds no state of its own:
// the singleton PsycheState row carries both the state vector and the
// accumulators of the currently open episode, so an open episode survives
// a process restart. All mutation goes through read / compute / CAS-update,
// retried on version conflict.
type Machine struct {
	cfg      *config.PsycheConfig
	store    store.PsycheStore
	memories store.MemoryStore // optional, receives episode summaries
	log      *logger.Logger
}

// New wires a Machine. memories may be nil, in which case closed episodes
// are recorded but not summarized into long-term memory.
func New(cfg *config.PsycheConfig, st store.PsycheStore, memories store.MemoryStore) *Machine {
	return &Machine{
		cfg:      cfg,
		store:    st,
		memories: memories,
		log:      logger.New("psyche", "", ""),
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Snapshot returns the current state vector.
func (m *Machine) Snapshot(ctx context.Context) (*models.PsycheState, error) {
	return m.store.GetPsycheState(ctx)
}

// Episodes returns the user's most recent closed episodes, newest first.
func (m *Machine) Episodes(ctx context.Context, userID string, limit int) ([]models.PsycheEpisode, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: episodes require a user", store.ErrValidation)
	}
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListEpisodes(ctx, userID, limit)
}

// Observe folds one message into the state vector. Deltas come from the
// sentiment heuristic and are applied as a bounded EMA step:
// new = clamp(old + alpha*delta, min, max), so no sequence of observations
// can push a dimension outside its bounds. The observation also accumulates
// into the open episode; an episode left idle past the configured window,
// or belonging to a different user, is closed first.
func (m *Machine) Observe(ctx context.Context, userID, text string) error {
	if userID == "" {
		return fmt.Errorf("%w: observe requires a user", store.ErrValidation)
	}
	valence, intensity := analyze(text)
	alpha := m.cfg.Alpha
	idle := time.Duration(m.cfg.EpisodeIdleMinutes) * time.Minute

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		st, err := m.store.GetPsycheState(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		stale := st.ObsCount > 0 && now.Sub(st.LastObservedAt) > idle
		if st.EpisodeUserID != "" && (st.EpisodeUserID != userID || stale) {
			if err := m.closeEpisode(ctx, st); err != nil {
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				return err
			}
			// closeEpisode committed a new version; re-read.
			continue
		}

		st.Mood = clamp(st.Mood+alpha*valence, moodMin, moodMax)
		st.Energy = clamp(st.Energy+alpha*(intensity-0.4), dimMin, dimMax)
		st.Focus = clamp(st.Focus+alpha*(0.4-intensity)*0.5, dimMin, dimMax)
		st.Neuroticism = clamp(st.Neuroticism+alpha*0.25*negativePart(valence)*intensity, dimMin, dimMax)
		st.Style = styleFor(st)

		st.EpisodeUserID = userID
		st.ObsCount++
		st.ValenceSum += valence
		st.IntensitySum += intensity
		st.LastObservedAt = now

		err = m.store.CASUpdatePsycheState(ctx, st)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("observe: %w after %d attempts", store.ErrConflict, maxCASRetries)
}

func negativePart(valence float64) float64 {
	if valence < 0 {
		return -valence
	}
	return 0
}

// styleFor maps the continuous state onto a coarse style label used by the
// response engine when shaping answers.
func styleFor(st *models.PsycheState) string {
	switch {
	case st.Mood > 0.35 && st.Energy > 0.55:
		return "upbeat"
	case st.Mood < -0.35:
		return "subdued"
	case st.Energy < 0.3:
		return "calm"
	default:
		return "neutral"
	}
}

// EpisodeEnd closes the open episode for the user: one PsycheEpisode row
// with the aggregate valence/intensity of the accumulated observations,
// plus an optional long-term memory note. A call with no open episode for
// that user is a no-op, not an error.
func (m *Machine) EpisodeEnd(ctx context.Context, userID string) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		st, err := m.store.GetPsycheState(ctx)
		if err != nil {
			return err
		}
		if st.EpisodeUserID != userID || st.ObsCount == 0 {
			return nil
		}
		err = m.closeEpisode(ctx, st)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("episode end: %w after %d attempts", store.ErrConflict, maxCASRetries)
}

// closeEpisode clears the accumulators under CAS, then records the episode.
// Clearing first means exactly one caller wins a concurrent close; the
// episode row is written only by the winner.
func (m *Machine) closeEpisode(ctx context.Context, st *models.PsycheState) error {
	userID := st.EpisodeUserID
	count := st.ObsCount
	valence := st.ValenceSum / float64(count)
	intensity := st.IntensitySum / float64(count)

	st.EpisodeUserID = ""
	st.ObsCount = 0
	st.ValenceSum = 0
	st.IntensitySum = 0
	if err := m.store.CASUpdatePsycheState(ctx, st); err != nil {
		return err
	}

	ep := &models.PsycheEpisode{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Kind:      "conversation",
		Valence:   valence,
		Intensity: intensity,
		Note:      fmt.Sprintf("episode of %d observations, avg valence %.2f, avg intensity %.2f", count, valence, intensity),
		CreatedAt: time.Now(),
	}
	if err := m.store.AppendEpisode(ctx, ep); err != nil {
		return fmt.Errorf("recording episode: %w", err)
	}

	if m.memories != nil && count >= 3 {
		sum := &models.LongTermMemorySummary{
			ID:        "episode-" + ep.ID,
			UserID:    userID,
			Summary:   episodeSummary(valence, intensity),
			CreatedAt: time.Now(),
		}
		if err := m.memories.PutSummary(ctx, sum); err != nil && !errors.Is(err, store.ErrConstraint) {
			m.log.WithUser(userID).WithError(models.ErrorInfo{Message: err.Error()}).Warn("episode summary write failed")
		}
	}
	m.log.WithUser(userID).WithPayload(map[string]interface{}{
		"observations": count,
		"valence":      valence,
		"intensity":    intensity,
	}).Info("psyche episode closed")
	return nil
}

func episodeSummary(valence, intensity float64) string {
	tone := "a neutral"
	switch {
	case valence > 0.3:
		tone = "a positive"
	case valence < -0.3:
		tone = "a tense"
	}
	pace := "relaxed"
	if intensity > 0.5 {
		pace = "animated"
	}
	return fmt.Sprintf("The last conversation had %s, %s tone.", tone, pace)
}

// Reset restores the state vector to its documented defaults. Episode
// history is kept; only the mutable singleton row changes.
func (m *Machine) Reset(ctx context.Context) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		st, err := m.store.GetPsycheState(ctx)
		if err != nil {
			return err
		}
		def := models.DefaultPsycheState()
		def.Version = st.Version
		err = m.store.CASUpdatePsycheState(ctx, &def)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("reset: %w after %d attempts", store.ErrConflict, maxCASRetries)
}
