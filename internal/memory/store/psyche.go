package store

import (
	"Aria_AI/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// GetPsycheState 返回单例的情感状态行，不存在时先以默认值创建。
func (s *SQLStore) GetPsycheState(ctx context.Context) (*models.PsycheState, error) {
	var st models.PsycheState
	err := s.DB.WithContext(ctx).First(&st, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		st = models.DefaultPsycheState()
		if err := s.DB.WithContext(ctx).Create(&st).Error; err != nil {
			// 并发初始化时另一个写入者可能已抢先创建。
			if errors.Is(translate(err), ErrConstraint) {
				if err := s.DB.WithContext(ctx).First(&st, "id = ?", 1).Error; err != nil {
					return nil, fmt.Errorf("读取情感状态失败: %w", err)
				}
				return &st, nil
			}
			return nil, fmt.Errorf("初始化情感状态失败: %w", err)
		}
		return &st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取情感状态失败: %w", err)
	}
	return &st, nil
}

// CASUpdatePsycheState 以比较并交换的方式更新单例行。
// 只有当行上的版本号与读取时一致才会写入；否则返回 ErrConflict，
// 调用方重读后重试。并发 Observe 因此不会互相覆盖。
func (s *SQLStore) CASUpdatePsycheState(ctx context.Context, st *models.PsycheState) error {
	oldVersion := st.Version
	st.Version = oldVersion + 1
	st.UpdatedAt = time.Now()

	res := s.DB.WithContext(ctx).
		Model(&models.PsycheState{}).
		Where("id = ? AND version = ?", 1, oldVersion).
		Updates(map[string]interface{}{
			"mood":              st.Mood,
			"energy":            st.Energy,
			"focus":             st.Focus,
			"openness":          st.Openness,
			"directness":        st.Directness,
			"agreeableness":     st.Agreeableness,
			"conscientiousness": st.Conscientiousness,
			"neuroticism":       st.Neuroticism,
			"style":             st.Style,
			"episode_user_id":   st.EpisodeUserID,
			"obs_count":         st.ObsCount,
			"valence_sum":       st.ValenceSum,
			"intensity_sum":     st.IntensitySum,
			"last_observed_at":  st.LastObservedAt,
			"version":           st.Version,
			"updated_at":        st.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("更新情感状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// AppendEpisode 写入一条只追加的片段记录。
func (s *SQLStore) AppendEpisode(ctx context.Context, e *models.PsycheEpisode) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := s.DB.WithContext(ctx).Create(e).Error; err != nil {
		return translate(err)
	}
	return nil
}

// ListEpisodes 返回用户最近的 limit 条片段记录，按时间降序。
func (s *SQLStore) ListEpisodes(ctx context.Context, userID string, limit int) ([]models.PsycheEpisode, error) {
	var out []models.PsycheEpisode
	err := s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询片段记录失败: %w", err)
	}
	return out, nil
}
