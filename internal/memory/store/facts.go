package store

import (
	"Aria_AI/internal/models"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

// ScoredFact 是一条带词法匹配得分的事实。
// 得分来自 MySQL 的 MATCH...AGAINST 自然语言模式，未归一化。
type ScoredFact struct {
	models.Fact
	Score float64 `gorm:"column:score"`
}

// ScoredSummary 是一条带词法匹配得分的 LTM 摘要，与 ScoredFact 对应。
type ScoredSummary struct {
	models.LongTermMemorySummary
	Score float64 `gorm:"column:score"`
}

// searchableTags 把标签 JSON 摊平成空格分隔的文本，供全文索引使用。
// 非字符串数组的内容按原文剥去 JSON 标点后兜底收录。
func searchableTags(tags datatypes.JSON) string {
	if len(tags) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(tags, &list); err == nil {
		return strings.Join(list, " ")
	}
	return strings.Trim(strings.NewReplacer(`"`, " ", "[", " ", "]", " ", ",", " ", "{", " ", "}", " ", ":", " ").Replace(string(tags)), " ")
}

// --- LTM 摘要 ---

// PutSummary 追加一条长期记忆摘要。
// 摘要 ID 由触发方确定性生成（会话 ID + 截止序号），
// 后台任务重放时的重复写入返回 ErrConstraint，调用方视为已完成。
func (s *SQLStore) PutSummary(ctx context.Context, sum *models.LongTermMemorySummary) error {
	if err := s.DB.WithContext(ctx).Create(sum).Error; err != nil {
		return translate(err)
	}
	return nil
}

// SearchSummaries 对用户的 LTM 摘要做全文检索，按相关度降序。
// 与 SearchFacts 对称：召回在词法通道上同时覆盖事实与摘要，
// 嵌入通道不可用时摘要层不会从召回中消失。
func (s *SQLStore) SearchSummaries(ctx context.Context, userID, query string, limit int) ([]ScoredSummary, error) {
	var out []ScoredSummary
	err := s.DB.WithContext(ctx).Raw(`
		SELECT *, MATCH(summary, detail) AGAINST (? IN NATURAL LANGUAGE MODE) AS score
		FROM long_term_memory_summaries
		WHERE user_id = ?
		  AND MATCH(summary, detail) AGAINST (? IN NATURAL LANGUAGE MODE)
		ORDER BY score DESC
		LIMIT ?`,
		query, userID, query, limit,
	).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("全文检索摘要失败: %w", err)
	}
	return out, nil
}

// SummariesByIDs 按 ID 批量取回摘要（向量命中后的回表查询）。
func (s *SQLStore) SummariesByIDs(ctx context.Context, ids []string) ([]models.LongTermMemorySummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.LongTermMemorySummary
	err := s.DB.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("按 ID 查询摘要失败: %w", err)
	}
	return out, nil
}

// TrimSummaries 按数量与时间清理用户的摘要，返回删除的行数。
// 这是策略性的 reaper，不影响只追加的不变量。
func (s *SQLStore) TrimSummaries(ctx context.Context, userID string, maxCount int, before time.Time) (int64, error) {
	var deleted int64

	if !before.IsZero() {
		res := s.DB.WithContext(ctx).
			Where("user_id = ? AND created_at < ?", userID, before).
			Delete(&models.LongTermMemorySummary{})
		if res.Error != nil {
			return deleted, fmt.Errorf("按时间清理摘要失败: %w", res.Error)
		}
		deleted += res.RowsAffected
	}

	if maxCount > 0 {
		// 保留最近 maxCount 条，其余删除。
		var ids []string
		err := s.DB.WithContext(ctx).
			Model(&models.LongTermMemorySummary{}).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Offset(maxCount).
			Pluck("id", &ids).Error
		if err != nil {
			return deleted, fmt.Errorf("查询超额摘要失败: %w", err)
		}
		if len(ids) > 0 {
			res := s.DB.WithContext(ctx).
				Where("id IN ?", ids).
				Delete(&models.LongTermMemorySummary{})
			if res.Error != nil {
				return deleted, fmt.Errorf("按数量清理摘要失败: %w", res.Error)
			}
			deleted += res.RowsAffected
		}
	}

	return deleted, nil
}

// DistinctSummaryUsers 返回至少拥有一条摘要的用户 ID 列表（reaper 的遍历入口）。
func (s *SQLStore) DistinctSummaryUsers(ctx context.Context) ([]string, error) {
	var out []string
	err := s.DB.WithContext(ctx).
		Model(&models.LongTermMemorySummary{}).
		Distinct("user_id").
		Pluck("user_id", &out).Error
	if err != nil {
		return nil, fmt.Errorf("查询摘要用户列表失败: %w", err)
	}
	return out, nil
}

// --- 元事实 ---

// UpsertMetaFact 写入或覆盖一条 (user, key) 元事实。
// 重复键按 upsert 处理：覆盖值与置信度并刷新时间戳，保证恰好一行。
func (s *SQLStore) UpsertMetaFact(ctx context.Context, f *models.MetaFact) error {
	f.UpdatedAt = time.Now()
	err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "fact_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "confidence", "updated_at"}),
		}).
		Create(f).Error
	if err != nil {
		return fmt.Errorf("写入元事实失败: %w", err)
	}
	return nil
}

// ListMetaFacts 返回用户的全部元事实。
func (s *SQLStore) ListMetaFacts(ctx context.Context, userID string) ([]models.MetaFact, error) {
	var out []models.MetaFact
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询元事实失败: %w", err)
	}
	return out, nil
}

// --- 事实 ---

// PutFact 写入一条事实。重复 ID 返回 ErrConstraint。
// TagsText 在这里从 Tags 派生，保证全文索引始终覆盖标签词。
func (s *SQLStore) PutFact(ctx context.Context, f *models.Fact) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	f.TagsText = searchableTags(f.Tags)
	if err := s.DB.WithContext(ctx).Create(f).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetFact 通过 ID 查找事实（含已软删除的）。
func (s *SQLStore) GetFact(ctx context.Context, id string) (*models.Fact, error) {
	var f models.Fact
	if err := s.DB.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

// SoftDeleteFact 将事实标记为已删除。行保留，嵌入索引不动；
// 所有检索路径在查询时过滤 deleted 标记，被遗忘的事实不会经由向量检索复活。
func (s *SQLStore) SoftDeleteFact(ctx context.Context, id string) error {
	res := s.DB.WithContext(ctx).
		Model(&models.Fact{}).
		Where("id = ?", id).
		Update("deleted", true)
	if res.Error != nil {
		return fmt.Errorf("软删除事实失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchFacts 对用户的未删除事实做全文检索，按相关度降序。
func (s *SQLStore) SearchFacts(ctx context.Context, userID, query string, limit int) ([]ScoredFact, error) {
	var out []ScoredFact
	err := s.DB.WithContext(ctx).Raw(`
		SELECT *, MATCH(content, tags_text) AGAINST (? IN NATURAL LANGUAGE MODE) AS score
		FROM facts
		WHERE user_id = ? AND deleted = 0
		  AND MATCH(content, tags_text) AGAINST (? IN NATURAL LANGUAGE MODE)
		ORDER BY score DESC
		LIMIT ?`,
		query, userID, query, limit,
	).Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("全文检索事实失败: %w", err)
	}
	return out, nil
}

// FactsByIDs 按 ID 批量取回事实，已软删除的被过滤掉。
func (s *SQLStore) FactsByIDs(ctx context.Context, ids []string) ([]models.Fact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.Fact
	err := s.DB.WithContext(ctx).
		Where("id IN ? AND deleted = 0", ids).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("按 ID 查询事实失败: %w", err)
	}
	return out, nil
}

// --- 嵌入记录 ---

// PutEmbeddingRecord 记录某个记忆单元已生成嵌入。
// MemoryID 是主键兼幂等键：后台任务重放时重复插入返回 ErrConstraint，
// 消费端视为已完成。
func (s *SQLStore) PutEmbeddingRecord(ctx context.Context, r *models.EmbeddingRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if err := s.DB.WithContext(ctx).Create(r).Error; err != nil {
		return translate(err)
	}
	return nil
}
