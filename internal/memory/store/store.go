package store

import (
	"Aria_AI/internal/models"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionStore 是会话与消息两张表的访问契约。
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, m *models.Message) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int64, error)
}

// MemoryStore 是长期记忆各层（摘要/元事实/事实/嵌入记录）的访问契约。
type MemoryStore interface {
	PutSummary(ctx context.Context, s *models.LongTermMemorySummary) error
	SearchSummaries(ctx context.Context, userID, query string, limit int) ([]ScoredSummary, error)
	SummariesByIDs(ctx context.Context, ids []string) ([]models.LongTermMemorySummary, error)
	TrimSummaries(ctx context.Context, userID string, maxCount int, before time.Time) (int64, error)
	DistinctSummaryUsers(ctx context.Context) ([]string, error)

	UpsertMetaFact(ctx context.Context, f *models.MetaFact) error
	ListMetaFacts(ctx context.Context, userID string) ([]models.MetaFact, error)

	PutFact(ctx context.Context, f *models.Fact) error
	GetFact(ctx context.Context, id string) (*models.Fact, error)
	SoftDeleteFact(ctx context.Context, id string) error
	SearchFacts(ctx context.Context, userID, query string, limit int) ([]ScoredFact, error)
	FactsByIDs(ctx context.Context, ids []string) ([]models.Fact, error)

	PutEmbeddingRecord(ctx context.Context, r *models.EmbeddingRecord) error
}

// PsycheStore 是情感状态单例行与片段记录的访问契约。
type PsycheStore interface {
	GetPsycheState(ctx context.Context) (*models.PsycheState, error)
	CASUpdatePsycheState(ctx context.Context, s *models.PsycheState) error
	AppendEpisode(ctx context.Context, e *models.PsycheEpisode) error
	ListEpisodes(ctx context.Context, userID string, limit int) ([]models.PsycheEpisode, error)
}

// SQLStore 基于 GORM/MySQL 实现上述全部契约。
// 所有写入都是单行事务；唯一的多行事务是消息追加（锁会话行以串行化序号分配）
// 和会话删除（级联清理消息）。
type SQLStore struct {
	DB *gorm.DB
}

// NewSQLStore 创建一个 SQLStore。
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{DB: db}
}

// translate 把 GORM 错误映射到存储层的错误分类。
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConstraint
	default:
		return err
	}
}

// --- Sessions ---

// CreateSession 创建一个新会话。零消息的会话是合法状态。
func (s *SQLStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if err := s.DB.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("创建会话失败: %w", translate(err))
	}
	return nil
}

// GetSession 通过 ID 查找会话。
func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.DB.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

// ListSessions 返回用户的会话列表，按最近更新时间降序。
func (s *SQLStore) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	var out []models.SessionSummary
	err := s.DB.WithContext(ctx).
		Model(&models.Session{}).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询会话列表失败: %w", err)
	}
	return out, nil
}

// RenameSession 更新会话标题。
func (s *SQLStore) RenameSession(ctx context.Context, id, title string) error {
	res := s.DB.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Update("title", title)
	if res.Error != nil {
		return fmt.Errorf("重命名会话失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession 删除会话并级联删除其全部消息。
func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Session{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("删除会话失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		// 外键级联在部分部署里未启用，显式清理一次是幂等的。
		if err := tx.Delete(&models.Message{}, "session_id = ?", id).Error; err != nil {
			return fmt.Errorf("删除会话消息失败: %w", err)
		}
		return nil
	})
}

// --- Messages ---

// AppendMessage 向会话追加一条消息，并在同一事务内分配单调递增的序号。
// 会话行上的行锁串行化了并发追加：序号由写入顺序决定，不受墙钟偏移影响。
// 消息 ID 由调用方生成并充当幂等键，重复写入返回 ErrConstraint，
// 事务回滚后会话保持原样（不会出现半写入的消息）。
func (s *SQLStore) AppendMessage(ctx context.Context, m *models.Message) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&sess, "id = ?", m.SessionID).Error; err != nil {
			return translate(err)
		}

		var maxSeq sql.NullInt64
		if err := tx.Model(&models.Message{}).
			Where("session_id = ?", m.SessionID).
			Select("MAX(seq)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("读取最大序号失败: %w", err)
		}
		m.Seq = maxSeq.Int64 + 1
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}

		if err := tx.Create(m).Error; err != nil {
			return translate(err)
		}

		// 会话的 updated_at 驱动列表排序。
		return tx.Model(&sess).Update("updated_at", time.Now()).Error
	})
}

// GetMessages 返回会话中最近 limit 条消息，按序号升序（时间顺序）。
// 会话不存在时返回 ErrNotFound。
func (s *SQLStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var msgs []models.Message
	err := s.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("查询消息失败: %w", err)
	}

	// 倒序取最近的，再翻转成时间顺序。
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CountMessages 返回会话中的消息总数。
func (s *SQLStore) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).
		Model(&models.Message{}).
		Where("session_id = ?", sessionID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("统计消息数失败: %w", err)
	}
	return n, nil
}
