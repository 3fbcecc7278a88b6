package models

import (
	"time"

	"gorm.io/datatypes"
)

// PsycheState 是进程内唯一的一行可变情感/人格状态。
// 它被建模为带受控访问器的显式实体而不是全局可变状态：
// 所有修改都走"读取-计算-CAS 更新"，Version 不匹配时重试，
// 因此并发 Observe 不会丢失更新。
//
// 各维度的取值范围: Mood ∈ [-1,1]，其余维度 ∈ [0,1]。
// 开放片段的观察累计值（ObsCount/ValenceSum/IntensitySum）也存放在这一行里，
// 这样状态机本身保持无状态，进程重启不会丢失未关闭的片段。
type PsycheState struct {
	ID                uint      `gorm:"primaryKey" json:"-"` // 恒为 1，单例行
	Mood              float64   `json:"mood"`
	Energy            float64   `json:"energy"`
	Focus             float64   `json:"focus"`
	Openness          float64   `json:"openness"`
	Directness        float64   `json:"directness"`
	Agreeableness     float64   `json:"agreeableness"`
	Conscientiousness float64   `json:"conscientiousness"`
	Neuroticism       float64   `json:"neuroticism"`
	Style             string    `gorm:"size:32" json:"style"`
	EpisodeUserID     string    `gorm:"size:64" json:"-"` // 当前开放片段所属用户，空串表示无开放片段
	ObsCount          int64     `json:"-"`
	ValenceSum        float64   `json:"-"`
	IntensitySum      float64   `json:"-"`
	LastObservedAt    time.Time `json:"-"`
	Version           int64     `gorm:"not null;default:0" json:"-"` // CAS 版本号
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultPsycheState 返回文档化的默认状态向量。Reset 恢复到这里的取值。
func DefaultPsycheState() PsycheState {
	return PsycheState{
		ID:                1,
		Mood:              0,
		Energy:            0.6,
		Focus:             0.6,
		Openness:          0.55,
		Directness:        0.62,
		Agreeableness:     0.55,
		Conscientiousness: 0.63,
		Neuroticism:       0.44,
		Style:             "neutral",
	}
}

// PsycheEpisode 是片段关闭时写入的只追加记录，此后不可变。
type PsycheEpisode struct {
	ID        string         `gorm:"primaryKey;size:64" json:"id"`
	UserID    string         `gorm:"index:idx_episodes_user;size:64;not null" json:"user_id"`
	Kind      string         `gorm:"size:32" json:"kind"`
	Valence   float64        `json:"valence"`
	Intensity float64        `json:"intensity"`
	Tags      datatypes.JSON `json:"tags,omitempty"`
	Note      string         `gorm:"type:text" json:"note,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
