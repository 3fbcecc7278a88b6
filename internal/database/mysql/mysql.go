package mysql

import (
	"Aria_AI/internal/config"
	"Aria_AI/internal/models"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var (
	dbInstance *gorm.DB
	once       sync.Once
	initErr    error
)

// GetDB 使用单例模式初始化并返回一个 GORM 数据库实例。
// 它确保数据库连接在整个应用生命周期中只被建立一次，
// 并在首次连接时完成记忆相关表的迁移。
func GetDB(cfg *config.MySQLConfig) (*gorm.DB, error) {
	once.Do(func() {
		// 构建 DSN (Data Source Name) 字符串。
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.Username,
			cfg.Password,
			cfg.Address,
			cfg.Database,
		)

		// 使用 GORM 连接到 MySQL 数据库。
		// TranslateError 让重复主键等驱动错误映射为 gorm.ErrDuplicatedKey，
		// 存储层据此区分 ConstraintError 与其它写入失败。
		db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
		if err != nil {
			initErr = fmt.Errorf("无法连接到 MySQL: %w", err)
			return
		}

		// 获取底层 *sql.DB 实例，以便进行连接池配置。
		sqlDB, err := db.DB()
		if err != nil {
			initErr = fmt.Errorf("无法获取底层 SQL DB 实例: %w", err)
			return
		}

		// 配置连接池参数。
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

		if err := migrate(db); err != nil {
			initErr = fmt.Errorf("记忆表迁移失败: %w", err)
			return
		}

		log.Println("✅ 成功连接到 MySQL!")
		dbInstance = db
	})

	return dbInstance, initErr
}

// migrate 创建/更新记忆子系统的全部持久化表，
// 并为 facts 与 LTM 摘要表补充 MATCH...AGAINST 所需的全文索引。
func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Session{},
		&models.Message{},
		&models.LongTermMemorySummary{},
		&models.MetaFact{},
		&models.Fact{},
		&models.EmbeddingRecord{},
		&models.PsycheState{},
		&models.PsycheEpisode{},
	); err != nil {
		return err
	}

	// AutoMigrate 不支持 FULLTEXT，全文索引用原生 DDL 补充。
	// ngram parser 让中英文混合的内容都可以被词法检索。
	// facts 的索引同时覆盖 content 与 tags_text（Tags 的反规范化副本），
	// 按标签词检索也能命中。
	if !db.Migrator().HasIndex(&models.Fact{}, "idx_facts_fulltext") {
		if err := db.Exec(
			"CREATE FULLTEXT INDEX idx_facts_fulltext ON facts(content, tags_text) WITH PARSER ngram",
		).Error; err != nil {
			return fmt.Errorf("创建事实全文索引失败: %w", err)
		}
	}
	if !db.Migrator().HasIndex(&models.LongTermMemorySummary{}, "idx_ltm_fulltext") {
		if err := db.Exec(
			"CREATE FULLTEXT INDEX idx_ltm_fulltext ON long_term_memory_summaries(summary, detail) WITH PARSER ngram",
		).Error; err != nil {
			return fmt.Errorf("创建摘要全文索引失败: %w", err)
		}
	}
	return nil
}

// Close 安全地关闭单例的数据库连接。
func Close() error {
	if dbInstance != nil {
		sqlDB, err := dbInstance.DB()
		if err != nil {
			return fmt.Errorf("❌ 获取底层 SQL DB 实例失败: %w", err)
		}
		return sqlDB.Close()
	}
	return nil
}

// HealthCheck 检查数据库连接的健康状况。
func HealthCheck(ctx context.Context) error {
	if dbInstance == nil {
		return fmt.Errorf("数据库连接未初始化")
	}
	// 获取底层 *sql.DB 实例。
	sqlDB, err := dbInstance.DB()
	if err != nil {
		return fmt.Errorf("无法获取底层 SQL DB 实例进行健康检查: %w", err)
	}
	// Ping 数据库以检查连接性。
	return sqlDB.PingContext(ctx)
}
