package milvus

import (
	"Aria_AI/internal/config"
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

var (
	instance *MilvusClient
	once     sync.Once
	initErr  error
)

// MilvusClient 包含了 Milvus 客户端实例和相关配置。
// Milvus 在本服务中只承载记忆单元的嵌入向量索引：
// 主键是记忆单元的 ID（消息/事实/摘要），重复写入同一 ID 视为重建该向量。
type MilvusClient struct {
	Client client.Client        // Milvus 客户端实例。
	Config *config.MilvusConfig // Milvus 配置。
	loaded sync.Once            // 集合只需加载一次。
}

// Hit 是一次向量检索的单条命中。
type Hit struct {
	ID    string  // 记忆单元 ID
	Score float64 // 余弦相似度得分
}

// GetClient 使用单例模式创建并返回一个 Milvus 客户端实例。
func GetClient(ctx context.Context, cfg *config.MilvusConfig) (*MilvusClient, error) {
	once.Do(func() {
		// 使用配置中的地址创建 Milvus 客户端。
		c, err := client.NewClient(ctx, client.Config{Address: cfg.Address})
		if err != nil {
			initErr = fmt.Errorf("无法连接到 Milvus: %w", err)
			return
		}
		log.Println("✅ 成功连接到 Milvus!")
		instance = &MilvusClient{Client: c, Config: cfg}
	})
	return instance, initErr
}

// EnsureCollection 确保嵌入集合存在，不存在时根据配置的维度创建。
// 集合结构固定为: id (VarChar, PK), user_id (VarChar), kind (VarChar), embedding (FloatVector)。
func (c *MilvusClient) EnsureCollection(ctx context.Context, dim int) error {
	collName := c.Config.Schema.CollectionName

	has, err := c.Client.HasCollection(ctx, collName)
	if err != nil {
		return fmt.Errorf("检查集合 '%s' 是否存在失败: %w", collName, err)
	}
	if !has {
		schema := &entity.Schema{
			CollectionName: collName,
			Description:    c.Config.Schema.Description,
			Fields: []*entity.Field{
				{
					Name:       "id",
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					TypeParams: map[string]string{"max_length": "64"},
				},
				{
					Name:       "user_id",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "64"},
				},
				{
					Name:       "kind",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "16"},
				},
				{
					Name:       c.Config.Schema.VectorField,
					DataType:   entity.FieldTypeFloatVector,
					TypeParams: map[string]string{"dim": strconv.Itoa(dim)},
				},
			},
		}
		if err := c.Client.CreateCollection(ctx, schema, 1); err != nil {
			return fmt.Errorf("创建集合 '%s' 失败: %w", collName, err)
		}

		// 余弦相似度索引；nlist 使用经验默认值。
		idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
		if err != nil {
			return fmt.Errorf("构建索引参数失败: %w", err)
		}
		if err := c.Client.CreateIndex(ctx, collName, c.Config.Schema.VectorField, idx, false); err != nil {
			return fmt.Errorf("创建向量索引失败: %w", err)
		}
		log.Printf("✅ 已创建嵌入集合 '%s' (dim=%d)。", collName, dim)
	}
	return nil
}

// load 在首次检索前将集合加载进内存。
func (c *MilvusClient) load(ctx context.Context) error {
	var err error
	c.loaded.Do(func() {
		err = c.Client.LoadCollection(ctx, c.Config.Schema.CollectionName, false)
	})
	return err
}

// Upsert 写入一条嵌入向量。同一 ID 重复写入时先删除旧向量再插入，
// 这使得后台嵌入任务的重放是幂等的。
func (c *MilvusClient) Upsert(ctx context.Context, id, userID, kind string, vector []float32) error {
	collName := c.Config.Schema.CollectionName

	if err := c.Delete(ctx, id); err != nil {
		return err
	}

	idCol := entity.NewColumnVarChar("id", []string{id})
	userCol := entity.NewColumnVarChar("user_id", []string{userID})
	kindCol := entity.NewColumnVarChar("kind", []string{kind})
	vecCol := entity.NewColumnFloatVector(c.Config.Schema.VectorField, len(vector), [][]float32{vector})

	if _, err := c.Client.Insert(ctx, collName, "", idCol, userCol, kindCol, vecCol); err != nil {
		return fmt.Errorf("向 Milvus 插入向量失败: %w", err)
	}
	return nil
}

// Delete 按主键删除一条向量。ID 不存在时不报错。
func (c *MilvusClient) Delete(ctx context.Context, id string) error {
	collName := c.Config.Schema.CollectionName
	pks := entity.NewColumnVarChar("id", []string{id})
	if err := c.Client.DeleteByPks(ctx, collName, "", pks); err != nil {
		return fmt.Errorf("从 Milvus 删除向量失败: %w", err)
	}
	return nil
}

// Search 在指定用户的向量空间内执行相似度搜索，返回按得分降序的命中列表。
func (c *MilvusClient) Search(ctx context.Context, userID string, topK int, vector []float32) ([]Hit, error) {
	collName := c.Config.Schema.CollectionName

	if err := c.load(ctx); err != nil {
		return nil, fmt.Errorf("加载集合 '%s' 失败: %w", collName, err)
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(10)
	expr := fmt.Sprintf(`user_id == "%s"`, userID)
	searchVectors := []entity.Vector{entity.FloatVector(vector)}

	results, err := c.Client.Search(
		ctx,
		collName,
		nil,
		expr,
		[]string{"id"},
		searchVectors,
		c.Config.Schema.VectorField,
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("Milvus 向量检索失败: %w", err)
	}

	var hits []Hit
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			id, err := result.IDs.GetAsString(i)
			if err != nil {
				continue
			}
			hits = append(hits, Hit{ID: id, Score: float64(result.Scores[i])})
		}
	}
	return hits, nil
}

// Close 安全地关闭与 Milvus 的连接。
func (c *MilvusClient) Close() {
	if c.Client != nil {
		c.Client.Close()
		log.Println("ℹ️ 已安全关闭 Milvus 连接。")
	}
}

// HealthCheck 检查 Milvus 连接的健康状况。
func (c *MilvusClient) HealthCheck(ctx context.Context) error {
	if c.Client == nil {
		return fmt.Errorf("Milvus client is nil")
	}
	_, err := c.Client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("Milvus health check failed: %w", err)
	}
	return nil
}
