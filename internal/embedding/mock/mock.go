// Package mock 提供一个确定性的 Embedding 实现，用于测试。
// 同一文本总是得到同一向量；可以通过 Fail 开关模拟 provider 不可用，
// 以便测试召回路径的退化行为。
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
)

// Embedder 是确定性的测试用 Embedding 实现。
type Embedder struct {
	Dim  int  // 生成向量的维度，默认 8
	Fail bool // 为 true 时所有调用返回错误
}

// Embed 从文本的哈希派生一个单位向量。
func (m *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.Fail {
		return nil, fmt.Errorf("mock embedder unavailable")
	}
	dim := m.Dim
	if dim <= 0 {
		dim = 8
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

// EmbedBatch 逐个调用 Embed。
func (m *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
