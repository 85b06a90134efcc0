// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"fmt"
)

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出所有 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config secrets 后端选择。编排器用它解析 issue tracker token 等外部凭证。
type Config struct {
	Backend string      `yaml:"backend"` // env | vault | memory
	Vault   VaultConfig `yaml:"vault"`
}

// NewStore 按后端构造 Store；空后端默认走环境变量
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "env", "":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(cfg.Vault)
	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", cfg.Backend)
	}
}
