// Copyright 2026 fanjia1024
// HashiCorp Vault 后端

package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 后端配置。PathPrefix 对应配置文件里的 mount。
type VaultConfig struct {
	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	PathPrefix string `yaml:"path_prefix"`
}

// vaultStore 从 Vault 解析编排器的外部凭证。写入同时进本地缓存，
// 同进程内刚写的值不用等 Vault 读路径。
type vaultStore struct {
	client     *vault.Client
	pathPrefix string
	mu         sync.RWMutex
	cache      map[string]string
}

// NewVaultStore 连接 Vault 并校验可达性
func NewVaultStore(cfg VaultConfig) (Store, error) {
	if cfg.Address == "" {
		cfg.Address = "http://localhost:8200"
	}

	vc := vault.DefaultConfig()
	vc.Address = cfg.Address
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("vault unreachable at %s: %w", cfg.Address, err)
	}

	prefix := cfg.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &vaultStore{
		client:     client,
		pathPrefix: prefix,
		cache:      make(map[string]string),
	}, nil
}

func (s *vaultStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	if value, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return value, nil
	}
	s.mu.RUnlock()

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(key))
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", key, err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	if value, ok := secret.Data["value"].(string); ok {
		return value, nil
	}
	for _, raw := range secret.Data {
		if value, ok := raw.(string); ok {
			return value, nil
		}
	}
	return "", fmt.Errorf("secret has no string value: %s", key)
}

func (s *vaultStore) Set(ctx context.Context, key string, value string) error {
	_, err := s.client.Logical().WriteWithContext(ctx, s.secretPath(key), map[string]interface{}{
		"value": value,
	})
	if err != nil {
		return fmt.Errorf("write secret %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

func (s *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Logical().DeleteWithContext(ctx, s.secretPath(key)); err != nil {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

func (s *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	listPath := s.pathPrefix
	if prefix != "" {
		listPath = fmt.Sprintf("%s/metadata/%s", s.pathPrefix, prefix)
	}
	secret, err := s.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("list secrets under %s: %w", prefix, err)
	}
	if secret == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var keys []string
	for _, item := range raw {
		name, ok := item.(string)
		if !ok {
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			name = fmt.Sprintf("%s/%s", prefix, name)
		}
		keys = append(keys, name)
	}
	return keys, nil
}

func (s *vaultStore) secretPath(key string) string {
	return fmt.Sprintf("%s/%s", s.pathPrefix, key)
}
