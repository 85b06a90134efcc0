// Copyright 2026 fanjia1024
// 进程环境变量后端：编排器默认的凭证来源

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envStore 直接读写进程环境。issue tracker token、vault token 等
// 凭证按 DOME_* 约定的变量名解析，不落盘。
type envStore struct{}

// NewEnvStore 环境变量后端
func NewEnvStore() Store {
	return &envStore{}
}

func (s *envStore) Get(ctx context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", fmt.Errorf("environment variable not set: %s", key)
	}
	return value, nil
}

func (s *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(key, value)
}

func (s *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(key)
}

func (s *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for _, entry := range os.Environ() {
		name, _, ok := strings.Cut(entry, "=")
		if ok && strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
