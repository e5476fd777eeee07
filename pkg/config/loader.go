package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	baseFile    = "base.yaml"
	secretsFile = "secrets.env"
)

// ${NAME} 或 ${NAME:-default}
var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadConfig 按 base.yaml → <env>.yaml 的顺序合并配置，再解析 ${VAR} 占位符。
// 占位符取值顺序：进程环境变量（非空）、secrets.env、占位符内的默认值；都没有时原样保留。
func LoadConfig(env string, configDir string) (map[string]any, error) {
	if configDir == "" {
		configDir = "config"
	}

	merged, err := loadYAMLFile(filepath.Join(configDir, baseFile))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", baseFile, err)
	}

	if env != "" && env != "base" {
		overlay, err := loadYAMLFile(filepath.Join(configDir, env+".yaml"))
		switch {
		case err == nil:
			merged = mergeMaps(merged, overlay)
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("load %s.yaml: %w", env, err)
		}
	}

	secrets, err := loadEnvFile(filepath.Join(configDir, secretsFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", secretsFile, err)
	}

	lookup := func(name string) (string, bool) {
		if v := os.Getenv(name); v != "" {
			return v, true
		}
		v, ok := secrets[name]
		return v, ok
	}
	return expand(merged, lookup), nil
}

// Decode 将合并后的配置解码到结构体
func Decode(merged map[string]any, out any) error {
	data, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func loadYAMLFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

// loadEnvFile 解析 KEY=VALUE 行，忽略空行与 # 注释，去掉值两侧的引号
func loadEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		vars[strings.TrimSpace(key)] = value
	}
	return vars, nil
}

// mergeMaps 返回合并结果，嵌套 map 递归合并，其余值由 src 覆盖
func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if dm, ok := out[k].(map[string]any); ok {
			if sm, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(dm, sm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func expand(node map[string]any, lookup func(string) (string, bool)) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		out[k] = expandValue(v, lookup)
	}
	return out
}

func expandValue(v any, lookup func(string) (string, bool)) any {
	switch val := v.(type) {
	case string:
		return expandString(val, lookup)
	case map[string]any:
		return expand(val, lookup)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item, lookup)
		}
		return out
	}
	return v
}

func expandString(s string, lookup func(string) (string, bool)) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		if v, ok := lookup(parts[1]); ok {
			return v
		}
		if strings.Contains(m, ":-") {
			return parts[2]
		}
		return m
	})
}

// GetEnv 读取环境变量，未设置时返回默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetConfigEnv 配置环境名，取自 CONFIG_ENV，默认 local
func GetConfigEnv() string {
	return GetEnv("CONFIG_ENV", "local")
}
