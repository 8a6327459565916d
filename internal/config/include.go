package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// includeChain 返回 path 展开 include 后的文件列表，被包含的文件排在包含者之前，
// 后合并的文件覆盖先合并的同名键。include 支持相对路径与 glob。
func includeChain(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &includeWalker{done: map[string]bool{}, active: map[string]bool{}}
	if err := w.visit(abs); err != nil {
		return nil, err
	}
	return w.files, nil
}

type includeWalker struct {
	done   map[string]bool
	active map[string]bool
	files  []string
}

func (w *includeWalker) visit(path string) error {
	path = filepath.Clean(path)
	switch {
	case w.active[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case w.done[path]:
		return nil
	}
	w.active[path] = true
	entries, err := readIncludes(path)
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, entry := range entries {
		matches, err := expandInclude(filepath.Dir(path), entry)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := w.visit(m); err != nil {
				return err
			}
		}
	}
	delete(w.active, path)
	w.done[path] = true
	w.files = append(w.files, path)
	return nil
}

func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok {
		raw = []string{s}
	}
	list, err := cast.ToStringSliceE(raw)
	if err != nil {
		return nil, fmt.Errorf("include must be a string array")
	}
	out := list[:0]
	for _, item := range list {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// expandInclude 解析相对 dir 的 include 项；glob 没有匹配时返回空，普通路径原样返回以便报告缺失。
func expandInclude(dir, entry string) ([]string, error) {
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(dir, entry)
	}
	if !strings.ContainsAny(entry, "*?[") {
		return []string{entry}, nil
	}
	matches, err := filepath.Glob(entry)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern %q: %w", entry, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// settingKeys 收集配置中出现过的全部叶子键（小写点分路径），列表本身也记为已设置。
func settingKeys(settings map[string]any) keySet {
	keys := make(keySet)
	var walk func(prefix string, node any)
	walk = func(prefix string, node any) {
		switch val := node.(type) {
		case map[string]any, map[any]any:
			for k, child := range cast.ToStringMap(val) {
				k = strings.ToLower(strings.TrimSpace(k))
				if k == "" {
					continue
				}
				if prefix != "" {
					k = prefix + "." + k
				}
				walk(k, child)
			}
		case []any:
			keys.mark(prefix)
			for _, item := range val {
				walk(prefix, item)
			}
		default:
			keys.mark(prefix)
		}
	}
	walk("", settings)
	return keys
}
