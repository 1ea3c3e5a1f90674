package agent

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed playbooks.yaml
var builtinCatalog []byte

// Catalog 保存每个角色的剧本，供模拟智能体生成回复、供大模型智能体作为知识补充。
type Catalog struct {
	Roles map[string]RoleProfile `yaml:"roles"`
}

// RoleProfile 描述一个角色。
type RoleProfile struct {
	Description string     `yaml:"description"`
	Steps       []string   `yaml:"steps"`
	Playbooks   []Playbook `yaml:"playbooks"`
	Fallback    string     `yaml:"fallback"`
}

// Playbook 是按关键词命中的一段预设回复。
type Playbook struct {
	Title    string   `yaml:"title"`
	Keywords []string `yaml:"keywords"`
	Tags     []string `yaml:"tags"`
	Response string   `yaml:"response"`
}

// DefaultCatalog 返回内置剧本。
func DefaultCatalog() *Catalog {
	catalog, err := ParseCatalog(builtinCatalog)
	if err != nil {
		panic(fmt.Sprintf("内置剧本无效: %v", err))
	}
	return catalog
}

// LoadCatalog 从 YAML 文件加载剧本。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("剧本文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析剧本路径失败: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取剧本文件失败: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog 解析 YAML 剧本，角色名统一转为小写。
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw Catalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析剧本失败: %w", err)
	}
	if len(raw.Roles) == 0 {
		return nil, fmt.Errorf("剧本中没有定义任何角色")
	}
	catalog := &Catalog{Roles: make(map[string]RoleProfile, len(raw.Roles))}
	for name, profile := range raw.Roles {
		key := normalize(name)
		if key == "" {
			return nil, fmt.Errorf("剧本中存在空的角色名")
		}
		catalog.Roles[key] = profile
	}
	return catalog, nil
}

// Profile 返回角色配置。
func (c *Catalog) Profile(role string) (RoleProfile, bool) {
	if c == nil {
		return RoleProfile{}, false
	}
	profile, ok := c.Roles[normalize(role)]
	return profile, ok
}

// RoleNames 返回按字母排序的角色名。
func (c *Catalog) RoleNames() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query 返回与 prompt 匹配的剧本，最多 limit 条。
func (p RoleProfile) Query(prompt string, limit int) []Playbook {
	if limit <= 0 {
		limit = 3
	}
	prompt = strings.ToLower(strings.TrimSpace(prompt))
	results := make([]Playbook, 0, limit)
	for _, item := range p.Playbooks {
		if matches(item, prompt) {
			results = append(results, item)
			if len(results) >= limit {
				break
			}
		}
	}
	return results
}

func matches(playbook Playbook, prompt string) bool {
	for _, keyword := range append(append([]string(nil), playbook.Keywords...), playbook.Tags...) {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(prompt, normalized) {
			return true
		}
	}
	return false
}

func render(template, agent, prompt string) string {
	replacer := strings.NewReplacer("{agent}", agent, "{prompt}", strings.TrimSpace(prompt))
	return strings.TrimSpace(replacer.Replace(template))
}
