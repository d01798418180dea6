package resource

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/any-hub/article-cache/internal/keys"
)

// Request 是选择 variant 与偏好链所需的请求信息。
type Request struct {
	URL            string
	Variant        string
	AcceptLanguage string
}

// Profile 描述一种资源类型的缓存策略。
type Profile struct {
	Type               keys.ResourceType `json:"type"`
	Description        string            `json:"description"`
	DefaultContentType string            `json:"default_content_type"`
	// UsesCachedVariants 为 true 时，偏好链需要索引中已缓存的 variant 列表。
	UsesCachedVariants bool `json:"uses_cached_variants"`

	variant func(Request) string
	chain   func(requested string, req Request, cached []string) []string
}

// Variant 返回本次请求应缓存到的 variant；显式指定的 variant 优先。
func (p Profile) Variant(req Request) string {
	if v := strings.TrimSpace(req.Variant); v != "" {
		return strings.ToLower(v)
	}
	if p.variant == nil {
		return ""
	}
	return p.variant(req)
}

// PreferenceChain 返回离线兜底时依次尝试的 variant 列表，已去重。
func (p Profile) PreferenceChain(requested string, req Request, cached []string) []string {
	var chain []string
	if p.chain != nil {
		chain = p.chain(requested, req, cached)
	} else {
		chain = []string{requested, ""}
	}
	return dedupe(chain)
}

// LanguagePreferences 按 q 值降序解析 Accept-Language，输出小写的原始标签。
// 逐项解析：无法识别的单项被跳过，不影响其余条目；标签本身不做规范化，
// 因为 variant 是不透明字符串（例如 sr-el、sr-ec）。
func LanguagePreferences(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	type weighted struct {
		tag string
		q   float64
	}
	var entries []weighted
	for _, part := range strings.Split(header, ",") {
		tag, q, ok := parseLanguageEntry(part)
		if !ok {
			continue
		}
		entries = append(entries, weighted{tag: tag, q: q})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].q > entries[j].q })

	result := make([]string, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.tag)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// parseLanguageEntry 解析单个 "tag;q=0.8" 条目；q=0、通配符与语法错误的标签返回 ok=false。
func parseLanguageEntry(entry string) (string, float64, bool) {
	fields := strings.Split(entry, ";")
	tag := strings.ToLower(strings.TrimSpace(fields[0]))
	if tag == "" || tag == "*" || strings.ContainsAny(tag, " \t") {
		return "", 0, false
	}
	// 格式正确但子标签未登记（ValueError）的标签依然保留。
	if _, err := language.Parse(tag); err != nil {
		var unknown language.ValueError
		if !errors.As(err, &unknown) {
			return "", 0, false
		}
	}

	q := 1.0
	for _, param := range fields[1:] {
		name, value, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "q") {
			continue
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || parsed < 0 || parsed > 1 {
			return "", 0, false
		}
		q = parsed
	}
	if q == 0 {
		return "", 0, false
	}
	return tag, q, true
}

func articleChain(requested string, req Request, _ []string) []string {
	chain := []string{requested}
	chain = append(chain, LanguagePreferences(req.AcceptLanguage)...)
	return append(chain, "")
}

func imageVariant(req Request) string {
	return keys.ImageVariant(req.URL)
}

// imageChain 先尝试请求的宽度，再按宽度升序尝试其它已缓存尺寸。
func imageChain(requested string, _ Request, cached []string) []string {
	others := make([]string, 0, len(cached))
	for _, v := range cached {
		if v != requested && v != "" {
			others = append(others, v)
		}
	}
	sort.SliceStable(others, func(i, j int) bool {
		a, errA := strconv.Atoi(others[i])
		b, errB := strconv.Atoi(others[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return others[i] < others[j]
		}
	})
	chain := append([]string{requested}, others...)
	return append(chain, "")
}

func dedupe(chain []string) []string {
	seen := make(map[string]struct{}, len(chain))
	out := make([]string, 0, len(chain))
	for _, v := range chain {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
