// Package keys derives stable cache identities (item key, variant and
// on-disk file names) from resource URLs. Every function here is pure: the
// same input yields the same output across processes.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/any-hub/article-cache/internal/cacheerr"
)

// ResourceType 区分 article/image/generic 三类缓存资源。
type ResourceType string

const (
	TypeArticle ResourceType = "article"
	TypeImage   ResourceType = "image"
	TypeGeneric ResourceType = "generic"
)

// headerSuffix 拼接在 body 文件名后形成 header 文件名。
const headerSuffix = "__Header"

var sizePrefix = regexp.MustCompile(`^(\d+)px-`)

// ParseType 不区分大小写解析资源类型，未知值视为 generic。
func ParseType(raw string) ResourceType {
	switch ResourceType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeArticle:
		return TypeArticle
	case TypeImage:
		return TypeImage
	default:
		return TypeGeneric
	}
}

// Valid 报告 raw 是否为受支持的类型字面量。
func Valid(raw string) bool {
	switch ResourceType(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeArticle, TypeImage, TypeGeneric:
		return true
	}
	return false
}

// Identity 描述一个缓存对象的全部派生标识。
type Identity struct {
	ItemKey        string
	Variant        string
	BodyFileName   string
	HeaderFileName string
}

// ParseURL 仅接受带 scheme 与 host 的绝对 URL。
func ParseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", cacheerr.ErrInvalidURL)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cacheerr.ErrInvalidURL, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %s is not absolute", cacheerr.ErrInvalidURL, trimmed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %s", cacheerr.ErrInvalidURL, parsed.Scheme)
	}
	return parsed, nil
}

// Canonical 规范化 URL：https、小写 host、去掉 fragment、空路径补 "/"，并做 NFC。
// localhost 与回环地址保留原 scheme，方便本地上游。
func Canonical(raw string) (string, error) {
	parsed, err := ParseURL(raw)
	if err != nil {
		return "", err
	}
	return canonicalString(parsed), nil
}

func canonicalString(u *url.URL) string {
	c := *u
	c.Host = strings.ToLower(c.Host)
	if !isLoopback(c.Hostname()) {
		c.Scheme = "https"
	}
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	// 先对解码后的路径做 NFC，再由 String() 统一转义
	c.Path = norm.NFC.String(c.Path)
	c.RawPath = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return norm.NFC.String(c.String())
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ItemKey 计算资源的逻辑 key，与 variant 无关。
func ItemKey(raw string, t ResourceType) (string, error) {
	parsed, err := ParseURL(raw)
	if err != nil {
		return "", err
	}
	if t == TypeImage {
		if name := ImageName(parsed); name != "" {
			return norm.NFC.String(strings.ToLower(parsed.Hostname()) + "__" + name), nil
		}
	}
	return canonicalString(parsed), nil
}

// ImageName 提取原始图片文件名；缩略图路径 .../thumb/a/ab/<name>/<N>px-<name> 返回 <name>。
func ImageName(u *url.URL) string {
	segments := splitPath(u)
	if len(segments) == 0 {
		return ""
	}
	for i, seg := range segments {
		if seg == "thumb" && i+3 < len(segments) {
			return segments[i+3]
		}
	}
	last := segments[len(segments)-1]
	return sizePrefix.ReplaceAllString(last, "")
}

// ImageVariant 返回缩略图宽度（"960px-..." 中的 "960"），没有时为空串。
func ImageVariant(raw string) string {
	parsed, err := ParseURL(raw)
	if err != nil {
		return ""
	}
	segments := splitPath(parsed)
	if len(segments) == 0 {
		return ""
	}
	match := sizePrefix.FindStringSubmatch(segments[len(segments)-1])
	if len(match) < 2 {
		return ""
	}
	return match[1]
}

func splitPath(u *url.URL) []string {
	parts := strings.Split(u.Path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BodyFileName 返回 sha256(NFC(itemKey)) 或 sha256(NFC(itemKey + "__" + variant)) 的十六进制串。
func BodyFileName(itemKey, variant string) string {
	source := itemKey
	if variant != "" {
		source = itemKey + "__" + variant
	}
	sum := sha256.Sum256([]byte(norm.NFC.String(source)))
	return hex.EncodeToString(sum[:])
}

// HeaderFileName 为 body 文件名追加 "__Header"。
func HeaderFileName(itemKey, variant string) string {
	return BodyFileName(itemKey, variant) + headerSuffix
}

// IsHeaderFileName 判断文件名是否属于 header blob。
func IsHeaderFileName(name string) bool {
	return strings.HasSuffix(name, headerSuffix)
}

// ForItem 在已知 item key 与 variant 时直接构造 Identity。
func ForItem(itemKey, variant string) Identity {
	return Identity{
		ItemKey:        itemKey,
		Variant:        variant,
		BodyFileName:   BodyFileName(itemKey, variant),
		HeaderFileName: HeaderFileName(itemKey, variant),
	}
}

// Derive 根据 URL、类型与 variant 得到完整的 Identity。
func Derive(raw string, t ResourceType, variant string) (Identity, error) {
	key, err := ItemKey(raw, t)
	if err != nil {
		return Identity{}, err
	}
	return ForItem(key, variant), nil
}
