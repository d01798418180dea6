package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/article-cache/internal/config"
	"github.com/any-hub/article-cache/internal/engine"
	"github.com/any-hub/article-cache/internal/keys"
)

// SiteRoute 将站点配置与派生属性（生效超时、默认资源类型、解析后的代理地址）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，便于日志输出。
	ListenPort int
	// Timeout 是站点生效的上游超时，未覆盖时等于全局值。
	Timeout time.Duration
	// Type 是未携带 X-Cache-Item-Type 时使用的资源类型。
	Type     keys.ResourceType
	ProxyURL *url.URL
}

// Transport 返回引擎访问该站点时使用的连接参数。
func (r *SiteRoute) Transport() engine.Transport {
	return engine.Transport{
		Timeout:  r.Timeout,
		Proxy:    r.ProxyURL,
		Username: r.Config.Username,
		Password: r.Config.Password,
	}
}

// UpstreamURL 拼接站点 scheme/domain 与请求路径、查询串。
// rawPath 保留原始转义形式，空路径补 "/"。
func (r *SiteRoute) UpstreamURL(rawPath, rawQuery string) string {
	if rawPath == "" || rawPath[0] != '/' {
		rawPath = "/" + rawPath
	}
	target := r.Config.Scheme + "://" + r.Config.Domain + rawPath
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// SiteRegistry 提供 host 到 SiteRoute 的查询能力，只有登记过的站点才会被缓存。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建站点映射。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildSiteRoute(cfg, site)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 host 或 host:port 查找 SiteRoute；带端口时先精确匹配，再忽略端口匹配。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, port := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}
	if port > 0 {
		if route, ok := r.routes[net.JoinHostPort(normalizedHost, strconv.Itoa(port))]; ok {
			return route, true
		}
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回按配置顺序排列的 SiteRoute 副本，用于 /-/sites 输出。
func (r *SiteRegistry) List() []SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]SiteRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig) (*SiteRoute, error) {
	if !keys.Valid(site.Type) && site.Type != "" {
		return nil, fmt.Errorf("site %s: unsupported type %s", site.Name, site.Type)
	}

	var proxyURL *url.URL
	if site.Proxy != "" {
		parsed, err := url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
		proxyURL = parsed
	}

	normalized := site
	normalized.Domain = normalizeDomain(site.Domain)
	if normalized.Scheme == "" {
		normalized.Scheme = "https"
	}

	return &SiteRoute{
		Config:     normalized,
		ListenPort: cfg.Global.ListenPort,
		Timeout:    cfg.EffectiveTimeout(site),
		Type:       keys.ParseType(site.Type),
		ProxyURL:   proxyURL,
	}, nil
}

func normalizeDomain(domain string) string {
	host, port := normalizeHost(domain)
	if host == "" {
		return ""
	}
	// 站点可以声明非默认端口，例如本地上游 127.0.0.1:8080
	if port > 0 {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
