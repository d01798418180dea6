package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/any-hub/article-cache/internal/keys"
)

const supportedTypeList = "article|image|generic"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxObjectBytes <= 0 {
		return newFieldError("Global.MaxObjectBytes", "必须大于 0")
	}
	if g.WriteWorkers <= 0 {
		return newFieldError("Global.WriteWorkers", "必须大于 0")
	}
	if g.WriteQueueSize <= 0 {
		return newFieldError("Global.WriteQueueSize", "必须大于 0")
	}
	if g.WriteTimeout.DurationValue() <= 0 {
		return newFieldError("Global.WriteTimeout", "必须大于 0")
	}
	if g.WarmConcurrency < 0 {
		return newFieldError("Global.WarmConcurrency", "不能为负数")
	}
	if g.SweepSchedule != "" {
		if _, err := cron.ParseStandard(g.SweepSchedule); err != nil {
			return newFieldError("Global.SweepSchedule", fmt.Sprintf("无法解析: %v", err))
		}
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		domain := strings.ToLower(site.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		scheme := strings.ToLower(strings.TrimSpace(site.Scheme))
		if scheme == "" {
			scheme = "https"
		}
		if scheme != "http" && scheme != "https" {
			return newFieldError(siteField(site.Name, "Scheme"), "仅支持 http/https")
		}
		site.Scheme = scheme

		normalizedType := strings.ToLower(strings.TrimSpace(site.Type))
		if normalizedType == "" {
			normalizedType = string(keys.TypeGeneric)
		}
		if !keys.Valid(normalizedType) {
			return newFieldError(siteField(site.Name, "Type"), "仅支持 "+supportedTypeList)
		}
		site.Type = normalizedType

		if (site.Username == "") != (site.Password == "") {
			return newFieldError(siteField(site.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if site.Proxy != "" {
			if err := validateProxy(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") && strings.Contains(domain, ":") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateProxy(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" && parsed.Scheme != "socks5" {
		return fmt.Errorf("仅支持 http/https/socks5 代理: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("代理缺少 Host: %s", raw)
	}
	return nil
}
