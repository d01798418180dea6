// Package routes registers the "/-/" diagnostics and administration
// endpoints of the article cache on a Fiber app.
package routes

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/article-cache/internal/cacheerr"
	"github.com/any-hub/article-cache/internal/engine"
	"github.com/any-hub/article-cache/internal/index"
	"github.com/any-hub/article-cache/internal/metrics"
	"github.com/any-hub/article-cache/internal/resource"
	"github.com/any-hub/article-cache/internal/server"
	"github.com/any-hub/article-cache/internal/warmer"
)

// CacheAdmin 是诊断接口需要的引擎能力。
type CacheAdmin interface {
	Groups(ctx context.Context) ([]index.GroupSummary, error)
	GroupItems(ctx context.Context, groupKey string) ([]index.Item, error)
	Purge(ctx context.Context, groupKey string) (engine.PurgeReport, error)
}

// Warmer 预热文档及其资源。
type Warmer interface {
	Warm(ctx context.Context, documentURL, acceptLanguage string) (warmer.Report, error)
}

// Deps 聚合诊断路由的依赖；为 nil 的依赖对应的接口不会注册。
type Deps struct {
	Registry *server.SiteRegistry
	Admin    CacheAdmin
	Warmer   Warmer
	Metrics  *metrics.Metrics
}

// RegisterDiagnostics 暴露 /-/ 下的诊断与管理接口。
func RegisterDiagnostics(app *fiber.App, deps Deps) {
	if app == nil {
		return
	}

	app.Get("/-/types", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"types": encodeProfiles(resource.List())})
	})

	if deps.Registry != nil {
		app.Get("/-/sites", func(c fiber.Ctx) error {
			return c.JSON(fiber.Map{"sites": encodeSites(deps.Registry.List())})
		})
	}

	if deps.Admin != nil {
		registerGroupRoutes(app, deps.Admin)
	}

	if deps.Warmer != nil {
		app.Post("/-/groups/warm", func(c fiber.Ctx) error {
			documentURL := queryValue(c, "url")
			if documentURL == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
			}
			report, err := deps.Warmer.Warm(c.Context(), documentURL, string(c.Request().Header.Peek(fiber.HeaderAcceptLanguage)))
			if err != nil {
				return writeFailure(c, err)
			}
			return c.JSON(report)
		})
	}

	if deps.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}
}

func registerGroupRoutes(app *fiber.App, admin CacheAdmin) {
	app.Get("/-/groups", func(c fiber.Ctx) error {
		groups, err := admin.Groups(c.Context())
		if err != nil {
			return writeFailure(c, err)
		}
		if groups == nil {
			groups = []index.GroupSummary{}
		}
		return c.JSON(fiber.Map{"groups": groups})
	})

	app.Get("/-/groups/items", func(c fiber.Ctx) error {
		key := queryValue(c, "key")
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "group_key_required"})
		}
		items, err := admin.GroupItems(c.Context(), key)
		if err != nil {
			return writeFailure(c, err)
		}
		return c.JSON(fiber.Map{"group": key, "items": encodeItems(items)})
	})

	app.Delete("/-/groups", func(c fiber.Ctx) error {
		key := queryValue(c, "key")
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "group_key_required"})
		}
		report, err := admin.Purge(c.Context(), key)
		if err != nil {
			return writeFailure(c, err)
		}
		return c.JSON(report)
	})
}

func writeFailure(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, index.ErrGroupNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "group_not_found"})
	case errors.Is(err, cacheerr.ErrInvalidURL):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_url"})
	case errors.Is(err, warmer.ErrSiteNotAllowed):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "host_unmapped"})
	case cacheerr.IsNetwork(err):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
	}
}

func queryValue(c fiber.Ctx, key string) string {
	return strings.TrimSpace(string(c.Request().URI().QueryArgs().Peek(key)))
}

type profilePayload struct {
	Type               string `json:"type"`
	Description        string `json:"description"`
	DefaultContentType string `json:"default_content_type"`
	UsesCachedVariants bool   `json:"uses_cached_variants"`
}

type sitePayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Scheme   string `json:"scheme"`
	Type     string `json:"type"`
	Port     int    `json:"port"`
	AuthMode string `json:"auth_mode"`
	Proxied  bool   `json:"proxied"`
	Timeout  string `json:"timeout"`
}

type itemPayload struct {
	ItemKey   string `json:"item_key"`
	Variant   string `json:"variant"`
	URL       string `json:"url"`
	Persisted bool   `json:"persisted"`
	BodyFile  string `json:"body_file"`
}

func encodeProfiles(profiles []resource.Profile) []profilePayload {
	result := make([]profilePayload, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, profilePayload{
			Type:               string(p.Type),
			Description:        p.Description,
			DefaultContentType: p.DefaultContentType,
			UsesCachedVariants: p.UsesCachedVariants,
		})
	}
	return result
}

func encodeSites(routes []server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, sitePayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Scheme:   route.Config.Scheme,
			Type:     string(route.Type),
			Port:     route.ListenPort,
			AuthMode: route.Config.AuthMode(),
			Proxied:  route.ProxyURL != nil,
			Timeout:  route.Timeout.String(),
		})
	}
	return result
}

func encodeItems(items []index.Item) []itemPayload {
	result := make([]itemPayload, 0, len(items))
	for _, item := range items {
		result = append(result, itemPayload{
			ItemKey:   item.ItemKey,
			Variant:   item.Variant,
			URL:       item.URL,
			Persisted: item.Persisted,
			BodyFile:  item.Identity().BodyFileName,
		})
	}
	return result
}
