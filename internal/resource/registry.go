package resource

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/any-hub/article-cache/internal/keys"
)

var globalRegistry = newRegistry()

type registry struct {
	mu       sync.RWMutex
	profiles map[keys.ResourceType]Profile
}

func newRegistry() *registry {
	return &registry{profiles: make(map[keys.ResourceType]Profile)}
}

// Register 将类型策略加入全局注册表，重复类型会返回错误。
func Register(p Profile) error {
	return globalRegistry.register(p)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(p Profile) {
	if err := Register(p); err != nil {
		panic(err)
	}
}

// Resolve 返回指定类型的策略；未注册时回退到 generic。
func Resolve(t keys.ResourceType) Profile {
	if p, ok := globalRegistry.resolve(t); ok {
		return p
	}
	if p, ok := globalRegistry.resolve(keys.TypeGeneric); ok {
		return p
	}
	return Profile{Type: keys.TypeGeneric}
}

// Lookup 返回指定类型的策略以及是否已注册。
func Lookup(raw string) (Profile, bool) {
	return globalRegistry.resolve(keys.ResourceType(strings.ToLower(strings.TrimSpace(raw))))
}

// List 返回按类型名排序的策略列表。
func List() []Profile {
	return globalRegistry.list()
}

// Keys 返回所有已注册类型，供诊断使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, p := range items {
		result[i] = string(p.Type)
	}
	return result
}

func (r *registry) register(p Profile) error {
	t := keys.ResourceType(strings.ToLower(strings.TrimSpace(string(p.Type))))
	if t == "" {
		return fmt.Errorf("resource type is required")
	}
	p.Type = t

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[t]; exists {
		return fmt.Errorf("resource type %s already registered", t)
	}
	r.profiles[t] = p
	return nil
}

func (r *registry) resolve(t keys.ResourceType) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[t]
	return p, ok
}

func (r *registry) list() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.profiles) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.profiles))
	for t := range r.profiles {
		names = append(names, string(t))
	}
	sort.Strings(names)

	result := make([]Profile, 0, len(names))
	for _, name := range names {
		result = append(result, r.profiles[keys.ResourceType(name)])
	}
	return result
}
