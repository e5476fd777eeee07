package inference

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultProvider 用户未指定 provider 时使用
const DefaultProvider = "default"

// ProviderConfig 配置文件中每个 provider 的设置
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// ClientCache 按 provider 缓存客户端实例，生命周期与进程一致，
// 通过 context 传递而不是包级变量。
type ClientCache struct {
	mu        sync.Mutex
	clients   map[string]*Client
	providers map[string]ProviderConfig
	timeout   time.Duration
}

func NewClientCache(providers map[string]ProviderConfig, timeout time.Duration) *ClientCache {
	return &ClientCache{
		clients:   make(map[string]*Client),
		providers: providers,
		timeout:   timeout,
	}
}

// Get 返回 provider 对应的客户端，首次使用时创建
func (c *ClientCache) Get(provider string) (*Client, error) {
	if provider == "" {
		provider = DefaultProvider
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[provider]; ok {
		return cl, nil
	}
	pc, ok := c.providers[provider]
	if !ok {
		return nil, fmt.Errorf("unknown inference provider %q", provider)
	}
	cl := NewClient(Config{
		Provider: provider,
		BaseURL:  pc.BaseURL,
		APIKey:   pc.APIKey,
		Timeout:  c.timeout,
	})
	c.clients[provider] = cl
	return cl, nil
}

// Len 已创建的客户端数量
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Close 进程退出时调用
func (c *ClientCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, cl := range c.clients {
		cl.Close()
		delete(c.clients, name)
	}
}

type cacheKey struct{}

// WithClientCache 把缓存放进请求级 context
func WithClientCache(ctx context.Context, c *ClientCache) context.Context {
	return context.WithValue(ctx, cacheKey{}, c)
}

// CacheFromContext 取出缓存，没有时返回 nil
func CacheFromContext(ctx context.Context) *ClientCache {
	c, _ := ctx.Value(cacheKey{}).(*ClientCache)
	return c
}

// ForProvider 从 context 中的缓存获取客户端
func ForProvider(ctx context.Context, provider string) (*Client, error) {
	c := CacheFromContext(ctx)
	if c == nil {
		return nil, fmt.Errorf("no inference client cache in context")
	}
	return c.Get(provider)
}
