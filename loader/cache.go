package loader

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chaos-io/lookbook/util"
)

type cacheEntry struct {
	img      image.Image
	loadedAt time.Time
}

// CachingLoader 缓存已解码的源图，过期条目由定时任务清理
// 缓存的图片只读，多个请求可以共享
type CachingLoader struct {
	next Loader
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry

	hits   int64
	misses int64
}

func NewCachingLoader(next Loader, ttl time.Duration) *CachingLoader {
	return &CachingLoader{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachingLoader) Load(ctx context.Context, ref string) (image.Image, error) {
	c.mu.RLock()
	entry, ok := c.entries[ref]
	c.mu.RUnlock()
	if ok && !c.expired(entry) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return entry.img, nil
	}

	img, err := c.next.Load(ctx, ref)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
	// 并发加载同一 ref 时保留先写入的结果
	if entry, ok := c.entries[ref]; ok && !c.expired(entry) {
		return entry.img, nil
	}
	c.entries[ref] = cacheEntry{img: img, loadedAt: c.now()}
	return img, nil
}

func (c *CachingLoader) expired(e cacheEntry) bool {
	return c.ttl > 0 && c.now().Sub(e.loadedAt) > c.ttl
}

// Purge 删除过期条目，返回删除数量
func (c *CachingLoader) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for ref, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, ref)
			n++
		}
	}
	return n
}

func (c *CachingLoader) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *CachingLoader) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// StartPurge 按 cron 表达式定时清理，调用方负责 Stop
func (c *CachingLoader) StartPurge(spec string) (*cron.Cron, error) {
	cr := cron.New()
	_, err := cr.AddFunc(spec, func() {
		n := c.Purge()
		hits, misses := c.Stats()
		util.Logger.Info("source cache purged",
			zap.Int("purged", n), zap.Int("remaining", c.Len()),
			zap.Int64("hits", hits), zap.Int64("misses", misses))
	})
	if err != nil {
		return nil, err
	}
	cr.Start()
	return cr, nil
}
