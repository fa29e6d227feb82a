package cache

import (
	"context"
	"sync"
	"time"
)

// LookupResult - кэшированный результат проверки одного имени одним сервисом.
type LookupResult struct {
	URL   string
	Found bool
}

// CacheItem представляет кэшированный результат
type CacheItem struct {
	Data      LookupResult
	ExpiresAt time.Time
}

// CacheStore управляет хранением и извлечением результатов проверок
type CacheStore struct {
	cache map[string]*CacheItem
	mutex sync.RWMutex
	clock func() time.Time
}

// NewCacheStore создает новый экземпляр CacheStore
func NewCacheStore() *CacheStore {
	return &CacheStore{
		cache: make(map[string]*CacheItem),
		clock: time.Now,
	}
}

// Key строит ключ кэша для пары сервис/имя пользователя
func Key(service, username string) string {
	return service + "\x00" + username
}

// Get извлекает кэшированный элемент по его ключу
func (cs *CacheStore) Get(key string) (*CacheItem, bool) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	item, exists := cs.cache[key]
	if !exists || cs.clock().After(item.ExpiresAt) {
		// Элемент не существует или срок его действия истек
		return nil, false
	}

	return item, true
}

// Put сохраняет элемент в кэш с указанным сроком действия
func (cs *CacheStore) Put(key string, data LookupResult, ttl time.Duration) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	cs.cache[key] = &CacheItem{
		Data:      data,
		ExpiresAt: cs.clock().Add(ttl),
	}
}

// Len возвращает количество элементов, включая просроченные
func (cs *CacheStore) Len() int {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return len(cs.cache)
}

// CleanupExpired удаляет просроченные элементы из кэша
func (cs *CacheStore) CleanupExpired() {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	now := cs.clock()
	for key, item := range cs.cache {
		if now.After(item.ExpiresAt) {
			delete(cs.cache, key)
		}
	}
}

// StartCleanupTicker запускает таймер для периодической очистки просроченных элементов
func (cs *CacheStore) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cs.CleanupExpired()
			}
		}
	}()
}
