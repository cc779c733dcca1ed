package billing

import (
	"sync"
	"time"
)

const (
	webhookCacheCapacity = 1000
	webhookEntryTTL      = 24 * time.Hour
	webhookSweepEvery    = 100
)

// WebhookCache - процессный кэш обработанных webhook-событий.
// Stripe ретраит доставку, поэтому повторный event.ID должен быть
// отброшен без побочных эффектов. Кэш намеренно не разделяемый между
// инстансами: обработчики событий сами по себе идемпотентны, кэш лишь
// срезает лишнюю работу и шум в логах.
type WebhookCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	inserts int
	now     func() time.Time
}

func NewWebhookCache() *WebhookCache {
	return &WebhookCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// MarkProcessed регистрирует событие. Возвращает false, если событие
// уже было обработано (и не протухло).
func (c *WebhookCache) MarkProcessed(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if seen, ok := c.entries[eventID]; ok && now.Sub(seen) < webhookEntryTTL {
		return false
	}

	c.entries[eventID] = now
	c.inserts++
	if c.inserts%webhookSweepEvery == 0 {
		c.sweep(now)
	}
	return true
}

// sweep удаляет протухшие записи; если кэш все еще переполнен,
// выкидывает самые старые. Вызывается под мьютексом.
func (c *WebhookCache) sweep(now time.Time) {
	for id, seen := range c.entries {
		if now.Sub(seen) >= webhookEntryTTL {
			delete(c.entries, id)
		}
	}

	for len(c.entries) > webhookCacheCapacity {
		var oldestID string
		var oldestAt time.Time
		for id, seen := range c.entries {
			if oldestID == "" || seen.Before(oldestAt) {
				oldestID = id
				oldestAt = seen
			}
		}
		delete(c.entries, oldestID)
	}
}

// Len возвращает текущий размер кэша.
func (c *WebhookCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
