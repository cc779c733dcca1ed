package billing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWebhookCache_DuplicateDetection(t *testing.T) {
	cache := NewWebhookCache()

	assert.True(t, cache.MarkProcessed("evt_1"), "первая доставка проходит")
	assert.False(t, cache.MarkProcessed("evt_1"), "повторная доставка отбрасывается")
	assert.True(t, cache.MarkProcessed("evt_2"), "другое событие проходит")
}

func TestWebhookCache_ExpiredEntryProcessedAgain(t *testing.T) {
	cache := NewWebhookCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	assert.True(t, cache.MarkProcessed("evt_1"))

	// Спустя сутки запись протухла - Stripe столько не ретраит,
	// но событие с тем же ID уже не считается дубликатом
	now = now.Add(webhookEntryTTL + time.Minute)
	assert.True(t, cache.MarkProcessed("evt_1"))
}

func TestWebhookCache_SweepDropsExpired(t *testing.T) {
	cache := NewWebhookCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	for i := 0; i < webhookSweepEvery-1; i++ {
		cache.MarkProcessed(fmt.Sprintf("old_%d", i))
	}

	// Все старые записи протухают; следующая вставка - сотая, она
	// запускает sweep
	now = now.Add(webhookEntryTTL + time.Minute)
	cache.MarkProcessed("fresh")

	assert.Equal(t, 1, cache.Len(), "sweep должен удалить протухшие записи")
}

func TestWebhookCache_CapacityBound(t *testing.T) {
	cache := NewWebhookCache()
	base := time.Now()
	current := base
	cache.now = func() time.Time { return current }

	// Вставляем заметно больше вместимости свежих записей; время растет,
	// чтобы у sweep был порядок "старейшая первой"
	total := webhookCacheCapacity + 2*webhookSweepEvery
	for i := 0; i < total; i++ {
		current = base.Add(time.Duration(i) * time.Millisecond)
		cache.MarkProcessed(fmt.Sprintf("evt_%d", i))
	}

	assert.LessOrEqual(t, cache.Len(), webhookCacheCapacity+webhookSweepEvery-1,
		"кэш не должен расти неограниченно")
	assert.False(t, cache.MarkProcessed(fmt.Sprintf("evt_%d", total-1)),
		"последние события остаются в кэше")
}
