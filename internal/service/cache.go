// Пакет service — бизнес-логика Answer Module.
// cache.go — LRU-кэши с TTL поверх hashicorp/golang-lru/v2/expirable:
// опубликованные ответы по ID и ключи идемпотентности.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/answer-module/internal/domain/model"
)

// Prometheus-метрики кэшей.
var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш.",
	}, []string{"cache"})
	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "an_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша.",
	}, []string{"cache"})
)

// AnswerCache — LRU-кэш опубликованных ответов с автоматическим TTL.
// Ответ неизменяем после публикации, инвалидация не требуется.
type AnswerCache struct {
	cache *expirable.LRU[string, *model.Answer]
}

// NewAnswerCache создаёт кэш ответов.
// maxSize — максимальное количество записей, ttl — время жизни записи.
func NewAnswerCache(maxSize int, ttl time.Duration) *AnswerCache {
	return &AnswerCache{cache: expirable.NewLRU[string, *model.Answer](maxSize, nil, ttl)}
}

// Get возвращает ответ по ID.
func (c *AnswerCache) Get(id string) (*model.Answer, bool) {
	val, ok := c.cache.Get(id)
	if ok {
		cacheHitsTotal.WithLabelValues("answer").Inc()
		return val, true
	}
	cacheMissesTotal.WithLabelValues("answer").Inc()
	return nil, false
}

// Set добавляет ответ в кэш.
func (c *AnswerCache) Set(a *model.Answer) {
	c.cache.Add(a.ID, a)
}

// IdempotencyCache — соответствие (автор, ключ идемпотентности) → ID ответа.
// Кэш локален для экземпляра; источник истины — уникальный индекс в PostgreSQL.
type IdempotencyCache struct {
	cache *expirable.LRU[string, string]
}

// NewIdempotencyCache создаёт кэш ключей идемпотентности.
func NewIdempotencyCache(maxSize int, ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{cache: expirable.NewLRU[string, string](maxSize, nil, ttl)}
}

func idempotencyKey(authorID, key string) string {
	return authorID + "\x00" + key
}

// Get возвращает ID ответа, созданного автором с этим ключом.
func (c *IdempotencyCache) Get(authorID, key string) (string, bool) {
	val, ok := c.cache.Get(idempotencyKey(authorID, key))
	if ok {
		cacheHitsTotal.WithLabelValues("idempotency").Inc()
		return val, true
	}
	cacheMissesTotal.WithLabelValues("idempotency").Inc()
	return "", false
}

// Set запоминает ID ответа для ключа.
func (c *IdempotencyCache) Set(authorID, key, answerID string) {
	c.cache.Add(idempotencyKey(authorID, key), answerID)
}
