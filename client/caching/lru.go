// Package caching provides the small LRU wrapper the RPC client layer uses
// to avoid re-fetching block headers. EthClient keys its header cache by
// block number, so a cached header is not replaced when a reorg assigns a
// different block to that number.
package caching

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the minimal surface a cache reports through; nil is a valid
// no-op implementation for tests.
type Metrics interface {
	CacheAdd(label string, size int, evicted bool)
	CacheGet(label string, hit bool)
}

// LRUCache wraps hashicorp/golang-lru/v2 with metrics hooks.
type LRUCache[K comparable, V any] struct {
	label   string
	metrics Metrics
	cache   *lru.Cache[K, V]
}

func NewLRUCache[K comparable, V any](m Metrics, label string, size int) *LRUCache[K, V] {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[K, V](size)
	if err != nil {
		panic("caching: invalid LRU size: " + err.Error())
	}
	return &LRUCache[K, V]{label: label, metrics: m, cache: c}
}

func (c *LRUCache[K, V]) Get(k K) (V, bool) {
	v, ok := c.cache.Get(k)
	if c.metrics != nil {
		c.metrics.CacheGet(c.label, ok)
	}
	return v, ok
}

func (c *LRUCache[K, V]) Add(k K, v V) {
	evicted := c.cache.Add(k, v)
	if c.metrics != nil {
		c.metrics.CacheAdd(c.label, c.cache.Len(), evicted)
	}
}

// PromMetrics is a Metrics implementation backed by two prometheus
// counters, used by the daemon's default metrics registry.
type PromMetrics struct {
	Adds *prometheus.CounterVec
	Gets *prometheus.CounterVec
}

func (p *PromMetrics) CacheAdd(label string, size int, evicted bool) {
	if p == nil || p.Adds == nil {
		return
	}
	p.Adds.WithLabelValues(label).Inc()
}

func (p *PromMetrics) CacheGet(label string, hit bool) {
	if p == nil || p.Gets == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	p.Gets.WithLabelValues(label, result).Inc()
}
