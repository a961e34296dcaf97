package diagnostics

import (
	"bytes"
	"encoding/json"
)

// CacheHandle is a cache exposing its primary entries and its TTL index.
// The two collections are counted independently; no relation is assumed.
type CacheHandle interface {
	Len() int
	TTLLen() int
}

// CacheSource resolves a configured cache name to a live handle.
// It reports false when the host has not created the cache yet.
type CacheSource interface {
	CacheHandle(name string) (CacheHandle, bool)
}

// CacheSourceFunc adapts a function to CacheSource.
type CacheSourceFunc func(name string) (CacheHandle, bool)

func (f CacheSourceFunc) CacheHandle(name string) (CacheHandle, bool) { return f(name) }

// CensusEntry maps a report key to the name of the cache it counts.
type CensusEntry struct {
	Key   string
	Cache string
}

// DefaultCensusEntries lists the host caches counted by GetCacheCensus.
var DefaultCensusEntries = []CensusEntry{
	{Key: "num_items_in_user_api_key_cache", Cache: "user_api_key"},
	{Key: "num_items_in_llm_router_cache", Cache: "llm_router"},
	{Key: "num_items_in_proxy_logging_obj_cache", Cache: "internal_usage"},
}

// CacheSize is one line of a census.
type CacheSize struct {
	Key  string
	Size int
}

// CensusReport holds cache sizes in configuration order.
// It marshals to a JSON object keyed by report key.
type CensusReport []CacheSize

func (r CensusReport) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cs := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(cs.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		size, err := json.Marshal(cs.Size)
		if err != nil {
			return nil, err
		}
		buf.Write(size)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CacheCensus counts entries held by a fixed set of named caches.
type CacheCensus struct {
	source  CacheSource
	entries []CensusEntry
}

// NewCacheCensus creates a census over entries. When entries is empty,
// DefaultCensusEntries is used.
func NewCacheCensus(source CacheSource, entries []CensusEntry) *CacheCensus {
	if len(entries) == 0 {
		entries = DefaultCensusEntries
	}
	return &CacheCensus{source: source, entries: entries}
}

// GetCacheCensus returns len(primary)+len(ttl) for every configured cache.
// A missing cache fails the whole census with *CacheNotInitializedError.
func (c *CacheCensus) GetCacheCensus() (CensusReport, error) {
	report := make(CensusReport, 0, len(c.entries))
	for _, entry := range c.entries {
		if c.source == nil {
			return nil, &CacheNotInitializedError{Name: entry.Cache}
		}
		handle, ok := c.source.CacheHandle(entry.Cache)
		if !ok || handle == nil {
			return nil, &CacheNotInitializedError{Name: entry.Cache}
		}
		report = append(report, CacheSize{
			Key:  entry.Key,
			Size: handle.Len() + handle.TTLLen(),
		})
	}
	return report, nil
}
