package transformer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eddielth/gadgetbridge-mqtt/config"
	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/eddielth/gadgetbridge-mqtt/storage"
)

// Entry converts rows of one kind into samples. Implementations must be
// total: malformed fields are dropped, never reported as errors.
type Entry interface {
	Kind() string
	// Query describes the rows the entry consumes.
	Query() storage.Query
	// Definitions lists every sensor the entry can produce for d.
	Definitions(d Device) []SensorDefinition
	// Classify converts one row. It performs no I/O.
	Classify(d Device, row storage.RawRow) []Sample
}

// Catalog 管理所有的指标转换器，按 kind 索引
type Catalog struct {
	entries map[string]Entry
	mutex   sync.RWMutex
}

// NewCatalog 创建包含内置转换器和脚本转换器的目录
func NewCatalog(configs map[string]config.Transformer) (*Catalog, error) {
	catalog := &Catalog{
		entries: make(map[string]Entry),
	}

	for _, e := range builtinEntries() {
		catalog.entries[e.Kind()] = e
	}

	kinds := make([]string, 0, len(configs))
	for kind := range configs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		entry, err := newScriptEntry(kind, configs[kind])
		if err != nil {
			return nil, fmt.Errorf("为 %s 创建转换器失败: %w", kind, err)
		}
		if _, exists := catalog.entries[kind]; exists {
			logger.Warn("transformer %s replaces the built-in entry", kind)
		}
		catalog.entries[kind] = entry
		logger.Info("已为 %s 加载转换器 (table %s)", kind, entry.query.Table)
	}

	return catalog, nil
}

// Register adds or replaces an entry.
func (c *Catalog) Register(e Entry) {
	c.mutex.Lock()
	c.entries[e.Kind()] = e
	c.mutex.Unlock()
}

func (c *Catalog) entry(kind string) (Entry, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	e, ok := c.entries[kind]
	return e, ok
}

// Classify returns the samples of row. Unknown kinds yield no samples.
func (c *Catalog) Classify(d Device, row storage.RawRow) []Sample {
	e, ok := c.entry(row.Kind)
	if !ok {
		logger.Debug("no transformer for kind %s", row.Kind)
		return nil
	}
	return e.Classify(d, row)
}

// DefinitionsFor returns the sensors the row's kind can produce for d.
func (c *Catalog) DefinitionsFor(d Device, row storage.RawRow) []SensorDefinition {
	e, ok := c.entry(row.Kind)
	if !ok {
		return nil
	}
	return e.Definitions(d)
}

// Queries implements storage.Sources.
func (c *Catalog) Queries() []storage.Query {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	queries := make([]storage.Query, 0, len(c.entries))
	for _, e := range c.entries {
		queries = append(queries, e.Query())
	}
	sort.Slice(queries, func(i, j int) bool { return queries[i].Kind < queries[j].Kind })
	return queries
}

// Kinds returns the registered kinds in sorted order.
func (c *Catalog) Kinds() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	kinds := make([]string, 0, len(c.entries))
	for kind := range c.entries {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// ReloadTransformer 重新加载指定 kind 的脚本转换器
func (c *Catalog) ReloadTransformer(kind string, cfg config.Transformer) error {
	entry, err := newScriptEntry(kind, cfg)
	if err != nil {
		return fmt.Errorf("创建转换器失败: %w", err)
	}

	c.Register(entry)
	logger.Info("已重新加载 %s 的转换器", kind)
	return nil
}
