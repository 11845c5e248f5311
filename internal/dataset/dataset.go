// Package dataset holds the catalog of dataset schemas the engine validates
// against: expected columns, the event-time column and the minimum viable
// payload size for a day of data.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownDataset is returned when a dataset name is not in the catalog.
var ErrUnknownDataset = errors.New("unknown dataset")

// ErrDuplicateDataset is returned when a catalog defines a name twice.
var ErrDuplicateDataset = errors.New("duplicate dataset")

// Config defines the expected shape of one dataset.
type Config struct {
	Name            string   `yaml:"name"`
	TimestampColumn string   `yaml:"timestamp_column"`
	Columns         []string `yaml:"columns"`
	MinPayloadBytes int64    `yaml:"min_payload_bytes"`
}

// Catalog is a validated, name-keyed set of dataset configs.
type Catalog struct {
	byName map[string]Config
	names  []string
}

// NewCatalog validates the given configs and builds a catalog.
func NewCatalog(configs []Config) (*Catalog, error) {
	if len(configs) == 0 {
		return nil, errors.New("at least one dataset must be configured")
	}

	byName := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, errors.New("dataset with empty name")
		}
		if _, ok := byName[cfg.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateDataset, cfg.Name)
		}
		if len(cfg.Columns) == 0 {
			return nil, fmt.Errorf("dataset %q has no columns", cfg.Name)
		}
		if cfg.TimestampColumn == "" {
			cfg.TimestampColumn = "timestamp"
		}
		found := false
		for _, col := range cfg.Columns {
			if col == cfg.TimestampColumn {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("dataset %q: timestamp column %q not in columns",
				cfg.Name, cfg.TimestampColumn)
		}
		byName[cfg.Name] = cfg
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Catalog{byName: byName, names: names}, nil
}

// Load reads a catalog from a YAML file of the form:
//
//	datasets:
//	  - name: trades
//	    timestamp_column: timestamp
//	    columns: [symbol, timestamp, price, volume, trade_id, is_buyer_maker]
//	    min_payload_bytes: 256
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset catalog %s: %w", path, err)
	}

	var doc struct {
		Datasets []Config `yaml:"datasets"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse dataset catalog %s: %w", path, err)
	}
	return NewCatalog(doc.Datasets)
}

// Get returns the config for a dataset name.
func (c *Catalog) Get(name string) (Config, error) {
	cfg, ok := c.byName[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	return cfg, nil
}

// Names returns all dataset names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Defaults returns the dataset shapes observed in the upstream lake.
func Defaults() []Config {
	book := Config{
		Name:            "book_snapshot_5",
		TimestampColumn: "timestamp",
		Columns:         []string{"symbol", "timestamp"},
		MinPayloadBytes: 1024,
	}
	for i := 1; i <= 5; i++ {
		book.Columns = append(book.Columns,
			fmt.Sprintf("bid_price_%d", i), fmt.Sprintf("bid_volume_%d", i))
	}
	for i := 1; i <= 5; i++ {
		book.Columns = append(book.Columns,
			fmt.Sprintf("ask_price_%d", i), fmt.Sprintf("ask_volume_%d", i))
	}

	return []Config{
		book,
		{
			Name:            "trades",
			TimestampColumn: "timestamp",
			Columns:         []string{"symbol", "timestamp", "price", "volume", "trade_id", "is_buyer_maker"},
			MinPayloadBytes: 256,
		},
		{
			Name:            "derivative_ticker",
			TimestampColumn: "timestamp",
			Columns:         []string{"symbol", "timestamp", "mark_price", "index_price", "funding_rate", "next_funding_time"},
			MinPayloadBytes: 256,
		},
	}
}
