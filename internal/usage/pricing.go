package usage

import (
	"embed"
	"os"

	"github.com/goccy/go-yaml"
)

//go:embed pricing.yaml
var embeddedPricing embed.FS

// ModelPrice holds per-million-token USD rates for one model.
type ModelPrice struct {
	InputPerMTok      float64 `yaml:"input_per_mtok"`
	OutputPerMTok     float64 `yaml:"output_per_mtok"`
	CacheWritePerMTok float64 `yaml:"cache_write_per_mtok"`
	CacheReadPerMTok  float64 `yaml:"cache_read_per_mtok"`
}

// PriceTable maps model name to its rate card. It is loaded once at
// startup from pricing.yaml, treating the cost table as configuration
// rather than code.
type PriceTable struct {
	prices map[string]ModelPrice
}

// LoadPriceTable reads the pricing table from path, falling back to the
// binary's embedded default when path is empty.
func LoadPriceTable(path string) (*PriceTable, error) {
	var data []byte
	var err error

	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		data, err = embeddedPricing.ReadFile("pricing.yaml")
		if err != nil {
			return nil, err
		}
	}

	var raw map[string]ModelPrice
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	return &PriceTable{prices: raw}, nil
}

// Cost computes the USD cost of a snapshot. Unknown models contribute
// zero rather than erroring.
func (t *PriceTable) Cost(s Snapshot) float64 {
	if t == nil {
		return 0
	}
	price, ok := t.prices[s.Model]
	if !ok {
		return 0
	}

	const perMillion = 1_000_000.0
	cost := float64(s.InputTokens)/perMillion*price.InputPerMTok +
		float64(s.OutputTokens)/perMillion*price.OutputPerMTok +
		float64(s.CacheCreationInputTokens)/perMillion*price.CacheWritePerMTok +
		float64(s.CacheReadInputTokens)/perMillion*price.CacheReadPerMTok

	return cost
}
