// cmd/config.go
package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/context-manager/kvmgr"
)

// RunConfig seeds the observe command: the manager's construction parameters
// plus the shape of the synthetic token trace it is driven over. Every field
// can come from a YAML file, with flags overriding.
type RunConfig struct {
	NInit           int     `yaml:"n_init"`
	NLocal          int     `yaml:"n_local"`
	BlockSize       int     `yaml:"block_size"`
	MaxCachedBlock  int     `yaml:"max_cached_block"`
	Topk            int     `yaml:"topk"`
	MaxCalcBlock    int     `yaml:"max_calc_block"`
	ExcBlockSize    int     `yaml:"exc_block_size"`
	Perhead         bool    `yaml:"perhead"`
	ScoreDecay      float64 `yaml:"score_decay"`
	ReprTopk        int     `yaml:"repr_topk"`
	UseBuffer       bool    `yaml:"use_buffer"`
	CacheStrategy   string  `yaml:"cache_strategy"`
	CalcBlockScore  bool    `yaml:"calc_block_score"`
	IgnoreRemainder bool    `yaml:"ignore_remainder"`
	ChunkTopkCalc   int     `yaml:"chunk_topk_calc"`
	AsyncGlobal     bool    `yaml:"async_global_stream"`

	Tokens     int   `yaml:"tokens"`
	ChunkLen   int   `yaml:"chunk_len"`
	Batch      int   `yaml:"batch"`
	NumHeads   int   `yaml:"num_heads"`
	NumHeadsKV int   `yaml:"num_heads_kv"`
	DimHead    int   `yaml:"dim_head"`
	Seed       int64 `yaml:"seed"`
}

// DefaultRunConfig mirrors a small decoder layer streaming 4096 tokens.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		NInit:          128,
		NLocal:         512,
		BlockSize:      64,
		MaxCachedBlock: 32,
		Topk:           16,
		MaxCalcBlock:   16,
		ExcBlockSize:   256,
		ScoreDecay:     0.1,
		ReprTopk:       4,
		UseBuffer:      true,
		CacheStrategy:  string(kvmgr.StrategyLRU),
		CalcBlockScore: true,
		AsyncGlobal:    true,

		Tokens:     4096,
		ChunkLen:   256,
		Batch:      1,
		NumHeads:   4,
		NumHeadsKV: 4,
		DimHead:    32,
		Seed:       42,
	}
}

// LoadRunConfig reads a YAML file over the defaults.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ManagerConfig maps the trace-level config onto the manager's construction
// parameters.
func (c RunConfig) ManagerConfig() kvmgr.Config {
	return kvmgr.Config{
		NInit:             c.NInit,
		NLocal:            c.NLocal,
		BlockSize:         c.BlockSize,
		MaxCachedBlock:    c.MaxCachedBlock,
		Topk:              c.Topk,
		MaxCalcBlock:      c.MaxCalcBlock,
		ExcBlockSize:      c.ExcBlockSize,
		Perhead:           c.Perhead,
		ScoreDecay:        c.ScoreDecay,
		ReprTopk:          c.ReprTopk,
		UseBuffer:         c.UseBuffer,
		CacheStrategy:     kvmgr.CacheStrategy(c.CacheStrategy),
		CalcBlockScore:    c.CalcBlockScore,
		IgnoreRemainder:   c.IgnoreRemainder,
		ChunkTopkCalc:     c.ChunkTopkCalc,
		AsyncGlobalStream: c.AsyncGlobal,
	}
}
