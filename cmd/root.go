// cmd/root.go
package cmd

import (
	"math/rand"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/context-manager/kvmgr"
	"github.com/inference-sim/context-manager/kvmgr/refattn"
)

var (
	configPath    string
	logLevel      string
	tokens        int
	chunkLen      int
	cacheStrategy string
	topk          int
	seed          int64
)

var rootCmd = &cobra.Command{
	Use:   "context-manager",
	Short: "Streaming long-context attention context manager",
}

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Drive the manager over a synthetic token trace and report paging behaviour",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := DefaultRunConfig()
		if configPath != "" {
			cfg, err = LoadRunConfig(configPath)
			if err != nil {
				logrus.Fatalf("Loading config: %v", err)
			}
		}
		if cmd.Flags().Changed("tokens") {
			cfg.Tokens = tokens
		}
		if cmd.Flags().Changed("chunk") {
			cfg.ChunkLen = chunkLen
		}
		if cmd.Flags().Changed("strategy") {
			cfg.CacheStrategy = cacheStrategy
		}
		if cmd.Flags().Changed("topk") {
			cfg.Topk = topk
		}
		if cmd.Flags().Changed("seed") {
			cfg.Seed = seed
		}

		if err := runObserve(cfg); err != nil {
			logrus.Fatalf("Observe run failed: %v", err)
		}
	},
}

// runObserve streams cfg.Tokens random tokens through a freshly built
// manager in cfg.ChunkLen appends and logs the paging counters.
func runObserve(cfg RunConfig) error {
	mgr, err := kvmgr.NewOrchestrator(cfg.ManagerConfig(), refattn.NewFactory(), refattn.NewRotary())
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	randTensor := func(heads int, length int) *kvmgr.Tensor {
		t := kvmgr.NewTensor(cfg.Batch, heads, length, cfg.DimHead)
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64() * 0.5)
		}
		return t
	}

	logrus.Infof("Streaming %d tokens in appends of %d (batch=%d heads=%d/%d dim=%d strategy=%s)",
		cfg.Tokens, cfg.ChunkLen, cfg.Batch, cfg.NumHeads, cfg.NumHeadsKV, cfg.DimHead, cfg.CacheStrategy)

	for done := 0; done < cfg.Tokens; {
		length := cfg.ChunkLen
		if done+length > cfg.Tokens {
			length = cfg.Tokens - done
		}
		if _, err := mgr.Append(
			randTensor(cfg.NumHeads, length),
			randTensor(cfg.NumHeadsKV, length),
			randTensor(cfg.NumHeadsKV, length),
			randTensor(cfg.NumHeads, length),
			randTensor(cfg.NumHeadsKV, length),
			randTensor(cfg.NumHeadsKV, length),
		); err != nil {
			return err
		}
		done += length

		s := mgr.Stats()
		logrus.WithFields(logrus.Fields{
			"tokens":    s.Length,
			"blocks":    s.NumGlobalBlock,
			"resident":  s.ResidentBlocks,
			"evictions": s.Evictions,
			"topk_ro":   s.TopkReadouts,
		}).Debug("append complete")
	}

	s := mgr.Stats()
	logrus.Infof("Processed %d tokens: %d committed blocks, init=%d local=%d remainder=%d",
		s.Length, s.NumGlobalBlock, s.InitLen, s.LocalLen, s.RemainderLen)
	logrus.Infof("Paging: %d commits, %d evictions, %d top-k readouts, %d score readouts",
		s.Commits, s.Evictions, s.TopkReadouts, s.ScoreReadouts)
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	observeCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML run config")
	observeCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")
	observeCmd.Flags().IntVar(&tokens, "tokens", 4096, "Total tokens to stream")
	observeCmd.Flags().IntVar(&chunkLen, "chunk", 256, "Tokens per append call")
	observeCmd.Flags().StringVar(&cacheStrategy, "strategy", "lru", "Eviction policy (lru, fifo, lru-s)")
	observeCmd.Flags().IntVar(&topk, "topk", 16, "Blocks selected per chunk")
	observeCmd.Flags().Int64Var(&seed, "seed", 42, "Trace RNG seed")
	rootCmd.AddCommand(observeCmd)
}
