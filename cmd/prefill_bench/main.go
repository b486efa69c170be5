package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/capture"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
)

var (
	heads       = flag.Int("heads", 8, "Query head count")
	kvHeads     = flag.Int("kv-heads", 2, "Key/value head count")
	headDim     = flag.Int("head-dim", 64, "Head dimension (32, 64, 128 or 256)")
	dtype       = flag.String("dtype", "f32", "Element type: f32 or f16")
	blockSize   = flag.Int("block-size", 16, "Cache block size (16, 32, 64 or 128)")
	cacheBlocks = flag.Int("cache-blocks", 0, "Physical cache blocks (0 = sized to the batch)")
	sequences   = flag.Int("sequences", 4, "Sequences per batch")
	minSeqLen   = flag.Int("min-len", 16, "Shortest sequence length")
	maxSeqLen   = flag.Int("max-len", 512, "Longest sequence length")
	seed        = flag.Int64("seed", 42, "Batch generator seed")
	workers     = flag.Int("workers", 0, "Worker goroutines (0 = NumCPU)")
	iterations  = flag.Int("n", 10, "Timed iterations")
	audit       = flag.Bool("audit", false, "Scan outputs for NaN/Inf after every launch")
	dense       = flag.Bool("dense", false, "Run the dense fallback instead of the tiled kernel")
	capturePath = flag.String("capture", "", "Write the generated batch to this Arrow IPC file")
	logLevel    = flag.String("log-level", "INFO", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
	metricsAddr = flag.String("metrics", ":9090", "Health and metrics listen address")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	cfg.Heads = *heads
	cfg.KVHeads = *kvHeads
	cfg.HeadDim = *headDim
	cfg.DType = *dtype
	cfg.BlockSize = *blockSize
	cfg.CacheBlocks = *cacheBlocks
	cfg.Sequences = *sequences
	cfg.MinSeqLen = *minSeqLen
	cfg.MaxSeqLen = *maxSeqLen
	cfg.Seed = *seed
	cfg.Workers = *workers
	cfg.Iterations = *iterations
	cfg.Audit = *audit
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.MetricsAddr = *metricsAddr
	cfg.CapturePath = *capturePath
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	monitor := monitoring.NewHealthMonitor()
	go func() {
		if err := monitor.Start(cfg.MetricsAddr); err != nil && err != http.ErrServerClosed {
			logger.Log.Warn("health monitor stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Log.Info("generating batch",
		"sequences", cfg.Sequences,
		"min_len", cfg.MinSeqLen,
		"max_len", cfg.MaxSeqLen,
		"heads", cfg.Heads,
		"kv_heads", cfg.KVHeads,
		"head_dim", cfg.HeadDim,
		"dtype", cfg.NormalizedDType(),
		"seed", cfg.Seed,
	)
	batch, err := capture.Synthetic(cfg)
	if err != nil {
		logger.Log.Error("batch generation failed", "error", err)
		os.Exit(1)
	}
	if cfg.CapturePath != "" {
		if err := capture.WriteFile(cfg.CapturePath, batch); err != nil {
			logger.Log.Error("capture write failed", "path", cfg.CapturePath, "error", err)
			os.Exit(1)
		}
		logger.Log.Info("batch captured", "path", cfg.CapturePath, "tokens", batch.Tokens())
	}

	run := attention.Prefill
	kernelName := "tiled"
	if *dense {
		run = attention.PrefillDense
		kernelName = "dense"
	}
	opts := attention.Options{
		MaxSeqLen: batch.MaxSeqLen(),
		Workers:   cfg.Workers,
		Audit:     cfg.Audit,
	}

	doneChan := make(chan struct{})
	go func() {
		defer close(doneChan)

		view := batch.NewView()

		// Warmup
		if _, err := run(batch.Q, batch.K, batch.V, view, batch.CtxLens, opts); err != nil {
			logger.Log.Error("warmup launch failed", "error", err)
			os.Exit(1)
		}

		var total time.Duration
		var best time.Duration
		for i := 0; i < cfg.Iterations; i++ {
			start := time.Now()
			if _, err := run(batch.Q, batch.K, batch.V, view, batch.CtxLens, opts); err != nil {
				logger.Log.Error("launch failed", "iteration", i, "error", err)
				os.Exit(1)
			}
			d := time.Since(start)
			monitor.ObservePrefill(batch.Tokens(), d)
			total += d
			if best == 0 || d < best {
				best = d
			}
			logger.Log.Debug("iteration complete", "iteration", i, "duration", d.String())
		}

		avg := total / time.Duration(cfg.Iterations)
		fmt.Printf("Prefill complete: %d iterations, %d tokens each (%s kernel)\n",
			cfg.Iterations, batch.Tokens(), kernelName)
		fmt.Printf("  avg %v (%.2f tokens/s), best %v (%.2f tokens/s)\n",
			avg, float64(batch.Tokens())/avg.Seconds(),
			best, float64(batch.Tokens())/best.Seconds())
		fmt.Printf("  cache: %d blocks of %d slots, %.2f MB key + value\n",
			batch.CacheBlocks, batch.BlockSize,
			float64(view.K.SizeBytes()+view.V.SizeBytes())/(1024*1024))
	}()

	select {
	case <-doneChan:
		// done
	case <-sigChan:
		logger.Log.Info("interrupt received, shutting down")
	}
}
