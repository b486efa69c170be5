package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/capture"
	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	mode       = flag.String("mode", "", "One of: generate, inspect, replay, push, pull")
	file       = flag.String("file", "", "Arrow IPC batch file")
	name       = flag.String("name", "batch", "Batch name on the Flight server")
	flightAddr = flag.String("flight", "", "Arrow Flight server address for push/pull")
	timeout    = flag.Duration("timeout", 30*time.Second, "Flight request timeout")

	sequences = flag.Int("sequences", 4, "Sequences per generated batch")
	minSeqLen = flag.Int("min-len", 16, "Shortest generated sequence")
	maxSeqLen = flag.Int("max-len", 512, "Longest generated sequence")
	heads     = flag.Int("heads", 8, "Query head count")
	kvHeads   = flag.Int("kv-heads", 2, "Key/value head count")
	headDim   = flag.Int("head-dim", 64, "Head dimension")
	dtype     = flag.String("dtype", "f32", "Element type: f32 or f16")
	blockSize = flag.Int("block-size", 16, "Cache block size")
	seed      = flag.Int64("seed", 42, "Generator seed")
	workers   = flag.Int("workers", 0, "Replay worker goroutines (0 = NumCPU)")

	logLevel  = flag.String("log-level", "INFO", "Log level")
	logFormat = flag.String("log-format", "console", "Log format: console or json")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	var err error
	switch *mode {
	case "generate":
		err = runGenerate()
	case "inspect":
		err = runInspect()
	case "replay":
		err = runReplay()
	case "push":
		err = runPush()
	case "pull":
		err = runPull()
	default:
		fmt.Fprintf(os.Stderr, "Usage: %s -mode generate|inspect|replay|push|pull [flags]\n", os.Args[0])
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		logger.Log.Error("command failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

func requireFile() error {
	if *file == "" {
		return fmt.Errorf("-file is required for mode %s", *mode)
	}
	return nil
}

func runGenerate() error {
	if err := requireFile(); err != nil {
		return err
	}
	cfg := config.Default()
	cfg.Sequences = *sequences
	cfg.MinSeqLen = *minSeqLen
	cfg.MaxSeqLen = *maxSeqLen
	cfg.Heads = *heads
	cfg.KVHeads = *kvHeads
	cfg.HeadDim = *headDim
	cfg.DType = *dtype
	cfg.BlockSize = *blockSize
	cfg.Seed = *seed
	if err := cfg.Validate(); err != nil {
		return err
	}

	batch, err := capture.Synthetic(cfg)
	if err != nil {
		return err
	}
	if err := capture.WriteFile(*file, batch); err != nil {
		return err
	}
	fmt.Printf("Wrote %s: %d sequences, %d tokens, %s\n",
		*file, len(batch.CtxLens), batch.Tokens(), batch.Q.DType)
	return nil
}

func runInspect() error {
	if err := requireFile(); err != nil {
		return err
	}
	batch, err := capture.ReadFile(*file)
	if err != nil {
		return err
	}

	fmt.Printf("Batch %s\n", *file)
	fmt.Printf("  sequences:    %d (lengths %v)\n", len(batch.CtxLens), batch.CtxLens)
	fmt.Printf("  tokens:       %d\n", batch.Tokens())
	fmt.Printf("  query heads:  %d x %d dims\n", batch.Q.Heads, batch.Q.HeadDim)
	fmt.Printf("  kv heads:     %d\n", batch.K.Heads)
	fmt.Printf("  dtype:        %s\n", batch.Q.DType)
	fmt.Printf("  block size:   %d (%d cache blocks)\n", batch.BlockSize, batch.CacheBlocks)
	for _, tc := range []struct {
		name string
		p    *tensor.Packed
	}{{"q", batch.Q}, {"k", batch.K}, {"v", batch.V}} {
		st := tensor.ComputeStats(tc.p.Float32())
		fmt.Printf("  %s: min %.4f max %.4f mean %.4f nan %d inf %d\n",
			tc.name, st.Min, st.Max, st.Mean, st.NaN, st.Inf)
	}
	return nil
}

func runReplay() error {
	if err := requireFile(); err != nil {
		return err
	}
	batch, err := capture.ReadFile(*file)
	if err != nil {
		return err
	}

	view := batch.NewView()
	opts := attention.Options{Workers: *workers, Audit: true}

	start := time.Now()
	out, err := attention.Prefill(batch.Q, batch.K, batch.V, view, batch.CtxLens, opts)
	if err != nil {
		return err
	}
	d := time.Since(start)

	st := tensor.ComputeStats(out.Float32())
	fmt.Printf("Replayed %d tokens in %v (%.2f tokens/s)\n",
		batch.Tokens(), d, float64(batch.Tokens())/d.Seconds())
	fmt.Printf("  output: min %.4f max %.4f mean %.4f nan %d inf %d\n",
		st.Min, st.Max, st.Mean, st.NaN, st.Inf)
	if st.NaN > 0 || st.Inf > 0 {
		return fmt.Errorf("replay produced %d NaN and %d Inf values", st.NaN, st.Inf)
	}
	return nil
}

func flightClient(ctx context.Context) (*capture.FlightClient, error) {
	if *flightAddr == "" {
		return nil, fmt.Errorf("-flight is required for mode %s", *mode)
	}
	fc := capture.NewFlightClient(*flightAddr)
	if err := fc.Connect(ctx); err != nil {
		return nil, err
	}
	return fc, nil
}

func runPush() error {
	if err := requireFile(); err != nil {
		return err
	}
	batch, err := capture.ReadFile(*file)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	fc, err := flightClient(ctx)
	if err != nil {
		return err
	}
	defer fc.Close()

	if err := fc.Push(ctx, *name, batch); err != nil {
		return err
	}
	fmt.Printf("Pushed %s to %s as %q (%d tokens)\n", *file, *flightAddr, *name, batch.Tokens())
	return nil
}

func runPull() error {
	if err := requireFile(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	fc, err := flightClient(ctx)
	if err != nil {
		return err
	}
	defer fc.Close()

	batch, err := fc.Pull(ctx, *name)
	if err != nil {
		return err
	}
	if err := capture.WriteFile(*file, batch); err != nil {
		return err
	}
	fmt.Printf("Pulled %q from %s into %s (%d tokens)\n", *name, *flightAddr, *file, batch.Tokens())
	return nil
}
