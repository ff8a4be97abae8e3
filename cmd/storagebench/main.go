// Command storagebench drives concurrent insert/lookup/remove workers
// against a B+ tree index backed by a real on-disk file: a bounded worker
// pool fed through a semaphore channel, string keys drawn from
// google/uuid, and errgroup collecting the first worker error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relixdb/relix/core/index"
	"github.com/relixdb/relix/core/index/btree"
	"github.com/relixdb/relix/core/storage/buffer"
	"github.com/relixdb/relix/core/storage/disk"
	relixtelemetry "github.com/relixdb/relix/internal/telemetry"
	"github.com/relixdb/relix/pkg/logger"
	"github.com/relixdb/relix/pkg/telemetry"
)

func main() {
	var (
		dbPath      = flag.String("db", "storagebench.db", "path to the backing storage file")
		poolSize    = flag.Int("pool-size", 256, "buffer pool frame count")
		replacerK   = flag.Uint64("k", 4, "LRU-K lookback window")
		workers     = flag.Int("workers", 8, "concurrent workers")
		opsPerWorker = flag.Int("ops", 2000, "insert+lookup+remove cycles per worker")
		metricsPort = flag.Int("metrics-port", 9090, "Prometheus /metrics port, 0 to disable")
	)
	flag.Parse()

	if err := run(*dbPath, *poolSize, *replacerK, *workers, *opsPerWorker, *metricsPort); err != nil {
		fmt.Fprintln(os.Stderr, "storagebench:", err)
		os.Exit(1)
	}
}

func run(dbPath string, poolSize int, replacerK uint64, workers, opsPerWorker, metricsPort int) error {
	log, err := logger.New(logger.Config{Level: "info", Format: "console", OutputFile: "stdout"})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(telemetry.Config{
		Enabled:          metricsPort > 0,
		ServiceName:      "storagebench",
		PrometheusPort:   metricsPort,
		TraceSampleRatio: 1.0,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdown(context.Background())

	storageMetrics, err := relixtelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("storage metrics: %w", err)
	}

	dm, err := disk.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer dm.Close()

	bpm := buffer.New(poolSize, replacerK, dm, nil, log, storageMetrics)
	registry := index.NewRegistry(bpm, log)

	tree, err := index.OpenIndex[string, string](registry, "bench", btree.Options[string, string]{
		Order:    btree.StringOrder,
		KeyCodec: btree.StringCodec{},
		ValCodec: btree.StringCodec{},
		MaxSize:  64,
		Logger:   log,
		Metrics:  storageMetrics,
	})
	if err != nil {
		tree, err = index.CreateIndex[string, string](registry, "bench", btree.Options[string, string]{
			Order:    btree.StringOrder,
			KeyCodec: btree.StringCodec{},
			ValCodec: btree.StringCodec{},
			MaxSize:  64,
			Logger:   log,
			Metrics:  storageMetrics,
		})
		if err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	start := time.Now()
	var eg errgroup.Group
	sem := make(chan struct{}, workers)

	for w := 0; w < workers; w++ {
		w := w
		sem <- struct{}{}
		eg.Go(func() error {
			defer func() { <-sem }()
			return worker(tree, w, opsPerWorker)
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}

	elapsed := time.Since(start)
	total := workers * opsPerWorker * 3
	log.Sugar().Infof("storagebench: %d ops across %d workers in %s (%.0f ops/sec)",
		total, workers, elapsed, float64(total)/elapsed.Seconds())

	return bpm.FlushAll()
}

func worker(tree *btree.Tree[string, string], id, ops int) error {
	keys := make([]string, 0, ops)
	for i := 0; i < ops; i++ {
		key := fmt.Sprintf("w%d-%s", id, uuid.NewString())
		if err := tree.Insert(key, key); err != nil {
			return fmt.Errorf("worker %d: insert %s: %w", id, key, err)
		}
		keys = append(keys, key)
	}

	for _, key := range keys {
		val, err := tree.GetValue(key)
		if err != nil {
			return fmt.Errorf("worker %d: get %s: %w", id, key, err)
		}
		if val != key {
			return fmt.Errorf("worker %d: get %s: got %q", id, key, val)
		}
	}

	for _, key := range keys {
		if err := tree.Remove(key); err != nil {
			return fmt.Errorf("worker %d: remove %s: %w", id, key, err)
		}
	}
	return nil
}
