// Copyright 2026 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/antflydb/palaver/pkg/palaver"
	"github.com/antflydb/palaver/pkg/palaver/lib/backends"
	"github.com/antflydb/palaver/pkg/palaver/lib/bart"
	"github.com/antflydb/palaver/pkg/palaver/lib/blenderbot"
	"github.com/antflydb/palaver/pkg/palaver/lib/generation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP generation service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":11434", "listen address")
	serveCmd.Flags().String("model-dir", "", "model directory holding config.json (empty = built-in defaults)")
	serveCmd.Flags().String("engine", "", "GoMLX engine (xla, simplego; empty = auto-detect)")
	serveCmd.Flags().Int("pool-size", 1, "number of pooled generator instances")
	serveCmd.Flags().Int("max-concurrent", 4, "max concurrent generation requests (0 = unlimited)")
	serveCmd.Flags().Int("max-queue", 32, "max queued requests (0 = unlimited)")
	serveCmd.Flags().Duration("request-timeout", 30*time.Second, "queue wait timeout (0 = none)")
	serveCmd.Flags().Int64("seed", 42, "weight initialization seed")

	mustBindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
	mustBindPFlag("serve.model_dir", serveCmd.Flags().Lookup("model-dir"))
	mustBindPFlag("serve.engine", serveCmd.Flags().Lookup("engine"))
	mustBindPFlag("serve.pool_size", serveCmd.Flags().Lookup("pool-size"))
	mustBindPFlag("serve.max_concurrent", serveCmd.Flags().Lookup("max-concurrent"))
	mustBindPFlag("serve.max_queue", serveCmd.Flags().Lookup("max-queue"))
	mustBindPFlag("serve.request_timeout", serveCmd.Flags().Lookup("request-timeout"))
	mustBindPFlag("serve.seed", serveCmd.Flags().Lookup("seed"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := resolveModelConfig(viper.GetString("serve.model_dir"))
	if err != nil {
		return err
	}

	engine, err := backends.NewEngine(viper.GetString("serve.engine"))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	seed := viper.GetInt64("serve.seed")
	poolSize := viper.GetInt("serve.pool_size")
	pool, err := generation.NewPooled(poolSize, func(i int) (*generation.Generator, error) {
		model, err := bart.NewModel(cfg, engine, seed+int64(i),
			blenderbot.WithLogger(logger.Named("model")))
		if err != nil {
			return nil, err
		}
		return generation.NewGenerator(model, generation.DefaultConfig(),
			generation.WithGeneratorLogger(logger.Named("generation"))), nil
	}, generation.WithPooledLogger(logger))
	if err != nil {
		return fmt.Errorf("building generator pool: %w", err)
	}

	srv := palaver.NewServer(palaver.ServerConfig{
		Addr: viper.GetString("serve.addr"),
		Queue: palaver.RequestQueueConfig{
			MaxConcurrentRequests: viper.GetInt("serve.max_concurrent"),
			MaxQueueSize:          viper.GetInt("serve.max_queue"),
			RequestTimeout:        viper.GetDuration("serve.request_timeout"),
		},
	}, pool, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// resolveModelConfig loads the model configuration from a directory, or
// falls back to the built-in defaults when none is given.
func resolveModelConfig(modelDir string) (*blenderbot.Config, error) {
	if modelDir == "" {
		return blenderbot.DefaultConfig(), nil
	}
	cfg, err := blenderbot.LoadConfig(modelDir)
	if err != nil {
		return nil, fmt.Errorf("loading model config from %s: %w", modelDir, err)
	}
	return cfg, nil
}
