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
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/palaver/pkg/palaver/lib/backends"
	"github.com/antflydb/palaver/pkg/palaver/lib/bart"
	"github.com/antflydb/palaver/pkg/palaver/lib/blenderbot"
	"github.com/antflydb/palaver/pkg/palaver/lib/generation"
)

var generateCmd = &cobra.Command{
	Use:   "generate <token-id>...",
	Short: "Run one generation from source token ids",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().String("model-dir", "", "model directory holding config.json (empty = built-in defaults)")
	generateCmd.Flags().String("engine", "", "GoMLX engine (xla, simplego; empty = auto-detect)")
	generateCmd.Flags().Int("max-length", 0, "target length bound (0 = model default)")
	generateCmd.Flags().Bool("sample", false, "sample instead of greedy decoding")
	generateCmd.Flags().Float32("temperature", 1.0, "sampling temperature")
	generateCmd.Flags().Int("top-k", 0, "keep only the k most likely tokens (0 = off)")
	generateCmd.Flags().Float32("top-p", 1.0, "nucleus sampling mass (1 = off)")
	generateCmd.Flags().Float32("repetition-penalty", 1.0, "penalty for repeated tokens (1 = off)")
	generateCmd.Flags().Int64("seed", 42, "weight initialization and sampling seed")

	mustBindPFlag("generate.model_dir", generateCmd.Flags().Lookup("model-dir"))
	mustBindPFlag("generate.engine", generateCmd.Flags().Lookup("engine"))
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	inputIDs := make([]int64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("token id %q is not an integer", arg)
		}
		inputIDs[i] = id
	}

	cfg, err := resolveModelConfig(viper.GetString("generate.model_dir"))
	if err != nil {
		return err
	}
	engine, err := backends.NewEngine(viper.GetString("generate.engine"))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	seed, _ := cmd.Flags().GetInt64("seed")
	model, err := bart.NewModel(cfg, engine, seed,
		blenderbot.WithLogger(logger.Named("model")))
	if err != nil {
		return fmt.Errorf("building model: %w", err)
	}

	genCfg := generation.DefaultConfig()
	genCfg.MaxLength, _ = cmd.Flags().GetInt("max-length")
	genCfg.DoSample, _ = cmd.Flags().GetBool("sample")
	genCfg.Temperature, _ = cmd.Flags().GetFloat32("temperature")
	genCfg.TopK, _ = cmd.Flags().GetInt("top-k")
	genCfg.TopP, _ = cmd.Flags().GetFloat32("top-p")
	genCfg.RepetitionPenalty, _ = cmd.Flags().GetFloat32("repetition-penalty")
	genCfg.Seed = seed

	gen := generation.NewGenerator(model, genCfg,
		generation.WithGeneratorLogger(logger.Named("generation")))

	result, err := gen.Generate(cmd.Context(), inputIDs)
	if err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	logger.Info("generation complete",
		zap.Int("tokens", len(result.TokenIDs)),
		zap.Bool("stopped_at_eos", result.StoppedAtEOS))

	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"token_ids":      result.TokenIDs,
		"stopped_at_eos": result.StoppedAtEOS,
		"steps":          result.Steps,
	})
}
