package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/menta2k/image-search/internal/utils"
	"github.com/menta2k/image-search/pkg/index"
)

var (
	indexPrune   bool
	indexWorkers int
	indexVision  bool
)

var indexCmd = &cobra.Command{
	Use:   "index [dir...]",
	Short: "Index image directories",
	Long: `Index extracts features from every image below the given directories,
or below index.dirs when none are given. Unchanged files are skipped.

Example:
  image-search index ~/Pictures
  image-search index --prune --vision ~/Pictures /srv/photos`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexPrune, "prune", false, "drop records of files that no longer exist")
	indexCmd.Flags().IntVar(&indexWorkers, "workers", 0, "number of indexing workers (overrides index.workers)")
	indexCmd.Flags().BoolVar(&indexVision, "vision", false, "annotate new images with the vision model (overrides vision.enabled)")
}

type indexOutput struct {
	index.Stats
	Images  int    `json:"images"`
	DBSize  int64  `json:"db_size"`
	DBHuman string `json:"db_size_human"`
}

func runIndex(cmd *cobra.Command, args []string) error {
	if indexWorkers > 0 {
		cfg.Index.Workers = indexWorkers
	}
	if cmd.Flags().Changed("vision") {
		cfg.Vision.Enabled = indexVision
	}

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	engine.OnIndexEvent(logIndexEvent)

	pruned := 0
	if indexPrune {
		pruned, err = engine.Prune(ctx)
		if err != nil {
			return fmt.Errorf("prune: %w", err)
		}
		log.Info().Int("pruned", pruned).Msg("pruned missing files")
	}

	var stats index.Stats
	if len(args) > 0 || len(cfg.Index.Dirs) > 0 {
		stats, err = engine.Index(ctx, args...)
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
	} else if !indexPrune {
		return fmt.Errorf("no directories given and index.dirs is empty")
	}
	stats.Pruned = pruned

	out := indexOutput{Stats: stats, Images: engine.Len()}
	if fi, err := os.Stat(cfg.Index.DBPath); err == nil {
		out.DBSize = fi.Size()
		out.DBHuman = utils.FormatFileSize(fi.Size())
	}

	if flagJSON {
		return printJSON(out)
	}
	fmt.Printf("found %d, indexed %d, skipped %d, failed %d, pruned %d\n",
		stats.Found, stats.Indexed, stats.Skipped, stats.Failed, stats.Pruned)
	fmt.Printf("%d images in %s (%s)\n", out.Images, cfg.Index.DBPath, out.DBHuman)
	return nil
}
