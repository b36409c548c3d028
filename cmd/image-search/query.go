package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/menta2k/image-search/internal/utils"
	"github.com/menta2k/image-search/pkg/types"
)

var (
	queryBox          string
	queryNumResults   int
	queryLocalization bool
	queryRerank       bool
	queryAvgQE        bool
	queryOverlayDir   string
	queryOverlayExt   string
)

var queryCmd = &cobra.Command{
	Use:   "query <image>",
	Short: "Search the index for an image",
	Long: `Query searches the index for the images most similar to the given image,
or to the region of it selected with --box (normalized x,y,w,h).

Options left unset take their value from the search section of the config.

Example:
  image-search query photo.jpg
  image-search query photo.jpg --box 0.25,0.1,0.5,0.5 --localization --rerank
  image-search query photo.jpg -n 25 --avg-qe --overlay-dir out`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryBox, "box", "", "query region as normalized x,y,w,h")
	queryCmd.Flags().IntVarP(&queryNumResults, "num-results", "n", 10, "number of results: 5, 10, 25 or 50")
	queryCmd.Flags().BoolVar(&queryLocalization, "localization", false, "localize the query in every result")
	queryCmd.Flags().BoolVar(&queryRerank, "rerank", false, "rerank the top candidates by localized score")
	queryCmd.Flags().BoolVar(&queryAvgQE, "avg-qe", false, "average query expansion")
	queryCmd.Flags().StringVar(&queryOverlayDir, "overlay-dir", "", "write every localized result with its box drawn to this directory")
	queryCmd.Flags().StringVar(&queryOverlayExt, "overlay-ext", "jpg", "overlay format: jpg|png|webp")
}

func runQuery(cmd *cobra.Command, args []string) error {
	box := types.Full
	if queryBox != "" {
		b, err := types.ParseBox(queryBox)
		if err != nil {
			return fmt.Errorf("invalid --box: %w", err)
		}
		box = b
	}

	opts := cfg.SearchDefaults()
	flags := cmd.Flags()
	if flags.Changed("num-results") {
		opts.NumResults = queryNumResults
	}
	if flags.Changed("localization") {
		opts.Localization = queryLocalization
	}
	if flags.Changed("rerank") {
		opts.Rerank = queryRerank
	}
	if flags.Changed("avg-qe") {
		opts.AvgQE = queryAvgQE
	}
	if queryOverlayDir != "" {
		opts.Localization = true
	}

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	results, err := engine.SearchFile(ctx, args[0], box, opts)
	if err != nil {
		return err
	}

	if queryOverlayDir != "" {
		if err := utils.EnsureDir(queryOverlayDir); err != nil {
			return err
		}
		p := engine.Processor()
		for i, r := range results {
			if r.Box == nil {
				continue
			}
			img, err := p.LoadImage(r.Path)
			if err != nil {
				log.Warn().Err(err).Str("path", r.Path).Msg("overlay skipped")
				continue
			}
			name := fmt.Sprintf("%03d_%s.%s", i+1, utils.SanitizeFilename(filepath.Base(r.Path)), queryOverlayExt)
			out := filepath.Join(queryOverlayDir, name)
			if err := p.SaveImage(p.LabelOverlay(img, *r.Box, fmt.Sprintf("#%d %.4f", i+1, r.Score)), out, queryOverlayExt, 90, false); err != nil {
				log.Warn().Err(err).Str("path", out).Msg("overlay save failed")
				continue
			}
			log.Info().Str("path", out).Msg("wrote overlay")
		}
	}

	if flagJSON {
		return printJSON(results)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tSCORE\tBOX\tPATH")
	fmt.Fprintln(w, "----\t-----\t---\t----")
	for i, r := range results {
		b := "-"
		if r.Box != nil {
			b = r.Box.String()
		}
		fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", i+1, r.Score, b, r.Path)
	}
	return w.Flush()
}
