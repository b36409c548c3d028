package main

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	imagesearch "github.com/menta2k/image-search"
	"github.com/menta2k/image-search/internal/server"
	"github.com/menta2k/image-search/pkg/types"
	"github.com/menta2k/image-search/pkg/uploads"
	"github.com/menta2k/image-search/web"
)

var (
	serveAddr          string
	serveIndexFirst    bool
	serveCheckTemplate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the search page",
	Long: `Serve starts the web server with the search page. Uploaded query images
are removed by a background janitor once they are older than server.upload_ttl.
The search snapshot is reloaded every index.reload_interval so images indexed
or pruned by another process show up without a restart.

With --check-template the search page is rendered and checked, nothing is served.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveIndexFirst, "index", false, "index the configured directories before serving")
	serveCmd.Flags().BoolVar(&serveCheckTemplate, "check-template", false, "render the search page, report its structure and exit")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveCheckTemplate {
		return checkTemplate()
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if serveIndexFirst && len(cfg.Index.Dirs) > 0 {
		engine.OnIndexEvent(logIndexEvent)
		stats, err := engine.Index(ctx)
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
		log.Info().Int("indexed", stats.Indexed).Int("skipped", stats.Skipped).
			Int("failed", stats.Failed).Msg("index updated")
	}

	store, err := uploads.New(cfg.Server.UploadDir, cfg.Server.MaxUploadBytes)
	if err != nil {
		return err
	}
	srv, err := server.New(engine, store)
	if err != nil {
		return err
	}

	log.Info().Int("images", engine.Len()).Str("version", imagesearch.Version).Msg("starting image search")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		return store.Run(gctx, cfg.Server.CleanupInterval, cfg.Server.UploadTTL, func(n int, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("upload cleanup failed")
				return
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("expired uploads removed")
			}
		})
	})
	if cfg.Index.ReloadInterval > 0 {
		g.Go(func() error {
			last := engine.Len()
			return engine.WatchIndex(gctx, cfg.Index.ReloadInterval, func(n int, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("index reload failed")
					return
				}
				if n != last {
					log.Info().Int("images", n).Int("previous", last).Msg("index reloaded")
					last = n
				}
			})
		})
	}
	return g.Wait()
}

// checkTemplate renders the search page and reports ids, form fields and
// assets; duplicated ids are an error
func checkTemplate() error {
	renderer, err := web.NewRenderer()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	data := web.NewPageData(cfg.Server.Title, imagesearch.Version, cfg.SearchDefaults())
	if err := renderer.Render(&buf, web.PageSearch, data); err != nil {
		return err
	}
	rep, err := web.CheckDocument(&buf)
	if err != nil {
		return err
	}

	if flagJSON {
		if err := printJSON(rep); err != nil {
			return err
		}
	} else {
		fmt.Printf("ids:         %s\n", strings.Join(rep.IDs, ", "))
		fmt.Printf("form fields: %s\n", strings.Join(rep.FormFields, ", "))
		fmt.Printf("assets:      %s\n", strings.Join(rep.Assets, ", "))
		fmt.Printf("num_results: %v\n", types.AllowedNumResults)
	}
	if len(rep.Duplicates) > 0 {
		return fmt.Errorf("duplicate element ids: %s", strings.Join(rep.Duplicates, ", "))
	}
	return nil
}
