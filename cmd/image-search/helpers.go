package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	imagesearch "github.com/menta2k/image-search"
	"github.com/menta2k/image-search/pkg/index"
)

// openEngine opens the index described by cfg. The caller must Close it.
func openEngine() (*imagesearch.Engine, error) {
	engine, err := imagesearch.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	log.Debug().Str("db", cfg.Index.DBPath).Int("images", engine.Len()).Msg("index opened")
	return engine, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// logIndexEvent logs the outcome for a single file
func logIndexEvent(ev index.Event) {
	switch ev.Kind {
	case index.EventIndexed:
		log.Info().Str("path", ev.Path).Str("id", ev.ID).Dur("took", ev.Duration).Msg("indexed")
	case index.EventSkipped:
		log.Debug().Str("path", ev.Path).Msg("unchanged, skipped")
	case index.EventAnnotationFailed:
		log.Warn().Err(ev.Err).Str("path", ev.Path).Str("id", ev.ID).Msg("indexed without annotation")
	case index.EventFailed:
		log.Error().Err(ev.Err).Str("path", ev.Path).Msg("failed to index")
	}
}
