package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	imagesearch "github.com/menta2k/image-search"
	"github.com/menta2k/image-search/internal/config"
	"github.com/menta2k/image-search/internal/utils"
)

// Global flag values.
var (
	flagConfig   string
	flagLogLevel string
	flagLogFile  string
	flagJSON     bool
)

// cfg is loaded by PersistentPreRunE for every command but version.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "image-search",
	Short: "Search a local image collection by example",
	Long: `image-search indexes directories of images and finds the images most
similar to a query image, or to a selected region of it.

Configuration is read from image-search.yaml (or --config), overridden by
IMAGE_SEARCH_* environment variables and an optional .env file.`,
	Version:       imagesearch.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(flagLogLevel, flagLogFile); err != nil {
			return err
		}
		if cmd.Name() == "version" {
			return nil
		}

		config.LoadEnvFile()
		c, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./image-search.yaml or user config dir)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "also write logs to this file, rotated at 10 MB")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging routes the global logger to a console writer on stderr and,
// when file is set, to a rotated log file
func setupLogging(level, file string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if file != "" {
		if err := utils.EnsureDir(filepath.Dir(file)); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // MB
			MaxBackups: 2,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(out, zerolog.ConsoleWriter{Out: rotated, NoColor: true})
	}
	log.Logger = log.Output(out)
	return nil
}
