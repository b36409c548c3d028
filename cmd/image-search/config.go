package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/menta2k/image-search/internal/config"
	"github.com/menta2k/image-search/internal/utils"
)

var (
	configInitPath        string
	configInitForce       bool
	configInitInteractive bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the current configuration to a YAML file",
	Long: `Init writes the effective configuration (defaults, config file and
environment overrides) to the default config path, or to --path.

With --interactive the main settings are asked for first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configInitPath
		if path == "" {
			path = config.GetConfigPath()
		}
		if utils.FileExists(path) && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if configInitInteractive {
			if !isInteractiveTerminal() {
				return fmt.Errorf("--interactive needs a terminal")
			}
			if err := runSetupWizard(cfg); err != nil {
				return err
			}
		}
		if err := cfg.SaveToFile(path); err != nil {
			return err
		}
		if isInteractiveTerminal() {
			printSaved(path)
		} else {
			fmt.Println("wrote", path)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cfg)
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "output file (default: user config dir)")
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing file")
	configInitCmd.Flags().BoolVarP(&configInitInteractive, "interactive", "i", false, "ask for the main settings before writing")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
