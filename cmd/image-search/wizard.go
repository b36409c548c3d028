package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/menta2k/image-search/internal/config"
	"github.com/menta2k/image-search/internal/utils"
)

var errSetupAborted = errors.New("setup cancelled")

// isInteractiveTerminal returns true if both stdin and stdout are TTYs
func isInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// runSetupWizard asks for the settings a first run needs and applies them to c
func runSetupWizard(c *config.Config) error {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		MarginBottom(1)

	fmt.Println()
	fmt.Println(titleStyle.Render("image-search setup"))

	dirs := strings.Join(c.Index.Dirs, ", ")
	dbPath := c.Index.DBPath
	addr := c.Server.Addr
	enabled := c.Vision.Enabled
	provider := c.Vision.Provider
	visionURL := c.Vision.URL
	model := c.Vision.Model

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Image directories").
				Description("Comma separated directories to index").
				Value(&dirs).
				Validate(validateDirs),
			huh.NewInput().
				Title("Index database").
				Value(&dbPath).
				Validate(required("database path")),
			huh.NewInput().
				Title("Listen address").
				Description("Address of the search page, e.g. :8080").
				Value(&addr).
				Validate(required("listen address")),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Describe indexed images with a vision model?").
				Value(&enabled),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Vision backend").
				Options(huh.NewOptions("ollama", "llamacpp", "openai")...).
				Value(&provider),
			huh.NewInput().
				Title("Backend URL").
				Description("Leave empty for the backend default").
				Value(&visionURL),
			huh.NewInput().
				Title("Model").
				Value(&model),
		).WithHideFunc(func() bool { return !enabled }),
	).WithTheme(huh.ThemeBase16())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errSetupAborted
		}
		return err
	}

	c.Index.Dirs = splitList(dirs)
	c.Index.DBPath = strings.TrimSpace(dbPath)
	c.Server.Addr = strings.TrimSpace(addr)
	c.Vision.Enabled = enabled
	c.Vision.Provider = provider
	c.Vision.URL = strings.TrimSpace(visionURL)
	c.Vision.Model = strings.TrimSpace(model)
	return c.Validate()
}

func printSaved(path string) {
	successStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)
	pathStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("245"))

	fmt.Println(successStyle.Render("✓ Configuration saved"))
	fmt.Println(pathStyle.Render("  " + path))
}

// splitList splits a comma separated list, dropping empty items
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validateDirs(s string) error {
	for _, dir := range splitList(s) {
		if !utils.DirExists(dir) {
			return fmt.Errorf("%s is not a directory", dir)
		}
	}
	return nil
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}
