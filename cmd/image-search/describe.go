package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	imagesearch "github.com/menta2k/image-search"
	"github.com/menta2k/image-search/pkg/annotation"
	"github.com/menta2k/image-search/pkg/processing"
)

var describeTest bool

var describeCmd = &cobra.Command{
	Use:   "describe <image>",
	Short: "Describe an image with the configured vision model",
	Long: `Describe sends an image to the vision backend configured in the vision
section and prints the description and tags that indexing would store.

With --test a plain question is asked instead, to check that the model
actually sees the image.`,
	Args: cobra.ExactArgs(1),
	RunE: runDescribe,
}

func init() {
	describeCmd.Flags().BoolVar(&describeTest, "test", false, "ask the model what it sees instead of annotating")
}

func runDescribe(cmd *cobra.Command, args []string) error {
	vc, err := imagesearch.NewVisionClient(cfg.Vision)
	if err != nil {
		return err
	}
	a := annotation.NewAnnotator(vc, annotation.Config{
		Model:   cfg.Vision.Model,
		MaxDim:  cfg.Vision.MaxDim,
		Quality: cfg.Vision.Quality,

		RequestsPerMinute: cfg.Vision.RequestsPerMinute,
	})

	img, err := processing.NewProcessor().LoadImage(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if describeTest {
		answer, err := a.TestVision(ctx, img)
		if err != nil {
			return err
		}
		fmt.Println(strings.TrimSpace(answer))
		return nil
	}

	ann, err := a.Annotate(ctx, img)
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(ann)
	}
	fmt.Println("description:", ann.Description)
	fmt.Println("tags:       ", strings.Join(ann.Tags, ", "))
	return nil
}
