package main

import (
	"fmt"

	"github.com/spf13/cobra"

	imagesearch "github.com/menta2k/image-search"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the image-search version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("image-search", imagesearch.GetVersion())
	},
}
