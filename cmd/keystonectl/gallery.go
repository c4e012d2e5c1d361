package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forest6511/keystone/pkg/gallery"
)

var galleryCategory string

func init() {
	rootCmd.AddCommand(galleryCmd)
	galleryCmd.Flags().StringVar(&galleryCategory, "category", "", "Show only one category")
}

// galleryCmd lists the keystone images a user can enroll
var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Lists the keystone image gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := gallery.Default()
		if err != nil {
			return err
		}

		images := g.All()
		if galleryCategory != "" {
			images = g.ByCategory(galleryCategory)
			if len(images) == 0 {
				return fmt.Errorf("unknown category %q (available: %v)", galleryCategory, g.Categories())
			}
		}

		fmt.Printf("Gallery version %d, %d images\n\n", g.Version(), len(images))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCATEGORY\tTITLE")
		for _, img := range images {
			fmt.Fprintf(w, "%s\t%s\t%s\n", img.ID, img.Category, img.Metadata.Title)
		}
		return w.Flush()
	},
}
