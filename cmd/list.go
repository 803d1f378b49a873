package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/audiolibrelab/voicerec/internal/library"
	"github.com/audiolibrelab/voicerec/internal/service"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recordings",
	Long:  `List the recordings catalog, newest first. With --scan the output directory is synchronized first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := library.Open(cfg.Library.Database)
		if err != nil {
			return err
		}
		defer catalog.Close()

		ctx := cmd.Context()
		if scan, _ := cmd.Flags().GetBool("scan"); scan {
			removed, added, err := catalog.Sync(ctx, cfg.Output.Directory)
			if err != nil {
				return err
			}
			fmt.Printf("Synchronized %s: %d added, %d removed\n\n", cfg.Output.Directory, added, removed)
		}

		recordings, err := catalog.List(ctx)
		if err != nil {
			return err
		}
		if len(recordings) == 0 {
			fmt.Println("No recordings")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDURATION\tSIZE\tFINISHED")
		for _, r := range recordings {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID[:8], r.Name,
				service.FormatDuration(r.Duration),
				service.FormatBytes(r.Size),
				r.FinalizedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().Bool("scan", false, "synchronize the catalog with the output directory first")
}
