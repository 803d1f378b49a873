package cmd

import (
	"fmt"

	"github.com/audiolibrelab/voicerec/internal/capture"
	"github.com/audiolibrelab/voicerec/internal/config"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List the capture sources of the configured audio backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := capture.ListSources(cmd.Context(), cfg.Audio.Backend)
		if err != nil {
			return err
		}

		fmt.Printf("Audio Sources (%s, %d found):\n", cfg.Audio.Backend, len(sources))
		for i, source := range sources {
			fmt.Printf("  %d. %s\n", i+1, source)
		}

		switch cfg.Audio.Backend {
		case config.BackendJack:
			fmt.Printf("\nConfigure in audio.jack_ports: [\"system:capture_1\"]\n")
		default:
			fmt.Printf("\nConfigure in audio.device\n")
		}
		return nil
	},
}
