package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/voicerec/internal/library"
	"github.com/audiolibrelab/voicerec/internal/playback"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [id|latest]",
	Short: "Play a recording",
	Long: `Play a catalogued recording with an external player.
VLC is preferred when available, then mpv, ffplay and aplay (WAV only).
Press Ctrl+C to stop.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := "latest"
		if len(args) == 1 {
			ref = args[0]
		}

		catalog, err := library.Open(cfg.Library.Database)
		if err != nil {
			return err
		}
		defer catalog.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		target, err := catalog.Find(ctx, ref)
		if err != nil {
			return err
		}

		finished := make(chan struct{})
		player := playback.New(playback.NewExecPlayer(cfg.Playback.Players),
			playback.WithOnFinished(func(playback.Session) { close(finished) }))

		ps, err := player.Play(ctx, target)
		if err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		fmt.Printf("Playing %s (session %d)\n", target.Name, ps.ID)

		select {
		case <-finished:
			slog.Debug("Playback finished", "session", ps.ID)
		case <-ctx.Done():
			fmt.Println("\nStopping playback...")
			return player.Stop()
		}
		return nil
	},
}
