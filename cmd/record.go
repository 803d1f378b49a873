package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/audiolibrelab/voicerec/internal/service"
	"github.com/audiolibrelab/voicerec/internal/session"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [name]",
	Short: "Record a voice session",
	Long: `Record from the configured audio device until stopped.

  Enter or p   pause / resume
  s            stop and save
  Ctrl+C       stop and save

The recording is finalized into the configured output format and added to
the catalog.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) == 1 {
			name = args[0]
		}
		if dir, _ := cmd.Flags().GetString("output"); dir != "" {
			cfg.Output.Directory = dir
		}
		slog.Debug("Record command started", "name", name, "output", cfg.Output.Directory)

		svc, err := service.Open(cfg)
		if err != nil {
			return err
		}
		defer svc.Close(context.Background())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		events, cancel := svc.Subscribe()
		defer cancel()

		target, err := svc.OnRecord(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		fmt.Printf("Recording to %s\n", target.Path)
		fmt.Printf("[Enter/p] pause/resume  [s] stop  [Ctrl+C] stop\n")

		keys := readLines(os.Stdin)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				render(os.Stdout, ev)

			case key, ok := <-keys:
				if !ok {
					keys = nil
					continue
				}
				switch strings.ToLower(strings.TrimSpace(key)) {
				case "", "p":
					if _, err := svc.OnTogglePause(ctx); err != nil {
						fmt.Printf("\n%v\n", err)
					}
				case "s", "q":
					return finish(svc)
				}

			case <-ctx.Done():
				fmt.Println()
				return finish(svc)
			}
		}
	},
}

// finish stops the session and reports the saved file
func finish(svc service.Service) error {
	fmt.Println("\nStopping recording...")
	final, err := svc.OnStop(context.Background())
	if err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}

	fmt.Printf("Saved %s (%s, %s)\n", final.Path,
		service.FormatDuration(final.Duration), service.FormatBytes(final.Size))
	if msg := svc.GetLastError(); msg != "" {
		fmt.Printf("Warning: %s\n", msg)
	}
	return nil
}

// render redraws the status line for one session event
func render(w io.Writer, ev session.Event) {
	if ev.Kind == session.EventError {
		fmt.Fprintf(w, "\nError: %v\n", ev.Err)
		return
	}

	snap := ev.Snapshot
	label := map[session.State]string{
		session.Recording: "● REC",
		session.Paused:    "Ⅱ PAUSED",
		session.Stopped:   "■ STOPPED",
		session.Idle:      "  IDLE",
	}[snap.State]
	fmt.Fprintf(w, "\r%-10s %s  %s %3d°   ", label, session.FormatElapsed(snap.Elapsed), arc(snap.Angle), snap.Angle)
}

// arc draws the progress angle as a quarter-step glyph
func arc(angle int) string {
	return []string{"○", "◔", "◑", "◕"}[(angle/90)%4]
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
}
