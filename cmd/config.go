package cmd

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/voicerec/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage voicerec configuration profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use <profile>",
	Short: "Make a profile the active configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("Active profile: %s\n", args[0])
		return nil
	},
}

var configInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration with inheritance",
	Long:  `Display the resolved configuration with inheritance indicators. Shows which values are inherited from default vs profile-specific.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, active, err := config.Profiles(cfgFile)
		if err == nil {
			fmt.Printf("=== PROFILES ===\n")
			for _, name := range names {
				marker := " "
				if name == active {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, name)
			}
		}

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Audio]\n")
		fmt.Printf("backend: %s %s\n", cfg.Audio.Backend, getInheritanceIndicator(cfg.Inheritance.Audio.Backend))
		fmt.Printf("device: %s %s\n", cfg.Audio.Device, getInheritanceIndicator(cfg.Inheritance.Audio.Device))
		fmt.Printf("sample_rate: %d %s\n", cfg.Audio.SampleRate, getInheritanceIndicator(cfg.Inheritance.Audio.SampleRate))
		fmt.Printf("channels: %d %s\n", cfg.Audio.Channels, getInheritanceIndicator(cfg.Inheritance.Audio.Channels))
		for i, port := range cfg.Audio.JackPorts {
			fmt.Printf("jack_ports[%d]: %s\n", i, port)
		}

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(cfg.Inheritance.Output.Directory))
		fmt.Printf("format: %s %s (codec %s)\n", cfg.Output.Format, getInheritanceIndicator(cfg.Inheritance.Output.Format), cfg.Codec())
		fmt.Printf("min_free_mb: %d\n", cfg.Output.MinFreeMB)

		fmt.Printf("\n[Library]\n")
		fmt.Printf("database: %s\n", cfg.Library.Database)
		fmt.Printf("watch: %t\n", cfg.Library.Watch)

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configUseCmd)
	configCmd.AddCommand(configInfoCmd)
}
