package capture

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/voicerec/internal/config"
)

// ListSources returns the input names usable as audio.device (or
// audio.jack_ports) for a backend
func ListSources(ctx context.Context, backend string) ([]string, error) {
	switch backend {
	case config.BackendPulse:
		output, err := exec.CommandContext(ctx, "pactl", "list", "short", "sources").Output()
		if err != nil {
			return nil, fmt.Errorf("failed to list PulseAudio sources: %w", err)
		}
		return parsePulseSources(string(output)), nil

	case config.BackendALSA:
		output, err := exec.CommandContext(ctx, "arecord", "-L").Output()
		if err != nil {
			return nil, fmt.Errorf("failed to list ALSA devices: %w", err)
		}
		return parseALSADevices(string(output)), nil

	case config.BackendJack:
		return NewPipeWire().ListPorts()
	}

	return nil, fmt.Errorf("unknown audio backend: %s", backend)
}

// parsePulseSources reads `pactl list short sources`: index, name, driver, ...
func parsePulseSources(output string) []string {
	var sources []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			sources = append(sources, fields[1])
		}
	}
	return sources
}

// parseALSADevices reads `arecord -L`, where descriptions are indented below
// each device name
func parseALSADevices(output string) []string {
	var devices []string
	for _, line := range strings.Split(output, "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		name := strings.TrimSpace(line)
		if name != "null" {
			devices = append(devices, name)
		}
	}
	return devices
}
