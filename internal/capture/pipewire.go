package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// errDuplicatePort marks a port name registered more than once in the graph
var errDuplicatePort = errors.New("duplicate sources detected")

// PipeWire manages PipeWire/JACK port operations for the jack backend
type PipeWire struct {
	run   func(name string, args ...string) ([]byte, error)
	sleep func(time.Duration)
}

// NewPipeWire creates a PipeWire helper that shells out to pw-link
func NewPipeWire() *PipeWire {
	return &PipeWire{
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
		sleep: time.Sleep,
	}
}

// ListPorts returns all available JACK ports via PipeWire
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.run("pw-link", "-io")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ValidatePort checks that a port exists exactly once
func (pw *PipeWire) ValidatePort(portName string) error {
	ports, err := pw.ListPorts()
	if err != nil {
		return err
	}
	return checkPort(portName, ports)
}

func checkPort(portName string, ports []string) error {
	count := 0
	for _, port := range ports {
		if port == portName {
			count++
		}
	}

	switch {
	case count == 0:
		return fmt.Errorf("port not found: %s", portName)
	case count > 1:
		return fmt.Errorf("%w for '%s' (%d instances). Please close conflicting applications", errDuplicatePort, portName, count)
	}
	return nil
}

// WaitForPort polls until portName appears, the timeout expires or abort closes
func (pw *PipeWire) WaitForPort(portName string, timeout time.Duration, abort <-chan struct{}) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-abort:
			return fmt.Errorf("capture exited while waiting for JACK port: %s", portName)
		default:
		}

		if err := pw.ValidatePort(portName); err == nil {
			slog.Debug("JACK port found", "port", portName)
			return nil
		}
		pw.sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for JACK port: %s", portName)
}

// ConnectPortsWithRetry links two ports, retrying longer for application
// ports that may take a while to register
func (pw *PipeWire) ConnectPortsWithRetry(sourcePort, destPort string) error {
	maxRetries := 5
	retryDelay := 500 * time.Millisecond
	if isEphemeralPort(sourcePort) {
		maxRetries = 15
		retryDelay = time.Second
	}
	slog.Debug("Connecting ports", "source", sourcePort, "dest", destPort, "retries", maxRetries)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		ports, err := pw.ListPorts()
		if err == nil {
			err = checkPort(sourcePort, ports)
		}

		if err != nil {
			lastErr = err
			slog.Debug("Source port not yet available", "source", sourcePort, "attempt", attempt, "error", err)
		} else {
			lastErr = pw.connectPorts(sourcePort, destPort)
			if lastErr == nil {
				slog.Debug("Successfully connected ports", "source", sourcePort, "dest", destPort, "attempt", attempt)
				return nil
			}
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", lastErr)
		}

		if attempt < maxRetries {
			pw.sleep(retryDelay)
		}
	}

	return fmt.Errorf("failed to connect %s to %s after %d attempts: %w", sourcePort, destPort, maxRetries, lastErr)
}

func (pw *PipeWire) connectPorts(sourcePort, destPort string) error {
	output, err := pw.run("pw-link", sourcePort, destPort)
	if err != nil {
		return fmt.Errorf("failed to connect ports: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// isEphemeralPort reports whether a port belongs to an application rather
// than hardware
func isEphemeralPort(portName string) bool {
	lowerPort := strings.ToLower(portName)

	ephemeralApps := []string{
		"chrome", "firefox", "spotify", "discord", "steam",
		"vlc", "mpv", "zoom", "teams", "slack", "wire",
	}

	for _, app := range ephemeralApps {
		if strings.Contains(lowerPort, app) {
			return true
		}
	}
	return false
}
