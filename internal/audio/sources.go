package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Source is a capture source reported by PulseAudio (or pipewire-pulse)
type Source struct {
	Index  string
	Name   string
	Driver string
	Spec   string
	State  string
}

// IsMonitor reports whether the source records an output sink rather than a microphone
func (s Source) IsMonitor() bool {
	return strings.HasSuffix(s.Name, ".monitor")
}

// ListSources returns the names of all available capture sources
func ListSources(ctx context.Context) ([]string, error) {
	details, err := ListSourceDetails(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(details))
	for _, s := range details {
		names = append(names, s.Name)
	}
	return names, nil
}

// ListSourceDetails returns every capture source with its driver and state
func ListSourceDetails(ctx context.Context) ([]Source, error) {
	cmd := exec.CommandContext(ctx, "pactl", "list", "short", "sources")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PulseAudio sources: %w", err)
	}
	return parseSourceList(string(output)), nil
}

// parseSourceList parses `pactl list short sources` output:
// index<TAB>name<TAB>driver<TAB>sample spec<TAB>state
func parseSourceList(output string) []Source {
	var sources []Source
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		s := Source{Index: fields[0], Name: fields[1]}
		if len(fields) > 2 {
			s.Driver = fields[2]
		}
		if len(fields) > 3 {
			s.Spec = fields[3]
		}
		if len(fields) > 4 {
			s.State = fields[4]
		}
		sources = append(sources, s)
	}
	return sources
}

// ValidateSource checks if a specific source exists and is unambiguous
func ValidateSource(ctx context.Context, name string) error {
	if name == "" || name == "default" {
		return nil
	}
	sources, err := ListSources(ctx)
	if err != nil {
		return err
	}
	return validateSourceInList(name, sources)
}

func validateSourceInList(name string, sources []string) error {
	if name == "" || name == "default" {
		return nil
	}

	matches := 0
	for _, s := range sources {
		if s == name {
			matches++
		}
	}

	switch {
	case matches == 0:
		return fmt.Errorf("source not found: %s", name)
	case matches > 1:
		return fmt.Errorf("duplicate sources detected for '%s' (%d entries)", name, matches)
	}
	return nil
}
