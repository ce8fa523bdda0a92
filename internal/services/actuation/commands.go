package actuation

import (
	"errors"
	"fmt"
	"sort"

	"gatewatch/internal/model"
)

var (
	ErrNoCommand    = errors.New("no command mapped for event labels")
	ErrQueueFull    = errors.New("actuation queue full")
	ErrNotConnected = errors.New("mqtt not connected")
	ErrStopped      = errors.New("dispatcher stopped")
)

// CommandTable maps a detected label to the command string sent to the gate.
type CommandTable map[string]string

// Resolve picks the command for an event: the primary label first, then the remaining
// labels in order. Exactly one command is returned.
func (t CommandTable) Resolve(event *model.CrossingEvent) (string, error) {
	if cmd, ok := t[event.PrimaryLabel]; ok && event.PrimaryLabel != "" {
		return cmd, nil
	}

	labels := append([]string(nil), event.Labels...)
	sort.Strings(labels)
	for _, label := range labels {
		if cmd, ok := t[label]; ok {
			return cmd, nil
		}
	}
	return "", fmt.Errorf("%w: %v", ErrNoCommand, event.Labels)
}

// Route is where a lane's commands go.
type Route struct {
	Topic    string
	Commands CommandTable
}
