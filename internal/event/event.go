// Package event defines the raw filesystem event delivered by a watch source
// to the integrity engine.
package event

import "fmt"

// Kind classifies a raw filesystem event.
type Kind uint8

const (
	// Modified indicates the file's content or metadata changed.
	Modified Kind = iota + 1
	// Created indicates a new path appeared.
	Created
	// Deleted indicates the path was removed or moved away.
	Deleted
)

// String returns the upper-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Modified:
		return "MODIFIED"
	case Created:
		return "CREATED"
	case Deleted:
		return "DELETED"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Raw is a single event as observed by the watch source. Path is the OS path
// reported by the source, usually absolute and rooted at the monitored
// directory; it has not been normalised.
type Raw struct {
	Path        string
	Kind        Kind
	IsDirectory bool
}
