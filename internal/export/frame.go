// Package export turns snapshots into nested frame documents for files and
// downstream tooling, on demand or on a cron schedule.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/scopevis/scopevis/internal/tree"
)

// Frame is the portable form of one snapshot: the tree nested under its
// root, newest state only.
type Frame struct {
	Version    uint64     `json:"version"`
	ProducedAt time.Time  `json:"producedAt"`
	Root       *FrameNode `json:"root"`
}

// FrameNode mirrors one NodeView with its children nested in place
type FrameNode struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	Name        string       `json:"name,omitempty"`
	State       string       `json:"state"`
	Pending     bool         `json:"pending,omitempty"`
	Placeholder bool         `json:"placeholder,omitempty"`
	Children    []*FrameNode `json:"children,omitempty"`
}

// Options controls which nodes make it into the frame
type Options struct {
	// HideInternal prunes subtrees whose name starts with one of
	// InternalPrefixes
	HideInternal     bool
	InternalPrefixes []string
}

func (o Options) hidden(name string) bool {
	if !o.HideInternal {
		return false
	}
	for _, p := range o.InternalPrefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Build converts a snapshot into a frame. Child order is preserved from
// the snapshot.
func Build(snap *tree.Snapshot, opts Options) *Frame {
	root, _ := snap.Get(snap.Root)
	return &Frame{
		Version:    snap.Version,
		ProducedAt: time.Now().UTC(),
		Root:       buildNode(snap, root, opts),
	}
}

func buildNode(snap *tree.Snapshot, v *tree.NodeView, opts Options) *FrameNode {
	n := &FrameNode{
		ID:          string(v.ID),
		Kind:        string(v.Kind),
		Name:        v.Name,
		State:       v.State(),
		Pending:     v.Pending,
		Placeholder: v.Placeholder,
	}
	for _, c := range v.Children {
		cv, ok := snap.Get(c)
		if !ok || opts.hidden(cv.Name) {
			continue
		}
		n.Children = append(n.Children, buildNode(snap, cv, opts))
	}
	return n
}

// Encode writes the frame as indented JSON
func (f *Frame) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}

// WriteFile writes the frame to path, creating or truncating it
func (f *Frame) WriteFile(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
