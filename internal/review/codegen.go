package review

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"isg/internal/graph"
)

// DirCodegen is a local Codegen that writes each changed node's future
// code into a staging directory, one file per node, plus a manifest the
// validation command can consume. Deleted nodes appear in the manifest
// with an empty file name.
type DirCodegen struct {
	Dir string
}

type manifestEntry struct {
	NodeID    string       `json:"nodeId"`
	Action    graph.Action `json:"action"`
	Signature string       `json:"signature"`
	File      string       `json:"file,omitempty"`
}

// Materialize writes the proposed bodies under Dir.
func (c *DirCodegen) Materialize(ctx context.Context, changed []*graph.Node) error {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	var manifest []manifestEntry
	for _, n := range changed {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := manifestEntry{
			NodeID:    n.HexID(),
			Action:    n.FutureAction,
			Signature: n.Signature,
		}
		if n.FutureAction != graph.ActionDelete {
			name := n.HexID() + ".code"
			if err := os.WriteFile(filepath.Join(c.Dir, name), []byte(n.FutureCode), 0644); err != nil {
				return fmt.Errorf("writing %s: %w", name, err)
			}
			entry.File = name
		}
		manifest = append(manifest, entry)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.Dir, "manifest.json"), data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}
