// Package persistence saves and restores Value Store snapshots as XML files.
//
// File format:
//
//	<opc>
//	  <item name="tag1" type="WORD">42</item>
//	</opc>
package persistence

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nerrad567/opcproxy/internal/item"
	"github.com/nerrad567/opcproxy/internal/store"
)

// Extension is the file extension used for snapshot files.
const Extension = ".opc"

// timestampLayout names operator snapshots, e.g. 20261015143000.opc.
const timestampLayout = "20060102150405"

// ErrInvalidSnapshot is returned when a snapshot file cannot be parsed.
var ErrInvalidSnapshot = errors.New("persistence: invalid snapshot")

type snapshotFile struct {
	XMLName xml.Name       `xml:"opc"`
	Items   []snapshotItem `xml:"item"`
}

type snapshotItem struct {
	Name  string `xml:"name,attr"`
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// Save writes entries to path.
//
// The file is written to a temporary sibling and renamed into place, so a
// reader never observes a partially written snapshot. Missing parent
// directories are created.
func Save(path string, entries []store.SnapshotEntry) error {
	doc := snapshotFile{Items: make([]snapshotItem, 0, len(entries))}
	for _, e := range entries {
		doc.Items = append(doc.Items, snapshotItem{Name: e.Name, Type: e.Type.String(), Value: e.Value})
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot file.
//
// Values are normalized for their type. Entries with an unrecognised type
// or a value invalid for it are skipped and reported in the
// returned error alongside the valid entries, so a caller may still
// restore what could be read.
func Load(path string) ([]store.SnapshotEntry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var doc snapshotFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	entries := make([]store.SnapshotEntry, 0, len(doc.Items))
	var skipped []string
	for _, it := range doc.Items {
		typ, err := item.ParseType(it.Type)
		if err != nil || it.Name == "" {
			skipped = append(skipped, it.Name)
			continue
		}
		value, err := typ.Normalize(it.Value)
		if err != nil {
			// Items saved before they ever had a value carry none.
			if it.Value != "" {
				skipped = append(skipped, it.Name)
			}
			continue
		}
		entries = append(entries, store.SnapshotEntry{Name: it.Name, Type: typ, Value: value})
	}

	if len(skipped) > 0 {
		return entries, fmt.Errorf("%w: skipped entries %s", ErrInvalidSnapshot, strings.Join(skipped, ", "))
	}
	return entries, nil
}

// DefaultPath derives the snapshot path from a configuration file path by
// replacing its extension, e.g. /etc/opcproxy/config.yaml becomes
// /etc/opcproxy/config.opc.
func DefaultPath(configPath string) string {
	ext := filepath.Ext(configPath)
	return strings.TrimSuffix(configPath, ext) + Extension
}

// TimestampedPath returns dir/<yyyyMMddHHmmss>.opc for operator saves.
func TimestampedPath(dir string, now time.Time) string {
	return filepath.Join(dir, now.Format(timestampLayout)+Extension)
}
