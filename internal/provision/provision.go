// Package provision seeds and refreshes hand slots from a YAML inventory.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pkt.systems/handd/internal/core"
	"pkt.systems/handd/internal/slotstore"
	"pkt.systems/handd/internal/svcfields"
	"pkt.systems/pslog"
)

// Slot is one inventory entry.
type Slot struct {
	Key   string `yaml:"key"`
	URLID string `yaml:"urlId"`
}

// File is the on-disk inventory document.
type File struct {
	Slots []Slot `yaml:"slots"`
}

// Result reports what Apply changed.
type Result struct {
	Created   []string
	Refreshed []string
	Unchanged []string
}

// Parse decodes an inventory document and rejects empty or duplicate keys.
func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("provision: decode inventory: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Slots))
	for i, slot := range f.Slots {
		key := strings.TrimSpace(slot.Key)
		if key == "" {
			return File{}, fmt.Errorf("provision: slot %d has no key", i)
		}
		if _, dup := seen[key]; dup {
			return File{}, fmt.Errorf("provision: duplicate slot key %q", key)
		}
		seen[key] = struct{}{}
		f.Slots[i].Key = key
	}
	return f, nil
}

// Load reads and parses an inventory file.
func Load(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("provision: open %s: %w", path, err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Apply creates missing slots as free records and refreshes the urlId of
// existing ones. Lease fields of existing slots are never written. Slots
// absent from the inventory are left alone.
func Apply(ctx context.Context, store slotstore.Store, f File, logger pslog.Logger) (Result, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "provision.apply")
	var res Result
	for _, slot := range f.Slots {
		rec, err := store.Get(ctx, slot.Key)
		switch {
		case errors.Is(err, slotstore.ErrNotFound):
			if err := create(ctx, store, slot); err != nil {
				return res, err
			}
			logger.Info("provision.slot.created", "key", slot.Key, "url_id", slot.URLID)
			res.Created = append(res.Created, slot.Key)
			continue
		case err != nil:
			return res, fmt.Errorf("provision: get %s: %w", slot.Key, err)
		}
		current, _ := rec[core.FieldURLID].(string)
		if current == slot.URLID {
			res.Unchanged = append(res.Unchanged, slot.Key)
			continue
		}
		if err := store.Update(ctx, slot.Key, slotstore.Patch{core.FieldURLID: slot.URLID}); err != nil {
			return res, fmt.Errorf("provision: refresh %s: %w", slot.Key, err)
		}
		logger.Info("provision.slot.refreshed", "key", slot.Key, "url_id", slot.URLID, "previous", current)
		res.Refreshed = append(res.Refreshed, slot.Key)
	}
	return res, nil
}

func create(ctx context.Context, store slotstore.Store, slot Slot) error {
	prov, ok := store.(slotstore.Provisioner)
	if !ok {
		return fmt.Errorf("provision: store cannot create slot %q", slot.Key)
	}
	if err := prov.Create(ctx, slot.Key, core.FreeRecord(slot.URLID)); err != nil {
		if errors.Is(err, slotstore.ErrExists) {
			// Created concurrently; only the urlId is ours to set.
			return store.Update(ctx, slot.Key, slotstore.Patch{core.FieldURLID: slot.URLID})
		}
		return fmt.Errorf("provision: create %s: %w", slot.Key, err)
	}
	return nil
}
