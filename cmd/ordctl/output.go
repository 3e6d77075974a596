package main

import (
	"context"
	"encoding/json"
	"io"

	"ordsync/internal/mirror"
	"ordsync/internal/ord"
	"ordsync/internal/resolve"
)

type resolved struct {
	ORD          string               `json:"ord"`
	Path         string               `json:"path,omitempty"`
	Slot         string               `json:"slot,omitempty"`
	PropertyPath []string             `json:"propertyPath,omitempty"`
	View         *ord.ViewQuery       `json:"view,omitempty"`
	Node         *mirror.EncodedValue `json:"node,omitempty"`
	Table        *tableOut            `json:"table,omitempty"`
	Value        any                  `json:"value,omitempty"`
	Error        string               `json:"error,omitempty"`
}

type tableOut struct {
	Descriptor string   `json:"descriptor"`
	Columns    []string `json:"columns"`
	Offset     int      `json:"offset"`
	Rows       [][]any  `json:"rows"`
}

// describe renders a target for output. Components are encoded one level
// deep; tables include the requested page of rows.
func describe(ctx context.Context, text string, t *resolve.Target, offset, limit int) (resolved, error) {
	out := resolved{ORD: text}
	if c := t.Component(); c != nil && c.Mirror() != nil {
		out.Path = c.SlotPath()
	}
	if t.Slot != nil {
		out.Slot = t.Slot.Name
	}
	out.PropertyPath = t.PropertyPath
	if v, ok := t.ViewQuery(); ok {
		out.View = &v
	}

	if tbl, ok := t.Table(); ok {
		rows, err := tbl.Collect(ctx, offset, limit)
		if err != nil {
			return out, err
		}
		cols := make([]string, len(tbl.Columns))
		for i, col := range tbl.Columns {
			cols[i] = col.Name
		}
		out.Table = &tableOut{Descriptor: tbl.Descriptor, Columns: cols, Offset: offset, Rows: rows}
		return out, nil
	}
	if n, ok := t.Node(); ok {
		out.Node = mirror.Encode(n, 1)
		return out, nil
	}
	out.Value = t.GetObject()
	return out, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
