package agent

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/jsonc"
	"github.com/vpnpower/server/internal/model"
)

// Document is a parsed proxy server configuration. Only the client lists
// of tag-matching inbounds are ever modified.
type Document struct {
	root map[string]any
}

// Changes summarizes a reconciliation
type Changes struct {
	Added   int
	Updated int
	Removed int
}

// Changed reports whether the document was modified
func (c Changes) Changed() bool {
	return c.Added+c.Updated+c.Removed > 0
}

// ParseDocument parses a JSON configuration. Comments and trailing commas
// are tolerated.
func ParseDocument(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", model.ErrConfigCorrupt, err)
	}
	if root == nil {
		return nil, fmt.Errorf("%w: config is not an object", model.ErrConfigCorrupt)
	}
	return &Document{root: root}, nil
}

// Marshal renders the document with two-space indentation
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.root); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// Reconcile makes the client list of every inbound tagged tag match ids
// exactly, with flow set on every entry. Unknown client fields are kept.
// ids must be sorted; new entries are appended in that order.
func (d *Document) Reconcile(tag string, ids []string, flow string) (Changes, error) {
	inbounds, ok := d.root["inbounds"].([]any)
	if !ok {
		return Changes{}, fmt.Errorf("%w: no inbounds array", model.ErrConfigCorrupt)
	}

	var total Changes
	matched := false
	for i, raw := range inbounds {
		inbound, ok := raw.(map[string]any)
		if !ok || inbound["tag"] != tag {
			continue
		}
		matched = true
		changes, err := reconcileInbound(inbound, ids, flow)
		if err != nil {
			return Changes{}, fmt.Errorf("inbound %d: %w", i, err)
		}
		total.Added += changes.Added
		total.Updated += changes.Updated
		total.Removed += changes.Removed
	}
	if !matched {
		return Changes{}, fmt.Errorf("%w: no inbound tagged %q", model.ErrConfigCorrupt, tag)
	}
	return total, nil
}

func reconcileInbound(inbound map[string]any, ids []string, flow string) (Changes, error) {
	settings, ok := inbound["settings"].(map[string]any)
	if !ok {
		if inbound["settings"] != nil {
			return Changes{}, fmt.Errorf("%w: settings is not an object", model.ErrConfigCorrupt)
		}
		settings = map[string]any{}
		inbound["settings"] = settings
	}

	var clients []any
	if raw, present := settings["clients"]; present && raw != nil {
		clients, ok = raw.([]any)
		if !ok {
			return Changes{}, fmt.Errorf("%w: clients is not an array", model.ErrConfigCorrupt)
		}
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var changes Changes
	present := make(map[string]bool, len(clients))
	kept := make([]any, 0, len(ids))
	for _, raw := range clients {
		client, ok := raw.(map[string]any)
		id, _ := client["id"].(string)
		if !ok || !wanted[id] || present[id] {
			changes.Removed++
			continue
		}
		present[id] = true
		if client["flow"] != flow {
			client["flow"] = flow
			changes.Updated++
		}
		kept = append(kept, client)
	}

	for _, id := range ids {
		if present[id] {
			continue
		}
		present[id] = true
		kept = append(kept, map[string]any{"id": id, "flow": flow})
		changes.Added++
	}

	if changes.Changed() || settings["clients"] == nil {
		settings["clients"] = kept
	}
	return changes, nil
}
