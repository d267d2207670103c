package core

import "encoding/json"

// Item is an opaque agent-produced JSON object (a finding, a possible item,
// a ready item, an annotated item). The engine only ever dereferences its
// "id" field for lookups; the agent determines the rest of the schema.
type Item map[string]interface{}

// ID returns the item's "id" field as a string, or "" if absent/non-string.
func (i Item) ID() string {
	v, _ := i["id"].(string)
	return v
}

// Title returns the item's "title" field as a string, or "" if absent.
func (i Item) Title() string {
	v, _ := i["title"].(string)
	return v
}

// ParseItems decodes a JSON array of opaque items.
func ParseItems(raw json.RawMessage) ([]Item, error) {
	var items []Item
	if len(raw) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Batch groups items slated for one locked write pass.
type Batch struct {
	ID              string   `json:"id"`
	Items           []Item   `json:"items"`
	WriteTargets    []string `json:"writeTargets"`
	EstimatedEffort string   `json:"estimatedEffort,omitempty"`
}
