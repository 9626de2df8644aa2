package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event is the wire and log payload that drives a running flow.
//
// Changes are applied in one quiesce step. Commands are out-of-band
// directives (load, save, reset) interpreted by whoever owns persistence;
// the flow never sees them.
type Event struct {
	Changes  []EventChange `json:"changes"`
	Session  string        `json:"session"`
	Commands [][]string    `json:"commands"`
}

// EventChange is one named batch inside an Event. It marshals as the
// four-element array [view, fields, inserted, removed].
type EventChange struct {
	View     string
	Fields   []string
	Inserted []Tuple
	Removed  []Tuple
}

// ViewChanges converts the batch into the form accepted by flow.Change.
func (c EventChange) ViewChanges() ViewChanges {
	return ViewChanges{
		View:   c.View,
		Fields: c.Fields,
		Changes: Changes{
			Inserted: c.Inserted,
			Removed:  c.Removed,
		},
	}
}

// EventChangeFrom converts a ViewChanges into its wire form.
func EventChangeFrom(vc ViewChanges) EventChange {
	return EventChange{
		View:     vc.View,
		Fields:   vc.Fields,
		Inserted: vc.Inserted,
		Removed:  vc.Removed,
	}
}

// ViewChanges returns every batch of the event in order.
func (e Event) ViewChanges() []ViewChanges {
	out := make([]ViewChanges, len(e.Changes))
	for i, c := range e.Changes {
		out[i] = c.ViewChanges()
	}
	return out
}

// MarshalJSON implements the array form.
func (c EventChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]any{
		c.View,
		nonNilStrings(c.Fields),
		nonNilTuples(c.Inserted),
		nonNilTuples(c.Removed),
	})
}

// UnmarshalJSON implements the array form.
func (c *EventChange) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("change must be an array: %w", err)
	}
	if len(parts) != 4 {
		return fmt.Errorf("change must have 4 elements, got %d", len(parts))
	}

	var out EventChange
	if err := json.Unmarshal(parts[0], &out.View); err != nil {
		return fmt.Errorf("change view: %w", err)
	}
	if err := json.Unmarshal(parts[1], &out.Fields); err != nil {
		return fmt.Errorf("change fields: %w", err)
	}
	if err := json.Unmarshal(parts[2], &out.Inserted); err != nil {
		return fmt.Errorf("change inserted: %w", err)
	}
	if err := json.Unmarshal(parts[3], &out.Removed); err != nil {
		return fmt.Errorf("change removed: %w", err)
	}
	*c = out
	return nil
}

// UnmarshalEvent decodes an Event, rejecting unknown top-level fields.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}

// IsEmpty reports whether the event carries neither changes nor commands.
func (e Event) IsEmpty() bool {
	return len(e.Changes) == 0 && len(e.Commands) == 0
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilTuples(ts []Tuple) []Tuple {
	if ts == nil {
		return []Tuple{}
	}
	return ts
}
