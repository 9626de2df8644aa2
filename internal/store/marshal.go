package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/roach88/tarn/internal/ir"
)

// encodePayload serializes v as JSON and compresses it.
func encodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return snappy.Encode(nil, bytes.TrimSpace(buf.Bytes())), nil
}

func decompress(blob []byte) ([]byte, error) {
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return data, nil
}

// decodeEvent reverses encodePayload for an ir.Event.
func decodeEvent(blob []byte) (ir.Event, error) {
	data, err := decompress(blob)
	if err != nil {
		return ir.Event{}, err
	}
	return ir.UnmarshalEvent(data)
}

// encodeState stores a full state dump as a list of wire batches.
func encodeState(state []ir.ViewChanges) ([]byte, error) {
	changes := make([]ir.EventChange, len(state))
	for i, vc := range state {
		changes[i] = ir.EventChangeFrom(vc)
	}
	return encodePayload(changes)
}

func decodeState(blob []byte) ([]ir.ViewChanges, error) {
	data, err := decompress(blob)
	if err != nil {
		return nil, err
	}
	var changes []ir.EventChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	state := make([]ir.ViewChanges, len(changes))
	for i, c := range changes {
		state[i] = c.ViewChanges()
	}
	return state, nil
}
