package rsctl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/dmitrijs2005/remotesettings/internal/server/canonical"
	"github.com/dmitrijs2005/remotesettings/internal/server/models"
)

var errNoTimestamp = errors.New("timestamp is required: pass --timestamp or a changeset with one")

// document is what rsctl accepts as input: a bare array of records, a
// {"data": [...]} listing or a full changeset.
type document struct {
	records   []models.Object
	timestamp int64
	signature models.Object
}

func readInput(cmd interface{ InOrStdin() io.Reader }, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func parseDocument(data []byte) (*document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	doc := &document{}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		if changes, ok := v["changes"].([]any); ok {
			items = changes
		} else if list, ok := v["data"].([]any); ok {
			items = list
		} else {
			return nil, errors.New(`expected "changes" or "data" array`)
		}
		doc.timestamp = models.AsInt64(v["timestamp"])
		if meta, ok := v["metadata"].(map[string]any); ok {
			if sig, ok := meta[models.FieldSignature].(map[string]any); ok {
				doc.signature = sig
			}
		}
	default:
		return nil, errors.New("expected a JSON array or object")
	}

	for i, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record %d is not an object", i)
		}
		doc.records = append(doc.records, models.Object(obj))
	}
	return doc, nil
}

// payload returns the canonical bytes of doc. A non-zero timestamp
// overrides the one carried by the document.
func (d *document) payload(timestamp int64) ([]byte, error) {
	if timestamp != 0 {
		d.timestamp = timestamp
	}
	if d.timestamp == 0 {
		return nil, errNoTimestamp
	}
	return canonical.Serialize(d.records, d.timestamp)
}

func loadPayload(cmd interface{ InOrStdin() io.Reader }, path string, timestamp int64) ([]byte, *document, error) {
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, nil, err
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	p, err := doc.payload(timestamp)
	if err != nil {
		return nil, nil, err
	}
	return p, doc, nil
}
