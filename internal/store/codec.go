package store

import (
	"encoding/json"
	"fmt"

	"github.com/DBCDK/deploy-notifier/internal/types"
)

// SchemaVersion is written into every encoded table.
const SchemaVersion = "1"

// Document is the persisted form of one namespace's EventTable.
type Document struct {
	// SchemaVersion allows readers to detect breaking changes.
	SchemaVersion string `json:"schemaVersion"`
	// Namespace is the watched namespace the events belong to.
	Namespace string `json:"namespace"`
	// Events maps deployment name to its last emitted record.
	Events map[string]types.EventRecord `json:"events"`
}

// Encode serializes table for namespace.
func Encode(namespace string, table types.EventTable) ([]byte, error) {
	events := make(map[string]types.EventRecord, len(table))
	for name, rec := range table {
		events[name] = rec
	}
	data, err := json.Marshal(Document{
		SchemaVersion: SchemaVersion,
		Namespace:     namespace,
		Events:        events,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event table: %w", err)
	}
	return data, nil
}

// Decode parses a document produced by Encode. Records with an unknown
// change type are rejected along with the whole document.
func Decode(data []byte) (types.EventTable, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal event table: %w", err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported event table schema version %q", doc.SchemaVersion)
	}
	table := make(types.EventTable, len(doc.Events))
	for name, rec := range doc.Events {
		if !rec.ChangeType.Valid() {
			return nil, fmt.Errorf("event %q has unknown change type %q", name, rec.ChangeType)
		}
		table[name] = rec
	}
	return table, nil
}
