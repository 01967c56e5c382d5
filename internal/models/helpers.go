// Package models defines data structures for the graph enrichment engine.
package models

import (
	"fmt"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// EntityRef identifies one entity in the graph store (the record key without table).
type EntityRef string

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
// Returns an error if the ID is not a string type.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// RefsFromRecordIDs converts SurrealDB record ids into entity refs.
func RefsFromRecordIDs(ids []surrealmodels.RecordID) ([]EntityRef, error) {
	refs := make([]EntityRef, 0, len(ids))
	for _, id := range ids {
		s, err := RecordIDString(id)
		if err != nil {
			return nil, err
		}
		refs = append(refs, EntityRef(s))
	}
	return refs, nil
}

// RecordIDs converts entity refs into SurrealDB record ids on table.
func RecordIDs(table string, refs []EntityRef) []surrealmodels.RecordID {
	ids := make([]surrealmodels.RecordID, len(refs))
	for i, ref := range refs {
		ids[i] = surrealmodels.NewRecordID(table, string(ref))
	}
	return ids
}
