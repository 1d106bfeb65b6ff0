package models

// Record is a single mirrored upstream entity. Identity is (Table, ID);
// uniqueness is enforced per table by the slot store's primary key.
type Record struct {
	Table  string                 `json:"table"`
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// Mutation operations applied by incremental refresh cycles.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// RecordMutation is one insert/update/delete against the active slot.
// Delete mutations carry no fields.
type RecordMutation struct {
	Op       string                 `json:"op" binding:"required,oneof=insert update delete"`
	Table    string                 `json:"table" binding:"required"`
	RecordID string                 `json:"recordId" binding:"required"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Record converts the mutation into its record form for upserts.
func (m *RecordMutation) Record() *Record {
	return &Record{
		Table:  m.Table,
		ID:     m.RecordID,
		Fields: m.Fields,
	}
}
