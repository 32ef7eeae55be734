package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB stores arbitrary JSON in a postgres jsonb column.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	return json.Unmarshal(raw, j)
}

// AssistantMessage is the persisted final answer for a workflow run.
type AssistantMessage struct {
	ID                string    `db:"id"`
	ChatID            string    `db:"chat_id"`
	Content           string    `db:"content"`
	WorkflowID        string    `db:"workflow_id"`
	SessionID         string    `db:"session_id"`
	SearchResults     JSONB     `db:"search_results"`
	Sources           JSONB     `db:"sources"`
	ContextReferences JSONB     `db:"context_references"`
	CreatedAt         time.Time `db:"created_at"`
}
