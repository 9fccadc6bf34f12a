package nl2sql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseAccessControl decodes a server-side access-control catalog: a JSON object keyed by table
// name, in the same shape as a semantic model's access_control.
func ParseAccessControl(raw []byte) (map[string]TableAccess, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("access control catalog is empty")
	}
	var catalog map[string]TableAccess
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode access control catalog: %w", err)
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("access control catalog has no tables")
	}
	for table := range catalog {
		if strings.TrimSpace(table) == "" {
			return nil, fmt.Errorf("access control catalog has a blank table name")
		}
	}
	return catalog, nil
}
