package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/healerd/internal/incident"
	"github.com/fyrsmithlabs/healerd/internal/playbook"
)

// JSONMap stores a free-form map as a jsonb column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

// JSONStrings stores a string slice as a jsonb column.
type JSONStrings []string

func (s JSONStrings) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *JSONStrings) Scan(src any) error {
	return scanJSON(src, s)
}

// ConditionList stores playbook preconditions as a jsonb column.
type ConditionList []playbook.Condition

func (c ConditionList) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func (c *ConditionList) Scan(src any) error {
	return scanJSON(src, c)
}

// ParamSpecList stores the playbook parameter schema as a jsonb column.
type ParamSpecList []playbook.ParamSpec

func (p ParamSpecList) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (p *ParamSpecList) Scan(src any) error {
	return scanJSON(src, p)
}

// DiagnosisJSON stores the run's diagnosis snapshot as a jsonb column.
type DiagnosisJSON incident.Diagnosis

func (d DiagnosisJSON) Value() (driver.Value, error) {
	return json.Marshal(incident.Diagnosis(d))
}

func (d *DiagnosisJSON) Scan(src any) error {
	return scanJSON(src, d)
}

func scanJSON(src, dst any) error {
	if src == nil {
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}
