package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"dlmmrotation/internal/opportunity"
)

// JSONMap is a jsonb column holding a free-form object
type JSONMap map[string]interface{}

// Value 实现 driver.Valuer 接口
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan 实现 sql.Scanner 接口
func (j *JSONMap) Scan(value interface{}) error {
	return scanJSON(value, j)
}

// StringList is a jsonb array of strings (token whitelists)
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return marshalString(l)
}

func (l *StringList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// QuotePreferences is stored as {"sol": bool, "usdc": bool}
type QuotePreferences opportunity.QuotePreferences

func (q QuotePreferences) Value() (driver.Value, error) {
	return marshalString(q)
}

func (q *QuotePreferences) Scan(value interface{}) error {
	return scanJSON(value, q)
}

// OpportunityList is the jsonb body of a snapshot
type OpportunityList []opportunity.Opportunity

func (l OpportunityList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return marshalString(l)
}

func (l *OpportunityList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// RebalanceTrigger is one configured rebalance condition. Value is in USD
// for fee_threshold and in bins for price_drift.
type RebalanceTrigger struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

type TriggerList []RebalanceTrigger

func (l TriggerList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return marshalString(l)
}

func (l *TriggerList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// TimeMap records a timestamp per key, e.g. the last alert per pool
type TimeMap map[string]time.Time

func (m TimeMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return marshalString(m)
}

func (m *TimeMap) Scan(value interface{}) error {
	return scanJSON(value, m)
}

func marshalString(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(value interface{}, dest interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("jsonb column: unsupported source type")
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
