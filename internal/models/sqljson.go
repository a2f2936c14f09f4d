package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON columns. Postgres returns jsonb as []byte; some drivers return string.

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}

func valueJSON(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Value implements driver.Valuer
func (i OrderItems) Value() (driver.Value, error) {
	if i == nil {
		return []byte("[]"), nil
	}
	return valueJSON([]OrderItem(i))
}

// Scan implements sql.Scanner
func (i *OrderItems) Scan(src interface{}) error {
	return scanJSON(src, (*[]OrderItem)(i))
}

// Value implements driver.Valuer
func (i InvoiceItems) Value() (driver.Value, error) {
	if i == nil {
		return []byte("[]"), nil
	}
	return valueJSON([]InvoiceItem(i))
}

// Scan implements sql.Scanner
func (i *InvoiceItems) Scan(src interface{}) error {
	return scanJSON(src, (*[]InvoiceItem)(i))
}

// Value implements driver.Valuer
func (d DeliveryTracking) Value() (driver.Value, error) {
	return valueJSON(d)
}

// Scan implements sql.Scanner
func (d *DeliveryTracking) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// Value implements driver.Valuer
func (p MessagePayload) Value() (driver.Value, error) {
	return valueJSON(p)
}

// Scan implements sql.Scanner
func (p *MessagePayload) Scan(src interface{}) error {
	return scanJSON(src, p)
}
