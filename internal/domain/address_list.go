package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// AddressList stores a list of IP addresses inside a JSON column.
type AddressList []string

// Value implements driver.Valuer so AddressList can be stored as JSON.
func (a AddressList) Value() (driver.Value, error) {
	if len(a) == 0 {
		return []byte("[]"), nil
	}

	data, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Scan implements sql.Scanner to hydrate the AddressList from the database.
func (a *AddressList) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return a.unmarshal(v)
	case string:
		return a.unmarshal([]byte(v))
	default:
		return fmt.Errorf("domain.AddressList: unsupported type %T", value)
	}
}

func (a *AddressList) unmarshal(data []byte) error {
	if len(data) == 0 {
		*a = nil
		return nil
	}

	var parsed []string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Strings returns a copy of the addresses.
func (a AddressList) Strings() []string {
	if len(a) == 0 {
		return nil
	}
	out := make([]string, len(a))
	copy(out, a)
	return out
}

// NewAddressList de-duplicates and sorts the given addresses.
func NewAddressList(addresses []string) AddressList {
	if len(addresses) == 0 {
		return AddressList{}
	}

	seen := make(map[string]struct{}, len(addresses))
	out := make(AddressList, 0, len(addresses))
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
