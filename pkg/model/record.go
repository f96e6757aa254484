package model

import (
	"encoding/json"
	"strconv"
)

// Record is the unit of storage in the coordination store: a versioned
// document with a stable identifier and three field maps. Every persistent
// entity (configs, ideal states, current states, messages) is a Record
// wrapped by a typed accessor.
type Record struct {
	ID           string                       `json:"id"`
	SimpleFields map[string]string            `json:"simpleFields"`
	ListFields   map[string][]string          `json:"listFields"`
	MapFields    map[string]map[string]string `json:"mapFields"`

	// Version is the store version observed when this record was read.
	// It is carried for optimistic writes and is not serialized.
	Version int `json:"-"`
}

// NewRecord creates an empty record with the given identifier.
func NewRecord(id string) *Record {
	return &Record{
		ID:           id,
		SimpleFields: make(map[string]string),
		ListFields:   make(map[string][]string),
		MapFields:    make(map[string]map[string]string),
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := NewRecord(r.ID)
	c.Version = r.Version
	for k, v := range r.SimpleFields {
		c.SimpleFields[k] = v
	}
	for k, v := range r.ListFields {
		c.ListFields[k] = append([]string(nil), v...)
	}
	for k, v := range r.MapFields {
		m := make(map[string]string, len(v))
		for mk, mv := range v {
			m[mk] = mv
		}
		c.MapFields[k] = m
	}
	return c
}

// GetSimpleField returns the scalar field value, or "" if absent.
func (r *Record) GetSimpleField(key string) string {
	return r.SimpleFields[key]
}

// SetSimpleField sets a scalar field.
func (r *Record) SetSimpleField(key, value string) {
	if r.SimpleFields == nil {
		r.SimpleFields = make(map[string]string)
	}
	r.SimpleFields[key] = value
}

// GetBoolField parses the scalar field as a bool, returning def if absent
// or unparseable.
func (r *Record) GetBoolField(key string, def bool) bool {
	v, ok := r.SimpleFields[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SetBoolField sets a scalar field from a bool.
func (r *Record) SetBoolField(key string, value bool) {
	r.SetSimpleField(key, strconv.FormatBool(value))
}

// GetIntField parses the scalar field as an int, returning def if absent
// or unparseable.
func (r *Record) GetIntField(key string, def int) int {
	v, ok := r.SimpleFields[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// SetIntField sets a scalar field from an int.
func (r *Record) SetIntField(key string, value int) {
	r.SetSimpleField(key, strconv.Itoa(value))
}

// GetInt64Field parses the scalar field as an int64, returning def if
// absent or unparseable.
func (r *Record) GetInt64Field(key string, def int64) int64 {
	v, ok := r.SimpleFields[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// SetInt64Field sets a scalar field from an int64.
func (r *Record) SetInt64Field(key string, value int64) {
	r.SetSimpleField(key, strconv.FormatInt(value, 10))
}

// GetListField returns the list field, or nil if absent.
func (r *Record) GetListField(key string) []string {
	return r.ListFields[key]
}

// SetListField sets a list field.
func (r *Record) SetListField(key string, values []string) {
	if r.ListFields == nil {
		r.ListFields = make(map[string][]string)
	}
	r.ListFields[key] = values
}

// GetMapField returns the map field, or nil if absent.
func (r *Record) GetMapField(key string) map[string]string {
	return r.MapFields[key]
}

// SetMapField sets a map field.
func (r *Record) SetMapField(key string, values map[string]string) {
	if r.MapFields == nil {
		r.MapFields = make(map[string]map[string]string)
	}
	r.MapFields[key] = values
}

// SetMapFieldValue sets one entry inside a map field, creating the map
// field if needed.
func (r *Record) SetMapFieldValue(key, mapKey, value string) {
	if r.MapFields == nil {
		r.MapFields = make(map[string]map[string]string)
	}
	m, ok := r.MapFields[key]
	if !ok {
		m = make(map[string]string)
		r.MapFields[key] = m
	}
	m[mapKey] = value
}

// GetMapFieldValue returns one entry inside a map field, or "" if absent.
func (r *Record) GetMapFieldValue(key, mapKey string) string {
	m, ok := r.MapFields[key]
	if !ok {
		return ""
	}
	return m[mapKey]
}

// Marshal serializes the record as JSON.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord deserializes a record from JSON.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.SimpleFields == nil {
		r.SimpleFields = make(map[string]string)
	}
	if r.ListFields == nil {
		r.ListFields = make(map[string][]string)
	}
	if r.MapFields == nil {
		r.MapFields = make(map[string]map[string]string)
	}
	return &r, nil
}
