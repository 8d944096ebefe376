package storage

import "encoding/json"

// Document is one guild's persisted state: a bag of named sub-documents kept
// as raw JSON so that saving one subsystem's key never re-encodes (or loses)
// another's.
//
// Documents are not self-synchronizing. Each sub-document has a single
// authorized mutator (the scheduler owns "scheduler"); mutate-and-save must
// happen on that owner's execution context.
type Document struct {
	fields map[string]json.RawMessage
}

func NewDocument() *Document {
	return &Document{fields: map[string]json.RawMessage{}}
}

func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.fields))
	for k := range d.fields {
		keys = append(keys, k)
	}
	return keys
}

// Get decodes the sub-document under key into out. It reports whether the
// key was present; a present-but-corrupt value returns an error.
func (d *Document) Get(key string, out any) (bool, error) {
	raw, ok := d.fields[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}
	return true, nil
}

// Set encodes v under key. A failed encode leaves the document unchanged.
func (d *Document) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if d.fields == nil {
		d.fields = map[string]json.RawMessage{}
	}
	d.fields[key] = raw
	return nil
}

func (d *Document) Delete(key string) {
	delete(d.fields, key)
}

func (d *Document) MarshalJSON() ([]byte, error) {
	if d.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.fields)
}

func (d *Document) UnmarshalJSON(b []byte) error {
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	d.fields = m
	return nil
}
