package tasks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Metadata is the optional task description file, a yaml mapping of task
// name to description:
//
//	snr: Signal to noise ratio of a uniform phantom
//	ghosting: Ghosting artifact level
type Metadata map[string]string

func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading task metadata file %v: %w", path, err)
	}

	meta := Metadata{}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("error parsing task metadata file %v: %w", path, err)
	}

	return meta, nil
}

// Apply overwrites registered descriptions with entries from the metadata
// file. Names with no registered routine are ignored.
func (m Metadata) Apply(r *Registry) {
	for name, description := range m {
		entry, ok := r.entries[name]
		if !ok {
			continue
		}
		entry.Description = description
		r.entries[name] = entry
	}
}
