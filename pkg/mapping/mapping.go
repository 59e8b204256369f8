// Package mapping describes how one remote entity type projects onto one
// local entity type. Mappings are loaded from YAML, normalized once and
// treated as immutable afterwards.
package mapping

import (
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/crmsync/pkg/errors"
)

// DefaultIDField is the remote identifier read from related records
const DefaultIDField = "Id"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// OneOrMany is a list of remote names that YAML may spell as either a
// scalar or a sequence.
type OneOrMany []string

// UnmarshalYAML implements yaml.Unmarshaler
func (o *OneOrMany) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*o = nil
			return nil
		}
		*o = OneOrMany{node.Value}
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*o = values
		return nil
	default:
		return errors.Newf(errors.ErrorTypeConfig, "line %d: expected a string or a list of strings", node.Line)
	}
}

// FieldMapping binds one local field to its backing remote fields
type FieldMapping struct {
	Local  string
	Remote OneOrMany
}

// FieldSet is an ordered local-name to remote-fields mapping
type FieldSet []FieldMapping

// UnmarshalYAML keeps the declared order of the YAML mapping
func (f *FieldSet) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.Newf(errors.ErrorTypeConfig, "line %d: expected a mapping of local to remote fields", node.Line)
	}

	seen := make(map[string]bool, len(node.Content)/2)
	out := make(FieldSet, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if seen[key.Value] {
			return errors.Newf(errors.ErrorTypeConfig, "line %d: duplicate field %q", key.Line, key.Value)
		}
		seen[key.Value] = true

		var remote OneOrMany
		if err := value.Decode(&remote); err != nil {
			return err
		}
		out = append(out, FieldMapping{Local: key.Value, Remote: remote})
	}
	*f = out
	return nil
}

// Lookup returns the remote fields backing a local field
func (f FieldSet) Lookup(local string) (OneOrMany, bool) {
	for _, fm := range f {
		if fm.Local == local {
			return fm.Remote, true
		}
	}
	return nil, false
}

// Join describes a relationship to objects of another local type
type Join struct {
	// Remote is the remote relationship name (e.g. Contacts or Account)
	Remote string `yaml:"remote" json:"remote"`
	// LocalType is the local type the related objects are stored as
	LocalType string `yaml:"local_type" json:"local_type"`
	// HasMany selects a nested collection instead of a single reference
	HasMany bool `yaml:"has_many" json:"has_many"`
	// IDField is read from each related record; defaults to Id
	IDField string `yaml:"id_field" json:"id_field"`
}

// JoinMapping binds a local relationship field to its Join
type JoinMapping struct {
	Name string
	Join Join
}

// JoinSet is an ordered relationship-name to Join mapping
type JoinSet []JoinMapping

// UnmarshalYAML keeps the declared order of the YAML mapping
func (j *JoinSet) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.Newf(errors.ErrorTypeConfig, "line %d: expected a mapping of relationship names to joins", node.Line)
	}

	seen := make(map[string]bool, len(node.Content)/2)
	out := make(JoinSet, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if seen[key.Value] {
			return errors.Newf(errors.ErrorTypeConfig, "line %d: duplicate join %q", key.Line, key.Value)
		}
		seen[key.Value] = true

		var join Join
		if err := value.Decode(&join); err != nil {
			return err
		}
		if join.IDField == "" {
			join.IDField = DefaultIDField
		}
		out = append(out, JoinMapping{Name: key.Value, Join: join})
	}
	*j = out
	return nil
}

// Mapping describes how one remote entity type maps to one local type
type Mapping struct {
	// Name identifies the mapping in logs, metrics and archives; defaults to RemoteType
	Name       string    `yaml:"name"`
	RemoteType string    `yaml:"remote_type"`
	LocalType  string    `yaml:"local_type"`
	Fields     FieldSet  `yaml:"fields"`
	Arrays     FieldSet  `yaml:"arrays"`
	Required   []string  `yaml:"required"`
	Where      OneOrMany `yaml:"where"`
	Joins      JoinSet   `yaml:"joins"`
}

// UnmarshalYAML decodes a mapping and fills defaults
func (m *Mapping) UnmarshalYAML(node *yaml.Node) error {
	type plain Mapping
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*m = Mapping(p)
	m.ApplyDefaults()
	return nil
}

// ApplyDefaults fills Name and join IDFields. Decoding from YAML calls it;
// mappings built in code should call it before use.
func (m *Mapping) ApplyDefaults() {
	if m.Name == "" {
		m.Name = m.RemoteType
	}
	for i := range m.Joins {
		if m.Joins[i].Join.IDField == "" {
			m.Joins[i].Join.IDField = DefaultIDField
		}
	}
}

// Sources returns the remote fields backing a local field declared in
// Fields or Arrays.
func (m *Mapping) Sources(local string) (OneOrMany, bool) {
	if remote, ok := m.Fields.Lookup(local); ok {
		return remote, true
	}
	return m.Arrays.Lookup(local)
}

// Validate checks that the mapping can produce a well-formed query
func (m *Mapping) Validate() error {
	m.ApplyDefaults()

	if m.RemoteType == "" {
		return errors.New(errors.ErrorTypeValidation, "mapping has no remote_type").
			WithDetail("mapping", m.Name)
	}
	if !identifierPattern.MatchString(m.RemoteType) {
		return errors.Newf(errors.ErrorTypeValidation, "mapping %s: invalid remote_type %q", m.Name, m.RemoteType)
	}
	if m.LocalType == "" {
		return errors.Newf(errors.ErrorTypeValidation, "mapping %s has no local_type", m.Name)
	}

	for _, set := range []FieldSet{m.Fields, m.Arrays} {
		for _, fm := range set {
			if fm.Local == "" {
				return errors.Newf(errors.ErrorTypeValidation, "mapping %s: empty local field name", m.Name)
			}
			if len(fm.Remote) == 0 {
				return errors.Newf(errors.ErrorTypeValidation, "mapping %s: field %s has no remote source", m.Name, fm.Local)
			}
			for _, remote := range fm.Remote {
				if !identifierPattern.MatchString(remote) {
					return errors.Newf(errors.ErrorTypeValidation, "mapping %s: field %s: invalid remote field %q", m.Name, fm.Local, remote)
				}
			}
		}
	}

	for _, jm := range m.Joins {
		j := jm.Join
		if j.Remote == "" || j.LocalType == "" {
			return errors.Newf(errors.ErrorTypeValidation, "mapping %s: join %s needs remote and local_type", m.Name, jm.Name)
		}
		if !identifierPattern.MatchString(j.Remote) || !identifierPattern.MatchString(j.IDField) {
			return errors.Newf(errors.ErrorTypeValidation, "mapping %s: join %s has an invalid remote or id_field", m.Name, jm.Name)
		}
	}
	return nil
}

// ValidateAll validates every mapping and checks names are unique
func ValidateAll(mappings []Mapping) error {
	if len(mappings) == 0 {
		return errors.New(errors.ErrorTypeValidation, "no mappings configured")
	}

	seen := make(map[string]bool, len(mappings))
	for i := range mappings {
		if err := mappings[i].Validate(); err != nil {
			return err
		}
		if seen[mappings[i].Name] {
			return errors.Newf(errors.ErrorTypeValidation, "duplicate mapping name %q", mappings[i].Name)
		}
		seen[mappings[i].Name] = true
	}
	return nil
}
