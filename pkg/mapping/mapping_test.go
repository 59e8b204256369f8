package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/crmsync/pkg/errors"
)

const accountsYAML = `
remote_type: Account
local_type: company
fields:
  name: Name
  address: [BillingStreet, BillingCity]
  industry:
    - Industry
arrays:
  phones: [Phone, Fax]
required: [name]
where: "Type = 'Customer'"
joins:
  people:
    remote: Contacts
    local_type: person
    has_many: true
  parent:
    remote: Parent
    local_type: company
    id_field: ExternalKey__c
`

func TestUnmarshalMapping(t *testing.T) {
	var m Mapping
	require.NoError(t, yaml.Unmarshal([]byte(accountsYAML), &m))

	assert.Equal(t, "Account", m.Name)
	assert.Equal(t, "company", m.LocalType)

	require.Len(t, m.Fields, 3)
	assert.Equal(t, "name", m.Fields[0].Local)
	assert.Equal(t, OneOrMany{"Name"}, m.Fields[0].Remote)
	assert.Equal(t, "address", m.Fields[1].Local)
	assert.Equal(t, OneOrMany{"BillingStreet", "BillingCity"}, m.Fields[1].Remote)
	assert.Equal(t, OneOrMany{"Industry"}, m.Fields[2].Remote)

	assert.Equal(t, OneOrMany{"Phone", "Fax"}, m.Arrays[0].Remote)
	assert.Equal(t, OneOrMany{"Type = 'Customer'"}, m.Where)

	require.Len(t, m.Joins, 2)
	assert.Equal(t, "people", m.Joins[0].Name)
	assert.True(t, m.Joins[0].Join.HasMany)
	assert.Equal(t, DefaultIDField, m.Joins[0].Join.IDField)
	assert.Equal(t, "ExternalKey__c", m.Joins[1].Join.IDField)

	require.NoError(t, m.Validate())
}

func TestSources(t *testing.T) {
	var m Mapping
	require.NoError(t, yaml.Unmarshal([]byte(accountsYAML), &m))

	remote, ok := m.Sources("phones")
	require.True(t, ok)
	assert.Equal(t, OneOrMany{"Phone", "Fax"}, remote)

	_, ok = m.Sources("missing")
	assert.False(t, ok)
}

func TestUnmarshalRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"fields as list", "remote_type: A\nlocal_type: a\nfields: [Name]\n"},
		{"field value as map", "remote_type: A\nlocal_type: a\nfields:\n  name: {x: y}\n"},
		{"duplicate field", "remote_type: A\nlocal_type: a\nfields:\n  name: Name\n  name: Other\n"},
		{"joins as list", "remote_type: A\nlocal_type: a\njoins: [x]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Mapping
			assert.Error(t, yaml.Unmarshal([]byte(tt.doc), &m))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mapping Mapping
		wantErr bool
	}{
		{
			name:    "minimal",
			mapping: Mapping{RemoteType: "Account", LocalType: "company"},
		},
		{
			name:    "missing remote type",
			mapping: Mapping{LocalType: "company"},
			wantErr: true,
		},
		{
			name:    "missing local type",
			mapping: Mapping{RemoteType: "Account"},
			wantErr: true,
		},
		{
			name: "injection in field",
			mapping: Mapping{
				RemoteType: "Account", LocalType: "company",
				Fields: FieldSet{{Local: "name", Remote: OneOrMany{"Name FROM User--"}}},
			},
			wantErr: true,
		},
		{
			name: "field without source",
			mapping: Mapping{
				RemoteType: "Account", LocalType: "company",
				Fields: FieldSet{{Local: "name"}},
			},
			wantErr: true,
		},
		{
			name: "join without local type",
			mapping: Mapping{
				RemoteType: "Account", LocalType: "company",
				Joins: JoinSet{{Name: "owner", Join: Join{Remote: "Owner"}}},
			},
			wantErr: true,
		},
		{
			name: "dotted relationship field",
			mapping: Mapping{
				RemoteType: "Contact", LocalType: "person",
				Fields: FieldSet{{Local: "company", Remote: OneOrMany{"Account.Name"}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mapping.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateAll(t *testing.T) {
	a := Mapping{RemoteType: "Account", LocalType: "company"}
	b := Mapping{Name: "Account", RemoteType: "Contact", LocalType: "person"}

	assert.Error(t, ValidateAll(nil))
	assert.NoError(t, ValidateAll([]Mapping{a}))

	err := ValidateAll([]Mapping{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate mapping name")
}
