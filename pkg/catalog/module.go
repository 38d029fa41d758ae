package catalog

import (
	"io"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// Module is a loaded feature module that declares the permissions and
// roles it needs.
type Module interface {
	Name() string
	Permissions() []PermissionSpec
	Roles() []RoleSpec
}

// PermissionSpec declares a permission. An empty DisplayName defaults to
// the name.
type PermissionSpec struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// RoleSpec declares a role and the exact set of permissions it grants.
type RoleSpec struct {
	Name        string   `json:"name" yaml:"name"`
	DisplayName string   `json:"display_name,omitempty" yaml:"display_name"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Permissions []string `json:"permissions,omitempty" yaml:"permissions"`
}

// Declaration is a plain [Module].
type Declaration struct {
	Module          string           `json:"module" yaml:"module"`
	PermissionSpecs []PermissionSpec `json:"permissions,omitempty" yaml:"permissions"`
	RoleSpecs       []RoleSpec       `json:"roles,omitempty" yaml:"roles"`
}

var _ Module = Declaration{}

func (d Declaration) Name() string                  { return d.Module }
func (d Declaration) Permissions() []PermissionSpec { return d.PermissionSpecs }
func (d Declaration) Roles() []RoleSpec             { return d.RoleSpecs }

// LoadDeclarations decodes a YAML stream of module declarations, one
// document per module:
//
//	module: documents
//	permissions:
//	  - name: documents.read
//	roles:
//	  - name: viewer
//	    permissions: [documents.read]
//	---
//	module: billing
//	...
func LoadDeclarations(r io.Reader) ([]Module, error) {
	dec := yaml.NewDecoder(r)
	var modules []Module
	for {
		var d Declaration
		err := dec.Decode(&d)
		if err == io.EOF {
			return modules, nil
		}
		if err != nil {
			return nil, sserr.Wrap(err, sserr.CodeValidationFormat, "catalog: invalid module declaration")
		}
		if d.Module == "" && len(d.PermissionSpecs) == 0 && len(d.RoleSpecs) == 0 {
			continue
		}
		modules = append(modules, d)
	}
}
