package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

const declarations = `
module: documents
permissions:
  - name: documents.read
    display_name: Read documents
  - name: documents.write
roles:
  - name: viewer
    permissions: [documents.read]
  - name: editor
    description: Can change documents
    permissions: [documents.read, documents.write]
---
---
module: billing
permissions:
  - name: billing.export
`

func TestLoadDeclarations(t *testing.T) {
	t.Parallel()
	modules, err := LoadDeclarations(strings.NewReader(declarations))
	require.NoError(t, err)
	require.Len(t, modules, 2, "empty documents are skipped")

	docs := modules[0]
	assert.Equal(t, fixtures.ModuleDocuments, docs.Name())
	require.Len(t, docs.Permissions(), 2)
	assert.Equal(t, "Read documents", docs.Permissions()[0].DisplayName)
	require.Len(t, docs.Roles(), 2)
	assert.Equal(t, []string{fixtures.PermRead, fixtures.PermWrite}, docs.Roles()[1].Permissions)
	assert.Equal(t, "Can change documents", docs.Roles()[1].Description)

	assert.Equal(t, "billing", modules[1].Name())
	assert.Empty(t, modules[1].Roles())
}

func TestLoadDeclarations_Empty(t *testing.T) {
	t.Parallel()
	modules, err := LoadDeclarations(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, modules)
}

func TestLoadDeclarations_Invalid(t *testing.T) {
	t.Parallel()
	_, err := LoadDeclarations(strings.NewReader("module: [unterminated"))
	testutil.RequireErrorCode(t, err, sserr.CodeValidationFormat)

	_, err = LoadDeclarations(strings.NewReader("permissions: 42\n"))
	testutil.RequireErrorCode(t, err, sserr.CodeValidationFormat)
}
