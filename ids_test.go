package gocapnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDProvenance(t *testing.T) {
	assert.True(t, ImportID(0).IsMain())
	assert.True(t, ImportID(5).IsLocal())
	assert.True(t, ImportID(-5).IsRemote())
	assert.True(t, ExportID(5).IsLocal())
	assert.True(t, ExportID(-5).IsRemote())
}

func TestIDConversion(t *testing.T) {
	assert.Equal(t, ExportID(-7), ImportID(7).ToExportID())
	assert.Equal(t, ImportID(-7), ExportID(7).ToImportID())
}

func TestIDAllocatorSequential(t *testing.T) {
	a := NewIDAllocator()
	assert.EqualValues(t, 1, a.AllocateLocalImport())
	assert.EqualValues(t, 2, a.AllocateLocalImport())
	assert.EqualValues(t, 1, a.AllocateLocalExport())
	assert.EqualValues(t, 2, a.AllocateLocalExport())
}
