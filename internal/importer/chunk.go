package importer

import (
	"strings"

	"backer-import/internal/models"
)

// ChunkValidation is the structural verdict on a parsed grid
type ChunkValidation struct {
	Valid    bool
	Errors   []*StructuralError
	Platform models.Platform
}

// ValidateChunk runs the structural checks with the built-in table
func ValidateChunk(grid [][]string) ChunkValidation {
	return DefaultAliases().ValidateChunk(grid)
}

// ValidateChunk checks header presence, required columns and row width.
// The first two checks stop validation; short rows are collected individually.
func (t *AliasTable) ValidateChunk(grid [][]string) ChunkValidation {
	if len(grid) < 2 {
		return ChunkValidation{
			Errors: []*StructuralError{{
				Field:   "general",
				Message: "CSV must have headers and at least one data row",
			}},
		}
	}

	headers := grid[0]
	missing := t.MapColumns(headers).Missing(RequiredFields)
	if len(missing) > 0 {
		return ChunkValidation{
			Errors: []*StructuralError{{
				Field:   "headers",
				Message: "Missing required columns: " + strings.Join(missing, ", "),
				Missing: missing,
			}},
		}
	}

	var errs []*StructuralError
	for i, row := range grid[1:] {
		if len(row) < len(headers) {
			errs = append(errs, &StructuralError{
				Line:    i + 2,
				Field:   "general",
				Message: "Row has fewer columns than headers",
			})
		}
	}

	return ChunkValidation{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Platform: t.DetectPlatform(headers),
	}
}
