package importer

import (
	"io"
	"strings"
)

// ParseCSV splits raw text into rows of trimmed cells.
// Quoted spans do not cross line breaks and blank lines are skipped.
func ParseCSV(raw string) [][]string {
	lines := strings.Split(raw, "\n")
	records := make([][]string, 0, len(lines))

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		records = append(records, parseLine(line))
	}

	return records
}

// ParseReader reads r fully and parses it with ParseCSV
func ParseReader(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return ParseCSV(string(data)), nil
}

func parseLine(line string) []string {
	var (
		row      []string
		current  strings.Builder
		inQuotes bool
	)

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(line) && line[i+1] == '"' {
				current.WriteByte('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case c == ',' && !inQuotes:
			row = append(row, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}

	return append(row, strings.TrimSpace(current.String()))
}
