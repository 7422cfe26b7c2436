package importer

// ColumnMap resolves canonical fields to column positions
type ColumnMap struct {
	Fields   map[string]int
	Products []int
}

// Index returns the column position of a field
func (m ColumnMap) Index(field string) (int, bool) {
	idx, ok := m.Fields[field]
	return idx, ok
}

// Missing returns the fields that did not resolve to a column, in the given order
func (m ColumnMap) Missing(fields []string) []string {
	var missing []string
	for _, f := range fields {
		if _, ok := m.Fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// MapColumns resolves header names to field positions using the built-in table
func MapColumns(headers []string) ColumnMap {
	return DefaultAliases().MapColumns(headers)
}

// MapColumns walks the header row in order. A field takes the position of the first
// occurrence of its matching header; a later matching alias overrides an earlier one.
// Every column after a products-after marker is a product column, and a product-column
// marker is a product column itself.
func (t *AliasTable) MapColumns(headers []string) ColumnMap {
	m := ColumnMap{Fields: make(map[string]int)}
	seen := make(map[int]bool)

	addProduct := func(idx int) {
		if !seen[idx] {
			seen[idx] = true
			m.Products = append(m.Products, idx)
		}
	}

	for _, header := range headers {
		pos := indexOf(headers, header)

		if field, ok := t.fieldFor(header); ok {
			m.Fields[field] = pos
			continue
		}

		switch {
		case contains(t.ProductsAfter, header):
			for k := pos + 1; k < len(headers); k++ {
				addProduct(k)
			}
		case contains(t.ProductColumns, header):
			addProduct(pos)
		}
	}

	return m
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}
