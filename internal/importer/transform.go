package importer

import (
	"strconv"
	"strings"
)

// ProductLine is one product and quantity extracted from a row
type ProductLine struct {
	Name string `json:"name" validate:"required"`
	Qty  int    `json:"qty" validate:"gt=0"`
}

// Row is a transformed CSV row with normalized string fields
type Row struct {
	Line         int           `json:"-"`
	RewardID     string        `json:"rewardId" validate:"required"`
	PledgeName   string        `json:"pledgeName" validate:"required"`
	SurveyStatus string        `json:"surveyStatus" validate:"required"`
	BonusSupport string        `json:"bonusSupport" validate:"nonnegative_number"`
	Price        string        `json:"price" validate:"required,positive_number"`
	Country      string        `json:"country" validate:"required"`
	BackerName   string        `json:"backerName" validate:"required"`
	BackerEmail  string        `json:"backerEmail" validate:"required,email"`
	Products     []ProductLine `json:"products" validate:"dive"`
}

// TransformRows transforms data rows, numbering them as file lines after the header
func TransformRows(rows [][]string, cols ColumnMap) []Row {
	out := make([]Row, 0, len(rows))
	for i, row := range rows {
		out = append(out, TransformRow(row, cols, i+2))
	}
	return out
}

// TransformRow maps one raw row into a Row. Product name and quantity are read from the
// same cell, and a product is kept only with a non-empty name and a positive quantity.
func TransformRow(row []string, cols ColumnMap, line int) Row {
	get := func(field, def string) string {
		idx, ok := cols.Index(field)
		if !ok || idx >= len(row) {
			return def
		}
		return strings.TrimSpace(row[idx])
	}

	r := Row{
		Line:         line,
		RewardID:     get(FieldRewardID, ""),
		PledgeName:   get(FieldPledgeName, ""),
		SurveyStatus: get(FieldSurveyStatus, ""),
		BonusSupport: get(FieldBonusSupport, "0"),
		Price:        get(FieldPrice, "0"),
		Country:      get(FieldCountry, ""),
		BackerName:   get(FieldBackerName, ""),
		BackerEmail:  get(FieldBackerEmail, ""),
		Products:     []ProductLine{},
	}

	for _, idx := range cols.Products {
		if idx >= len(row) {
			continue
		}
		cell := strings.TrimSpace(row[idx])
		qty := ParseInteger(cell)
		if cell != "" && qty > 0 {
			r.Products = append(r.Products, ProductLine{Name: cell, Qty: qty})
		}
	}

	return r
}

// ParseNumber keeps digits, dots and minus signs and parses the longest leading
// number in what remains, so "25-30" is 25 and "1.2.3" is 1.2. Anything
// unparsable is 0.
func ParseNumber(value string) float64 {
	cleaned := leadingNumber(keepRunes(value, "0123456789.-"), true)
	n, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseInteger keeps digits and minus signs and parses the longest leading
// integer in what remains. Anything unparsable is 0.
func ParseInteger(value string) int {
	cleaned := leadingNumber(keepRunes(value, "0123456789-"), false)
	n, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0
	}
	return n
}

func keepRunes(s, allowed string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(allowed, r) {
			return r
		}
		return -1
	}, s)
}

// leadingNumber returns the prefix of s made of an optional minus sign, digits and,
// when allowDot is set, at most one dot.
func leadingNumber(s string, allowDot bool) string {
	end := 0
	if strings.HasPrefix(s, "-") {
		end = 1
	}
	seenDot := false
	for ; end < len(s); end++ {
		c := s[end]
		if c == '.' && allowDot && !seenDot {
			seenDot = true
			continue
		}
		if c < '0' || c > '9' {
			break
		}
	}
	return s[:end]
}
