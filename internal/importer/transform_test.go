package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformRow(t *testing.T) {
	headers := append(append([]string{}, kickstarterHeaders...), "Notes", "Widget", "Gadget", "Sticker")
	cols := MapColumns(headers)
	row := []string{"1", " TierA ", "paid", "$25.00", "US", "Jane Doe", "jane@x.com", "gift wrap", "3", "0", "none"}

	r := TransformRow(row, cols, 2)

	assert.Equal(t, 2, r.Line)
	assert.Equal(t, "1", r.RewardID)
	assert.Equal(t, "TierA", r.PledgeName)
	assert.Equal(t, "paid", r.SurveyStatus)
	assert.Equal(t, "$25.00", r.Price)
	assert.Equal(t, "0", r.BonusSupport)
	assert.Equal(t, "US", r.Country)
	assert.Equal(t, "Jane Doe", r.BackerName)
	assert.Equal(t, "jane@x.com", r.BackerEmail)
	assert.Equal(t, []ProductLine{{Name: "3", Qty: 3}}, r.Products)
}

func TestTransformRowProductCellCarriesQuantity(t *testing.T) {
	cols := MapColumns([]string{"Reward ID", "Item Name"})

	r := TransformRow([]string{"7", "2x Enamel Pin"}, cols, 2)

	assert.Equal(t, []ProductLine{{Name: "2x Enamel Pin", Qty: 2}}, r.Products)

	r = TransformRow([]string{"7", "2x Dice - Red"}, cols, 2)

	assert.Equal(t, []ProductLine{{Name: "2x Dice - Red", Qty: 2}}, r.Products)

	r = TransformRow([]string{"7", "Enamel Pin"}, cols, 2)

	assert.Empty(t, r.Products)
	assert.NotNil(t, r.Products)
}

func TestTransformRowShortRow(t *testing.T) {
	cols := MapColumns(append(append([]string{}, kickstarterHeaders...), "Bonus Support", "Notes", "Widget"))

	r := TransformRow([]string{"1", "TierA"}, cols, 9)

	assert.Equal(t, "1", r.RewardID)
	assert.Equal(t, "TierA", r.PledgeName)
	assert.Equal(t, "", r.BackerEmail)
	assert.Equal(t, "0", r.BonusSupport)
	assert.Equal(t, "0", r.Price)
	assert.Empty(t, r.Products)
}

func TestTransformRows(t *testing.T) {
	cols := MapColumns(kickstarterHeaders)
	rows := [][]string{
		{"1", "TierA", "paid", "25", "US", "Jane", "jane@x.com"},
		{"2", "TierB", "paid", "50", "CA", "John", "john@x.com"},
	}

	out := TransformRows(rows, cols)

	require.Len(t, out, 2)
	assert.Equal(t, 2, out[0].Line)
	assert.Equal(t, 3, out[1].Line)
	assert.Equal(t, "CA", out[1].Country)
}

func TestParseNumber(t *testing.T) {
	assert.Equal(t, 25.0, ParseNumber("25"))
	assert.Equal(t, 1234.5, ParseNumber("$1,234.50"))
	assert.Equal(t, -3.0, ParseNumber("-3"))
	assert.Equal(t, 0.0, ParseNumber(""))
	assert.Equal(t, 0.0, ParseNumber("abc"))
	assert.Equal(t, 1.2, ParseNumber("1.2.3"))
	assert.Equal(t, 25.0, ParseNumber("25-30"))
	assert.Equal(t, 2.0, ParseNumber("2x Dice - Red"))
	assert.Equal(t, 0.0, ParseNumber("-"))
	assert.Equal(t, 0.0, ParseNumber("-.-"))
}

func TestParseInteger(t *testing.T) {
	assert.Equal(t, 3, ParseInteger("3"))
	assert.Equal(t, 12, ParseInteger("qty: 12"))
	assert.Equal(t, -2, ParseInteger("-2"))
	assert.Equal(t, 25, ParseInteger("2.5"))
	assert.Equal(t, 0, ParseInteger("WidgetA"))
	assert.Equal(t, 0, ParseInteger(""))
	assert.Equal(t, 2, ParseInteger("2x Dice - Red"))
	assert.Equal(t, 25, ParseInteger("25-30"))
	assert.Equal(t, -4, ParseInteger("-4 - extra"))
}
