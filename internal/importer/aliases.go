package importer

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Canonical row fields
const (
	FieldRewardID     = "rewardId"
	FieldSurveyStatus = "surveyStatus"
	FieldBonusSupport = "bonusSupport"
	FieldCountry      = "country"
	FieldPledgeName   = "pledgeName"
	FieldPrice        = "price"
	FieldBackerName   = "backerName"
	FieldBackerEmail  = "backerEmail"
)

// RequiredFields must resolve to a column for a chunk to be accepted
var RequiredFields = []string{
	FieldRewardID,
	FieldSurveyStatus,
	FieldCountry,
	FieldPledgeName,
	FieldPrice,
	FieldBackerName,
	FieldBackerEmail,
}

//go:embed aliases.yaml
var builtinAliases []byte

// AliasTable is the static header vocabulary used for platform detection and column mapping
type AliasTable struct {
	Fields         map[string][]string `yaml:"fields"`
	ProductsAfter  []string            `yaml:"products_after"`
	ProductColumns []string            `yaml:"product_columns"`
	Platforms      struct {
		Kickstarter []string `yaml:"kickstarter"`
		Indiegogo   []string `yaml:"indiegogo"`
	} `yaml:"platforms"`

	byHeader map[string]string
}

var defaultAliases = sync.OnceValue(func() *AliasTable {
	t, err := parseAliasTable(builtinAliases)
	if err != nil {
		panic(fmt.Sprintf("importer: invalid built-in alias table: %v", err))
	}
	return t
})

// DefaultAliases returns the built-in alias table
func DefaultAliases() *AliasTable {
	return defaultAliases()
}

// LoadAliasTable returns the built-in table extended with the aliases in path.
// An empty path yields the built-in table.
func LoadAliasTable(path string) (*AliasTable, error) {
	if path == "" {
		return DefaultAliases(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alias file: %w", err)
	}

	base, err := parseAliasTable(builtinAliases)
	if err != nil {
		return nil, err
	}

	var extra AliasTable
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse alias file: %w", err)
	}

	for field, aliases := range extra.Fields {
		base.Fields[field] = appendUnique(base.Fields[field], aliases...)
	}
	base.ProductsAfter = appendUnique(base.ProductsAfter, extra.ProductsAfter...)
	base.ProductColumns = appendUnique(base.ProductColumns, extra.ProductColumns...)
	base.Platforms.Kickstarter = appendUnique(base.Platforms.Kickstarter, extra.Platforms.Kickstarter...)
	base.Platforms.Indiegogo = appendUnique(base.Platforms.Indiegogo, extra.Platforms.Indiegogo...)

	if err := base.index(); err != nil {
		return nil, err
	}
	return base, nil
}

func parseAliasTable(data []byte) (*AliasTable, error) {
	var t AliasTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}
	if t.Fields == nil {
		t.Fields = map[string][]string{}
	}
	if err := t.index(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *AliasTable) index() error {
	t.byHeader = make(map[string]string)
	for field, aliases := range t.Fields {
		for _, alias := range aliases {
			if other, ok := t.byHeader[alias]; ok && other != field {
				return fmt.Errorf("header %q is an alias of both %s and %s", alias, other, field)
			}
			t.byHeader[alias] = field
		}
	}
	return nil
}

func (t *AliasTable) fieldFor(header string) (string, bool) {
	field, ok := t.byHeader[header]
	return field, ok
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
