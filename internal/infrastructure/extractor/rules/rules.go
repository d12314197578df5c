package rules

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Field names accepted in a rule file.
const (
	FieldIssueDate          = "issue_date"
	FieldDueDate            = "due_date"
	FieldTotalValue         = "total_value"
	FieldEmitter            = "emitter"
	FieldEmitterTaxID       = "emitter_tax_id"
	FieldRecipientTaxID     = "recipient_tax_id"
	FieldNumber             = "number"
	FieldSeries             = "series"
	FieldCedente            = "cedente"
	FieldDigitableRow       = "digitable_row"
	FieldOurNumber          = "our_number"
	FieldVerificationCode   = "verification_code"
	FieldServiceDescription = "service_description"
	FieldISSValue           = "iss_value"
	FieldNetValue           = "net_value"
)

var knownFields = map[string]struct{}{
	FieldIssueDate: {}, FieldDueDate: {}, FieldTotalValue: {}, FieldEmitter: {}, FieldEmitterTaxID: {},
	FieldRecipientTaxID: {}, FieldNumber: {}, FieldSeries: {}, FieldCedente: {}, FieldDigitableRow: {},
	FieldOurNumber: {}, FieldVerificationCode: {}, FieldServiceDescription: {}, FieldISSValue: {}, FieldNetValue: {},
}

const defaultSection = "default"

// RuleSet holds compiled field patterns per expense type.
type RuleSet struct {
	defaults map[string][]*regexp.Regexp
	byType   map[domain.ExpenseType]map[string][]*regexp.Regexp
}

// Load reads rules from path, or the built-in rules when path is empty.
func Load(path string) (*RuleSet, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(defaultRules)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*RuleSet, error) {
	var doc map[string]map[string][]string
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	set := &RuleSet{
		defaults: map[string][]*regexp.Regexp{},
		byType:   map[domain.ExpenseType]map[string][]*regexp.Regexp{},
	}
	for section, fields := range doc {
		compiled, err := compileFields(section, fields)
		if err != nil {
			return nil, err
		}
		if section == defaultSection {
			set.defaults = compiled
			continue
		}
		expenseType, err := domain.ParseExpenseType(section)
		if err != nil {
			return nil, fmt.Errorf("rules section %q: %w", section, err)
		}
		set.byType[expenseType] = compiled
	}
	return set, nil
}

func compileFields(section string, fields map[string][]string) (map[string][]*regexp.Regexp, error) {
	out := make(map[string][]*regexp.Regexp, len(fields))
	for field, patterns := range fields {
		if _, ok := knownFields[field]; !ok {
			return nil, fmt.Errorf("rules section %q: unknown field %q", section, field)
		}
		for _, pattern := range patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("rules section %q field %q: %w", section, field, err)
			}
			out[field] = append(out[field], re)
		}
	}
	return out, nil
}

// Find returns the first capture of the first matching pattern for field, trying type rules before defaults.
func (s *RuleSet) Find(expenseType domain.ExpenseType, field, text string) string {
	if value := firstMatch(s.byType[expenseType][field], text); value != "" {
		return value
	}
	return firstMatch(s.defaults[field], text)
}

func firstMatch(patterns []*regexp.Regexp, text string) string {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value := m[0]
		if len(m) > 1 {
			value = m[1]
		}
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
