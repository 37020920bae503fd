package alerting

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// Operators accepted by threshold rules.
var operators = map[string]func(v, bound float64) bool{
	">":  func(v, b float64) bool { return v > b },
	">=": func(v, b float64) bool { return v >= b },
	"<":  func(v, b float64) bool { return v < b },
	"<=": func(v, b float64) bool { return v <= b },
	"==": func(v, b float64) bool { return v == b },
	"!=": func(v, b float64) bool { return v != b },
}

// DefaultTiers map |z| to severity when an anomaly rule lists none.
func DefaultTiers() []models.SeverityTier {
	return []models.SeverityTier{
		{MinZ: 3, Severity: models.SeverityWarning},
		{MinZ: 4, Severity: models.SeverityMajor},
		{MinZ: 6, Severity: models.SeverityCritical},
	}
}

// RuleError names one offending field of a rules file.
type RuleError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

func (e RuleError) String() string { return e.Field + ": " + e.Problem }

// ValidationError lists every problem found in a rules file.
type ValidationError struct {
	Errors []RuleError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, re := range e.Errors {
		parts[i] = re.String()
	}
	return "invalid rules: " + strings.Join(parts, "; ")
}

// RuleSet is an immutable, validated set of rules.
type RuleSet struct {
	rules []models.AlertRule
	byID  map[string]*models.AlertRule
}

func newRuleSet(rules []models.AlertRule) *RuleSet {
	rs := &RuleSet{rules: rules, byID: make(map[string]*models.AlertRule, len(rules))}
	for i := range rs.rules {
		rs.byID[rs.rules[i].ID] = &rs.rules[i]
	}
	return rs
}

// Rules returns a copy of the rules in file order.
func (rs *RuleSet) Rules() []models.AlertRule {
	if rs == nil {
		return nil
	}
	return append([]models.AlertRule(nil), rs.rules...)
}

func (rs *RuleSet) Get(id string) (*models.AlertRule, bool) {
	r, ok := rs.byID[id]
	return r, ok
}

func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

func (rs *RuleSet) needsState() bool {
	for i := range rs.rules {
		if rs.rules[i].Kind == models.RuleState {
			return true
		}
	}
	return false
}

type ruleFile struct {
	Rules []models.AlertRule `yaml:"rules"`
}

// LoadRules reads and validates a rules file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes a rules document strictly and validates every rule.
// Nothing is returned unless the whole document is valid.
func ParseRules(data []byte) (*RuleSet, error) {
	var file ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			ve := &ValidationError{}
			for _, msg := range te.Errors {
				ve.Errors = append(ve.Errors, RuleError{Field: "rules", Problem: msg})
			}
			return nil, ve
		}
		return nil, &ValidationError{Errors: []RuleError{{Field: "rules", Problem: err.Error()}}}
	}

	problems := validateRules(file.Rules)
	if len(problems) > 0 {
		return nil, &ValidationError{Errors: problems}
	}
	for i := range file.Rules {
		applyDefaults(&file.Rules[i])
	}
	return newRuleSet(file.Rules), nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateRules(rules []models.AlertRule) []RuleError {
	var problems []RuleError
	seen := make(map[string]int, len(rules))
	for i := range rules {
		r := &rules[i]
		prefix := fmt.Sprintf("rules[%d]", i)
		add := func(field, problem string) {
			problems = append(problems, RuleError{Field: prefix + "." + field, Problem: problem})
		}

		if err := validate.Struct(r); err != nil {
			var ves validator.ValidationErrors
			if errors.As(err, &ves) {
				for _, fe := range ves {
					add(fieldPath(fe.Namespace()), describe(fe))
				}
			} else {
				add("", err.Error())
			}
		}

		if r.ID != "" {
			if j, dup := seen[r.ID]; dup {
				add("id", fmt.Sprintf("duplicate of rules[%d]", j))
			} else {
				seen[r.ID] = i
			}
		}

		blocks := 0
		for _, set := range []bool{r.Threshold != nil, r.Anomaly != nil, r.State != nil} {
			if set {
				blocks++
			}
		}
		if blocks > 1 {
			add("kind", "exactly one of threshold, anomaly or state must be set")
		}

		switch r.Kind {
		case models.RuleThreshold:
			if r.Threshold == nil {
				add("threshold", "required for kind threshold")
			} else if _, ok := operators[r.Threshold.Operator]; !ok && r.Threshold.Operator != "" {
				add("threshold.operator", fmt.Sprintf("unknown operator %q", r.Threshold.Operator))
			}
			if r.Metric == "" {
				add("metric", "required for kind threshold")
			}
		case models.RuleAnomaly:
			if r.Anomaly == nil {
				add("anomaly", "required for kind anomaly")
			} else {
				for j := 1; j < len(r.Anomaly.Tiers); j++ {
					if r.Anomaly.Tiers[j].MinZ <= r.Anomaly.Tiers[j-1].MinZ {
						add(fmt.Sprintf("anomaly.tiers[%d].min_z", j), "tiers must be in increasing min_z order")
					}
				}
			}
			if r.Metric == "" {
				add("metric", "required for kind anomaly")
			}
		case models.RuleState:
			if r.State == nil {
				add("state", "required for kind state")
			}
		}
	}
	return problems
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("must be %s %s, got %v", fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

func applyDefaults(r *models.AlertRule) {
	if r.Scope == "" {
		r.Scope = models.ScopeAll
	}
	if r.Anomaly != nil {
		if len(r.Anomaly.Tiers) == 0 {
			r.Anomaly.Tiers = DefaultTiers()
		}
		sort.SliceStable(r.Anomaly.Tiers, func(i, j int) bool { return r.Anomaly.Tiers[i].MinZ < r.Anomaly.Tiers[j].MinZ })
	}
}
