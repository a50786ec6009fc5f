package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models bulkgrid.yml.
type Config struct {
	Audit struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"audit"`
	Attributes struct {
		Catalog map[string]AttributeTemplate `yaml:"catalog"`
	} `yaml:"attributes"`
}

// AttributeTemplate is a reusable local-attribute blueprint. Applying it
// to an assessment creates that assessment's own definition instance.
// OptionsMandatory is a per-option bitmask in parallel position with
// Options: 1=comment, 2=evidence file, 4=url.
type AttributeTemplate struct {
	Title            string `yaml:"title"`
	Type             string `yaml:"type"`
	Mandatory        bool   `yaml:"mandatory"`
	Default          string `yaml:"default,omitempty"`
	Options          string `yaml:"options,omitempty"`
	OptionsMandatory string `yaml:"options_mandatory,omitempty"`
}

// Attribute kinds the engine performs coercion for, plus free-form
// kinds passed through untouched.
var knownTypes = map[string]bool{
	"checkbox":    true,
	"date":        true,
	"dropdown":    true,
	"multiselect": true,
	"person":      true,
	"text":        true,
	"rich-text":   true,
}

// KnownType reports whether t is a recognized attribute kind.
func KnownType(t string) bool {
	return knownTypes[t]
}

// MultiChoiceType reports whether t carries option lists.
func MultiChoiceType(t string) bool {
	return t == "dropdown" || t == "multiselect"
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bg audit config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Audit.ID == "" {
		return fmt.Errorf("config.audit.id is required")
	}
	if c.Audit.Kind != "compliance-audit" {
		return fmt.Errorf("config.audit.kind must be 'compliance-audit'")
	}
	for name, tpl := range c.Attributes.Catalog {
		if name == "" {
			return fmt.Errorf("config.attributes.catalog contains empty name")
		}
		if err := ValidateTemplate(tpl); err != nil {
			return fmt.Errorf("catalog entry %s: %w", name, err)
		}
	}
	return nil
}

// ValidateTemplate checks one attribute blueprint for internal
// consistency. It is also applied to ad-hoc definitions created outside
// the catalog.
func ValidateTemplate(tpl AttributeTemplate) error {
	if tpl.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !KnownType(tpl.Type) {
		return fmt.Errorf("unknown type %s", tpl.Type)
	}
	if tpl.Options != "" && !MultiChoiceType(tpl.Type) {
		return fmt.Errorf("options only apply to dropdown/multiselect")
	}
	if MultiChoiceType(tpl.Type) && tpl.Options == "" {
		return fmt.Errorf("%s requires options", tpl.Type)
	}
	if tpl.OptionsMandatory != "" {
		if tpl.Options == "" {
			return fmt.Errorf("options_mandatory without options")
		}
		opts := strings.Split(tpl.Options, ",")
		flags := strings.Split(tpl.OptionsMandatory, ",")
		if len(flags) != len(opts) {
			return fmt.Errorf("options_mandatory length %d does not match options length %d", len(flags), len(opts))
		}
		for _, f := range flags {
			n, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil || n < 0 || n > 7 {
				return fmt.Errorf("options_mandatory flag %q must be a bitmask 0-7", f)
			}
		}
	}
	if tpl.Type == "checkbox" && tpl.Default != "" && tpl.Default != "0" && tpl.Default != "1" {
		return fmt.Errorf("checkbox default must be \"0\" or \"1\"")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bulkgrid.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(auditID string) string {
	return fmt.Sprintf(defaultTemplate, auditID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an audit.
func Default(auditID string) *Config {
	var cfg Config
	cfg.Audit.ID = auditID
	cfg.Audit.Kind = "compliance-audit"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, auditID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `audit:
  id: %s
  kind: compliance-audit

attributes:
  catalog:
    risk.rating:
      title: "Risk rating"
      type: dropdown
      mandatory: true
      options: "Low,Medium,High"
      options_mandatory: "0,1,3"

    control.owner:
      title: "Control owner"
      type: person
      mandatory: true

    remediation.due:
      title: "Remediation due"
      type: date

    sox.relevant:
      title: "SOX 302 relevant"
      type: checkbox
      default: "0"

    frameworks:
      title: "Frameworks"
      type: multiselect
      options: "SOC2,ISO27001,PCI-DSS,HIPAA"

    testing.notes:
      title: "Testing notes"
      type: text
`
