package conversation

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Option is a lettered choice inside a service.
type Option struct {
	Letter string `yaml:"letter"`
	Label  string `yaml:"label"`
}

// Service is one entry of the main menu with its lettered options.
type Service struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Options     []Option `yaml:"options"`
}

// Combo is a promotional bundle listed under the combo option.
type Combo struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Catalog holds every text the dialog sends.
//
// The main menu numbers services from 1, followed by the combo option and the
// agent option. InvalidOption and InvalidCombo may contain "{max}", which is
// replaced with the highest valid number.
type Catalog struct {
	MenuKeyword          string    `yaml:"menu_keyword"`
	Greeting             string    `yaml:"greeting"`
	MenuPrompt           string    `yaml:"menu_prompt"`
	ComboLabel           string    `yaml:"combo_label"`
	AgentLabel           string    `yaml:"agent_label"`
	Services             []Service `yaml:"services"`
	ServicePrompt        string    `yaml:"service_prompt"`
	Combos               []Combo   `yaml:"combos"`
	ComboPrompt          string    `yaml:"combo_prompt"`
	Handoff              string    `yaml:"handoff"`
	InvalidOption        string    `yaml:"invalid_option"`
	InvalidServiceOption string    `yaml:"invalid_service_option"`
	InvalidCombo         string    `yaml:"invalid_combo"`
	InactivityWarning    string    `yaml:"inactivity_warning"`
	ChatReset            string    `yaml:"chat_reset"`
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic("conversation: embedded catalog is invalid: " + err.Error())
	}
	return c
}

// LoadCatalog reads a YAML catalog from path. An empty path returns the
// embedded catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &c, nil
}

func (c *Catalog) normalize() {
	c.MenuKeyword = strings.ToLower(strings.TrimSpace(c.MenuKeyword))
	if c.MenuKeyword == "" {
		c.MenuKeyword = "menu"
	}
	for i := range c.Services {
		for j := range c.Services[i].Options {
			o := &c.Services[i].Options[j]
			o.Letter = strings.ToLower(strings.TrimSpace(o.Letter))
		}
	}
}

// Validate checks that every dialog branch has the text it needs.
func (c *Catalog) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}
	if len(c.Combos) == 0 {
		return fmt.Errorf("at least one combo is required")
	}
	for i, s := range c.Services {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("service %d has no name", i+1)
		}
		if len(s.Options) == 0 {
			return fmt.Errorf("service %q has no options", s.Name)
		}
		seen := make(map[string]bool, len(s.Options))
		for _, o := range s.Options {
			if len([]rune(o.Letter)) != 1 {
				return fmt.Errorf("service %q: option letter %q must be a single character", s.Name, o.Letter)
			}
			if _, err := strconv.Atoi(o.Letter); err == nil {
				return fmt.Errorf("service %q: option letter %q must not be a digit", s.Name, o.Letter)
			}
			if seen[o.Letter] {
				return fmt.Errorf("service %q: duplicate option letter %q", s.Name, o.Letter)
			}
			seen[o.Letter] = true
		}
	}
	required := map[string]string{
		"greeting":               c.Greeting,
		"handoff":                c.Handoff,
		"invalid_option":         c.InvalidOption,
		"invalid_service_option": c.InvalidServiceOption,
		"invalid_combo":          c.InvalidCombo,
		"inactivity_warning":     c.InactivityWarning,
		"chat_reset":             c.ChatReset,
		"combo_label":            c.ComboLabel,
		"agent_label":            c.AgentLabel,
	}
	for name, text := range required {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

// ComboOption is the main menu number that opens the combo listing.
func (c *Catalog) ComboOption() int { return len(c.Services) + 1 }

// AgentOption is the main menu number that hands the chat to a human.
func (c *Catalog) AgentOption() int { return len(c.Services) + 2 }

// Service returns the service numbered id (1-based).
func (c *Catalog) Service(id int) (Service, bool) {
	if id < 1 || id > len(c.Services) {
		return Service{}, false
	}
	return c.Services[id-1], true
}

// HasOption reports whether letter is a valid option of service id.
func (c *Catalog) HasOption(id int, letter string) bool {
	s, ok := c.Service(id)
	if !ok {
		return false
	}
	for _, o := range s.Options {
		if o.Letter == letter {
			return true
		}
	}
	return false
}

// MainMenu renders the numbered main menu.
func (c *Catalog) MainMenu() string {
	var b strings.Builder
	if c.MenuPrompt != "" {
		b.WriteString(c.MenuPrompt)
		b.WriteString("\n\n")
	}
	for i, s := range c.Services {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Name)
	}
	fmt.Fprintf(&b, "%d. %s\n", c.ComboOption(), c.ComboLabel)
	fmt.Fprintf(&b, "%d. %s", c.AgentOption(), c.AgentLabel)
	return b.String()
}

// Welcome renders the greeting followed by the main menu.
func (c *Catalog) Welcome() string {
	return c.Greeting + "\n\n" + c.MainMenu()
}

// ServiceDetail renders the lettered options of service id.
func (c *Catalog) ServiceDetail(id int) string {
	s, ok := c.Service(id)
	if !ok {
		return c.InvalidOptionText()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", s.Name)
	if s.Description != "" {
		b.WriteString(s.Description)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	for _, o := range s.Options {
		fmt.Fprintf(&b, "%s) %s\n", o.Letter, o.Label)
	}
	if c.ServicePrompt != "" {
		b.WriteString("\n")
		b.WriteString(c.ServicePrompt)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ComboListing renders the numbered combo list.
func (c *Catalog) ComboListing() string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", c.ComboLabel)
	for i, combo := range c.Combos {
		fmt.Fprintf(&b, "%d. %s", i+1, combo.Name)
		if combo.Description != "" {
			fmt.Fprintf(&b, " - %s", combo.Description)
		}
		b.WriteString("\n")
	}
	if c.ComboPrompt != "" {
		b.WriteString("\n")
		b.WriteString(c.ComboPrompt)
	}
	return strings.TrimRight(b.String(), "\n")
}

// InvalidOptionText is the reply to an unknown main menu choice.
func (c *Catalog) InvalidOptionText() string {
	return strings.ReplaceAll(c.InvalidOption, "{max}", strconv.Itoa(c.AgentOption()))
}

// InvalidComboText is the reply to an unknown combo number.
func (c *Catalog) InvalidComboText() string {
	return strings.ReplaceAll(c.InvalidCombo, "{max}", strconv.Itoa(len(c.Combos)))
}
