package agent

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var defaultPersonasYAML []byte

// Limits are per-persona overrides; zero fields keep the defaults.
type Limits struct {
	MaxIterations int        `yaml:"max_iterations"`
	MaxTokens     int        `yaml:"max_tokens"`
	Temperature   float32    `yaml:"temperature"`
	Budget        ToolBudget `yaml:"tool_budget"`
}

// Persona is an agent variant: a prompt, a tool subset and limits.
type Persona struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
	Limits       Limits   `yaml:"limits"`
}

// Apply overlays the persona onto cfg.
func (p Persona) Apply(cfg *Config) {
	cfg.Name = p.Name
	if p.SystemPrompt != "" {
		cfg.SystemPrompt = p.SystemPrompt
	}
	if p.Limits.MaxIterations > 0 {
		cfg.MaxIterations = p.Limits.MaxIterations
	}
	if p.Limits.MaxTokens > 0 {
		cfg.MaxTokens = p.Limits.MaxTokens
	}
	if p.Limits.Temperature > 0 {
		cfg.Temperature = p.Limits.Temperature
	}
	if p.Limits.Budget.Simple > 0 {
		cfg.Budget.Simple = p.Limits.Budget.Simple
	}
	if p.Limits.Budget.Complex > 0 {
		cfg.Budget.Complex = p.Limits.Budget.Complex
	}
}

// PersonaSet is an ordered collection of personas keyed by name.
type PersonaSet struct {
	byName map[string]Persona
	order  []string
}

type personaFile struct {
	Personas []Persona `yaml:"personas"`
}

// ParsePersonas decodes a YAML persona document.
func ParsePersonas(data []byte) (*PersonaSet, error) {
	var doc personaFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse personas: %w", err)
	}

	set := &PersonaSet{byName: make(map[string]Persona)}
	for _, p := range doc.Personas {
		if p.Name == "" {
			return nil, fmt.Errorf("parse personas: persona without name")
		}
		set.Put(p)
	}
	return set, nil
}

// DefaultPersonas returns the built-in personas.
func DefaultPersonas() *PersonaSet {
	set, err := ParsePersonas(defaultPersonasYAML)
	if err != nil {
		panic(err)
	}
	return set
}

// LoadPersonas returns the built-ins overridden by the personas in path.
// An empty path yields the built-ins.
func LoadPersonas(path string) (*PersonaSet, error) {
	set := DefaultPersonas()
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas: %w", err)
	}
	overrides, err := ParsePersonas(data)
	if err != nil {
		return nil, err
	}
	for _, name := range overrides.Names() {
		p, _ := overrides.Get(name)
		set.Put(p)
	}
	return set, nil
}

// Put adds or replaces a persona.
func (s *PersonaSet) Put(p Persona) {
	if _, exists := s.byName[p.Name]; !exists {
		s.order = append(s.order, p.Name)
	}
	s.byName[p.Name] = p
}

// Get looks a persona up by name.
func (s *PersonaSet) Get(name string) (Persona, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Names lists persona names in declaration order.
func (s *PersonaSet) Names() []string {
	return append([]string(nil), s.order...)
}
