// Package skills loads analysis playbooks: markdown files whose YAML
// frontmatter names trigger keywords and planned tool steps.
package skills

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.md
var builtinFS embed.FS

var frontmatterRE = regexp.MustCompile(`(?s)\A---\s*\n(.*?\n)---\s*\n`)

// Step is a planned step of a skill. Tool may be empty for steps that do
// not map to a tool call.
type Step struct {
	Title string `yaml:"title"`
	Tool  string `yaml:"tool"`
}

// Skill is one playbook.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Steps       []Step   `yaml:"steps"`
	Body        string   `yaml:"-"`
	Path        string   `yaml:"-"`
}

// Parse reads a skill document. fallbackName is used when the frontmatter
// has no name.
func Parse(data []byte, fallbackName string) (Skill, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	match := frontmatterRE.FindStringSubmatchIndex(text)
	if match == nil {
		return Skill{}, fmt.Errorf("skill %s: missing frontmatter", fallbackName)
	}

	var s Skill
	if err := yaml.Unmarshal([]byte(text[match[2]:match[3]]), &s); err != nil {
		return Skill{}, fmt.Errorf("skill %s: %w", fallbackName, err)
	}
	if s.Name == "" {
		s.Name = fallbackName
	}
	s.Description = strings.TrimSpace(s.Description)
	s.Body = strings.TrimSpace(text[match[1]:])
	for i, k := range s.Keywords {
		s.Keywords[i] = strings.ToLower(strings.TrimSpace(k))
	}
	return s, nil
}

// Catalog is an ordered skill collection.
type Catalog struct {
	skills []Skill
}

// NewCatalog builds a catalog; later skills replace earlier ones with the
// same name.
func NewCatalog(skills ...Skill) *Catalog {
	c := &Catalog{}
	for _, s := range skills {
		c.Add(s)
	}
	return c
}

// Add registers s, replacing a skill of the same name in place.
func (c *Catalog) Add(s Skill) {
	for i := range c.skills {
		if c.skills[i].Name == s.Name {
			c.skills[i] = s
			return
		}
	}
	c.skills = append(c.skills, s)
}

// Skills lists skills in registration order.
func (c *Catalog) Skills() []Skill {
	return append([]Skill(nil), c.skills...)
}

// Get finds a skill by name.
func (c *Catalog) Get(name string) (Skill, bool) {
	for _, s := range c.skills {
		if s.Name == name {
			return s, true
		}
	}
	return Skill{}, false
}

// Match returns the skill with the most keyword hits in query. Ties go to
// the skill registered first; no hits means no match.
func (c *Catalog) Match(query string) (Skill, bool) {
	q := strings.ToLower(query)
	best, bestHits := -1, 0
	for i, s := range c.skills {
		hits := 0
		for _, k := range s.Keywords {
			if k != "" && strings.Contains(q, k) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		return Skill{}, false
	}
	return c.skills[best], true
}

// Default returns the built-in skills.
func Default() *Catalog {
	c, err := loadFS(builtinFS, "builtin")
	if err != nil {
		panic(fmt.Sprintf("builtin skills: %v", err))
	}
	return c
}

// LoadDir adds every *.md file under dir to the built-in skills.
func LoadDir(dir string) (*Catalog, error) {
	c := Default()
	if dir == "" {
		return c, nil
	}
	extra, err := loadFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("load skills from %s: %w", dir, err)
	}
	for _, s := range extra.skills {
		s.Path = filepath.Join(dir, s.Path)
		c.Add(s)
	}
	return c, nil
}

func loadFS(fsys fs.FS, root string) (*Catalog, error) {
	c := &Catalog{}
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md") {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		s, err := Parse(data, strings.TrimSuffix(d.Name(), ".md"))
		if err != nil {
			return err
		}
		s.Path = path
		c.Add(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
