package symptom

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by FindByID for ids that are not in the catalog.
var ErrNotFound = errors.New("symptom not found")

//go:embed catalog.yaml
var defaultCatalog []byte

var validRiskLevels = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Catalog is immutable reference data and is safe for concurrent use.
type Catalog struct {
	symptoms []Definition
	byID     map[string]Definition
	redFlags []RedFlag
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a YAML catalog from path. An empty path yields the embedded default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symptom catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode symptom catalog: %w", err)
	}
	return New(f.Symptoms, f.RedFlags)
}

// New builds a catalog from definitions, sorted by id.
func New(defs []Definition, redFlags []RedFlag) (*Catalog, error) {
	c := &Catalog{
		symptoms: make([]Definition, 0, len(defs)),
		byID:     make(map[string]Definition, len(defs)),
	}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("symptom %q: id is required", d.Name)
		}
		if d.Name == "" {
			return nil, fmt.Errorf("symptom %s: name is required", d.ID)
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("symptom %s: duplicate id", d.ID)
		}
		if d.Severity < 1 || d.Severity > 10 {
			return nil, fmt.Errorf("symptom %s: severity must be between 1 and 10, got %d", d.ID, d.Severity)
		}
		if d.RiskLevel == "" {
			d.RiskLevel = "low"
		}
		if !validRiskLevels[d.RiskLevel] {
			return nil, fmt.Errorf("symptom %s: invalid risk_level %q", d.ID, d.RiskLevel)
		}
		keywords := make([]string, 0, len(d.Keywords))
		for _, kw := range d.Keywords {
			keywords = append(keywords, strings.ToLower(strings.TrimSpace(kw)))
		}
		d.Keywords = keywords
		c.byID[d.ID] = d
		c.symptoms = append(c.symptoms, d)
	}
	sort.Slice(c.symptoms, func(i, j int) bool { return c.symptoms[i].ID < c.symptoms[j].ID })

	for _, rf := range redFlags {
		if rf.Name == "" {
			return nil, fmt.Errorf("red flag: name is required")
		}
		if len(rf.Symptoms) == 0 {
			return nil, fmt.Errorf("red flag %s: at least one symptom is required", rf.Name)
		}
		for _, id := range rf.Symptoms {
			if _, ok := c.byID[id]; !ok {
				return nil, fmt.Errorf("red flag %s: unknown symptom %s", rf.Name, id)
			}
		}
		c.redFlags = append(c.redFlags, rf)
	}
	return c, nil
}

// List returns every symptom ordered by id.
func (c *Catalog) List() []Definition {
	out := make([]Definition, len(c.symptoms))
	copy(out, c.symptoms)
	return out
}

func (c *Catalog) FindByID(id string) (Definition, error) {
	d, ok := c.byID[id]
	if !ok {
		return Definition{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return d, nil
}

// Search returns symptoms whose name or description contains query,
// case-insensitively. An empty query matches everything.
func (c *Catalog) Search(query string) []Definition {
	q := strings.ToLower(strings.TrimSpace(query))
	out := []Definition{}
	for _, d := range c.symptoms {
		if q == "" ||
			strings.Contains(strings.ToLower(d.Name), q) ||
			strings.Contains(strings.ToLower(d.Description), q) {
			out = append(out, d)
		}
	}
	return out
}

// MatchText returns the symptoms with at least one keyword occurring in text.
func (c *Catalog) MatchText(text string) []Definition {
	lower := strings.ToLower(text)
	var out []Definition
	if strings.TrimSpace(lower) == "" {
		return out
	}
	for _, d := range c.symptoms {
		for _, kw := range d.Keywords {
			if kw != "" && strings.Contains(lower, kw) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func (c *Catalog) RedFlags() []RedFlag {
	out := make([]RedFlag, len(c.redFlags))
	copy(out, c.redFlags)
	return out
}
