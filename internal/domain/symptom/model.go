package symptom

// TagSevere marks symptoms that are known to be severe on their own.
const TagSevere = "severe"

// Definition is one entry of the symptom catalog.
type Definition struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Keywords    []string `yaml:"keywords" json:"keywords,omitempty"`
	Severity    int      `yaml:"severity" json:"severity"`
	RiskLevel   string   `yaml:"risk_level" json:"risk_level"`
	BodySystem  string   `yaml:"body_system" json:"body_system,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
}

// HasTag reports whether the symptom carries the given tag.
func (d Definition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RedFlag is a symptom combination that requires immediate attention.
type RedFlag struct {
	Name     string   `yaml:"name" json:"name"`
	Symptoms []string `yaml:"symptoms" json:"symptoms"`
	Advisory string   `yaml:"advisory" json:"advisory"`
}

type catalogFile struct {
	Symptoms []Definition `yaml:"symptoms"`
	RedFlags []RedFlag    `yaml:"red_flags"`
}
