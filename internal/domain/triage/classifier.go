package triage

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ehr/triage/internal/domain/symptom"
)

const (
	advisoryEmergency = "seek emergency care"

	recommendationER     = "Seek emergency medical attention immediately. Go to the nearest emergency room."
	recommendationClinic = "Schedule an appointment with a healthcare provider within 24-48 hours."
	recommendationHome   = "Monitor your symptoms at home. Rest and stay hydrated. Seek care if symptoms worsen."

	// Weighted scores at or above this value are treated as high risk.
	highRiskScore = 70
)

var (
	genericQuestions = []string{
		"When did your symptoms start?",
		"On a scale of 1-10, how severe are your symptoms?",
		"Are your symptoms constant, or do they come and go?",
	}
	redFlagQuestions = []string{
		"When did these symptoms begin?",
		"Is anyone with you who can help you get to care?",
	}
	severeQuestions = []string{
		"How long have you had these symptoms?",
		"Are the symptoms getting worse?",
		"Do you have any existing medical conditions?",
	}
	mildQuestions = []string{
		"How long have you had these symptoms?",
		"Have you tried anything that helped?",
	}
)

var riskWeights = map[string]float64{"low": 1, "medium": 2, "high": 3, "critical": 5}

// textRule is one row of the free-text decision table. match returns the
// keywords that fired, or nil when the rule does not apply.
type textRule struct {
	name      string
	match     func(text string) []string
	risk      RiskLevel
	advisory  string
	questions []string
}

// allOf fires only when every keyword is present.
func allOf(keywords ...string) func(string) []string {
	return func(text string) []string {
		for _, kw := range keywords {
			if !strings.Contains(text, kw) {
				return nil
			}
		}
		return append([]string{}, keywords...)
	}
}

// anyOf fires when at least one keyword is present and reports the ones found.
func anyOf(keywords ...string) func(string) []string {
	return func(text string) []string {
		var found []string
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				found = append(found, kw)
			}
		}
		return found
	}
}

// textRules is evaluated top to bottom; the first matching row wins.
var textRules = []textRule{
	{
		name:     "chest pain",
		match:    allOf("chest", "pain"),
		risk:     RiskHigh,
		advisory: advisoryEmergency,
		questions: []string{
			"When did the chest pain start?",
			"Does the pain spread to your arm, jaw, or back?",
			"Are you short of breath, sweating, or feeling faint?",
		},
	},
	{
		name:  "fever",
		match: anyOf("fever"),
		risk:  RiskMedium,
		questions: []string{
			"What is your temperature?",
			"How long have you had the fever?",
			"Do you also have chills, a cough, or body aches?",
		},
	},
	{
		name:  "headache",
		match: anyOf("headache"),
		risk:  RiskLow,
		questions: []string{
			"Where is the headache located?",
			"How severe is it on a scale of 1-10?",
			"Have you taken any medication for it?",
		},
	},
	{
		name:  "fatigue",
		match: anyOf("tired", "fatigue"),
		risk:  RiskLow,
		questions: []string{
			"How long have you been feeling tired?",
			"Are you getting enough sleep at night?",
			"Have there been any recent changes in your stress levels or diet?",
		},
	},
}

// Classifier maps reported symptoms and free text to a risk level.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	catalog *symptom.Catalog
}

func NewClassifier(catalog *symptom.Catalog) *Classifier {
	return &Classifier{catalog: catalog}
}

// Classify never fails. Empty input yields RiskUnknown with the generic
// clarifying questions. A free-text rule always takes precedence over the
// symptom-derived assessment.
func (c *Classifier) Classify(symptomIDs []string, freeText string) ClassificationResult {
	text := strings.ToLower(freeText)
	defs := c.collect(symptomIDs, text)
	score := riskScore(defs)
	flags := c.redFlags(defs)

	result := ClassificationResult{
		RiskScore:       score,
		RedFlags:        make([]string, 0, len(flags)),
		MatchedKeywords: []string{},
	}
	for _, rf := range flags {
		result.RedFlags = append(result.RedFlags, rf.Name)
	}

	for _, rule := range textRules {
		if kws := rule.match(text); len(kws) > 0 {
			result.RiskLevel = rule.risk
			result.Advisory = rule.advisory
			result.MatchedKeywords = kws
			result.FollowUpQuestions = append([]string{}, rule.questions...)
			result.Recommendation = recommendationFor(result.RiskLevel)
			return result
		}
	}

	if len(defs) == 0 {
		result.RiskLevel = RiskUnknown
		result.FollowUpQuestions = append([]string{}, genericQuestions...)
		result.Recommendation = recommendationFor(RiskUnknown)
		return result
	}

	for _, d := range defs {
		result.MatchedKeywords = append(result.MatchedKeywords, d.ID)
	}

	severe := false
	for _, d := range defs {
		if d.HasTag(symptom.TagSevere) {
			severe = true
			break
		}
	}

	switch {
	case len(flags) > 0:
		result.RiskLevel = RiskHigh
		result.Advisory = flags[0].Advisory
		result.FollowUpQuestions = append([]string{}, redFlagQuestions...)
	case score >= highRiskScore:
		result.RiskLevel = RiskHigh
		result.Advisory = advisoryEmergency
		result.FollowUpQuestions = append([]string{}, severeQuestions...)
	case severe || len(defs) >= 3:
		result.RiskLevel = RiskMedium
		result.FollowUpQuestions = append([]string{}, severeQuestions...)
	default:
		result.RiskLevel = RiskLow
		result.FollowUpQuestions = append([]string{}, mildQuestions...)
	}
	result.Recommendation = recommendationFor(result.RiskLevel)
	return result
}

// collect resolves reported ids and keyword hits in text to catalog entries,
// keeping first-seen order and dropping duplicates and unknown ids.
func (c *Classifier) collect(symptomIDs []string, text string) []symptom.Definition {
	if c.catalog == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []symptom.Definition
	for _, id := range symptomIDs {
		if seen[id] {
			continue
		}
		d, err := c.catalog.FindByID(id)
		if err != nil {
			continue
		}
		seen[id] = true
		out = append(out, d)
	}
	for _, d := range c.catalog.MatchText(text) {
		if !seen[d.ID] {
			seen[d.ID] = true
			out = append(out, d)
		}
	}
	return out
}

func (c *Classifier) redFlags(defs []symptom.Definition) []symptom.RedFlag {
	if c.catalog == nil || len(defs) == 0 {
		return nil
	}
	present := make(map[string]bool, len(defs))
	for _, d := range defs {
		present[d.ID] = true
	}
	var out []symptom.RedFlag
	for _, rf := range c.catalog.RedFlags() {
		all := true
		for _, id := range rf.Symptoms {
			if !present[id] {
				all = false
				break
			}
		}
		if all {
			out = append(out, rf)
		}
	}
	return out
}

// riskScore is the mean of severity weighted by catalog risk level,
// normalised to 0-100 and rounded to two decimals.
func riskScore(defs []symptom.Definition) float64 {
	if len(defs) == 0 {
		return 0
	}
	var total float64
	for _, d := range defs {
		w, ok := riskWeights[d.RiskLevel]
		if !ok {
			w = 1
		}
		total += float64(d.Severity) * w
	}
	score := math.Min(100, total/float64(len(defs))/50*100)
	return math.Round(score*100) / 100
}

func recommendationFor(level RiskLevel) string {
	switch level {
	case RiskHigh:
		return recommendationER
	case RiskMedium:
		return recommendationClinic
	default:
		return recommendationHome
	}
}

// reply renders a classification as the assistant's chat message.
func reply(r ClassificationResult) string {
	parts := make([]string, 0, len(r.FollowUpQuestions)+1)
	if adv := r.Advisory; adv != "" {
		adv = capitalize(adv)
		if !strings.HasSuffix(adv, ".") {
			adv += "."
		}
		parts = append(parts, adv)
	}
	parts = append(parts, r.FollowUpQuestions...)
	return strings.Join(parts, " ")
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
