package intake

import (
	"context"
	"regexp"
	"strings"
)

// Detector inspects request text for one risk category.
// Implementations must respect ctx and return quickly.
type Detector interface {
	Name() string
	Category() Category
	Detect(ctx context.Context, text string) (*DetectResult, error)
}

// DetectResult is the outcome of one detector run.
type DetectResult struct {
	Triggered  bool
	Confidence float32
	Details    string
}

type pattern struct {
	re         *regexp.Regexp
	confidence float32
	detail     string
}

type term struct {
	term       string
	confidence float32
	detail     string
}

// patternDetector matches keyword terms first, then regexes, and keeps the
// strongest hit.
type patternDetector struct {
	name     string
	category Category
	terms    []term
	patterns []pattern
}

func (d *patternDetector) Name() string       { return d.name }
func (d *patternDetector) Category() Category { return d.category }

func (d *patternDetector) Detect(ctx context.Context, text string) (*DetectResult, error) {
	lower := strings.ToLower(text)

	var best float32
	var detail string
	for _, t := range d.terms {
		if strings.Contains(lower, t.term) && t.confidence > best {
			best, detail = t.confidence, t.detail
		}
	}
	for _, p := range d.patterns {
		if ctx.Err() != nil {
			break
		}
		if p.confidence > best && p.re.MatchString(text) {
			best, detail = p.confidence, p.detail
		}
	}

	if best == 0 {
		return &DetectResult{}, nil
	}
	return &DetectResult{Triggered: true, Confidence: best, Details: detail}, nil
}

// NewIllegalContentDetector flags requests for plainly illegal material.
func NewIllegalContentDetector() Detector {
	return &patternDetector{
		name:     "illegal_content",
		category: CategoryIllegalContent,
		terms: []term{
			{"child pornography", 0.99, "CSAM: explicit term"},
			{"child porn", 0.99, "CSAM: explicit term"},
		},
		patterns: []pattern{
			{regexp.MustCompile(`(?i)\b(child|minor|underage|kid)\s+(sexual|porn|nude|naked|explicit)\b`), 0.99, "CSAM: child sexual content"},
			{regexp.MustCompile(`(?i)\b(synthesize|manufacture|produce|cook)\s+(methamphetamine|fentanyl|heroin|cocaine|meth)\b`), 0.95, "drug manufacturing"},
			{regexp.MustCompile(`(?i)\b(hate\s+symbol|swastika|nazi\s+insignia)s?\b`), 0.85, "extremist imagery"},
			{regexp.MustCompile(`(?i)\b(stolen|pirated)\s+(goods|merchandise|artwork|glaze\s+recipes?)\b`), 0.80, "handling stolen property"},
		},
	}
}

// NewWeaponizationDetector flags requests to produce weapons or harm people.
func NewWeaponizationDetector() Detector {
	return &patternDetector{
		name:     "weaponization",
		category: CategoryWeaponization,
		patterns: []pattern{
			{regexp.MustCompile(`(?i)\b(how\s+to\s+)?(make|build|create|construct|cast)\s+(a\s+)?(bomb|explosive|grenade|weapon|gun|firearm|silencer)s?\b`), 0.90, "weapon or explosive creation"},
			{regexp.MustCompile(`(?i)\b(detailed\s+)?(instructions|steps|guide)\s+(for|to|on)\s+(making|creating|building)\s+(a\s+)?(bomb|explosive|weapon)\b`), 0.95, "detailed weapon instructions"},
			{regexp.MustCompile(`(?i)\b(kill|murder|assassinate|poison)\s+(a\s+)?(person|someone|people|human)\b`), 0.95, "instructions to harm people"},
			{regexp.MustCompile(`(?i)\b(knife|blade|dagger)\s+(handle|hilt)s?\b`), 0.40, "bladed item component"},
		},
	}
}

// NewIPInfringementDetector flags reproductions of protected marks and works.
func NewIPInfringementDetector() Detector {
	return &patternDetector{
		name:     "ip_infringement",
		category: CategoryIPInfringement,
		terms: []term{
			{"counterfeit", 0.85, "counterfeit goods"},
			{"knockoff", 0.80, "knockoff goods"},
		},
		patterns: []pattern{
			{regexp.MustCompile(`(?i)\b(exact|perfect|identical|1:1|faithful)\s+(replica|copy|reproduction|clone)\b`), 0.85, "exact reproduction of an existing work"},
			{regexp.MustCompile(`(?i)\b(disney|marvel|pixar|nintendo|pok[eé]mon|star\s+wars|hello\s+kitty|sanrio|nike|gucci|louis\s+vuitton|chanel)\b.{0,40}\b(logo|logos|character|characters|trademark|mark|branding)\b`), 0.90, "third-party brand or character"},
			{regexp.MustCompile(`(?i)\b(logo|character|trademark)\b.{0,40}\b(disney|marvel|pixar|nintendo|pok[eé]mon|star\s+wars|hello\s+kitty|sanrio)\b`), 0.90, "third-party brand or character"},
			{regexp.MustCompile(`(?i)\b(replica|copy)\b`), 0.30, "possible reproduction"},
		},
	}
}

// NewFraudRiskDetector flags financial manipulation.
func NewFraudRiskDetector() Detector {
	return &patternDetector{
		name:     "fraud_risk",
		category: CategoryFraudRisk,
		patterns: []pattern{
			{regexp.MustCompile(`(?i)\b(fake|forged?|fabricated|backdated?)\s+(invoice|receipt|signature|payment|refund|reconciliation)s?\b`), 0.90, "fabricated financial record"},
			{regexp.MustCompile(`(?i)\b(launder|laundering)\b`), 0.90, "money laundering"},
			{regexp.MustCompile(`(?i)\b(hide|conceal|skim|unreported)\s+(cash|revenue|income|payments?)\b`), 0.85, "concealed revenue"},
			{regexp.MustCompile(`(?i)\b(chargeback|refund)\s+(scam|fraud|abuse)\b`), 0.85, "refund or chargeback fraud"},
			{regexp.MustCompile(`(?i)\bwithout\s+(telling|notifying)\s+(the\s+)?(accountant|auditor|owner|bank)\b`), 0.60, "concealment from oversight"},
		},
	}
}

// DefaultDetectors returns the standard detector set.
func DefaultDetectors() []Detector {
	return []Detector{
		NewIllegalContentDetector(),
		NewWeaponizationDetector(),
		NewIPInfringementDetector(),
		NewFraudRiskDetector(),
	}
}
