package guardian

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Verdicts a provider may return.
const (
	VerdictBenign     = "BENIGN"
	VerdictSuspicious = "SUSPICIOUS"
	VerdictMalicious  = "MALICIOUS"
)

// Request kinds.
const (
	KindArea   = "area"
	KindIntent = "intent"
)

// ErrMalformed is returned when a response cannot be read as a judgment.
var ErrMalformed = errors.New("malformed provider response")

// AreaJudgment is the answer for one flagged area.
type AreaJudgment struct {
	Verdict    string  `json:"verdict" jsonschema:"enum=BENIGN,enum=SUSPICIOUS,enum=MALICIOUS,description=Whether the flagged code or text is harmful in context"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1,description=How certain the verdict is"`
	Category   string  `json:"category" jsonschema:"description=Threat category when not benign"`
	Rationale  string  `json:"rationale" jsonschema:"description=One or two sentences explaining the verdict"`
}

// Threat is an extra threat reported by the package-intent call.
type Threat struct {
	Category   string  `json:"category" jsonschema:"description=Threat category"`
	Severity   string  `json:"severity" jsonschema:"enum=LOW,enum=MEDIUM,enum=HIGH,enum=CRITICAL"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	File       string  `json:"file" jsonschema:"description=File the threat is in, if any"`
	Line       int     `json:"line" jsonschema:"description=1-based line, or 0 when unknown"`
	Rationale  string  `json:"rationale"`
}

// IntentJudgment is the answer for the whole package.
type IntentJudgment struct {
	Verdict    string   `json:"verdict" jsonschema:"enum=BENIGN,enum=SUSPICIOUS,enum=MALICIOUS"`
	Confidence float64  `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Summary    string   `json:"summary" jsonschema:"description=What the package appears to do"`
	Threats    []Threat `json:"threats" jsonschema:"description=Threats not already listed in the digest"`
}

// GenerateSchema reflects T into an inline JSON schema.
func GenerateSchema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

// SchemaFor returns the response schema of a request kind.
func SchemaFor(kind string) *jsonschema.Schema {
	if kind == KindIntent {
		return GenerateSchema[IntentJudgment]()
	}
	return GenerateSchema[AreaJudgment]()
}

var fence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON strips markdown fences and prose around the first JSON object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}

// ParseArea reads an area judgment. Strict JSON is tried first; a
// response that is not valid JSON as a whole still yields a judgment when
// its verdict field can be located.
func ParseArea(raw string) (AreaJudgment, error) {
	body := extractJSON(raw)
	var j AreaJudgment
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		j = AreaJudgment{
			Verdict:    gjson.Get(body, "verdict").String(),
			Confidence: gjson.Get(body, "confidence").Float(),
			Category:   gjson.Get(body, "category").String(),
			Rationale:  gjson.Get(body, "rationale").String(),
		}
	}
	j.Verdict = strings.ToUpper(strings.TrimSpace(j.Verdict))
	if !validVerdict(j.Verdict) {
		return AreaJudgment{}, errors.Wrapf(ErrMalformed, "verdict %q", j.Verdict)
	}
	j.Confidence = clamp01(j.Confidence)
	return j, nil
}

// ParseIntent reads a package-intent judgment.
func ParseIntent(raw string) (IntentJudgment, error) {
	body := extractJSON(raw)
	var j IntentJudgment
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		j = IntentJudgment{
			Verdict:    gjson.Get(body, "verdict").String(),
			Confidence: gjson.Get(body, "confidence").Float(),
			Summary:    gjson.Get(body, "summary").String(),
		}
		gjson.Get(body, "threats").ForEach(func(_, v gjson.Result) bool {
			j.Threats = append(j.Threats, Threat{
				Category:   v.Get("category").String(),
				Severity:   v.Get("severity").String(),
				Confidence: v.Get("confidence").Float(),
				File:       v.Get("file").String(),
				Line:       int(v.Get("line").Int()),
				Rationale:  v.Get("rationale").String(),
			})
			return true
		})
	}
	j.Verdict = strings.ToUpper(strings.TrimSpace(j.Verdict))
	if !validVerdict(j.Verdict) {
		return IntentJudgment{}, errors.Wrapf(ErrMalformed, "verdict %q", j.Verdict)
	}
	j.Confidence = clamp01(j.Confidence)
	threats := j.Threats[:0]
	for _, t := range j.Threats {
		if strings.TrimSpace(t.Category) == "" {
			continue
		}
		t.Severity = strings.ToUpper(strings.TrimSpace(t.Severity))
		t.Confidence = clamp01(t.Confidence)
		threats = append(threats, t)
	}
	j.Threats = threats
	return j, nil
}

func validVerdict(v string) bool {
	return v == VerdictBenign || v == VerdictSuspicious || v == VerdictMalicious
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
