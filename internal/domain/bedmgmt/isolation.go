package bedmgmt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/hms/internal/platform/cache"
	"github.com/medflow/hms/internal/platform/db"
)

type isolationRule struct {
	kind    IsolationType
	label   string
	pattern *regexp.Regexp
}

func rule(kind IsolationType, label, expr string) isolationRule {
	return isolationRule{kind: kind, label: label, pattern: regexp.MustCompile(`(?i)\b(?:` + expr + `)\b`)}
}

// Ordered strongest first so reasons read in precedence order.
var isolationRules = []isolationRule{
	rule(IsolationAirborne, "tuberculosis", `tuberculosis|tb`),
	rule(IsolationAirborne, "measles", `measles|rubeola`),
	rule(IsolationAirborne, "varicella", `varicella|chicken\s?pox`),
	rule(IsolationAirborne, "disseminated zoster", `disseminated\s+(?:herpes\s+)?zoster`),
	rule(IsolationAirborne, "COVID-19", `covid(?:-?19)?|sars-cov-2`),
	rule(IsolationDroplet, "influenza", `influenza|flu`),
	rule(IsolationDroplet, "pertussis", `pertussis|whooping\s+cough`),
	rule(IsolationDroplet, "meningococcal disease", `meningococcal|neisseria\s+meningitidis`),
	rule(IsolationDroplet, "mumps", `mumps`),
	rule(IsolationDroplet, "rubella", `rubella`),
	rule(IsolationDroplet, "RSV", `rsv|respiratory\s+syncytial\s+virus`),
	rule(IsolationDroplet, "mycoplasma pneumonia", `mycoplasma`),
	rule(IsolationContact, "MRSA", `mrsa`),
	rule(IsolationContact, "VRE", `vre`),
	rule(IsolationContact, "C. difficile", `c\.?\s?diff(?:icile)?|clostridi(?:oides|um)\s+difficile`),
	rule(IsolationContact, "CRE", `cre`),
	rule(IsolationContact, "ESBL", `esbl`),
	rule(IsolationContact, "scabies", `scabies`),
	rule(IsolationContact, "norovirus", `norovirus`),
}

var (
	negationBefore = regexp.MustCompile(`(?i)\b(?:no|not|negative\s+for|ruled\s+out|r/o|denies|without|free\s+of)\b[^;,\n]*$`)
	negationAfter  = regexp.MustCompile(`(?i)^[\s:-]*(?:[a-z]+\s+){0,2}(?:negative|neg|ruled\s+out|not\s+detected)\b`)
	clauseBreak    = regexp.MustCompile(`[;,\n]|\.\s`)

	// A clause about immunisation records protection, not infection, unless
	// it also reports disease.
	vaccination = regexp.MustCompile(`(?i)\b(?:vaccin\w*|immuni[sz]\w*|boosters?|shots?|jabs?|inoculat\w*)\b`)
	infection   = regexp.MustCompile(`(?i)\b(?:positive|infect\w*|active|confirmed|despite|breakthrough|exposure|exposed)\b`)
)

var ppeCatalog = map[IsolationType][]string{
	IsolationNone:     {"hand hygiene"},
	IsolationContact:  {"hand hygiene", "gown", "gloves"},
	IsolationDroplet:  {"hand hygiene", "surgical mask", "eye protection"},
	IsolationAirborne: {"hand hygiene", "N95 respirator", "negative-pressure room", "gown", "gloves"},
}

// PPEFor returns the protective equipment required for t.
func PPEFor(t IsolationType) []string {
	items := ppeCatalog[t]
	if items == nil {
		items = ppeCatalog[IsolationNone]
	}
	out := make([]string, len(items))
	copy(out, items)
	return out
}

type historyMatch struct {
	kind  IsolationType
	label string
}

// matchHistory scans free-text history and returns every non-negated
// condition that implies isolation.
func matchHistory(text string) []historyMatch {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []historyMatch
	for _, r := range isolationRules {
		for _, loc := range r.pattern.FindAllStringIndex(text, -1) {
			if negated(text, loc[0], loc[1]) || immunisationOnly(text, loc[0], loc[1]) {
				continue
			}
			out = append(out, historyMatch{kind: r.kind, label: r.label})
			break
		}
	}
	return out
}

// clause returns the clause of text around [start, end).
func clause(text string, start, end int) string {
	from := 0
	if idx := clauseBreak.FindAllStringIndex(text[:start], -1); len(idx) > 0 {
		from = idx[len(idx)-1][1]
	}
	to := len(text)
	if loc := clauseBreak.FindStringIndex(text[end:]); loc != nil {
		to = end + loc[0]
	}
	return text[from:to]
}

func immunisationOnly(text string, start, end int) bool {
	c := clause(text, start, end)
	return vaccination.MatchString(c) && !infection.MatchString(c)
}

func negated(text string, start, end int) bool {
	prefix := text[:start]
	if idx := clauseBreak.FindAllStringIndex(prefix, -1); len(idx) > 0 {
		prefix = prefix[idx[len(idx)-1][1]:]
	}
	if negationBefore.MatchString(prefix) {
		return true
	}
	return negationAfter.MatchString(text[end:])
}

// IsolationEvaluator decides whether a patient needs transmission-based
// precautions. Results are cached per patient revision.
type IsolationEvaluator struct {
	patients PatientRepository
	kv       cache.KV
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewIsolationEvaluator(patients PatientRepository, kv cache.KV, ttl time.Duration, logger zerolog.Logger) *IsolationEvaluator {
	if kv == nil {
		kv = cache.NopKV{}
	}
	return &IsolationEvaluator{patients: patients, kv: kv, ttl: ttl, logger: logger, now: time.Now}
}

func isolationCacheKey(ctx context.Context, p *Patient) string {
	return cache.Key("isolation", db.TenantFromContext(ctx), p.ID.String(), strconv.FormatInt(p.UpdatedAt.UnixNano(), 10))
}

// Evaluate returns the isolation requirement for patientID. When the history
// implies isolation for a patient nobody has flagged, the derived flag is
// written back to the patient.
func (e *IsolationEvaluator) Evaluate(ctx context.Context, patientID uuid.UUID) (*IsolationRequirement, error) {
	p, err := e.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}

	key := isolationCacheKey(ctx, p)
	var cached IsolationRequirement
	if err := cache.GetJSON(ctx, e.kv, key, &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		e.logger.Debug().Err(err).Str("patient_id", patientID.String()).Msg("isolation cache read failed")
	}

	req := e.assess(p)
	if req.Source == SourceHistory && (!p.IsolationRequired || p.IsolationType != req.IsolationType) {
		updatedAt, err := e.patients.SetIsolation(ctx, p.ID, true, req.IsolationType, SourceHistory)
		if err != nil {
			return nil, fmt.Errorf("persisting derived isolation: %w", err)
		}
		p.UpdatedAt = updatedAt
		key = isolationCacheKey(ctx, p)
		e.logger.Info().
			Str("patient_id", p.ID.String()).
			Str("isolation_type", string(req.IsolationType)).
			Msg("isolation derived from medical history")
	}

	if err := cache.SetJSON(ctx, e.kv, key, req, e.ttl); err != nil {
		e.logger.Debug().Err(err).Str("patient_id", patientID.String()).Msg("isolation cache write failed")
	}
	return req, nil
}

// assess is the pure part of Evaluate.
func (e *IsolationEvaluator) assess(p *Patient) *IsolationRequirement {
	req := &IsolationRequirement{
		PatientID:     p.ID,
		IsolationType: IsolationNone,
		Reasons:       []string{},
		Source:        SourceNone,
		EvaluatedAt:   e.now().UTC(),
	}

	switch {
	case p.IsolationRequired && p.IsolationSource == SourceHistory:
		// Kept once derived; only clear-isolation lifts it.
		req.IsolationRequired = true
		req.IsolationType = p.IsolationType
		if req.IsolationType.rank() <= 0 {
			req.IsolationType = IsolationContact
		}
		req.Source = SourceHistory
		req.Reasons = append(req.Reasons, fmt.Sprintf("previously derived from medical history (%s precautions)", req.IsolationType))
	case p.IsolationRequired:
		flagged := p.IsolationType
		if flagged.rank() <= 0 {
			flagged = IsolationContact
		}
		req.IsolationRequired = true
		req.IsolationType = flagged
		req.Source = SourceFlag
		req.Reasons = append(req.Reasons, fmt.Sprintf("flagged by clinical staff for %s precautions", flagged))
	case p.IsolationClearedAt != nil:
		reason := "isolation cleared"
		if p.IsolationClearedReason != nil && *p.IsolationClearedReason != "" {
			reason += ": " + *p.IsolationClearedReason
		}
		req.Source = SourceCleared
		req.Reasons = append(req.Reasons, reason)
		req.PPERequirements = PPEFor(IsolationNone)
		return req
	}

	var history string
	if p.MedicalHistory != nil {
		history = *p.MedicalHistory
	}
	for _, m := range matchHistory(history) {
		req.Reasons = append(req.Reasons, fmt.Sprintf("medical history mentions %s (%s precautions)", m.label, m.kind))
		if m.kind.rank() > req.IsolationType.rank() {
			req.IsolationType = m.kind
		}
		if !req.IsolationRequired {
			req.IsolationRequired = true
			req.Source = SourceHistory
		}
	}
	if len(req.Reasons) == 0 {
		req.Reasons = append(req.Reasons, "no isolation indicators")
	}
	req.PPERequirements = PPEFor(req.IsolationType)
	return req
}
