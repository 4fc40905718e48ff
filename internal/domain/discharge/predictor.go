package discharge

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/medflow/hms/internal/config"
)

// factor is one documented discharge criterion. assess reports whether the
// factor is documented on the admission and, if so, whether it currently
// stands in the way of discharge.
type factor struct {
	name     string
	medical  bool
	penalty  float64
	assess   func(a *Admission) (documented, unfavourable bool)
	category string
	severity string
	delay    float64
	barrier  string
}

func boolFactor(v *bool, want bool) (bool, bool) {
	if v == nil {
		return false, false
	}
	return true, *v != want
}

func countFactor(v *int) (bool, bool) {
	if v == nil {
		return false, false
	}
	return true, *v > 0
}

var postAcuteDestinations = map[string]bool{
	"snf":     true,
	"rehab":   true,
	"ltac":    true,
	"hospice": true,
}

var dependentMobility = map[string]bool{
	"dependent": true,
	"bedbound":  true,
}

var factors = []factor{
	{
		name: "vitals_stable", medical: true, penalty: 20,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.VitalsStable, true) },
		category: CategoryClinical, severity: SeverityHigh, delay: 24,
		barrier: "vital signs not yet stable",
	},
	{
		name: "afebrile_hours", medical: true, penalty: 10,
		assess: func(a *Admission) (bool, bool) {
			if a.AfebrileHours == nil {
				return false, false
			}
			return true, *a.AfebrileHours < 24
		},
		category: CategoryClinical, severity: SeverityMedium, delay: 24,
		barrier: "afebrile for less than 24 hours",
	},
	{
		name: "on_iv_medications", medical: true, penalty: 15,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.OnIVMedications, false) },
		category: CategoryMedication, severity: SeverityMedium, delay: 24,
		barrier: "still on IV medications",
	},
	{
		name: "on_supplemental_oxygen", medical: true, penalty: 15,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.OnSupplementalOxygen, false) },
		category: CategoryClinical, severity: SeverityHigh, delay: 24,
		barrier: "requires supplemental oxygen",
	},
	{
		name: "pending_lab_results", medical: true, penalty: 10,
		assess:   func(a *Admission) (bool, bool) { return countFactor(a.PendingLabResults) },
		category: CategoryLab, severity: SeverityLow, delay: 6,
		barrier: "laboratory results pending",
	},
	{
		name: "pending_consults", medical: true, penalty: 10,
		assess:   func(a *Admission) (bool, bool) { return countFactor(a.PendingConsults) },
		category: CategoryConsult, severity: SeverityMedium, delay: 12,
		barrier: "consults pending",
	},
	{
		name: "pending_procedures", medical: true, penalty: 15,
		assess:   func(a *Admission) (bool, bool) { return countFactor(a.PendingProcedures) },
		category: CategoryProcedure, severity: SeverityHigh, delay: 24,
		barrier: "procedures pending",
	},
	{
		name: "pain_controlled", medical: true, penalty: 10,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.PainControlled, true) },
		category: CategoryClinical, severity: SeverityMedium, delay: 12,
		barrier: "pain not controlled on oral regimen",
	},
	{
		name: "medication_reconciled", medical: true, penalty: 5,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.MedicationReconciled, true) },
		category: CategoryMedication, severity: SeverityLow, delay: 2,
		barrier: "discharge medications not reconciled",
	},
	{
		name: "mobility_status", penalty: 10,
		assess: func(a *Admission) (bool, bool) {
			if a.MobilityStatus == nil || *a.MobilityStatus == "" {
				return false, false
			}
			return true, dependentMobility[strings.ToLower(*a.MobilityStatus)]
		},
		category: CategoryMobility, severity: SeverityMedium, delay: 12,
		barrier: "mobility below discharge baseline",
	},
	{
		name: "home_support_available", penalty: 20,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.HomeSupportAvailable, true) },
		category: CategorySocial, severity: SeverityHigh, delay: 24,
		barrier: "no home support available",
	},
	{
		name: "transport_arranged", penalty: 10,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.TransportArranged, true) },
		category: CategoryTransport, severity: SeverityLow, delay: 4,
		barrier: "transport not arranged",
	},
	{
		name: "insurance_authorized", penalty: 15,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.InsuranceAuthorized, true) },
		category: CategoryInsurance, severity: SeverityMedium, delay: 24,
		barrier: "insurance authorization outstanding",
	},
	{
		name: "follow_up_scheduled", penalty: 5,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.FollowUpScheduled, true) },
		category: CategoryFollowUp, severity: SeverityLow, delay: 2,
		barrier: "follow-up appointment not scheduled",
	},
	{
		name: "education_completed", penalty: 5,
		assess:   func(a *Admission) (bool, bool) { return boolFactor(a.EducationCompleted, true) },
		category: CategoryEducation, severity: SeverityLow, delay: 2,
		barrier: "discharge education incomplete",
	},
	{
		name: "discharge_placement", penalty: 25,
		assess: func(a *Admission) (bool, bool) {
			if a.DischargeDestination == nil || *a.DischargeDestination == "" {
				return false, false
			}
			if !postAcuteDestinations[strings.ToLower(*a.DischargeDestination)] {
				return true, false
			}
			return true, a.PlacementConfirmed == nil || !*a.PlacementConfirmed
		},
		category: CategoryPlacement, severity: SeverityHigh, delay: 48,
		barrier: "post-acute placement not confirmed",
	},
}

type catalogEntry struct {
	kind       string
	desc       string
	priority   string
	assignedTo string
}

var interventionCatalog = map[string]catalogEntry{
	CategoryClinical:   {"clinical_review", "Physician review of clinical stability for discharge", PriorityHigh, "physician"},
	CategoryLab:        {"expedite_labs", "Expedite pending laboratory results", PriorityMedium, "nurse"},
	CategoryConsult:    {"expedite_consult", "Escalate pending consults to the consulting service", PriorityHigh, "physician"},
	CategoryProcedure:  {"schedule_procedure", "Confirm a procedure slot ahead of the expected discharge", PriorityHigh, "physician"},
	CategoryMedication: {"medication_review", "Pharmacist IV-to-oral conversion and medication reconciliation", PriorityMedium, "pharmacist"},
	CategorySocial:     {"social_work_referral", "Social work assessment of home support", PriorityHigh, "social_worker"},
	CategoryPlacement:  {"placement_coordination", "Case management to secure post-acute placement", PriorityHigh, "case_manager"},
	CategoryTransport:  {"arrange_transport", "Book discharge transport", PriorityLow, "case_manager"},
	CategoryInsurance:  {"insurance_authorization", "Obtain payer authorization for discharge plan", PriorityHigh, "case_manager"},
	CategoryFollowUp:   {"schedule_follow_up", "Schedule the post-discharge follow-up visit", PriorityLow, "case_manager"},
	CategoryEducation:  {"patient_education", "Complete discharge teaching with patient and family", PriorityMedium, "nurse"},
	CategoryMobility:   {"pt_evaluation", "Physical therapy mobility evaluation", PriorityMedium, "physical_therapist"},
	CategoryOther:      {"case_review", "Case manager review of the discharge barrier", PriorityMedium, "case_manager"},
}

func interventionFor(b PredictedBarrier) Intervention {
	entry, ok := interventionCatalog[b.Category]
	if !ok {
		entry = interventionCatalog[CategoryOther]
	}
	priority := entry.priority
	if b.Severity == SeverityCritical {
		priority = PriorityUrgent
	}
	return Intervention{Type: entry.kind, Description: entry.desc, Priority: priority, AssignedTo: entry.assignedTo}
}

// interventions returns one intervention per type, keeping the highest
// priority seen, ordered by priority then type.
func interventions(barriers []PredictedBarrier) []Intervention {
	byType := make(map[string]Intervention)
	for _, b := range barriers {
		if b.Resolved {
			continue
		}
		iv := interventionFor(b)
		if cur, ok := byType[iv.Type]; !ok || priorityRank[iv.Priority] > priorityRank[cur.Priority] {
			byType[iv.Type] = iv
		}
	}
	out := make([]Intervention, 0, len(byType))
	for _, iv := range byType {
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool {
		if pi, pj := priorityRank[out[i].Priority], priorityRank[out[j].Priority]; pi != pj {
			return pi > pj
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Predictor scores discharge readiness. It is a pure function of the
// admission, its unresolved barriers and the clock.
type Predictor struct {
	MedicalWeight float64
	SocialWeight  float64
	Horizon       time.Duration
	DelayFactor   float64
}

func NewPredictor(cfg config.EngineConfig) Predictor {
	return Predictor{
		MedicalWeight: cfg.DischargeMedicalWeight,
		SocialWeight:  cfg.DischargeSocialWeight,
		Horizon:       time.Duration(cfg.DischargeHorizonHours * float64(time.Hour)),
		DelayFactor:   cfg.DischargeDelayFactor,
	}
}

func (p Predictor) Predict(a *Admission, barriers []*Barrier, now time.Time) *Prediction {
	medical, social := 100.0, 100.0
	documented := 0
	var reported []PredictedBarrier
	openCategories := make(map[string]bool)

	var delayHours float64
	for _, b := range barriers {
		if b.Resolved {
			continue
		}
		id := b.ID
		reported = append(reported, PredictedBarrier{
			ID:                  &id,
			Category:            b.Category,
			Description:         b.Description,
			Severity:            b.Severity,
			EstimatedDelayHours: b.EstimatedDelayHours,
		})
		openCategories[b.Category] = true
		delayHours += b.EstimatedDelayHours
		if isMedical(b.Category) {
			medical -= severityWeight[b.Severity]
		} else {
			social -= severityWeight[b.Severity]
		}
	}

	for _, f := range factors {
		doc, unfavourable := f.assess(a)
		penalty := 0.0
		switch {
		case !doc:
			penalty = f.penalty / 2
		case unfavourable:
			penalty = f.penalty
		}
		if doc {
			documented++
		}
		if f.medical {
			medical -= penalty
		} else {
			social -= penalty
		}
		if unfavourable && !openCategories[f.category] {
			reported = append(reported, PredictedBarrier{
				Category:            f.category,
				Description:         f.barrier,
				Severity:            f.severity,
				EstimatedDelayHours: f.delay,
				Predicted:           true,
			})
		}
	}

	medical = clampScore(medical)
	social = clampScore(social)
	overall := clampScore(p.MedicalWeight*medical + p.SocialWeight*social)

	predicted := now.Add(time.Duration((100 - overall) / 100 * float64(p.Horizon)))
	if a.ExpectedDischargeAt != nil && a.ExpectedDischargeAt.After(predicted) {
		predicted = *a.ExpectedDischargeAt
	}
	predicted = predicted.Add(time.Duration(delayHours * p.DelayFactor * float64(time.Hour)))

	if reported == nil {
		reported = []PredictedBarrier{}
	}
	return &Prediction{
		PatientID:                a.PatientID,
		AdmissionID:              a.ID,
		MedicalReadinessScore:    medical,
		SocialReadinessScore:     social,
		OverallReadinessScore:    overall,
		ConfidenceLevel:          confidenceFor(documented, len(factors)),
		DocumentedFactors:        documented,
		TotalFactors:             len(factors),
		PredictedDischargeDate:   predicted.UTC().Truncate(time.Minute),
		Barriers:                 reported,
		RecommendedInterventions: interventions(reported),
		GeneratedAt:              now.UTC(),
	}
}

func confidenceFor(documented, total int) string {
	if total == 0 {
		return ConfidenceLow
	}
	switch frac := float64(documented) / float64(total); {
	case frac >= 0.8:
		return ConfidenceHigh
	case frac >= 0.5:
		return ConfidenceMedium
	}
	return ConfidenceLow
}

func clampScore(v float64) float64 {
	v = math.Max(0, math.Min(100, v))
	return math.Round(v*100) / 100
}
