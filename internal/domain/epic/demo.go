package epic

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plasmahealth/plasma-server/internal/platform/fhir"
)

// DemoPrincipal is the fixed clinician id the sandbox uses. Any principal
// works in demo mode; this one triggers demo behavior even in production.
var DemoPrincipal = uuid.MustParse("00000000-0000-0000-0000-0000000000d3")

// DemoPatientPrefix marks patient ids that resolve to local fixtures
// regardless of connection state.
const DemoPatientPrefix = "demo-patient-"

func demoDate(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

// demoPatients is the sandbox chart: five canned patients with enough
// clinical texture to exercise search, sync, summaries, and the assistant
// without ever touching Epic. Records are built once at init and treated
// as immutable.
var demoPatients = []fhir.PatientBundle{
	{
		Patient: fhir.Person{
			ID: "demo-patient-1", Name: "Marcus Delgado", GivenName: "Marcus", FamilyName: "Delgado",
			Sex: "male", BirthDate: "1958-02-14", Age: 68, MRN: "DEMO-10001",
			Phone: "312-555-0107", Email: "marcus.delgado@example.org",
		},
		Conditions: []fhir.Condition{
			{ID: "demo-c-1a", Code: "I25.10", Display: "Coronary artery disease", ClinicalStatus: "active", OnsetDate: demoDate("2015-09-03")},
			{ID: "demo-c-1b", Code: "E78.5", Display: "Hyperlipidemia", ClinicalStatus: "active", OnsetDate: demoDate("2012-04-20")},
		},
		Medications: []fhir.MedicationOrder{
			{ID: "demo-m-1a", Name: "Atorvastatin 40 MG Oral Tablet", Status: "active", Dosage: "1 tablet", Frequency: "once daily", PrescribedDate: demoDate("2024-01-08")},
			{ID: "demo-m-1b", Name: "Aspirin 81 MG Oral Tablet", Status: "active", Dosage: "1 tablet", Frequency: "once daily", PrescribedDate: demoDate("2023-06-12")},
		},
		Documents: []fhir.DocumentRef{
			{ID: "demo-d-1a", Type: "Cardiology Consult", Date: demoDate("2025-02-18"), Author: "Dr. Elena Vasquez",
				Content: "Follow-up for stable CAD. Patient reports no chest pain with moderate exertion. Continue current statin and antiplatelet therapy. Stress test deferred."},
		},
		Observations: []fhir.Observation{
			{ID: "demo-o-1a", Code: "13457-7", Display: "LDL Cholesterol", Category: "laboratory", Value: "88", Unit: "mg/dL", ReferenceRange: "0 - 100", EffectiveDate: demoDate("2025-02-10")},
			{ID: "demo-o-1b", Code: "2345-7", Display: "Glucose", Category: "laboratory", Value: "104", Unit: "mg/dL", ReferenceRange: "70 - 100", Interpretation: "High", EffectiveDate: demoDate("2025-02-10")},
		},
	},
	{
		Patient: fhir.Person{
			ID: "demo-patient-2", Name: "Keisha Washington", GivenName: "Keisha", FamilyName: "Washington",
			Sex: "female", BirthDate: "1987-09-12", Age: 38, MRN: "DEMO-10002",
			Phone: "608-555-0142", Email: "keisha.washington@example.org",
			Address: "401 Birch St, Madison, WI 53703",
		},
		Conditions: []fhir.Condition{
			{ID: "demo-c-2a", Code: "E11.9", Display: "Type 2 diabetes mellitus", ClinicalStatus: "active", Severity: "Moderate", OnsetDate: demoDate("2019-03-01"),
				Note: "Diet-controlled initially; metformin added 2021."},
			{ID: "demo-c-2b", Code: "I10", Display: "Essential hypertension", ClinicalStatus: "active", OnsetDate: demoDate("2020-11-15")},
			{ID: "demo-c-2c", Code: "S93.401A", Display: "Ankle sprain", ClinicalStatus: "resolved", OnsetDate: demoDate("2018-07-22")},
		},
		Medications: []fhir.MedicationOrder{
			{ID: "demo-m-2a", Name: "Metformin 500 MG Oral Tablet", Code: "860975", Status: "active", Dosage: "1 tablet", Frequency: "twice daily", Route: "Oral",
				Quantity: "60 tablets", Refills: 3, PrescribedDate: demoDate("2024-08-01"), PatientInstructions: "Take with food"},
			{ID: "demo-m-2b", Name: "Lisinopril 10 MG Oral Tablet", Code: "314076", Status: "active", Dosage: "1 tablet", Frequency: "once daily", Route: "Oral",
				Quantity: "30 tablets", Refills: 5, PrescribedDate: demoDate("2024-05-20")},
			{ID: "demo-m-2c", Name: "Ibuprofen 400 MG Oral Tablet", Status: "completed", Dosage: "1 tablet as needed", PrescribedDate: demoDate("2018-07-22")},
		},
		Documents: []fhir.DocumentRef{
			{ID: "demo-d-2a", Type: "Progress Note", Date: demoDate("2025-03-04"), Author: "Dr. Amara Okafor",
				Content: "SUBJECTIVE: Patient presents for quarterly diabetes follow-up. Reports good adherence to metformin " +
					"and home glucose monitoring, fasting values 95-120 mg/dL. Denies polyuria, polydipsia, visual changes, " +
					"or paresthesias. Walking 30 minutes most days.\n\n" +
					"OBJECTIVE: BP 128/82, HR 74, BMI 29.1. Foot exam without ulceration, monofilament sensation intact " +
					"bilaterally. Fundoscopic screening current as of 11/2024, no retinopathy.\n\n" +
					"ASSESSMENT: Type 2 diabetes, adequate control on current regimen. Hypertension at goal.\n\n" +
					"PLAN: Continue metformin 500 mg BID and lisinopril 10 mg daily. Repeat HbA1c and lipid panel in " +
					"3 months. Reinforced dietary counseling. Return sooner for fasting glucose persistently above 180."},
			{ID: "demo-d-2b", Type: "Endocrinology Consult", Date: demoDate("2024-11-12"), Author: "Dr. Priya Raman",
				Content: "Referred for diabetes management review. HbA1c trajectory 7.9 -> 7.1 over twelve months on " +
					"metformin monotherapy. No indication for second agent at this time. Recommend continued lifestyle " +
					"modification and annual ophthalmology screening. Will see again in one year or sooner if control slips."},
			{ID: "demo-d-2c", Type: "Laboratory Report", Date: demoDate("2025-02-27"), Author: "Plasma Health Lab",
				Content: "Comprehensive metabolic panel and HbA1c collected 2025-02-27. HbA1c 7.0%. Fasting glucose " +
					"112 mg/dL. Creatinine 0.9 mg/dL, eGFR >60. Lipid panel within target for diabetic patient."},
		},
		Observations: []fhir.Observation{
			{ID: "demo-o-2a", Code: "4548-4", Display: "HbA1c", Category: "laboratory", Value: "7.0", Unit: "%", ReferenceRange: "4.0 - 5.6", Interpretation: "High", EffectiveDate: demoDate("2025-02-27")},
			{ID: "demo-o-2b", Code: "2345-7", Display: "Glucose", Category: "laboratory", Value: "112", Unit: "mg/dL", ReferenceRange: "70 - 100", Interpretation: "High", EffectiveDate: demoDate("2025-02-27")},
			{ID: "demo-o-2c", Code: "2160-0", Display: "Creatinine", Category: "laboratory", Value: "0.9", Unit: "mg/dL", ReferenceRange: "0.6 - 1.2", EffectiveDate: demoDate("2025-02-27")},
		},
	},
	{
		Patient: fhir.Person{
			ID: "demo-patient-3", Name: "Wei Chen", GivenName: "Wei", FamilyName: "Chen",
			Sex: "male", BirthDate: "1994-05-30", Age: 32, MRN: "DEMO-10003",
			Email: "wei.chen@example.org",
		},
		Conditions: []fhir.Condition{
			{ID: "demo-c-3a", Code: "J45.20", Display: "Mild intermittent asthma", ClinicalStatus: "active", OnsetDate: demoDate("2005-01-01")},
		},
		Medications: []fhir.MedicationOrder{
			{ID: "demo-m-3a", Name: "Albuterol 90 MCG Inhaler", Status: "active", Dosage: "2 puffs as needed", PrescribedDate: demoDate("2024-09-15")},
		},
		Documents: []fhir.DocumentRef{
			{ID: "demo-d-3a", Type: "Progress Note", Date: demoDate("2024-09-15"), Author: "Dr. Samuel Park",
				Content: "Annual visit. Asthma well controlled, rescue inhaler use less than twice monthly. Refilled albuterol."},
		},
		Observations: []fhir.Observation{
			{ID: "demo-o-3a", Code: "718-7", Display: "Hemoglobin", Category: "laboratory", Value: "15.1", Unit: "g/dL", ReferenceRange: "13.5 - 17.5", EffectiveDate: demoDate("2024-09-15")},
		},
	},
	{
		Patient: fhir.Person{
			ID: "demo-patient-4", Name: "Sofia Andersson", GivenName: "Sofia", FamilyName: "Andersson",
			Sex: "female", BirthDate: "1972-12-03", Age: 53, MRN: "DEMO-10004",
			Phone: "415-555-0189",
		},
		Conditions: []fhir.Condition{
			{ID: "demo-c-4a", Code: "M54.5", Display: "Low back pain", ClinicalStatus: "active", OnsetDate: demoDate("2023-02-10")},
			{ID: "demo-c-4b", Code: "F41.1", Display: "Generalized anxiety disorder", ClinicalStatus: "active", OnsetDate: demoDate("2021-06-01")},
		},
		Medications: []fhir.MedicationOrder{
			{ID: "demo-m-4a", Name: "Sertraline 50 MG Oral Tablet", Status: "active", Dosage: "1 tablet", Frequency: "once daily", PrescribedDate: demoDate("2024-03-11")},
			{ID: "demo-m-4b", Name: "Cyclobenzaprine 5 MG Oral Tablet", Status: "stopped", Dosage: "1 tablet at bedtime", PrescribedDate: demoDate("2023-02-10")},
		},
		Documents: []fhir.DocumentRef{
			{ID: "demo-d-4a", Type: "Physical Therapy Note", Date: demoDate("2024-12-02"), Author: "J. Whitfield, DPT",
				Content: "Completed 8-session course for chronic low back pain. Reports pain 3/10 from baseline 6/10. Discharged to home exercise program."},
		},
		Observations: []fhir.Observation{
			{ID: "demo-o-4a", Code: "2093-3", Display: "Total Cholesterol", Category: "laboratory", Value: "212", Unit: "mg/dL", ReferenceRange: "0 - 200", Interpretation: "High", EffectiveDate: demoDate("2024-10-05")},
		},
	},
	{
		Patient: fhir.Person{
			ID: "demo-patient-5", Name: "Thomas O'Leary", GivenName: "Thomas", FamilyName: "O'Leary",
			Sex: "male", BirthDate: "2001-08-19", Age: 25, MRN: "DEMO-10005",
		},
		Conditions:  []fhir.Condition{},
		Medications: []fhir.MedicationOrder{},
		Documents: []fhir.DocumentRef{
			{ID: "demo-d-5a", Type: "Wellness Visit", Date: demoDate("2025-01-20"), Author: "Dr. Elena Vasquez",
				Content: "Healthy adult, no active problems. Routine labs unremarkable. Counseled on sleep hygiene."},
		},
		Observations: []fhir.Observation{
			{ID: "demo-o-5a", Code: "2345-7", Display: "Glucose", Category: "laboratory", Value: "89", Unit: "mg/dL", ReferenceRange: "70 - 100", EffectiveDate: demoDate("2025-01-20")},
		},
	},
}

// demoBundle returns the fixture for a demo patient id.
func demoBundle(patientID string) (fhir.PatientBundle, bool) {
	for _, b := range demoPatients {
		if b.Patient.ID == patientID {
			return b, true
		}
	}
	return fhir.PatientBundle{}, false
}

// demoSearch filters fixtures by case-insensitive substring over name, MRN,
// and email. An empty query returns everyone.
func demoSearch(query string) []PersonSummary {
	q := strings.ToLower(strings.TrimSpace(query))
	out := []PersonSummary{}
	for _, b := range demoPatients {
		p := b.Patient
		if q != "" &&
			!strings.Contains(strings.ToLower(p.Name), q) &&
			!strings.Contains(strings.ToLower(p.MRN), q) &&
			!strings.Contains(strings.ToLower(p.Email), q) {
			continue
		}
		out = append(out, PersonSummary{
			ID: p.ID, Name: p.Name, MRN: p.MRN, BirthDate: p.BirthDate, Sex: p.Sex, Email: p.Email,
		})
	}
	return out
}

// isDemoPatient reports whether an id belongs to the sandbox chart.
func isDemoPatient(patientID string) bool {
	return strings.HasPrefix(patientID, DemoPatientPrefix)
}
