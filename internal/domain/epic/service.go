package epic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/plasmahealth/plasma-server/internal/platform/fhir"
	"github.com/plasmahealth/plasma-server/internal/platform/hipaa"
)

// demoCredentialTTL is how long a synthesized sandbox credential stays
// valid. A year keeps demo sessions from ever hitting the refresh path.
const demoCredentialTTL = 365 * 24 * time.Hour

// Service implements the Epic integration: the OAuth connection lifecycle,
// token supply, patient search, and clinical data sync.
type Service struct {
	creds     CredentialRepository
	snapshots SnapshotRepository
	states    *StateStore
	auth      AuthGateway
	data      DataGateway
	audit     *hipaa.AccessLog
	logger    zerolog.Logger

	demoMode    bool
	fhirBaseURL string
	now         func() time.Time

	mu           sync.Mutex
	refreshLocks map[uuid.UUID]*sync.Mutex
}

func NewService(
	creds CredentialRepository,
	snapshots SnapshotRepository,
	states *StateStore,
	auth AuthGateway,
	data DataGateway,
	audit *hipaa.AccessLog,
	logger zerolog.Logger,
	demoMode bool,
	fhirBaseURL string,
) *Service {
	return &Service{
		creds:        creds,
		snapshots:    snapshots,
		states:       states,
		auth:         auth,
		data:         data,
		audit:        audit,
		logger:       logger.With().Str("component", "epic").Logger(),
		demoMode:     demoMode,
		fhirBaseURL:  fhirBaseURL,
		now:          func() time.Time { return time.Now().UTC() },
		refreshLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Service) isDemo(principal uuid.UUID) bool {
	return s.demoMode || principal == DemoPrincipal
}

// Connect starts the authorization flow. Demo principals skip Epic
// entirely: a placeholder credential is written so the rest of the system
// behaves exactly as if a real connection existed.
func (s *Service) Connect(ctx context.Context, principal uuid.UUID, meta ClientMeta) (*ConnectResult, error) {
	if s.isDemo(principal) {
		now := s.now()
		cred := &CredentialRecord{
			UserID:       principal,
			AccessToken:  "demo-access-token",
			RefreshToken: "demo-refresh-token",
			ExpiresAt:    now.Add(demoCredentialTTL),
			FHIRBaseURL:  s.fhirBaseURL,
		}
		if err := s.creds.Save(ctx, cred); err != nil {
			return nil, err
		}
		s.record(ctx, principal, nil, hipaa.ActionDemoConnectionCreated, "epic_credential", meta)
		return &ConnectResult{Demo: true}, nil
	}

	state, err := s.states.Create(principal)
	if err != nil {
		return nil, err
	}
	return &ConnectResult{RedirectURL: s.auth.AuthorizeURL(state)}, nil
}

// Callback completes the authorization-code flow. The state is validated
// and consumed before the token endpoint is ever contacted.
func (s *Service) Callback(ctx context.Context, code, state string, meta ClientMeta) (uuid.UUID, error) {
	principal, ok := s.states.Consume(state)
	if !ok {
		return uuid.Nil, ErrStateMismatch
	}

	grant, err := s.auth.Exchange(ctx, code)
	if err != nil {
		return uuid.Nil, err
	}

	cred := &CredentialRecord{
		UserID:       principal,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt(s.now()),
		FHIRBaseURL:  s.fhirBaseURL,
	}
	if err := s.creds.Save(ctx, cred); err != nil {
		return uuid.Nil, err
	}

	s.record(ctx, principal, nil, hipaa.ActionEpicOAuthConnected, "epic_credential", meta)
	s.logger.Info().Str("user_id", principal.String()).Msg("epic connection established")
	return principal, nil
}

// Disconnect removes the stored credential. Deleting an absent credential
// is not an error.
func (s *Service) Disconnect(ctx context.Context, principal uuid.UUID, meta ClientMeta) error {
	if err := s.creds.Delete(ctx, principal); err != nil {
		return err
	}
	s.record(ctx, principal, nil, hipaa.ActionEpicDisconnected, "epic_credential", meta)
	return nil
}

// refreshLock returns the per-principal mutex guarding the refresh path,
// so concurrent callers for the same user perform at most one refresh.
// Entries are never removed; the map holds one bare mutex per distinct
// clinician seen over the process lifetime.
func (s *Service) refreshLock(principal uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.refreshLocks[principal]
	if !ok {
		l = &sync.Mutex{}
		s.refreshLocks[principal] = l
	}
	return l
}

// ValidToken returns a live access token for the principal, refreshing it
// when expired. An unexpired credential involves no network I/O.
func (s *Service) ValidToken(ctx context.Context, principal uuid.UUID) (string, error) {
	lock := s.refreshLock(principal)
	lock.Lock()
	defer lock.Unlock()

	cred, err := s.creds.Get(ctx, principal)
	if err != nil {
		return "", err
	}
	if !cred.Expired(s.now()) {
		return cred.AccessToken, nil
	}
	if cred.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}

	grant, err := s.auth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return "", err
	}

	cred.AccessToken = grant.AccessToken
	// Epic may not reissue the refresh token; keep the old one then.
	if grant.RefreshToken != "" {
		cred.RefreshToken = grant.RefreshToken
	}
	cred.ExpiresAt = grant.ExpiresAt(s.now())
	if err := s.creds.Save(ctx, cred); err != nil {
		return "", err
	}

	s.record(ctx, principal, nil, hipaa.ActionEpicTokenRefreshed, "epic_credential", ClientMeta{})
	s.logger.Debug().Str("user_id", principal.String()).Time("expires_at", cred.ExpiresAt).Msg("access token refreshed")
	return cred.AccessToken, nil
}

// SearchPatients queries Epic by name, or filters the sandbox chart in
// demo mode.
func (s *Service) SearchPatients(ctx context.Context, principal uuid.UUID, query string, meta ClientMeta) ([]PersonSummary, error) {
	if s.isDemo(principal) {
		results := demoSearch(query)
		s.record(ctx, principal, nil, hipaa.ActionDemoPatientSearch, "Patient?name="+query, meta)
		return results, nil
	}

	token, err := s.ValidToken(ctx, principal)
	if err != nil {
		return nil, err
	}
	bundle, err := s.data.SearchPatients(ctx, token, query)
	if err != nil {
		return nil, err
	}

	results := []PersonSummary{}
	for _, raw := range bundle.Resources() {
		p, err := fhir.NormalizePatient(raw)
		if err != nil {
			continue
		}
		results = append(results, PersonSummary{
			ID: p.ID, Name: p.Name, MRN: p.MRN, BirthDate: p.BirthDate, Sex: p.Sex, Email: p.Email,
		})
	}

	s.record(ctx, principal, nil, hipaa.ActionPatientSearch, "Patient?name="+query, meta)
	return results, nil
}

// SyncPatient pulls a patient's chart from Epic, normalizes it, and
// upserts the local snapshot. The Patient resource is mandatory; each
// clinical category degrades to an empty list on failure.
func (s *Service) SyncPatient(ctx context.Context, principal uuid.UUID, patientID string, meta ClientMeta) (*PatientSnapshot, error) {
	if s.isDemo(principal) || isDemoPatient(patientID) {
		return s.syncDemoPatient(ctx, principal, patientID, meta)
	}

	token, err := s.ValidToken(ctx, principal)
	if err != nil {
		return nil, err
	}

	var rawPatient json.RawMessage
	var conditions, meds, docs, obs *fhir.Bundle
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rawPatient, err = s.data.Patient(gctx, token, patientID)
		return err
	})
	g.Go(s.categoryFetch(gctx, token, patientID, "Condition", &conditions, s.data.Conditions))
	g.Go(s.categoryFetch(gctx, token, patientID, "MedicationRequest", &meds, s.data.Medications))
	g.Go(s.categoryFetch(gctx, token, patientID, "DocumentReference", &docs, s.data.Documents))
	g.Go(s.categoryFetch(gctx, token, patientID, "Observation", &obs, s.data.LabObservations))
	if err := g.Wait(); err != nil {
		return nil, &SyncFailedError{PatientID: patientID, Err: err}
	}

	person, err := fhir.NormalizePatient(rawPatient)
	if err != nil {
		return nil, &SyncFailedError{PatientID: patientID, Err: err}
	}

	bundle := fhir.PatientBundle{Patient: *person}
	accessed := []string{"Patient"}
	if conditions != nil {
		bundle.Conditions = fhir.NormalizeConditions(conditions)
		accessed = append(accessed, "Condition")
	}
	if meds != nil {
		bundle.Medications = fhir.NormalizeMedications(meds)
		accessed = append(accessed, "MedicationRequest")
	}
	if docs != nil {
		bundle.Documents = fhir.NormalizeDocuments(docs)
		accessed = append(accessed, "DocumentReference")
	}
	if obs != nil {
		bundle.Observations = fhir.NormalizeObservations(obs)
		accessed = append(accessed, "Observation")
	}

	snapshot := s.buildSnapshot(principal, patientID, bundle)
	if err := s.snapshots.Upsert(ctx, snapshot); err != nil {
		return nil, err
	}

	s.record(ctx, principal, &patientID, hipaa.ActionPatientDataFetched, strings.Join(accessed, ","), meta)
	return snapshot, nil
}

// categoryFetch wraps one clinical category for the fan-out. Failures are
// logged and leave the destination nil so the sync continues without that
// category.
func (s *Service) categoryFetch(
	ctx context.Context,
	token, patientID, name string,
	dst **fhir.Bundle,
	fetch func(context.Context, string, string) (*fhir.Bundle, error),
) func() error {
	return func() error {
		b, err := fetch(ctx, token, patientID)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("resource", name).
				Str("patient_id", patientID).
				Msg("category fetch failed, continuing without it")
			return nil
		}
		*dst = b
		return nil
	}
}

func (s *Service) syncDemoPatient(ctx context.Context, principal uuid.UUID, patientID string, meta ClientMeta) (*PatientSnapshot, error) {
	bundle, ok := demoBundle(patientID)
	if !ok {
		return nil, &SyncFailedError{PatientID: patientID, Err: errors.New("unknown demo patient")}
	}

	snapshot := s.buildSnapshot(principal, patientID, bundle)
	if err := s.snapshots.Upsert(ctx, snapshot); err != nil {
		return nil, err
	}

	s.record(ctx, principal, &patientID, hipaa.ActionDemoPatientDataFetch,
		"Patient,Condition,MedicationRequest,DocumentReference,Observation", meta)
	return snapshot, nil
}

func (s *Service) buildSnapshot(principal uuid.UUID, patientID string, bundle fhir.PatientBundle) *PatientSnapshot {
	diagnoses := bundle.Conditions
	if diagnoses == nil {
		diagnoses = []fhir.Condition{}
	}
	medications := bundle.Medications
	if medications == nil {
		medications = []fhir.MedicationOrder{}
	}
	return &PatientSnapshot{
		UserID:        principal,
		EpicPatientID: patientID,
		Name:          bundle.Patient.Name,
		MRN:           bundle.Patient.MRN,
		BirthDate:     bundle.Patient.BirthDate,
		ClinicalNotes: fhir.DocumentNotes(bundle.Documents),
		Diagnoses:     diagnoses,
		Medications:   medications,
		LastSynced:    s.now(),
	}
}

// GetSnapshot reads a previously synced snapshot. Viewing stored PHI is
// itself an audited access.
func (s *Service) GetSnapshot(ctx context.Context, principal uuid.UUID, patientID string, meta ClientMeta) (*PatientSnapshot, error) {
	snap, err := s.snapshots.Get(ctx, principal, patientID)
	if err != nil {
		return nil, err
	}
	action := hipaa.ActionPatientDataFetched
	if s.isDemo(principal) || isDemoPatient(patientID) {
		action = hipaa.ActionDemoPatientDataFetch
	}
	s.record(ctx, principal, &patientID, action, "snapshot", meta)
	return snap, nil
}

func (s *Service) record(ctx context.Context, principal uuid.UUID, patientID *string, action hipaa.ActionKind, resource string, meta ClientMeta) {
	s.audit.Record(ctx, &hipaa.AccessEvent{
		UserID:        principal,
		EpicPatientID: patientID,
		Action:        action,
		Resource:      resource,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
	})
}
