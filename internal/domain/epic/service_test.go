package epic

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plasmahealth/plasma-server/internal/platform/fhir"
	"github.com/plasmahealth/plasma-server/internal/platform/hipaa"
)

// =========== Mocks ===========

type mockCredRepo struct {
	mu    sync.Mutex
	creds map[uuid.UUID]CredentialRecord
	saves int
}

func newMockCredRepo() *mockCredRepo {
	return &mockCredRepo{creds: make(map[uuid.UUID]CredentialRecord)}
}

func (m *mockCredRepo) Save(_ context.Context, c *CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.creds[c.UserID] = *c
	m.saves++
	return nil
}

func (m *mockCredRepo) Get(_ context.Context, userID uuid.UUID) (*CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[userID]
	if !ok {
		return nil, ErrNotConnected
	}
	out := c
	return &out, nil
}

func (m *mockCredRepo) Delete(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, userID)
	return nil
}

type mockSnapshotRepo struct {
	mu    sync.Mutex
	snaps map[string]PatientSnapshot
}

func newMockSnapshotRepo() *mockSnapshotRepo {
	return &mockSnapshotRepo{snaps: make(map[string]PatientSnapshot)}
}

func snapKey(userID uuid.UUID, patientID string) string {
	return userID.String() + "/" + patientID
}

func (m *mockSnapshotRepo) Upsert(_ context.Context, s *PatientSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.snaps[snapKey(s.UserID, s.EpicPatientID)] = *s
	return nil
}

func (m *mockSnapshotRepo) Get(_ context.Context, userID uuid.UUID, patientID string) (*PatientSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[snapKey(userID, patientID)]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	out := s
	return &out, nil
}

func (m *mockSnapshotRepo) DeleteSyncedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.snaps {
		if s.LastSynced.Before(cutoff) {
			delete(m.snaps, k)
			n++
		}
	}
	return n, nil
}

type fakeAuthGateway struct {
	exchangeCalls int
	refreshCalls  int
	exchangeGrant *TokenGrant
	exchangeErr   error
	refreshGrant  *TokenGrant
	refreshErr    error
}

func (f *fakeAuthGateway) AuthorizeURL(state string) string {
	return "https://epic.example.org/oauth2/authorize?state=" + state
}

func (f *fakeAuthGateway) Exchange(_ context.Context, _ string) (*TokenGrant, error) {
	f.exchangeCalls++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchangeGrant, nil
}

func (f *fakeAuthGateway) Refresh(_ context.Context, _ string) (*TokenGrant, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshGrant, nil
}

type fakeDataGateway struct {
	mu            sync.Mutex
	calls         map[string]int
	patientJSON   string
	patientErr    error
	conditionsErr error
	bundles       map[string]string
}

func newFakeDataGateway() *fakeDataGateway {
	return &fakeDataGateway{
		calls: make(map[string]int),
		patientJSON: `{"resourceType":"Patient","id":"pat-77","name":[{"family":"Nguyen","given":["Linh"]}],
			"birthDate":"1990-04-01","identifier":[{"type":{"coding":[{"code":"MR"}]},"value":"MRN-7001"}]}`,
		bundles: map[string]string{},
	}
}

func (f *fakeDataGateway) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeDataGateway) bundle(name string) (*fhir.Bundle, error) {
	body, ok := f.bundles[name]
	if !ok {
		body = `{"resourceType":"Bundle","type":"searchset"}`
	}
	return fhir.DecodeBundle([]byte(body))
}

func (f *fakeDataGateway) Patient(_ context.Context, _, _ string) (json.RawMessage, error) {
	f.count("Patient")
	if f.patientErr != nil {
		return nil, f.patientErr
	}
	return json.RawMessage(f.patientJSON), nil
}

func (f *fakeDataGateway) SearchPatients(_ context.Context, _, _ string) (*fhir.Bundle, error) {
	f.count("SearchPatients")
	return f.bundle("SearchPatients")
}

func (f *fakeDataGateway) Conditions(_ context.Context, _, _ string) (*fhir.Bundle, error) {
	f.count("Conditions")
	if f.conditionsErr != nil {
		return nil, f.conditionsErr
	}
	return f.bundle("Conditions")
}

func (f *fakeDataGateway) Medications(_ context.Context, _, _ string) (*fhir.Bundle, error) {
	f.count("Medications")
	return f.bundle("Medications")
}

func (f *fakeDataGateway) Documents(_ context.Context, _, _ string) (*fhir.Bundle, error) {
	f.count("Documents")
	return f.bundle("Documents")
}

func (f *fakeDataGateway) LabObservations(_ context.Context, _, _ string) (*fhir.Bundle, error) {
	f.count("LabObservations")
	return f.bundle("LabObservations")
}

type recordingEventRepo struct {
	mu     sync.Mutex
	events []hipaa.AccessEvent
}

func (r *recordingEventRepo) Insert(_ context.Context, e *hipaa.AccessEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *recordingEventRepo) DeleteOlderThan(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *recordingEventRepo) actions() []hipaa.ActionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hipaa.ActionKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

type testEnv struct {
	svc    *Service
	creds  *mockCredRepo
	snaps  *mockSnapshotRepo
	auth   *fakeAuthGateway
	data   *fakeDataGateway
	events *recordingEventRepo
}

func newTestEnv(demoMode bool) *testEnv {
	env := &testEnv{
		creds:  newMockCredRepo(),
		snaps:  newMockSnapshotRepo(),
		auth:   &fakeAuthGateway{},
		data:   newFakeDataGateway(),
		events: &recordingEventRepo{},
	}
	audit := hipaa.NewAccessLog(env.events, zerolog.Nop())
	env.svc = NewService(env.creds, env.snaps, NewStateStore(), env.auth, env.data,
		audit, zerolog.Nop(), demoMode, "https://fhir.example.org/r4")
	return env
}

func (e *testEnv) hasAction(want hipaa.ActionKind) bool {
	for _, a := range e.events.actions() {
		if a == want {
			return true
		}
	}
	return false
}

// =========== Connection flow ===========

func TestConnectDemoCreatesPlaceholderCredential(t *testing.T) {
	env := newTestEnv(true)
	principal := uuid.New()

	result, err := env.svc.Connect(context.Background(), principal, ClientMeta{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !result.Demo || result.RedirectURL != "" {
		t.Errorf("result = %+v, want demo with no redirect", result)
	}

	cred, err := env.creds.Get(context.Background(), principal)
	if err != nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if until := time.Until(cred.ExpiresAt); until < 360*24*time.Hour {
		t.Errorf("placeholder expiry too soon: %v", until)
	}
	if !env.hasAction(hipaa.ActionDemoConnectionCreated) {
		t.Error("demo connection was not audited")
	}
}

func TestConnectReturnsAuthorizeRedirect(t *testing.T) {
	env := newTestEnv(false)

	result, err := env.svc.Connect(context.Background(), uuid.New(), ClientMeta{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if result.Demo {
		t.Fatal("non-demo connect reported demo")
	}
	if !strings.Contains(result.RedirectURL, "state=") {
		t.Errorf("redirect missing state: %q", result.RedirectURL)
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	env := newTestEnv(false)
	env.auth.exchangeGrant = &TokenGrant{AccessToken: "at", ExpiresIn: 3600}

	_, err := env.svc.Callback(context.Background(), "some-code", "bogus-state", ClientMeta{})
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
	if env.auth.exchangeCalls != 0 {
		t.Errorf("token endpoint contacted %d times on bad state", env.auth.exchangeCalls)
	}
}

func TestCallbackStoresCredential(t *testing.T) {
	env := newTestEnv(false)
	env.auth.exchangeGrant = &TokenGrant{AccessToken: "at-1", RefreshToken: "rt-1", ExpiresIn: 3600}
	principal := uuid.New()

	state, err := env.svc.states.Create(principal)
	if err != nil {
		t.Fatalf("state create: %v", err)
	}

	got, err := env.svc.Callback(context.Background(), "auth-code", state, ClientMeta{})
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if got != principal {
		t.Errorf("callback principal = %v, want %v", got, principal)
	}
	if env.auth.exchangeCalls != 1 {
		t.Errorf("exchange calls = %d", env.auth.exchangeCalls)
	}

	cred, err := env.creds.Get(context.Background(), principal)
	if err != nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if cred.AccessToken != "at-1" || cred.RefreshToken != "rt-1" {
		t.Errorf("stored tokens = %q / %q", cred.AccessToken, cred.RefreshToken)
	}
	if !env.hasAction(hipaa.ActionEpicOAuthConnected) {
		t.Error("connection was not audited")
	}

	// A state is single-use.
	if _, err := env.svc.Callback(context.Background(), "auth-code", state, ClientMeta{}); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("reused state should mismatch, got %v", err)
	}
}

// =========== Token supply ===========

func TestValidTokenFreshCredentialNoNetwork(t *testing.T) {
	env := newTestEnv(false)
	principal := uuid.New()
	env.creds.Save(context.Background(), &CredentialRecord{
		UserID:       principal,
		AccessToken:  "fresh-token",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	for i := 0; i < 2; i++ {
		token, err := env.svc.ValidToken(context.Background(), principal)
		if err != nil {
			t.Fatalf("ValidToken: %v", err)
		}
		if token != "fresh-token" {
			t.Errorf("token = %q", token)
		}
	}
	if env.auth.refreshCalls != 0 {
		t.Errorf("refresh calls = %d, want 0 for unexpired credential", env.auth.refreshCalls)
	}
}

func TestValidTokenRefreshesExpired(t *testing.T) {
	env := newTestEnv(false)
	env.auth.refreshGrant = &TokenGrant{AccessToken: "at-new", ExpiresIn: 3600}
	principal := uuid.New()
	oldExpiry := time.Now().Add(-time.Minute)
	env.creds.Save(context.Background(), &CredentialRecord{
		UserID:       principal,
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    oldExpiry,
	})

	token, err := env.svc.ValidToken(context.Background(), principal)
	if err != nil {
		t.Fatalf("ValidToken: %v", err)
	}
	if token != "at-new" {
		t.Errorf("token = %q", token)
	}
	if env.auth.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", env.auth.refreshCalls)
	}

	cred, _ := env.creds.Get(context.Background(), principal)
	if !cred.ExpiresAt.After(oldExpiry) {
		t.Error("expiry did not advance")
	}
	if cred.RefreshToken != "rt-old" {
		t.Errorf("refresh token = %q, want the old one carried forward", cred.RefreshToken)
	}
	if !env.hasAction(hipaa.ActionEpicTokenRefreshed) {
		t.Error("refresh was not audited")
	}
}

func TestValidTokenErrors(t *testing.T) {
	env := newTestEnv(false)

	if _, err := env.svc.ValidToken(context.Background(), uuid.New()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("no credential: got %v", err)
	}

	principal := uuid.New()
	env.creds.Save(context.Background(), &CredentialRecord{
		UserID:      principal,
		AccessToken: "at",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})
	if _, err := env.svc.ValidToken(context.Background(), principal); !errors.Is(err, ErrNoRefreshToken) {
		t.Errorf("expired without refresh secret: got %v", err)
	}

	withRefresh := uuid.New()
	env.creds.Save(context.Background(), &CredentialRecord{
		UserID:       withRefresh,
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	env.auth.refreshErr = &RefreshFailedError{Status: 400, Body: "invalid_grant"}
	var rfe *RefreshFailedError
	if _, err := env.svc.ValidToken(context.Background(), withRefresh); !errors.As(err, &rfe) {
		t.Errorf("failed refresh: got %v", err)
	}
}

// =========== Search ===========

func TestDemoSearch(t *testing.T) {
	env := newTestEnv(true)
	principal := uuid.New()

	all, err := env.svc.SearchPatients(context.Background(), principal, "", ClientMeta{})
	if err != nil {
		t.Fatalf("SearchPatients: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("empty query returned %d patients, want 5", len(all))
	}

	chen, err := env.svc.SearchPatients(context.Background(), principal, "chen", ClientMeta{})
	if err != nil {
		t.Fatalf("SearchPatients: %v", err)
	}
	if len(chen) != 1 || chen[0].Name != "Wei Chen" {
		t.Errorf("query 'chen' = %+v", chen)
	}
	if env.data.calls["SearchPatients"] != 0 {
		t.Error("demo search hit the network")
	}
	if !env.hasAction(hipaa.ActionDemoPatientSearch) {
		t.Error("demo search was not audited")
	}
}

func TestProductionSearchNormalizesResults(t *testing.T) {
	env := newTestEnv(false)
	principal := uuid.New()
	env.creds.Save(context.Background(), &CredentialRecord{
		UserID: principal, AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour),
	})
	env.data.bundles["SearchPatients"] = `{"resourceType":"Bundle","type":"searchset","entry":[
		{"resource":{"resourceType":"Patient","id":"pat-1","name":[{"family":"Nguyen","given":["Linh"]}]}},
		{"resource":{"resourceType":"OperationOutcome"}}
	]}`

	results, err := env.svc.SearchPatients(context.Background(), principal, "nguyen", ClientMeta{})
	if err != nil {
		t.Fatalf("SearchPatients: %v", err)
	}
	if len(results) != 1 || results[0].Name != "Linh Nguyen" {
		t.Errorf("results = %+v", results)
	}
	if !env.hasAction(hipaa.ActionPatientSearch) {
		t.Error("search was not audited")
	}
}

// =========== Sync ===========

func TestSyncDemoPatient(t *testing.T) {
	env := newTestEnv(true)
	principal := uuid.New()

	snap, err := env.svc.SyncPatient(context.Background(), principal, "demo-patient-2", ClientMeta{})
	if err != nil {
		t.Fatalf("SyncPatient: %v", err)
	}
	if snap.Name != "Keisha Washington" {
		t.Errorf("name = %q", snap.Name)
	}
	if snap.ClinicalNotes == "" || !strings.Contains(snap.ClinicalNotes, "diabetes") {
		t.Error("clinical notes missing or empty")
	}

	var activeCond, activeMed bool
	for _, c := range snap.Diagnoses {
		if c.ClinicalStatus == "active" {
			activeCond = true
		}
	}
	for _, m := range snap.Medications {
		if m.Status == "active" {
			activeMed = true
		}
	}
	if !activeCond || !activeMed {
		t.Error("fixture should carry an active condition and medication")
	}

	stored, err := env.snaps.Get(context.Background(), principal, "demo-patient-2")
	if err != nil {
		t.Fatalf("snapshot not persisted: %v", err)
	}
	if len(stored.Diagnoses) != len(snap.Diagnoses) || len(stored.Medications) != len(snap.Medications) {
		t.Error("persisted lists do not round-trip")
	}
	if env.data.calls["Patient"] != 0 {
		t.Error("demo sync hit the network")
	}
	if !env.hasAction(hipaa.ActionDemoPatientDataFetch) {
		t.Error("demo sync was not audited")
	}
}

func TestSyncedSnapshotSurvivesSerialization(t *testing.T) {
	env := newTestEnv(true)

	snap, err := env.svc.SyncPatient(context.Background(), uuid.New(), "demo-patient-2", ClientMeta{})
	if err != nil {
		t.Fatalf("SyncPatient: %v", err)
	}
	if len(snap.Diagnoses) == 0 || len(snap.Medications) == 0 {
		t.Fatal("fixture should carry diagnoses and medications")
	}

	rawDiag, err := json.Marshal(snap.Diagnoses)
	if err != nil {
		t.Fatalf("marshal diagnoses: %v", err)
	}
	var diagnoses []fhir.Condition
	if err := json.Unmarshal(rawDiag, &diagnoses); err != nil {
		t.Fatalf("unmarshal diagnoses: %v", err)
	}
	if !reflect.DeepEqual(diagnoses, snap.Diagnoses) {
		t.Errorf("diagnoses changed through serialization:\ngot  %+v\nwant %+v", diagnoses, snap.Diagnoses)
	}

	rawMeds, err := json.Marshal(snap.Medications)
	if err != nil {
		t.Fatalf("marshal medications: %v", err)
	}
	var medications []fhir.MedicationOrder
	if err := json.Unmarshal(rawMeds, &medications); err != nil {
		t.Fatalf("unmarshal medications: %v", err)
	}
	if !reflect.DeepEqual(medications, snap.Medications) {
		t.Errorf("medications changed through serialization:\ngot  %+v\nwant %+v", medications, snap.Medications)
	}

	if since := time.Since(snap.LastSynced); since < 0 || since > time.Second {
		t.Errorf("last synced %v ago, want within the current second", since)
	}
}

func TestSyncPatientFanOut(t *testing.T) {
	env := newTestEnv(false)
	principal := uuid.New()
	env.creds.Save(context.Background(), &CredentialRecord{
		UserID: principal, AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour),
	})
	env.data.bundles["Conditions"] = `{"resourceType":"Bundle","type":"searchset","entry":[
		{"resource":{"resourceType":"Condition","id":"c1",
			"code":{"coding":[{"display":"Hypertension"}]},
			"clinicalStatus":{"coding":[{"code":"active"}]}}}
	]}`

	snap, err := env.svc.SyncPatient(context.Background(), principal, "pat-77", ClientMeta{})
	if err != nil {
		t.Fatalf("SyncPatient: %v", err)
	}
	if snap.Name != "Linh Nguyen" || snap.MRN != "MRN-7001" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Diagnoses) != 1 || snap.Diagnoses[0].Display != "Hypertension" {
		t.Errorf("diagnoses = %+v", snap.Diagnoses)
	}

	for _, name := range []string{"Patient", "Conditions", "Medications", "Documents", "LabObservations"} {
		if env.data.calls[name] != 1 {
			t.Errorf("%s fetched %d times, want 1", name, env.data.calls[name])
		}
	}
	if !env.hasAction(hipaa.ActionPatientDataFetched) {
		t.Error("sync was not audited")
	}
}

func TestSyncPatientCategoryFailureDegrades(t *testing.T) {
	env := newTestEnv(false)
	principal := uuid.New()
	env.creds.Save(context.Background(), &CredentialRecord{
		UserID: principal, AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour),
	})
	env.data.conditionsErr = errors.New("upstream 500")

	snap, err := env.svc.SyncPatient(context.Background(), principal, "pat-77", ClientMeta{})
	if err != nil {
		t.Fatalf("category failure should not abort sync: %v", err)
	}
	if len(snap.Diagnoses) != 0 {
		t.Errorf("diagnoses = %+v, want empty on category failure", snap.Diagnoses)
	}
}

func TestSyncPatientFailsWithoutPatientResource(t *testing.T) {
	env := newTestEnv(false)
	principal := uuid.New()
	env.creds.Save(context.Background(), &CredentialRecord{
		UserID: principal, AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour),
	})
	env.data.patientErr = errors.New("not found")

	var sfe *SyncFailedError
	if _, err := env.svc.SyncPatient(context.Background(), principal, "pat-77", ClientMeta{}); !errors.As(err, &sfe) {
		t.Fatalf("expected SyncFailedError, got %v", err)
	}
	if _, err := env.snaps.Get(context.Background(), principal, "pat-77"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Error("failed sync must not persist a snapshot")
	}
}

// =========== Disconnect & snapshot read ===========

func TestDisconnect(t *testing.T) {
	env := newTestEnv(false)
	principal := uuid.New()
	env.creds.Save(context.Background(), &CredentialRecord{
		UserID: principal, AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour),
	})

	if err := env.svc.Disconnect(context.Background(), principal, ClientMeta{}); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := env.creds.Get(context.Background(), principal); !errors.Is(err, ErrNotConnected) {
		t.Error("credential survived disconnect")
	}
	if !env.hasAction(hipaa.ActionEpicDisconnected) {
		t.Error("disconnect was not audited")
	}
}

func TestGetSnapshot(t *testing.T) {
	env := newTestEnv(true)
	principal := uuid.New()

	if _, err := env.svc.GetSnapshot(context.Background(), principal, "demo-patient-1", ClientMeta{}); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("unsynced patient: got %v", err)
	}

	if _, err := env.svc.SyncPatient(context.Background(), principal, "demo-patient-1", ClientMeta{}); err != nil {
		t.Fatalf("SyncPatient: %v", err)
	}
	snap, err := env.svc.GetSnapshot(context.Background(), principal, "demo-patient-1", ClientMeta{})
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.Name != "Marcus Delgado" {
		t.Errorf("name = %q", snap.Name)
	}
}
