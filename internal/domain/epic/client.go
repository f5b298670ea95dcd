package epic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/plasmahealth/plasma-server/internal/platform/fhir"
)

// searchPageSize caps every bundle search so a pathological chart cannot
// balloon a sync.
const searchPageSize = 50

// DataGateway is the seam between the service and Epic's FHIR API.
type DataGateway interface {
	Patient(ctx context.Context, token, patientID string) (json.RawMessage, error)
	SearchPatients(ctx context.Context, token, name string) (*fhir.Bundle, error)
	Conditions(ctx context.Context, token, patientID string) (*fhir.Bundle, error)
	Medications(ctx context.Context, token, patientID string) (*fhir.Bundle, error)
	Documents(ctx context.Context, token, patientID string) (*fhir.Bundle, error)
	LabObservations(ctx context.Context, token, patientID string) (*fhir.Bundle, error)
}

// FHIRClient issues authenticated reads against a FHIR R4 base URL.
type FHIRClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewFHIRClient(baseURL string) *FHIRClient {
	return &FHIRClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *FHIRClient) Patient(ctx context.Context, token, patientID string) (json.RawMessage, error) {
	return c.get(ctx, token, "Patient/"+url.PathEscape(patientID), nil)
}

func (c *FHIRClient) SearchPatients(ctx context.Context, token, name string) (*fhir.Bundle, error) {
	return c.search(ctx, token, "Patient", url.Values{"name": {name}})
}

func (c *FHIRClient) Conditions(ctx context.Context, token, patientID string) (*fhir.Bundle, error) {
	return c.search(ctx, token, "Condition", url.Values{"patient": {patientID}})
}

func (c *FHIRClient) Medications(ctx context.Context, token, patientID string) (*fhir.Bundle, error) {
	return c.search(ctx, token, "MedicationRequest", url.Values{"patient": {patientID}})
}

func (c *FHIRClient) Documents(ctx context.Context, token, patientID string) (*fhir.Bundle, error) {
	return c.search(ctx, token, "DocumentReference", url.Values{"patient": {patientID}})
}

func (c *FHIRClient) LabObservations(ctx context.Context, token, patientID string) (*fhir.Bundle, error) {
	return c.search(ctx, token, "Observation", url.Values{
		"patient":  {patientID},
		"category": {"laboratory"},
	})
}

func (c *FHIRClient) search(ctx context.Context, token, resource string, query url.Values) (*fhir.Bundle, error) {
	query.Set("_count", fmt.Sprint(searchPageSize))
	body, err := c.get(ctx, token, resource, query)
	if err != nil {
		return nil, err
	}
	return fhir.DecodeBundle(body)
}

func (c *FHIRClient) get(ctx context.Context, token, path string, query url.Values) ([]byte, error) {
	u := c.BaseURL + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fhir GET %s: status %d: %s", path, resp.StatusCode, truncate(string(body), 256))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
