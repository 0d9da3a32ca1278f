package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reliefops/triagecall/pkg/errorsx"
	"github.com/reliefops/triagecall/pkg/resilience"
)

// Payload is the wire shape accepted by the rescue-coordination API.
type Payload struct {
	CallID      string            `json:"call_id"`
	Name        string            `json:"name"`
	Location    string            `json:"location"`
	Criticality string            `json:"criticality"`
	Type        string            `json:"type"`
	Impact      string            `json:"impact"`
	Status      string            `json:"status"`
	Transcript  string            `json:"transcript"`
	Fields      map[string]string `json:"fields"`
	SealedAt    time.Time         `json:"sealed_at"`
}

// Deliverer pushes one sealed document per terminated session.
type Deliverer interface {
	Deliver(ctx context.Context, doc *Document, criticality, transcript string) error
}

// HTTPDeliverer posts sealed reports to the coordination API.
type HTTPDeliverer struct {
	BaseURL string
	Client  *http.Client
	retry   resilience.RetryPolicy
}

func NewHTTPDeliverer(baseURL string) *HTTPDeliverer {
	return &HTTPDeliverer{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		retry:   resilience.NewRetryPolicy(1, 500*time.Millisecond),
	}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, doc *Document, criticality, transcript string) error {
	if !doc.Sealed() {
		return errorsx.Wrap(fmt.Errorf("document %s not sealed", doc.CallID), errorsx.ReasonReportDeliver)
	}
	payload := BuildPayload(doc, criticality, transcript)
	body, err := json.Marshal(payload)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonReportDeliver)
	}
	err = d.retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/api/incidents/register", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("incident register: %s: %s", resp.Status, string(msg))
		}
		return nil
	})
	return errorsx.Wrap(err, errorsx.ReasonReportDeliver)
}

// BuildPayload flattens a sealed document into the delivery shape. Fields the
// caller could not answer are reported as "Unknown", mirroring what the
// coordination side expects.
func BuildPayload(doc *Document, criticality, transcript string) Payload {
	fields := make(map[string]string)
	for _, f := range doc.Fields() {
		if f.Status == StatusFilled {
			fields[f.Spec.ID] = f.Value
		} else {
			fields[f.Spec.ID] = "Unknown"
		}
	}
	impact := fields["people_affected"]
	if injuries := fields["injuries"]; injuries != "Unknown" && injuries != "" {
		impact = impact + " affected, " + injuries + " injured"
	}
	return Payload{
		CallID:      doc.CallID,
		Name:        fields["caller_name"],
		Location:    fields["location"],
		Criticality: criticality,
		Type:        fields["incident_type"],
		Impact:      impact,
		Status:      "open",
		Transcript:  transcript,
		Fields:      fields,
		SealedAt:    doc.SealedAt,
	}
}
