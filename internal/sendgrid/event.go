// Package sendgrid models the SendGrid Event Webhook: the wire-format event
// batch and the ECDSA signature scheme that authenticates it.
package sendgrid

import (
	"bytes"
	"encoding/json"

	"github.com/SebastienMelki/mailvault/internal/archive"
)

// Event is one entry of an Event Webhook POST body. Field names follow the
// wire format, including the hyphenated "smtp-id" and the nested pool object;
// both are flattened when converting to a storage row.
type Event struct {
	Email     string `json:"email"`
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`

	Category     Category `json:"category,omitempty"`
	SGEventID    string   `json:"sg_event_id,omitempty"`
	SGMessageID  string   `json:"sg_message_id,omitempty"`
	SGTemplateID string   `json:"sg_template_id,omitempty"`
	SMTPID       string   `json:"smtp-id,omitempty"`
	UserAgent    string   `json:"useragent,omitempty"`
	IP           string   `json:"ip,omitempty"`
	URL          string   `json:"url,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Status       string   `json:"status,omitempty"`
	Response     string   `json:"response,omitempty"`
	Attempt      string   `json:"attempt,omitempty"`
	Type         string   `json:"type,omitempty"`

	BounceClassification  string `json:"bounce_classification,omitempty"`
	MarketingCampaignName string `json:"marketing_campaign_name,omitempty"`

	TLS                 *int32 `json:"tls,omitempty"`
	ASMGroupID          *int32 `json:"asm_group_id,omitempty"`
	MarketingCampaignID *int32 `json:"marketing_campaign_id,omitempty"`
	SendAt              *int64 `json:"send_at,omitempty"`

	Pool *Pool `json:"pool,omitempty"`
}

// Pool is the nested IP pool object carried by some event types.
type Pool struct {
	Name string `json:"name"`
	ID   int32  `json:"id"`
}

// Category holds the event's category field. Senders supply either a single
// string or an array of strings; an array is preserved as its verbatim JSON
// literal so no information is lost in the flat storage schema.
type Category string

func (c *Category) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		*c = Category(data)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Category(s)
	return nil
}

// ParseBatch decodes a webhook body into its event array.
func ParseBatch(body []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Record flattens the wire event into its storage row: "smtp-id" maps to the
// smtp_id column and the nested pool object to pool_name and pool_id.
func (e Event) Record() archive.Record {
	r := archive.Record{
		Email:     e.Email,
		Timestamp: e.Timestamp,
		Event:     e.Event,

		Category:     string(e.Category),
		SGEventID:    e.SGEventID,
		SGMessageID:  e.SGMessageID,
		SGTemplateID: e.SGTemplateID,
		SMTPID:       e.SMTPID,
		UserAgent:    e.UserAgent,
		IP:           e.IP,
		URL:          e.URL,
		Reason:       e.Reason,
		Status:       e.Status,
		Response:     e.Response,
		Attempt:      e.Attempt,
		Type:         e.Type,

		BounceClassification:  e.BounceClassification,
		MarketingCampaignName: e.MarketingCampaignName,

		TLS:                 e.TLS,
		ASMGroupID:          e.ASMGroupID,
		MarketingCampaignID: e.MarketingCampaignID,
		SendAt:              e.SendAt,
	}
	if e.Pool != nil {
		r.PoolName = e.Pool.Name
		id := e.Pool.ID
		r.PoolID = &id
	}
	return r
}

// Records converts a batch in order.
func Records(events []Event) []archive.Record {
	records := make([]archive.Record, len(events))
	for i, e := range events {
		records[i] = e.Record()
	}
	return records
}
