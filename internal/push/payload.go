// Package push turns push payloads into notifications and routes
// notification clicks back into application windows.
package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"offgrid/internal/config"
)

const (
	VariantDefault     = "default"
	VariantAppointment = "appointment"
	VariantJob         = "job"
	VariantQuote       = "quote"
	VariantInvoice     = "invoice"

	defaultType = "general"
)

// FlexID decodes a JSON string or number into its string form.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("push: id must be a string or number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

type Payload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Data  PayloadData `json:"data"`
}

type PayloadData struct {
	Type          string `json:"type"`
	URL           string `json:"url"`
	AppointmentID FlexID `json:"appointmentId"`
	Timestamp     FlexID `json:"timestamp"`
}

// ParsePayload decodes raw leniently. Empty input or anything that does not
// decode as a payload object yields the zero Payload.
func ParsePayload(raw []byte) (Payload, bool) {
	var p Payload
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, false
	}
	return p, true
}

// Intent is what gets displayed for one push.
type Intent struct {
	Title         string `json:"title"`
	Body          string `json:"body"`
	IconVariant   string `json:"iconVariant"`
	Icon          string `json:"icon,omitempty"`
	Badge         string `json:"badge,omitempty"`
	Tag           string `json:"tag"`
	URL           string `json:"url,omitempty"`
	AppointmentID string `json:"appointmentId,omitempty"`
	Type          string `json:"type"`
}

// IconVariant maps a notification subtype such as "job_assigned" to its
// icon variant.
func IconVariant(subtype string) string {
	for _, v := range []string{VariantAppointment, VariantJob, VariantQuote, VariantInvoice} {
		if subtype == v || strings.HasPrefix(subtype, v+"_") {
			return v
		}
	}
	return VariantDefault
}

// Tag is the deduplication tag: pushes about the same entity share it.
func Tag(subtype, entityID string, now time.Time) string {
	if entityID == "" {
		entityID = strconv.FormatInt(now.UnixMilli(), 10)
	}
	return subtype + "-" + entityID
}

// BuildIntent fills in defaults from cfg for whatever p leaves out.
func BuildIntent(p Payload, cfg config.PushConfig, now time.Time) Intent {
	in := Intent{
		Title:         p.Title,
		Body:          p.Body,
		URL:           strings.TrimSpace(p.Data.URL),
		AppointmentID: string(p.Data.AppointmentID),
		Type:          strings.TrimSpace(p.Data.Type),
		Badge:         cfg.Badge,
	}
	if in.Title == "" {
		in.Title = cfg.DefaultTitle
	}
	if in.Body == "" {
		in.Body = cfg.DefaultBody
	}
	if in.Type == "" {
		in.Type = defaultType
	}
	in.IconVariant = IconVariant(in.Type)
	in.Icon = cfg.Icons[in.IconVariant]
	if in.Icon == "" {
		in.Icon = cfg.Icons[VariantDefault]
	}
	in.Tag = Tag(in.Type, in.AppointmentID, now)
	return in
}
