// Package billing turns billing-provider events into typed payloads and
// fetches authoritative subscription state from the provider.
package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mathhhys/blue-byte-booster/internal/model"
)

// Event type names as delivered by the provider.
const (
	TypeSubscriptionCreated     = "customer.subscription.created"
	TypeSubscriptionUpdated     = "customer.subscription.updated"
	TypeSubscriptionDeleted     = "customer.subscription.deleted"
	TypeCheckoutCompleted       = "checkout.session.completed"
	TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	TypeInvoicePaid             = "invoice.paid"
	TypeInvoicePaymentFailed    = "invoice.payment_failed"
)

// Billing reasons carried by invoices.
const (
	ReasonSubscriptionCreate = "subscription_create"
	ReasonSubscriptionCycle  = "subscription_cycle"
	ReasonSubscriptionUpdate = "subscription_update"
)

// DefaultPlanType applies when subscription metadata names no plan.
const DefaultPlanType = "teams"

// ErrMalformedEvent is returned when an event body cannot be decoded.
var ErrMalformedEvent = errors.New("billing: malformed event")

// Event is a provider-agnostic billing event. Payload holds the raw object
// the event is about.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created time.Time       `json:"created"`
	Payload json.RawMessage `json:"payload"`
}

// envelope accepts both the provider's native shape ({data:{object:…}})
// and the flattened {payload:…} shape used on the internal queue.
type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created json.RawMessage `json:"created"`
	Payload json.RawMessage `json:"payload"`
	Data    *struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes an event envelope.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return Event{}, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	ev := Event{ID: env.ID, Type: env.Type, Payload: env.Payload}
	if env.Data != nil && len(env.Data.Object) > 0 {
		ev.Payload = env.Data.Object
	}
	if len(env.Created) > 0 {
		var unix int64
		if err := json.Unmarshal(env.Created, &unix); err == nil && unix > 0 {
			ev.Created = time.Unix(unix, 0).UTC()
		} else {
			_ = json.Unmarshal(env.Created, &ev.Created)
		}
	}
	return ev, nil
}

// Payload is the decoded object of an event. The set of implementations is
// closed: SubscriptionPayload, CheckoutPayload, InvoicePayload and
// UnknownPayload.
type Payload interface {
	isPayload()
}

// SubscriptionEvent distinguishes the three subscription lifecycle events.
type SubscriptionEvent int

const (
	SubscriptionCreated SubscriptionEvent = iota
	SubscriptionUpdated
	SubscriptionDeleted
)

// SubscriptionPayload carries a subscription object.
type SubscriptionPayload struct {
	Event        SubscriptionEvent
	Subscription Subscription
}

// CheckoutPayload carries a completed checkout session.
type CheckoutPayload struct {
	SessionID         string
	Mode              string
	CustomerRef       string
	SubscriptionRef   string
	ClientReferenceID string
	Metadata          map[string]string
}

// OrganizationID is the organization named by the session, if any.
func (c CheckoutPayload) OrganizationID() string {
	if v := c.Metadata["organization_id"]; v != "" {
		return v
	}
	return c.ClientReferenceID
}

// InvoicePayload carries an invoice. Failed is set for payment failures.
type InvoicePayload struct {
	Failed          bool
	InvoiceID       string
	CustomerRef     string
	SubscriptionRef string
	BillingReason   string
	Status          string
	Created         time.Time
	Lines           []InvoiceLine
	Metadata        map[string]string
}

// InvoiceLine is one line of an invoice.
type InvoiceLine struct {
	Amount    int64
	Quantity  int64
	Proration bool
	Metadata  map[string]string
}

// Overage reports whether the line bills overage seats.
func (l InvoiceLine) Overage() bool { return l.Metadata["seat_type"] == "overage" }

// ProratedSeatIncrease is the seat quantity of positive proration lines,
// which is how a mid-cycle seat increase is invoiced.
func (p InvoicePayload) ProratedSeatIncrease() int {
	n := 0
	for _, l := range p.Lines {
		if l.Proration && l.Amount > 0 && !l.Overage() {
			n += int(l.Quantity)
		}
	}
	return n
}

// HasOverage reports whether any line bills overage seats.
func (p InvoicePayload) HasOverage() bool {
	for _, l := range p.Lines {
		if l.Overage() {
			return true
		}
	}
	return false
}

// UnknownPayload stands for every event type the reconciler ignores.
type UnknownPayload struct {
	Type string
}

func (SubscriptionPayload) isPayload() {}
func (CheckoutPayload) isPayload()     {}
func (InvoicePayload) isPayload()      {}
func (UnknownPayload) isPayload()      {}

// Decode maps an event onto its typed payload.
func Decode(ev Event) (Payload, error) {
	switch ev.Type {
	case TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var raw wireSubscription
		if err := decodeObject(ev, &raw); err != nil {
			return nil, err
		}
		kind := SubscriptionCreated
		switch ev.Type {
		case TypeSubscriptionUpdated:
			kind = SubscriptionUpdated
		case TypeSubscriptionDeleted:
			kind = SubscriptionDeleted
		}
		return SubscriptionPayload{Event: kind, Subscription: raw.toSubscription()}, nil

	case TypeCheckoutCompleted:
		var raw wireCheckout
		if err := decodeObject(ev, &raw); err != nil {
			return nil, err
		}
		return CheckoutPayload{
			SessionID:         raw.ID,
			Mode:              raw.Mode,
			CustomerRef:       string(raw.Customer),
			SubscriptionRef:   string(raw.Subscription),
			ClientReferenceID: raw.ClientReferenceID,
			Metadata:          raw.Metadata,
		}, nil

	case TypeInvoicePaymentSucceeded, TypeInvoicePaid, TypeInvoicePaymentFailed:
		var raw wireInvoice
		if err := decodeObject(ev, &raw); err != nil {
			return nil, err
		}
		p := raw.toPayload()
		p.Failed = ev.Type == TypeInvoicePaymentFailed
		return p, nil
	}
	return UnknownPayload{Type: ev.Type}, nil
}

func decodeObject(ev Event, dst any) error {
	if len(bytes.TrimSpace(ev.Payload)) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedEvent, ev.Type)
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, ev.Type, err)
	}
	return nil
}

// expandableID decodes a field that is either an id string or an expanded
// object carrying an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type wireSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Quantity           int64 `json:"quantity"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              *struct {
				Recurring *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (w wireSubscription) toSubscription() Subscription {
	s := Subscription{
		ID:          w.ID,
		CustomerRef: string(w.Customer),
		Status:      w.Status,
		Metadata:    w.Metadata,
		Frequency:   model.Monthly,
	}
	start, end := w.CurrentPeriodStart, w.CurrentPeriodEnd
	for _, item := range w.Items.Data {
		s.Seats += int(item.Quantity)
		if item.Price != nil && item.Price.Recurring != nil && item.Price.Recurring.Interval == "year" {
			s.Frequency = model.Yearly
		}
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	s.PeriodStart = unixPtr(start)
	s.PeriodEnd = unixPtr(end)
	s.PlanType = planTypeFrom(w.Metadata)
	if f := strings.ToLower(w.Metadata["billing_frequency"]); f == string(model.Yearly) || f == string(model.Monthly) {
		s.Frequency = model.BillingFrequency(f)
	}
	return s
}

type wireCheckout struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type wireInvoice struct {
	ID            string            `json:"id"`
	Customer      expandableID      `json:"customer"`
	Subscription  expandableID      `json:"subscription"`
	BillingReason string            `json:"billing_reason"`
	Status        string            `json:"status"`
	Created       int64             `json:"created"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Amount    int64             `json:"amount"`
			Quantity  int64             `json:"quantity"`
			Proration bool              `json:"proration"`
			Metadata  map[string]string `json:"metadata"`
			Parent    *struct {
				SubscriptionItemDetails *struct {
					Proration bool `json:"proration"`
				} `json:"subscription_item_details"`
			} `json:"parent"`
		} `json:"data"`
	} `json:"lines"`
}

func (w wireInvoice) toPayload() InvoicePayload {
	p := InvoicePayload{
		InvoiceID:       w.ID,
		CustomerRef:     string(w.Customer),
		SubscriptionRef: string(w.Subscription),
		BillingReason:   w.BillingReason,
		Status:          w.Status,
		Metadata:        w.Metadata,
	}
	if w.Created > 0 {
		p.Created = time.Unix(w.Created, 0).UTC()
	}
	if w.Parent != nil && w.Parent.SubscriptionDetails != nil {
		if p.SubscriptionRef == "" {
			p.SubscriptionRef = string(w.Parent.SubscriptionDetails.Subscription)
		}
		if len(p.Metadata) == 0 {
			p.Metadata = w.Parent.SubscriptionDetails.Metadata
		}
	}
	for _, l := range w.Lines.Data {
		line := InvoiceLine{Amount: l.Amount, Quantity: l.Quantity, Proration: l.Proration, Metadata: l.Metadata}
		if l.Parent != nil && l.Parent.SubscriptionItemDetails != nil && l.Parent.SubscriptionItemDetails.Proration {
			line.Proration = true
		}
		p.Lines = append(p.Lines, line)
	}
	return p
}

func planTypeFrom(md map[string]string) string {
	for _, k := range []string{"plan_type", "plan"} {
		if v := strings.TrimSpace(md[k]); v != "" {
			return strings.ToLower(v)
		}
	}
	return DefaultPlanType
}

func unixPtr(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	t := time.Unix(n, 0).UTC()
	return &t
}
