package gatewaywebhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// expandableID accepts either a bare id or an expanded object carrying one.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

func (e expandableID) String() string { return string(e) }

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

// paid is true once the session's first charge needs nothing more from the
// customer. A 100% coupon yields no_payment_required.
func (s checkoutSessionObject) paid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

type invoiceSubscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoiceLine struct {
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

// invoiceObject reads both the classic invoice shape (top-level
// subscription and subscription_details) and the newer parent-scoped one.
type invoiceObject struct {
	ID                  string                      `json:"id"`
	Customer            expandableID                `json:"customer"`
	Subscription        expandableID                `json:"subscription"`
	SubscriptionDetails *invoiceSubscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *invoiceSubscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	BillingReason     string `json:"billing_reason"`
	Currency          string `json:"currency"`
	AmountPaid        int64  `json:"amount_paid"`
	AmountDue         int64  `json:"amount_due"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
	PaymentIntent expandableID `json:"payment_intent"`
	Payments      struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandableID `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
}

func (inv invoiceObject) details() *invoiceSubscriptionDetails {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails
	}
	return inv.SubscriptionDetails
}

func (inv invoiceObject) subscriptionID() string {
	if inv.Subscription != "" {
		return inv.Subscription.String()
	}
	if d := inv.details(); d != nil {
		return d.Subscription.String()
	}
	return ""
}

func (inv invoiceObject) metadata() map[string]string {
	if d := inv.details(); d != nil && d.Metadata != nil {
		return d.Metadata
	}
	return map[string]string{}
}

func (inv invoiceObject) priceID() string {
	for _, line := range inv.Lines.Data {
		if line.Price != nil && line.Price.ID != "" {
			return line.Price.ID
		}
		if line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
			return line.Pricing.PriceDetails.Price
		}
	}
	return ""
}

// periodEnd is the latest line period end: the end of the period this
// invoice paid for.
func (inv invoiceObject) periodEnd() *time.Time {
	var latest int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > latest {
			latest = line.Period.End
		}
	}
	return unixTime(latest)
}

// paymentIntentID is the intent that charged the invoice: top-level on the
// classic shape, under payments on the newer one. Either may be absent.
func (inv invoiceObject) paymentIntentID() string {
	if inv.PaymentIntent != "" {
		return inv.PaymentIntent.String()
	}
	for _, p := range inv.Payments.Data {
		if p.Payment.PaymentIntent != "" {
			return p.Payment.PaymentIntent.String()
		}
	}
	return ""
}

func (inv invoiceObject) isFirstInvoice() bool {
	return inv.BillingReason == "subscription_create"
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionObject) priceID() string {
	for _, item := range s.Items.Data {
		if item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func (s subscriptionObject) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return unixTime(end)
}

// paying reports whether the gateway considers the subscription in good
// standing.
func (s subscriptionObject) paying() bool {
	return s.Status == "active" || s.Status == "trialing"
}

func (s subscriptionObject) terminated() bool {
	return s.Status == "canceled" || s.Status == "incomplete_expired"
}

type paymentIntentObject struct {
	ID               string            `json:"id"`
	Customer         expandableID      `json:"customer"`
	Invoice          expandableID      `json:"invoice"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (pi paymentIntentObject) failureNote() string {
	if pi.LastPaymentError == nil {
		return "payment failed"
	}
	msg := strings.TrimSpace(pi.LastPaymentError.Message)
	if msg == "" {
		msg = pi.LastPaymentError.Code
	}
	if msg == "" {
		return "payment failed"
	}
	return "payment failed: " + msg
}

func decodeObject(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("event object missing")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode event object: %w", err)
	}
	return nil
}

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// fromMinorUnits converts a gateway amount (cents for most currencies) to a
// decimal in the currency's major unit.
func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
