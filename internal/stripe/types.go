package stripe

import (
	"encoding/json"
	"time"
)

// Customer is a Stripe customer object.
type Customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

// CustomerParams are the fields sent when creating a customer.
type CustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// ExpandableID decodes a field Stripe returns either as an id string or as an
// expanded object carrying an "id".
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = ExpandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

// Price is the subset of a Stripe price used here.
type Price struct {
	ID         string `json:"id"`
	Currency   string `json:"currency"`
	UnitAmount int64  `json:"unit_amount"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	ID               string `json:"id"`
	Price            Price  `json:"price"`
	Quantity         int64  `json:"quantity"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// Subscription is a Stripe subscription object.
type Subscription struct {
	ID                string       `json:"id"`
	Customer          ExpandableID `json:"customer"`
	Status            string       `json:"status"`
	CancelAtPeriodEnd bool         `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64        `json:"current_period_end"`
	Items             struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// PriceID returns the price of the first item, or "".
func (s *Subscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// PeriodEnd returns the end of the current billing period. Newer API versions
// report it per item, so the first item is consulted when the top-level field
// is absent. The zero time means unknown.
func (s *Subscription) PeriodEnd() time.Time {
	ts := s.CurrentPeriodEnd
	if ts == 0 && len(s.Items.Data) > 0 {
		ts = s.Items.Data[0].CurrentPeriodEnd
	}
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

// RetrieveSubscriptionParams tunes RetrieveSubscription.
type RetrieveSubscriptionParams struct {
	Expand []string
}

// UpdateSubscriptionParams is a partial update. Empty or nil fields are not sent.
type UpdateSubscriptionParams struct {
	// PriceID switches the subscription to a new price. ItemID names the item
	// to change; when empty the first item is looked up.
	PriceID           string
	ItemID            string
	ProrationBehavior string
	CancelAtPeriodEnd *bool
	Metadata          map[string]string
}

func (p UpdateSubscriptionParams) empty() bool {
	return p.PriceID == "" && p.CancelAtPeriodEnd == nil && len(p.Metadata) == 0
}

// CheckoutSessionParams configures a subscription checkout.
type CheckoutSessionParams struct {
	Customer          string
	CustomerEmail     string
	PriceID           string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
}

// CheckoutSession is the created hosted checkout.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PortalSessionParams configures a billing portal session.
type PortalSessionParams struct {
	Customer  string
	ReturnURL string
}

// PortalSession is the created billing portal session.
type PortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
