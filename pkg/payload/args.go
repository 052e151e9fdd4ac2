package payload

import (
	"encoding/json"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

// Args is the kind-specific argument block of an envelope.
type Args interface {
	Kind() actionlog.Kind
}

// CampaignState is the running state requested on the source.
type CampaignState string

const (
	CampaignActive   CampaignState = "ACTIVE"
	CampaignInactive CampaignState = "INACTIVE"
)

// Property names a campaign property that SET_PROPERTY may change.
type Property string

const (
	PropertyCPC         Property = "cpc_cc"
	PropertyDailyBudget Property = "daily_budget_cc"
	PropertyState       Property = "state"
)

// SetCampaignState starts or stops a campaign on the source.
type SetCampaignState struct {
	SourceCampaignKey json.RawMessage `json:"source_campaign_key"`
	State             CampaignState   `json:"state"`
}

func (SetCampaignState) Kind() actionlog.Kind { return actionlog.KindSetCampaignState }

// SetProperty changes a single campaign property, e.g. the bid.
type SetProperty struct {
	SourceCampaignKey json.RawMessage `json:"source_campaign_key"`
	Property          Property        `json:"property"`
	Value             any             `json:"value"`
}

func (SetProperty) Kind() actionlog.Kind { return actionlog.KindSetProperty }

// GetCampaignStatus fetches the campaign's state on the source.
type GetCampaignStatus struct {
	SourceCampaignKey json.RawMessage `json:"source_campaign_key"`
}

func (GetCampaignStatus) Kind() actionlog.Kind { return actionlog.KindGetCampaignStatus }

// GetContentAdStatus fetches review status of content ads.
type GetContentAdStatus struct {
	SourceCampaignKey json.RawMessage `json:"source_campaign_key"`
	ContentAdIDs      []int64         `json:"content_ad_ids,omitempty"`
}

func (GetContentAdStatus) Kind() actionlog.Kind { return actionlog.KindGetContentAdStatus }

// GetReports fetches the daily report for one date (YYYY-MM-DD).
type GetReports struct {
	SourceCampaignKey json.RawMessage `json:"source_campaign_key"`
	Date              string          `json:"date"`
}

func (GetReports) Kind() actionlog.Kind { return actionlog.KindGetReports }

var (
	_ Args = SetCampaignState{}
	_ Args = SetProperty{}
	_ Args = GetCampaignStatus{}
	_ Args = GetContentAdStatus{}
	_ Args = GetReports{}
)

// newArgs returns a zero value to decode arguments of kind into.
func newArgs(kind actionlog.Kind) (Args, bool) {
	switch kind {
	case actionlog.KindSetCampaignState:
		return &SetCampaignState{}, true
	case actionlog.KindSetProperty:
		return &SetProperty{}, true
	case actionlog.KindGetCampaignStatus:
		return &GetCampaignStatus{}, true
	case actionlog.KindGetContentAdStatus:
		return &GetContentAdStatus{}, true
	case actionlog.KindGetReports:
		return &GetReports{}, true
	default:
		return nil, false
	}
}
