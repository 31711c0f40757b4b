package relay

import (
	"encoding/json"
)

// Filter selects events in a subscription.
type Filter struct {
	IDs      []string `json:"ids,omitempty"`
	Authors  []string `json:"authors,omitempty"`
	Kinds    []int    `json:"kinds,omitempty"`
	Vouchers []string `json:"#v,omitempty"`
	Markets  []string `json:"#m,omitempty"`
	Since    int64    `json:"since,omitempty"`
	Until    int64    `json:"until,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Matches reports whether e satisfies every set criterion.
func (f *Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Vouchers) > 0 && !containsString(f.Vouchers, e.Tag(TagVoucher)) {
		return false
	}
	if len(f.Markets) > 0 && !containsString(f.Markets, e.Tag(TagMarket)) {
		return false
	}
	if f.Since != 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && e.CreatedAt > f.Until {
		return false
	}

	return true
}

func (f *Filter) String() string {
	data, _ := json.Marshal(f)
	return string(data)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
