package models

import "time"

// AssetContext is a read-only snapshot of an external asset's attributes.
// Version is the opaque token the Asset service attaches to each revision;
// it participates in cache keys so a version change invalidates prior
// entries naturally.
type AssetContext struct {
	AssetID     string            `json:"asset_id"`
	Type        string            `json:"type"`
	Environment string            `json:"environment"`
	Attributes  map[string]string `json:"attributes"`
	Version     string            `json:"version"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// Clone returns a deep copy. Consumers receive copies, never references to
// cached state.
func (a *AssetContext) Clone() *AssetContext {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Attributes != nil {
		cp.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}
