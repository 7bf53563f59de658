package model

import (
	"encoding/json"
	"slices"
	"time"
)

// Role identifies the kind of custody event a hop records.
type Role string

const (
	RoleManufacturer Role = "Manufacturer"
	RoleRetailer     Role = "Retailer"
)

// RoleFromLedger maps the ledger's enum value to a Role.
func RoleFromLedger(v uint8) Role {
	if v == 0 {
		return RoleManufacturer
	}
	return RoleRetailer
}

// Status is the lifecycle state of a product.
type Status string

const (
	StatusActive    Status = "Active"
	StatusCompleted Status = "Completed"
)

// Product names used when the caller or the store has none.
const (
	UnnamedProduct = "Unnamed Product"
	UnknownProduct = "Unknown Product"
)

// Hop flag tokens.
const (
	FlagImpossibleTravel = "IMPOSSIBLE_TRAVEL"
	FlagSimultaneousScan = "SIMULTANEOUS_SCAN"
	FlagDamagedAtSource  = "DAMAGED_AT_SOURCE"
	FlagDamagedInTransit = "DAMAGED_IN_TRANSIT"
)

// DamageFlag returns the flag raised when the vision check finds damage on a hop of the given role.
func DamageFlag(role Role) string {
	if role == RoleManufacturer {
		return FlagDamagedAtSource
	}
	return FlagDamagedInTransit
}

// VisionResult is the verdict of the image-damage classifier.
type VisionResult struct {
	IsDamaged bool   `json:"is_damaged" bson:"isDamaged"`
	Reason    string `json:"reason" bson:"reason"`
}

// LedgerHop is a hop as the ledger reports it. It is never mutated after decoding.
type LedgerHop struct {
	Role      Role   `json:"role"`
	Actor     string `json:"actor"`
	Location  string `json:"location"`
	Timestamp int64  `json:"timestamp"`
}

// LedgerProduct is the ledger's minimal view of a product.
type LedgerProduct struct {
	ProductID    string      `json:"product_id"`
	Manufacturer string      `json:"manufacturer"`
	Hops         []LedgerHop `json:"hops"`
}

// Hop is the enriched hop sub-record kept in the attribution store.
type Hop struct {
	Role         Role          `json:"role" bson:"role"`
	Actor        string        `json:"actor" bson:"actor"`
	Location     string        `json:"location" bson:"location"`
	Timestamp    int64         `json:"timestamp" bson:"timestamp"`
	Flags        []string      `json:"flags" bson:"flags"`
	ImageURL     string        `json:"image_url,omitempty" bson:"imageUrl,omitempty"`
	VisionResult *VisionResult `json:"vision_result,omitempty" bson:"visionResult,omitempty"`
}

// ProductRecord is the attribution store's per-product document.
type ProductRecord struct {
	ProductID    string        `json:"product_id" bson:"productId"`
	ProductName  string        `json:"product_name" bson:"productName"`
	Manufacturer string        `json:"manufacturer" bson:"manufacturer"`
	Status       Status        `json:"status" bson:"status"`
	ImageURL     string        `json:"image_url,omitempty" bson:"imageUrl,omitempty"`
	VisionResult *VisionResult `json:"vision_result,omitempty" bson:"visionResult,omitempty"`
	Hops         []Hop         `json:"hops" bson:"hops"`
	CreatedAt    time.Time     `json:"created_at" bson:"createdAt"`
	UpdatedAt    time.Time     `json:"updated_at" bson:"updatedAt"`
}

// LastHop returns the most recent hop, or nil if the record has none.
func (r *ProductRecord) LastHop() *Hop {
	if r == nil || len(r.Hops) == 0 {
		return nil
	}
	return &r.Hops[len(r.Hops)-1]
}

// Enrichment is the store-side overlay for one positional hop slot.
type Enrichment struct {
	Actor        string        `json:"actor"`
	Flags        []string      `json:"flags"`
	ImageURL     string        `json:"image_url,omitempty"`
	VisionResult *VisionResult `json:"vision_result,omitempty"`
}

// EnrichmentFromHop extracts the overlay fields of a stored hop.
func EnrichmentFromHop(h Hop) *Enrichment {
	return &Enrichment{
		Actor:        h.Actor,
		Flags:        slices.Clone(h.Flags),
		ImageURL:     h.ImageURL,
		VisionResult: h.VisionResult,
	}
}

// MergedHop is a ledger hop with an optional store overlay at the same index.
type MergedHop struct {
	Base       LedgerHop   `json:"base"`
	Enrichment *Enrichment `json:"enrichment,omitempty"`
	ActorName  string      `json:"actor_name"`
}

// Actor returns the attributed actor: the store override when present, else the ledger actor.
func (h MergedHop) Actor() string {
	if h.Enrichment != nil && h.Enrichment.Actor != "" {
		return h.Enrichment.Actor
	}
	return h.Base.Actor
}

// Flags returns the overlay flags, or an empty slice when the slot is unenriched.
func (h MergedHop) Flags() []string {
	if h.Enrichment == nil || h.Enrichment.Flags == nil {
		return []string{}
	}
	return h.Enrichment.Flags
}

// MarshalJSON renders the hop flat, with the attributed actor resolved.
func (h MergedHop) MarshalJSON() ([]byte, error) {
	out := struct {
		Role         Role          `json:"role"`
		Actor        string        `json:"actor"`
		ActorName    string        `json:"actor_name"`
		LedgerActor  string        `json:"ledger_actor"`
		Location     string        `json:"location"`
		Timestamp    int64         `json:"timestamp"`
		Flags        []string      `json:"flags"`
		ImageURL     string        `json:"image_url,omitempty"`
		VisionResult *VisionResult `json:"vision_result,omitempty"`
	}{
		Role:        h.Base.Role,
		Actor:       h.Actor(),
		ActorName:   h.ActorName,
		LedgerActor: h.Base.Actor,
		Location:    h.Base.Location,
		Timestamp:   h.Base.Timestamp,
		Flags:       h.Flags(),
	}
	if h.Enrichment != nil {
		out.ImageURL = h.Enrichment.ImageURL
		out.VisionResult = h.Enrichment.VisionResult
	}
	return json.Marshal(out)
}

// MergedProduct is the reconciled read view of a product.
type MergedProduct struct {
	ProductID          string      `json:"product_id"`
	ProductName        string      `json:"product_name"`
	Manufacturer       string      `json:"manufacturer"`
	LedgerManufacturer string      `json:"ledger_manufacturer"`
	ManufacturerName   string      `json:"manufacturer_name"`
	Status             Status      `json:"status"`
	ImageURL           string      `json:"image_url,omitempty"`
	Hops               []MergedHop `json:"hops"`
}
