package model

import "time"

// Identity is a directory entry for an actor address.
type Identity struct {
	Address            string    `json:"address" bson:"walletAddress"`
	CompanyName        string    `json:"company_name" bson:"companyName"`
	Role               Role      `json:"role" bson:"role"`
	RegisteredLocation string    `json:"registered_location,omitempty" bson:"registeredLocation,omitempty"`
	ContactPerson      string    `json:"contact_person,omitempty" bson:"contactPerson,omitempty"`
	ContactPhone       string    `json:"contact_phone,omitempty" bson:"contactPhone,omitempty"`
	CreatedAt          time.Time `json:"created_at" bson:"createdAt"`
}

// UnknownName is the display name used when an identity is not in the directory.
const UnknownName = "Unknown"
