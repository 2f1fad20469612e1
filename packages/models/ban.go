package models

import "time"

// BanKind is the tagged-variant payload of a ban (§3). Only one of its
// fields is meaningful per instance, selected by Kind.
type BanKind struct {
	Kind        string `json:"kind" yaml:"kind" validate:"required,oneof=generic banned_image"`
	Msg         string `json:"msg,omitempty" yaml:"msg,omitempty"`
	BannedImage string `json:"banned_image,omitempty" yaml:"banned_image,omitempty"`
}

const (
	BanKindGeneric     = "generic"
	BanKindBannedImage = "banned_image"
)

// Ban is an entry that renders an image or pipeline unschedulable until
// lifted.
type Ban struct {
	ID     string    `json:"id"`
	Target string    `json:"target"`
	Time   time.Time `json:"time"`
	Kind   BanKind   `json:"kind"`
}
