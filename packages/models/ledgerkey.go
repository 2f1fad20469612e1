package models

import "fmt"

// LedgerKey identifies a fair-share accounting bucket: one per
// (group, pipeline, stage, user) tuple (§3, §4.2).
type LedgerKey struct {
	Group    string `json:"group"`
	Pipeline string `json:"pipeline"`
	Stage    int    `json:"stage"`
	User     string `json:"user"`
}

// String renders a stable, human-readable key, used for map keys and log
// fields.
func (k LedgerKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", k.Group, k.Pipeline, k.Stage, k.User)
}
