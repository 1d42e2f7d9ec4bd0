package domain

import "time"

// ScanResult is one security's snapshot at one scan time within a cycle.
type ScanResult struct {
	ID             int64
	CycleID        string
	SecurityID     SecurityID
	ScanTime       time.Time
	MomentumScore  float64
	VolumeScore    float64
	CatalystScore  float64
	TechnicalScore float64
	CompositeScore float64
	Price          float64
	Volume         int64
	ChangePct      float64
	Selected       bool
	Rank           int
}
