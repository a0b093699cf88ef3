package twinguard

import (
	"testing"
)

func TestSeverityThresholds_Classify(t *testing.T) {
	tests := []struct {
		Score float64
		Want  Severity
	}{
		{Score: 0.0, Want: SeverityLow},
		{Score: 0.49, Want: SeverityLow},
		{Score: 0.5, Want: SeverityMedium},
		{Score: 0.74, Want: SeverityMedium},
		{Score: 0.75, Want: SeverityHigh},
		{Score: 0.89, Want: SeverityHigh},
		{Score: 0.9, Want: SeverityCritical},
		{Score: 1.0, Want: SeverityCritical},
	}

	for _, tt := range tests {
		if got := DefaultThresholds.Classify(tt.Score); got != tt.Want {
			t.Errorf("Classify(%v) = %v, want %v", tt.Score, got, tt.Want)
		}
	}

	// Classification is a pure function of the score: equal scores always
	// classify identically, no matter how often asked.
	for range 100 {
		if got := DefaultThresholds.Classify(0.8); got != SeverityHigh {
			t.Fatalf("Classify(0.8) = %v, want %v", got, SeverityHigh)
		}
	}
}

func TestSeverityThresholds_Valid(t *testing.T) {
	tests := []struct {
		Name       string
		Thresholds SeverityThresholds
		Want       bool
	}{
		{Name: "defaults", Thresholds: DefaultThresholds, Want: true},
		{Name: "zero", Thresholds: SeverityThresholds{}, Want: false},
		{Name: "unordered", Thresholds: SeverityThresholds{Medium: 0.8, High: 0.5, Critical: 0.9}, Want: false},
		{Name: "above scale", Thresholds: SeverityThresholds{Medium: 0.5, High: 0.75, Critical: 1.1}, Want: false},
		{Name: "degenerate but ordered", Thresholds: SeverityThresholds{Medium: 0.5, High: 0.5, Critical: 0.5}, Want: true},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			if got := tt.Thresholds.Valid(); got != tt.Want {
				t.Errorf("Valid(%+v) = %v, want %v", tt.Thresholds, got, tt.Want)
			}
		})
	}
}

func TestNewAnomaly(t *testing.T) {
	tests := []struct {
		Name       string
		Score      float64
		WantTier   Severity
		WantAction Action
	}{
		{Name: "medium alerts", Score: 0.6, WantTier: SeverityMedium, WantAction: ActionAlert},
		{Name: "high isolates", Score: 0.8, WantTier: SeverityHigh, WantAction: ActionIsolate},
		{Name: "critical isolates", Score: 0.95, WantTier: SeverityCritical, WantAction: ActionIsolate},
		{Name: "low monitors", Score: 0.1, WantTier: SeverityLow, WantAction: ActionMonitor},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			anomaly := NewAnomaly("mri-01", ClassMRI, tt.Score, []string{"packet_rate"}, DefaultThresholds)
			if anomaly.ID == "" {
				t.Error("anomaly created without an id")
			}
			if anomaly.Severity != tt.WantTier {
				t.Errorf("severity = %v, want %v", anomaly.Severity, tt.WantTier)
			}
			if anomaly.Recommended != tt.WantAction {
				t.Errorf("recommended action = %v, want %v", anomaly.Recommended, tt.WantAction)
			}
		})
	}
}
