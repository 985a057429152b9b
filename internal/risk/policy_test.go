package risk

import "testing"

func TestScoreForSeverity(t *testing.T) {
	tests := []struct {
		severity Severity
		want     int
	}{
		{SeverityLow, 5},
		{SeverityMedium, 20},
		{SeverityHigh, 50},
	}
	for _, tt := range tests {
		got, err := ScoreForSeverity(tt.severity)
		if err != nil {
			t.Errorf("ScoreForSeverity(%s): %v", tt.severity, err)
		}
		if got != tt.want {
			t.Errorf("ScoreForSeverity(%s) = %d, want %d", tt.severity, got, tt.want)
		}
	}
}

func TestScoreForSeverity_Invalid(t *testing.T) {
	for _, s := range []Severity{"", "CRITICAL", "low", "High"} {
		if _, err := ScoreForSeverity(s); err != ErrInvalidSeverity {
			t.Errorf("ScoreForSeverity(%q): expected ErrInvalidSeverity, got %v", s, err)
		}
	}
}
