package domain

import "testing"

func TestModelConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     ModelConfig
		wantErr bool
	}{
		{"no id", ModelConfig{RequestsPerMinute: 10}, true},
		{"no caps", ModelConfig{ID: "gpt"}, true},
		{"rpm set", ModelConfig{ID: "gpt", RequestsPerMinute: 10}, false},
		{"concurrency only", ModelConfig{ID: "gpt", MaxConcurrentRequests: 2}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestUsageEntryCost1e6(t *testing.T) {
	u := UsageEntry{InputTokens: 1_000_000, CachedTokens: 500_000, OutputTokens: 250_000}
	p := Pricing{Input: 2, Cached: 1, Output: 4}
	got := u.Cost1e6(p)
	want := 2.0 + 0.5 + 1.0
	if got != want {
		t.Fatalf("Cost1e6() = %v, want %v", got, want)
	}
}

func TestJobTypeStateLoadPercentage(t *testing.T) {
	s := JobTypeState{}
	if s.LoadPercentage() != 0 {
		t.Fatalf("expected 0 load with no allocated slots")
	}
	s = JobTypeState{InFlight: 3, AllocatedSlots: 6}
	if got := s.LoadPercentage(); got != 0.5 {
		t.Fatalf("LoadPercentage() = %v, want 0.5", got)
	}
}
