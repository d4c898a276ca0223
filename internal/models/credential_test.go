package models

import "testing"

func TestCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to CredentialStatus
		want     bool
	}{
		{StatusActive, StatusRateLimited, true},
		{StatusActive, StatusError, true},
		{StatusActive, StatusRevoked, true},
		{StatusActive, StatusActive, false},
		{StatusRateLimited, StatusActive, true},
		{StatusRateLimited, StatusRevoked, true},
		{StatusRateLimited, StatusError, false},
		{StatusError, StatusRevoked, true},
		{StatusError, StatusActive, false},
		{StatusRevoked, StatusActive, false},
		{StatusRevoked, StatusRateLimited, false},
		{StatusRevoked, StatusError, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestRemainingQuota(t *testing.T) {
	unlimited := Credential{QuotaLimit: 0, QuotaUsed: 5}
	if got := unlimited.RemainingQuota(); got != -1 {
		t.Fatalf("unlimited remaining = %v, want -1", got)
	}

	capped := Credential{QuotaLimit: 10, QuotaUsed: 4}
	if got := capped.RemainingQuota(); got != 6 {
		t.Fatalf("remaining = %v, want 6", got)
	}

	overdrawn := Credential{QuotaLimit: 10, QuotaUsed: 12}
	if got := overdrawn.RemainingQuota(); got != 0 {
		t.Fatalf("overdrawn remaining = %v, want 0", got)
	}
}

func TestDollarsMicrosRoundTrip(t *testing.T) {
	cases := []float64{0, 0.0079, 0.03, 1, 49.99, 500}
	for _, d := range cases {
		if got := MicrosToDollars(DollarsToMicros(d)); got != d {
			t.Errorf("round trip %v -> %v", d, got)
		}
	}
}
