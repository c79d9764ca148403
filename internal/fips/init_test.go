package fips

import (
	"crypto/fips140"
	"testing"
)

func TestInitRecordsStatus(t *testing.T) {
	t.Setenv(RequireEnv, "")
	Init()
	if Enabled != fips140.Enabled() {
		t.Errorf("Enabled = %v, want %v", Enabled, fips140.Enabled())
	}
}
