// Package fips checks FIPS 140-3 mode at startup.
package fips

import (
	"crypto/fips140"
	"fmt"
	"os"
)

// RequireEnv names the variable that makes FIPS 140-3 mode mandatory.
const RequireEnv = "RESCALE_REQUIRE_FIPS"

// Enabled reports whether FIPS 140-3 mode is active after Init has been called.
// It is set once by Init and should be treated as read-only thereafter.
var Enabled bool

// Init records the FIPS 140-3 status. When RESCALE_REQUIRE_FIPS=true and the
// binary was not built with GOFIPS140, it prints an error to stderr and exits
// with status 2.
func Init() {
	Enabled = fips140.Enabled()
	if Enabled || os.Getenv(RequireEnv) != "true" {
		return
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "ERROR: FIPS 140-3 mode is required (%s=true) but not active.\n", RequireEnv)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "This binary was NOT built with FIPS support enabled.\n")
	fmt.Fprintf(os.Stderr, "Rebuild with: GOFIPS140=latest go build ./cmd/rescale-assets\n")
	fmt.Fprintf(os.Stderr, "\n")
	os.Exit(2) // Exit with code 2 to indicate compliance failure
}
