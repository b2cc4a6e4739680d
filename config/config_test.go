package config

import "testing"

func TestBumpVerboseSaturates(t *testing.T) {
	c := Default()
	for i := 0; i < MaxVerbosity+5; i++ {
		c.BumpVerbose()
	}
	if c.Verbosity != MaxVerbosity {
		t.Fatalf("got verbosity %d, want saturated at %d", c.Verbosity, MaxVerbosity)
	}
}

func TestBumpQuietFloorsAtError(t *testing.T) {
	c := Default()
	for i := 0; i < 5; i++ {
		c.BumpQuiet()
	}
	if c.Verbosity != VerbosityError {
		t.Fatalf("got verbosity %d, want floored at %d", c.Verbosity, VerbosityError)
	}
}

func TestBumpVerboseThenQuietRoundTrips(t *testing.T) {
	c := Default() // VerbosityInfo
	c.BumpVerbose()
	c.BumpVerbose()
	if c.Verbosity != VerbosityDebugRefs {
		t.Fatalf("got %d, want VerbosityDebugRefs after two bumps from Info", c.Verbosity)
	}
	c.BumpQuiet()
	c.BumpQuiet()
	if c.Verbosity != VerbosityInfo {
		t.Fatalf("got %d, want back to VerbosityInfo", c.Verbosity)
	}
}
