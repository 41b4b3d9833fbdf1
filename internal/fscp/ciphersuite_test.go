package fscp

import "testing"

func TestNegotiateCipherSuitePrefersLocalOrder(t *testing.T) {
	local := []CipherSuiteID{SuiteECDHEEcdsaAes256GcmSha384, SuiteECDHERsaAes256GcmSha384}
	remote := []CipherSuiteID{SuiteECDHERsaAes256GcmSha384, SuiteECDHEEcdsaAes256GcmSha384}

	got, ok := NegotiateCipherSuite(local, remote)
	if !ok {
		t.Fatalf("expected a common suite")
	}
	if got != SuiteECDHEEcdsaAes256GcmSha384 {
		t.Fatalf("expected local preference order to win ties, got %v", got)
	}
}

func TestNegotiateCipherSuiteNoCommonEntry(t *testing.T) {
	local := []CipherSuiteID{SuiteECDHERsaAes256GcmSha384}
	remote := []CipherSuiteID{SuiteECDHEEcdsaAes256CbcHmacSha384}

	if _, ok := NegotiateCipherSuite(local, remote); ok {
		t.Fatalf("expected no common suite")
	}
}

func TestNegotiateCurvePrefersLocalOrder(t *testing.T) {
	local := DefaultCurves()
	remote := []CurveID{CurveSecp521r1, CurveSecp256r1}

	got, ok := NegotiateCurve(local, remote)
	if !ok {
		t.Fatalf("expected a common curve")
	}
	if got != CurveSecp256r1 {
		t.Fatalf("expected first local entry present in remote (secp256r1), got %v", got)
	}
}

func TestIsGCM(t *testing.T) {
	cases := []struct {
		id   CipherSuiteID
		want bool
	}{
		{SuiteECDHERsaAes256GcmSha384, true},
		{SuiteECDHEEcdsaAes256GcmSha384, true},
		{SuiteECDHERsaAes256CbcHmacSha384, false},
		{SuiteECDHEEcdsaAes256CbcHmacSha384, false},
	}
	for _, c := range cases {
		if got := c.id.IsGCM(); got != c.want {
			t.Errorf("%v.IsGCM() = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestContainsHelpers(t *testing.T) {
	suites := []CipherSuiteID{SuiteECDHERsaAes256GcmSha384}
	if !containsCipherSuite(suites, SuiteECDHERsaAes256GcmSha384) {
		t.Fatalf("expected suite to be found")
	}
	if containsCipherSuite(suites, SuiteECDHEEcdsaAes256GcmSha384) {
		t.Fatalf("expected suite not to be found")
	}

	curves := []CurveID{CurveSecp384r1}
	if !containsCurve(curves, CurveSecp384r1) {
		t.Fatalf("expected curve to be found")
	}
	if containsCurve(curves, CurveSecp256r1) {
		t.Fatalf("expected curve not to be found")
	}
}

func TestCipherSuiteStringUnknown(t *testing.T) {
	if got := CipherSuiteID(0xAA).String(); got != "UNKNOWN_SUITE(0xaa)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestCurveStringUnknown(t *testing.T) {
	if got := CurveID(0xAA).String(); got != "UNKNOWN_CURVE(0xaa)" {
		t.Fatalf("String() = %q", got)
	}
}
