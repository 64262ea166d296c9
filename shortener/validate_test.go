package shortener

import (
	"testing"

	"encore.app/pkg/shorterr"
)

func TestValidateRawRejectsBlank(t *testing.T) {
	if err := validateRaw("   ", DefaultValidationConfig()); !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("validateRaw(blank) = %v, want InvalidUrl", err)
	}
}

func TestValidateRawRejectsForbiddenScheme(t *testing.T) {
	if err := validateRaw("javascript:alert(1)", DefaultValidationConfig()); !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("validateRaw(javascript:) = %v, want InvalidUrl", err)
	}
}

func TestValidateRawRejectsProtocolRelative(t *testing.T) {
	if err := validateRaw("//evil.example/x", DefaultValidationConfig()); !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("validateRaw(//...) = %v, want InvalidUrl", err)
	}
}

func TestValidateRawRejectsOverLength(t *testing.T) {
	cfg := DefaultValidationConfig()
	cfg.MaxLength = 10
	if err := validateRaw("https://example.com/a-very-long-path", cfg); !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("validateRaw(over-length) = %v, want InvalidUrl", err)
	}
}

func TestNormalizeAddsHTTPSScheme(t *testing.T) {
	got, err := normalize("example.com/a", DefaultValidationConfig())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "https://example.com/a" {
		t.Fatalf("normalize = %q, want https://example.com/a", got)
	}
}

func TestNormalizeRejectsUnsupportedScheme(t *testing.T) {
	if _, err := normalize("ftp://example.com/a", DefaultValidationConfig()); !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("normalize(ftp) = %v, want InvalidUrl", err)
	}
}

func TestNormalizeRejectsPathTraversal(t *testing.T) {
	if _, err := normalize("https://example.com/../etc/passwd", DefaultValidationConfig()); !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("normalize(..) = %v, want InvalidUrl", err)
	}
}

func TestNormalizeRejectsEmptyPathSegment(t *testing.T) {
	if _, err := normalize("https://example.com//a", DefaultValidationConfig()); !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("normalize(//) = %v, want InvalidUrl", err)
	}
}

func TestValidateNormalizedRejectsLocalhost(t *testing.T) {
	if err := validateNormalized("https://localhost/a"); !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("validateNormalized(localhost) = %v, want InvalidUrl", err)
	}
}

func TestValidateNormalizedRejectsPrivateIP(t *testing.T) {
	for _, host := range []string{"10.0.0.1", "192.168.1.1", "172.16.0.1", "127.0.0.1", "169.254.1.1", "0.0.0.0"} {
		if err := validateNormalized("https://" + host + "/a"); !shorterr.Is(err, shorterr.KindInvalidURL) {
			t.Fatalf("validateNormalized(%s) = %v, want InvalidUrl", host, err)
		}
	}
}

func TestValidateNormalizedAllowsPublicHost(t *testing.T) {
	if err := validateNormalized("https://example.com/a"); err != nil {
		t.Fatalf("validateNormalized(public) = %v, want nil", err)
	}
}

func TestValidateRedirectTargetRejectsPrivateIP(t *testing.T) {
	if err := validateRedirectTarget("https://127.0.0.1/a"); !shorterr.Is(err, shorterr.KindInvalidURL) {
		t.Fatalf("validateRedirectTarget(loopback) = %v, want InvalidUrl", err)
	}
}
