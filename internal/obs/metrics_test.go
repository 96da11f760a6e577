package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                          "/",
		"/metrics":                                  "/metrics",
		"/v1/float-accounts":                        "/v1/float-accounts",
		"/v1/float-accounts/flt_1":                  "/v1/float-accounts/:id",
		"/v1/float-accounts/flt_1/movements":        "/v1/float-accounts/:id/movements",
		"/v1/float-accounts/flt_1/statement?from=x": "/v1/float-accounts/:id/statement",
		"/v1/float-accounts/flt_1/a/b":              "/v1/float-accounts/flt_1/a/b",
		"/v1/journal/transactions":                  "/v1/journal/transactions",
		"/v1/journal/transactions/01J":              "/v1/journal/transactions/:id",
		"/v1/journal/transactions/01J/reversal":     "/v1/journal/transactions/:id/reversal",
		"/v1/service-transactions":                  "/v1/service-transactions",
		"/v1/service-transactions/mobile_money/tx-9/reversal": "/v1/service-transactions/:module/:id/reversal",
		"/v1/gl/trial-balance":                      "/v1/gl/trial-balance",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG").String() != "debug" {
		t.Fatal("expected debug level")
	}
	if parseLevel("nonsense").String() != "info" {
		t.Fatal("expected info fallback")
	}
}
