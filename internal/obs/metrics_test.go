package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                    "/",
		"/metrics":                            "/metrics",
		"/v1/auth/login":                      "/v1/auth/login",
		"/v1/auth/refresh?src=web":            "/v1/auth/refresh",
		"/v1/admin/users/01HZX3K9QW":          "/v1/admin/users/:id",
		"/v1/admin/users/01HZX3K9QW/unlock":   "/v1/admin/users/:id/unlock",
		"/v1/admin/users":                     "/v1/admin/users",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
