package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestAnonLoginIssuesVerifiableToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/auth/anon", AnonLogin("test-secret"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/anon", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var body struct {
		UserID string `json:"userId"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.UserID == "" || body.Token == "" {
		t.Fatalf("incomplete response: %+v", body)
	}

	id, ok := identityFromToken(body.Token, "test-secret")
	if !ok {
		t.Fatal("issued token failed validation")
	}
	if id != body.UserID {
		t.Errorf("token identity = %q, want %q", id, body.UserID)
	}
}

func TestAnonLoginUniqueIdentities(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/auth/anon", AnonLogin("test-secret"))

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/anon", nil))

		var body struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if seen[body.UserID] {
			t.Fatalf("duplicate anonymous identity %q", body.UserID)
		}
		seen[body.UserID] = true
	}
}

func TestIdentityFromTokenRejects(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", func() string {
			gin.SetMode(gin.TestMode)
			router := gin.New()
			router.POST("/auth/anon", AnonLogin("other-secret"))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/anon", nil))
			var body struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				return ""
			}
			return body.Token
		}()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if id, ok := identityFromToken(tc.token, "test-secret"); ok {
				t.Errorf("accepted %s token as %q", tc.name, id)
			}
		})
	}
}
