package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestGenerateAndValidateJWT(t *testing.T) {
	secret := []byte("unit-test-secret")
	token, err := GenerateJWT("acct-1", "user@example.com", "member", secret)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	claims, err := ValidateJWT(token, secret)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	if claims.AccountID != "acct-1" {
		t.Fatalf("expected acct-1, got %s", claims.AccountID)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("unexpected email %s", claims.Email)
	}
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	token, err := GenerateJWT("acct-1", "user@example.com", "member", []byte("secret-a"))
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	if _, err := ValidateJWT(token, []byte("secret-b")); err == nil {
		t.Fatal("expected validation failure with wrong secret")
	}
}

func TestJWTAuthMiddleware_InjectsAccountID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := []byte("unit-test-secret")

	router := gin.New()
	router.Use(JWTAuthMiddleware(secret))
	router.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("account_id"))
	})

	token, err := GenerateJWT("acct-42", "user@example.com", "member", secret)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "acct-42" {
		t.Fatalf("expected acct-42, got %s", w.Body.String())
	}
}

func TestJWTAuthMiddleware_MissingHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(JWTAuthMiddleware([]byte("secret")))
	router.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestServiceAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ServiceAuthMiddleware("svc-token"))
	router.POST("/reconcile", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	req.Header.Set("Authorization", "Bearer svc-token")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
