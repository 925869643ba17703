package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layer-engine/internal/metadata"
)

const testSecret = "test-secret"

func TestAccessToken_RoundTrip(t *testing.T) {
	in := &metadata.UserContext{ID: "u1", Username: "alice", Groups: []string{"surveyors"}, Roles: []string{"admin"}}
	token, err := GenerateAccessToken(in, testSecret, time.Minute)
	require.NoError(t, err)

	claims, err := ParseAccessToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, in, claims.User())

	_, err = ParseAccessToken(token, "other")
	assert.Error(t, err)

	expired, err := GenerateAccessToken(in, testSecret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseAccessToken(expired, testSecret)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(401).SendString(err.Error())
		},
	})
	app.Use(Authenticate(testSecret))
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(GetUser(c).Name())
	})
	app.Get("/admin", RequireAdmin(), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	token, err := GenerateAccessToken(&metadata.UserContext{ID: "u2", Username: "bob"}, testSecret, time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"anonymous passes", "/", "", 200},
		{"valid token", "/", "Bearer " + token, 200},
		{"bad scheme", "/", "Basic abc", 401},
		{"bad token", "/", "Bearer nope", 401},
		{"admin needs a user", "/admin", "", 401},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestMediaSigner(t *testing.T) {
	s := NewMediaSigner(testSecret, time.Minute, "http://localhost:8080/")
	url := s.MediaURL("parcels", "photo", "image", "a/b.png")
	require.Contains(t, url, "http://localhost:8080/api/media/")

	token := url[len("http://localhost:8080/api/media/"):]
	layer, field, kind, name, err := s.ParseMediaToken(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"parcels", "photo", "image", "a/b.png"}, []string{layer, field, kind, name})

	expired := NewMediaSigner(testSecret, -time.Minute, "")
	token, err = expired.Sign("parcels", "photo", "image", "a/b.png")
	require.NoError(t, err)
	_, _, _, _, err = s.ParseMediaToken(token)
	assert.Error(t, err)
}
