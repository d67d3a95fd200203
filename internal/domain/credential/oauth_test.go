package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenClient_PasswordGrant(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"username":      r.PostForm.Get("username"),
			"password":      r.PostForm.Get("password"),
			"client_id":     r.PostForm.Get("client_id"),
			"client_secret": r.PostForm.Get("client_secret"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600}`))
	}))
	defer srv.Close()

	client := NewTokenClient(srv.URL, "cid", "csecret", 5*time.Second)
	tr, err := client.PasswordGrant(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("password grant: %v", err)
	}
	if tr.AccessToken != "at" || tr.RefreshToken != "rt" || tr.ExpiresIn != 3600 {
		t.Errorf("unexpected response %+v", tr)
	}

	want := map[string]string{
		"grant_type":    "password",
		"username":      "alice",
		"password":      "s3cret",
		"client_id":     "cid",
		"client_secret": "csecret",
	}
	for k, v := range want {
		if gotForm[k] != v {
			t.Errorf("form field %s = %q, want %q", k, gotForm[k], v)
		}
	}
}

func TestTokenClient_RefreshGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if gt := r.PostForm.Get("grant_type"); gt != "refresh_token" {
			t.Errorf("grant_type = %q", gt)
		}
		if rt := r.PostForm.Get("refresh_token"); rt != "rt-1" {
			t.Errorf("refresh_token = %q", rt)
		}
		w.Write([]byte(`{"access_token":"at-2","expires_in":900}`))
	}))
	defer srv.Close()

	client := NewTokenClient(srv.URL, "cid", "csecret", 5*time.Second)
	tr, err := client.RefreshGrant(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("refresh grant: %v", err)
	}
	if tr.AccessToken != "at-2" || tr.RefreshToken != "" {
		t.Errorf("unexpected response %+v", tr)
	}
}

func TestTokenClient_UpstreamErrorSurfacesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	client := NewTokenClient(srv.URL, "cid", "csecret", 5*time.Second)
	_, err := client.RefreshGrant(context.Background(), "rt-dead")

	var gerr *GrantError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *GrantError, got %v", err)
	}
	if gerr.Status != http.StatusBadRequest {
		t.Errorf("status = %d", gerr.Status)
	}
	if gerr.Body != `{"error":"invalid_grant"}` {
		t.Errorf("body = %q", gerr.Body)
	}
}

func TestTokenClient_MissingAccessTokenIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"refresh_token":"rt"}`))
	}))
	defer srv.Close()

	client := NewTokenClient(srv.URL, "cid", "csecret", 5*time.Second)
	if _, err := client.PasswordGrant(context.Background(), "u", "p"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestTokenClient_MalformedJSONIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	client := NewTokenClient(srv.URL, "cid", "csecret", 5*time.Second)
	if _, err := client.RefreshGrant(context.Background(), "rt"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestTokenClient_TransportErrorIsGrantError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewTokenClient(srv.URL, "cid", "csecret", time.Second)
	_, err := client.RefreshGrant(context.Background(), "rt")

	var gerr *GrantError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *GrantError for a transport failure, got %v", err)
	}
	if gerr.Status != 0 {
		t.Errorf("transport failure must carry status 0, got %d", gerr.Status)
	}
}
