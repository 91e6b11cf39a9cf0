package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProfileFromResponsePrefersDisplayName(t *testing.T) {
	raw := profileResponse{DisplayName: "Ada L.", Name: "Ada Lovelace", FirstName: "Ada", LastName: "Lovelace"}
	p := profileFromResponse("adal", raw)
	if p.DisplayName != "Ada L." {
		t.Fatalf("got %q", p.DisplayName)
	}
}

func TestProfileFromResponseFallsBackToName(t *testing.T) {
	raw := profileResponse{Name: "Ada Lovelace"}
	p := profileFromResponse("adal", raw)
	if p.DisplayName != "Ada Lovelace" {
		t.Fatalf("got %q", p.DisplayName)
	}
}

func TestProfileFromResponseFallsBackToFirstLastName(t *testing.T) {
	raw := profileResponse{FirstName: "Ada", LastName: "Lovelace"}
	p := profileFromResponse("adal", raw)
	if p.DisplayName != "Ada Lovelace" {
		t.Fatalf("got %q", p.DisplayName)
	}
}

func TestProfileFromResponsePictureFallback(t *testing.T) {
	raw := profileResponse{Picture: "https://example.com/p.png"}
	p := profileFromResponse("adal", raw)
	if p.ProfilePic != "https://example.com/p.png" {
		t.Fatalf("got %q", p.ProfilePic)
	}
}

func TestProfileFromResponseUsernameFallsBackToInputWhenMissing(t *testing.T) {
	raw := profileResponse{DisplayName: "Ada"}
	p := profileFromResponse("adal", raw)
	if p.Username != "adal" {
		t.Fatalf("got %q", p.Username)
	}
}

func TestProfileFromResponseReviewsAndRatingFallback(t *testing.T) {
	raw := profileResponse{ReviewsCount: 12, Rating: 4.5}
	p := profileFromResponse("adal", raw)
	if p.TotalReviews != 12 || p.AvgRating != 4.5 {
		t.Fatalf("got reviews=%d rating=%f", p.TotalReviews, p.AvgRating)
	}
}

func TestProfileFromResponseUserIDPrefersUserIDOverID(t *testing.T) {
	raw := profileResponse{UserID: float64(42), ID: float64(99)}
	p := profileFromResponse("adal", raw)
	if p.UserID != "42" {
		t.Fatalf("got %q", p.UserID)
	}
}

func TestFetchByUsernameDecodesSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("username") != "adal" {
			t.Errorf("expected username query param, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(profileResponse{DisplayName: "Ada Lovelace", TotalReviews: 5})
	}))
	defer srv.Close()

	svc := NewHTTPProfileService(srv.URL, nil)
	p, err := svc.FetchByUsername(context.Background(), "adal")
	if err != nil {
		t.Fatalf("FetchByUsername: %v", err)
	}
	if p.DisplayName != "Ada Lovelace" || p.TotalReviews != 5 {
		t.Fatalf("got %+v", p)
	}
}

func TestFetchByUsernameNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := NewHTTPProfileService(srv.URL, nil)
	if _, err := svc.FetchByUsername(context.Background(), "ghost"); err == nil {
		t.Fatalf("expected an error for a non-2xx response")
	}
}
