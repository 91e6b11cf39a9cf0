package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Profile is the flattened set of fields a template may reference via dotted-path
// tokens such as `{profile.display_name}`.
type Profile struct {
	UserID       string         `json:"user_id"`
	Username     string         `json:"username"`
	FirstName    string         `json:"first_name"`
	LastName     string         `json:"last_name"`
	DisplayName  string         `json:"display_name"`
	ProfilePic   string         `json:"profile_pic"`
	Bio          string         `json:"bio"`
	TotalReviews int            `json:"total_reviews"`
	AvgRating    float64        `json:"average_rating"`
	Extra        map[string]any `json:"-"`
}

// AsMap flattens Profile into a generic map suitable for FillTemplate's "profile"
// namespace, so a template can reference `{profile.display_name}` etc.
func (p Profile) AsMap() map[string]any {
	return map[string]any{
		"user_id":        p.UserID,
		"username":       p.Username,
		"first_name":     p.FirstName,
		"last_name":      p.LastName,
		"display_name":   p.DisplayName,
		"profile_pic":    p.ProfilePic,
		"bio":            p.Bio,
		"total_reviews":  p.TotalReviews,
		"average_rating": p.AvgRating,
	}
}

// ProfileService resolves an external identifier (username) to a Profile.
type ProfileService interface {
	FetchByUsername(ctx context.Context, username string) (Profile, error)
}

// httpProfileService fetches profiles from the configured profile API, the Go
// counterpart of the original Topmate client's username lookup.
type httpProfileService struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPProfileService(baseURL string, httpClient *http.Client) ProfileService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &httpProfileService{baseURL: baseURL, httpClient: httpClient}
}

type profileResponse struct {
	UserID        any     `json:"user_id"`
	ID            any     `json:"id"`
	Username      string  `json:"username"`
	FirstName     string  `json:"first_name"`
	LastName      string  `json:"last_name"`
	DisplayName   string  `json:"display_name"`
	Name          string  `json:"name"`
	ProfilePic    string  `json:"profile_pic"`
	Picture       string  `json:"picture"`
	Bio           string  `json:"bio"`
	Description   string  `json:"description"`
	TotalReviews  int     `json:"total_reviews"`
	ReviewsCount  int     `json:"reviews_count"`
	AverageRating float64 `json:"average_rating"`
	Rating        float64 `json:"rating"`
}

func (s *httpProfileService) FetchByUsername(ctx context.Context, username string) (Profile, error) {
	reqURL := fmt.Sprintf("%s/?username=%s", s.baseURL, url.QueryEscape(username))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile %q: %w", username, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Profile{}, fmt.Errorf("fetch profile %q: status %d", username, resp.StatusCode)
	}

	var raw profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Profile{}, fmt.Errorf("decode profile %q: %w", username, err)
	}

	return profileFromResponse(username, raw), nil
}

func profileFromResponse(fallbackUsername string, raw profileResponse) Profile {
	userID := fmt.Sprintf("%v", firstNonEmpty(raw.UserID, raw.ID))
	display := raw.DisplayName
	if display == "" {
		display = raw.Name
	}
	if display == "" {
		display = fmt.Sprintf("%s %s", raw.FirstName, raw.LastName)
	}
	pic := raw.ProfilePic
	if pic == "" {
		pic = raw.Picture
	}
	bio := raw.Bio
	if bio == "" {
		bio = raw.Description
	}
	reviews := raw.TotalReviews
	if reviews == 0 {
		reviews = raw.ReviewsCount
	}
	rating := raw.AverageRating
	if rating == 0 {
		rating = raw.Rating
	}
	username := raw.Username
	if username == "" {
		username = fallbackUsername
	}

	return Profile{
		UserID:       userID,
		Username:     username,
		FirstName:    raw.FirstName,
		LastName:     raw.LastName,
		DisplayName:  display,
		ProfilePic:   pic,
		Bio:          bio,
		TotalReviews: reviews,
		AvgRating:    rating,
	}
}

func firstNonEmpty(values ...any) any {
	for _, v := range values {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if t != "" {
				return t
			}
		default:
			return t
		}
	}
	return ""
}
