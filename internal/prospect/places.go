package prospect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"lead-nurture-go/internal/config"
	"lead-nurture-go/internal/lead"
)

// MaxResultsPerRun caps how many accepted places one search may return
const MaxResultsPerRun = 20

// MaxPages caps how many result pages one search reads. The text search API
// serves at most three pages per query.
const MaxPages = 3

// PlaceResult is one entry of a Places text search response
type PlaceResult struct {
	Name             string   `json:"name"`
	FormattedAddress string   `json:"formatted_address"`
	PlaceID          string   `json:"place_id"`
	Rating           float64  `json:"rating"`
	UserRatingsTotal int      `json:"user_ratings_total"`
	BusinessStatus   string   `json:"business_status"`
	Types            []string `json:"types"`
}

type textSearchResponse struct {
	Results       []PlaceResult `json:"results"`
	Status        string        `json:"status"`
	ErrorMessage  string        `json:"error_message"`
	NextPageToken string        `json:"next_page_token"`
}

// PlacesClient queries the Google Places text search API
type PlacesClient struct {
	client *resty.Client
	apiKey string
	// next_page_token needs a moment before Google accepts it
	pageDelay time.Duration
}

// NewPlacesClient creates a client from the places configuration
func NewPlacesClient(cfg config.PlacesConfig) *PlacesClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &PlacesClient{client: client, apiKey: cfg.APIKey, pageDelay: 2 * time.Second}
}

// Search returns up to limit operational places matching query that accept
// lets through. Pages are read until limit places were accepted, the results
// run out or MaxPages is reached. A nil accept takes every operational place.
func (c *PlacesClient) Search(ctx context.Context, query string, limit int, accept func(Candidate) bool) ([]Candidate, error) {
	if limit <= 0 || limit > MaxResultsPerRun {
		limit = MaxResultsPerRun
	}

	var candidates []Candidate
	pageToken := ""
	for pages := 0; len(candidates) < limit && pages < MaxPages; pages++ {
		if pageToken != "" && c.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return candidates, ctx.Err()
			case <-time.After(c.pageDelay):
			}
		}

		params := map[string]string{"query": query, "key": c.apiKey}
		if pageToken != "" {
			params["pagetoken"] = pageToken
		}

		var result textSearchResponse
		resp, err := c.client.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&result).
			Get("/textsearch/json")
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%w: places search: %v", lead.ErrCollaboratorTimeout, err)
			}
			return nil, fmt.Errorf("error connecting to Google Places API: %w", err)
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("places API returned HTTP %d", resp.StatusCode())
		}

		switch result.Status {
		case "OK":
		case "ZERO_RESULTS":
			return candidates, nil
		default:
			return nil, fmt.Errorf("places API error: %s, message: %s", result.Status, result.ErrorMessage)
		}

		for _, place := range result.Results {
			if place.BusinessStatus != "" && place.BusinessStatus != "OPERATIONAL" {
				continue
			}
			cand := Candidate{
				PlaceID: place.PlaceID,
				Name:    place.Name,
				Address: place.FormattedAddress,
				Rating:  place.Rating,
				Reviews: place.UserRatingsTotal,
			}
			if accept != nil && !accept(cand) {
				continue
			}
			candidates = append(candidates, cand)
			if len(candidates) >= limit {
				break
			}
		}

		logrus.WithFields(logrus.Fields{
			"query":   query,
			"page":     pages + 1,
			"accepted": len(candidates),
		}).Debug("Fetched places page")

		if result.NextPageToken == "" {
			break
		}
		pageToken = result.NextPageToken
	}
	return candidates, nil
}
