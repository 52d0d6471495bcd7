package prospect

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lead-nurture-go/internal/config"
	"lead-nurture-go/internal/lead"
	"lead-nurture-go/internal/metrics"
	"lead-nurture-go/internal/store"
)

// Candidate is a business returned by a search, before filtering
type Candidate struct {
	PlaceID string  `json:"place_id"`
	Name    string  `json:"name"`
	Address string  `json:"address,omitempty"`
	Website string  `json:"website,omitempty"`
	Rating  float64 `json:"rating"`
	Reviews int     `json:"reviews"`
	Snippet string  `json:"snippet,omitempty"`
}

// Criteria are the quality heuristics a prospect must meet
type Criteria struct {
	MinRating  float64
	MaxRating  float64
	MinReviews int
	Keywords   []string
}

// DefaultKeywords flag reviews complaining about responsiveness
var DefaultKeywords = []string{
	"didn't answer",
	"did not answer",
	"voicemail",
	"no call back",
	"took too long",
	"waited all day",
}

// CriteriaFromConfig builds criteria from the places configuration
func CriteriaFromConfig(cfg config.PlacesConfig) Criteria {
	keywords := cfg.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	return Criteria{
		MinRating:  cfg.MinRating,
		MaxRating:  cfg.MaxRating,
		MinReviews: cfg.MinReviews,
		Keywords:   keywords,
	}
}

// Qualifies applies the closed rating range and the review floor. Keywords
// only filter candidates that come with a review snippet.
func (c Criteria) Qualifies(cand Candidate) bool {
	if cand.Rating < c.MinRating || cand.Rating > c.MaxRating {
		return false
	}
	if cand.Reviews < c.MinReviews {
		return false
	}
	if len(c.Keywords) == 0 || cand.Snippet == "" {
		return true
	}
	snippet := strings.ToLower(cand.Snippet)
	for _, k := range c.Keywords {
		if strings.Contains(snippet, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// Searcher finds candidate businesses. It returns up to limit candidates
// that accept lets through and keeps paging past rejected ones.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, accept func(Candidate) bool) ([]Candidate, error)
}

// Result summarizes one prospecting run
type Result struct {
	Found      int         `json:"found"`
	Qualified  int         `json:"qualified"`
	Duplicates int         `json:"duplicates"`
	Added      []lead.Lead `json:"added"`
}

// Prospector appends qualifying businesses to the lead store as New leads
type Prospector struct {
	searcher Searcher
	store    store.Store
	criteria Criteria
	metrics  *metrics.Metrics
}

// NewProspector creates a prospector adding leads found by searcher to s.
// m may be nil.
func NewProspector(searcher Searcher, s store.Store, criteria Criteria, m *metrics.Metrics) *Prospector {
	return &Prospector{searcher: searcher, store: s, criteria: criteria, metrics: m}
}

// Run searches for query and stores up to limit new qualifying leads.
// Candidates failing the criteria or already in the store do not count
// toward limit.
func (p *Prospector) Run(ctx context.Context, query string, limit int) (Result, error) {
	var res Result
	existing, err := p.store.ListLeads(ctx, lead.Filter{})
	if err != nil {
		return res, fmt.Errorf("failed to list existing leads: %w", err)
	}
	known := make(map[string]bool, 2*len(existing))
	for _, l := range existing {
		if l.PlaceID != "" {
			known["place:"+l.PlaceID] = true
		}
		known["name:"+strings.ToLower(l.Contact.Name)] = true
	}

	accept := func(cand Candidate) bool {
		res.Found++
		if !p.criteria.Qualifies(cand) {
			return false
		}
		res.Qualified++
		if (cand.PlaceID != "" && known["place:"+cand.PlaceID]) || known["name:"+strings.ToLower(cand.Name)] {
			res.Duplicates++
			return false
		}
		if cand.PlaceID != "" {
			known["place:"+cand.PlaceID] = true
		}
		known["name:"+strings.ToLower(cand.Name)] = true
		return true
	}

	candidates, err := p.searcher.Search(ctx, query, limit, accept)
	if err != nil {
		return res, fmt.Errorf("failed to search prospects: %w", err)
	}

	for _, cand := range candidates {
		created, err := p.store.CreateLead(ctx, newLead(cand))
		if err != nil {
			return res, fmt.Errorf("failed to add prospect %s: %w", cand.Name, err)
		}
		res.Added = append(res.Added, created)
		if p.metrics != nil {
			p.metrics.ProspectsAdded.Inc()
		}
	}

	logrus.WithFields(logrus.Fields{
		"query":      query,
		"found":      res.Found,
		"qualified":  res.Qualified,
		"duplicates": res.Duplicates,
		"added":      len(res.Added),
	}).Info("Prospecting completed")
	return res, nil
}

func newLead(c Candidate) lead.Lead {
	id := uuid.NewString()
	if c.PlaceID != "" {
		id = "place-" + c.PlaceID
	}
	return lead.Lead{
		ID:      id,
		Status:  lead.StatusNew,
		PlaceID: c.PlaceID,
		Rating:  c.Rating,
		Reviews: c.Reviews,
		Contact: lead.Contact{
			Name:    c.Name,
			Website: c.Website,
		},
	}
}
