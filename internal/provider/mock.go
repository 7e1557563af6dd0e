package provider

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	apperrors "github.com/crm-prospector/internal/errors"
	"github.com/crm-prospector/internal/models"
)

var (
	firstNames = []string{"Aarav", "Priya", "Lena", "Marco", "Sofia", "Kenji", "Amara", "Lucas", "Noor", "Elif", "Diego", "Hannah", "Ravi", "Chloe", "Tomas", "Yara"}
	lastNames  = []string{"Sharma", "Iyer", "Müller", "Rossi", "Garcia", "Tanaka", "Okafor", "Silva", "Haddad", "Yilmaz", "Lopez", "Schmidt", "Patel", "Martin", "Novak", "Khan"}
	titles     = []string{"CEO", "CTO", "VP of Sales", "Head of Operations", "Procurement Manager", "Director of Engineering", "Marketing Lead", "COO", "Plant Manager", "Head of Growth"}
	companies  = []string{"Northwind", "Acme Industrial", "Bluepeak", "Vertex Labs", "Orbital Foods", "Kestrel Systems", "Lumen Works", "Riverstone", "Helix Motors", "Summit Textiles", "Crescent Logistics", "Quanta Health"}
	industries = []string{"Manufacturing", "Software", "Logistics", "Healthcare", "Retail", "Financial Services", "Automotive", "Textiles"}
	countries  = []string{"India", "Germany", "United States", "Brazil", "Japan", "United Kingdom", "Nigeria", "Turkey"}
)

// ErrSimulatedFailure is the cause injected by MockSearcher's fail rate
var ErrSimulatedFailure = errors.New("simulated provider failure")

// MockSearcher generates synthetic leads. Output is deterministic for a
// given prompt, size and filters.
type MockSearcher struct {
	latency  time.Duration
	failRate float64

	mu   sync.Mutex
	rand *rand.Rand // failure injection only
}

// NewMockSearcher creates a mock provider
func NewMockSearcher(latency time.Duration, failRate float64) *MockSearcher {
	return &MockSearcher{
		latency:  latency,
		failRate: failRate,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 - not security sensitive
	}
}

// Name implements Searcher
func (m *MockSearcher) Name() string { return "mock" }

// Search implements Searcher
func (m *MockSearcher) Search(ctx context.Context, req *SearchRequest) ([]models.Lead, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if m.shouldFail() {
		return nil, apperrors.NewProviderError(m.Name(), ErrSimulatedFailure)
	}
	return generateLeads(req), nil
}

func (m *MockSearcher) shouldFail() bool {
	if m.failRate <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rand.Float64() < m.failRate
}

func seedFor(req *SearchRequest) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(req.Prompt))))
	_, _ = fmt.Fprintf(h, "|%d|%v", req.Size, req.Filters)
	return int64(h.Sum64()) // #nosec G115 - seed only
}

// generateLeads returns size leads plus a few duplicates for Enrich to drop
func generateLeads(req *SearchRequest) []models.Lead {
	rng := rand.New(rand.NewSource(seedFor(req))) // #nosec G404 - deterministic fixture data

	country, _ := req.Filters["country"].(string)
	industry, _ := req.Filters["industry"].(string)

	size := models.ClampProspectSize(req.Size)
	leads := make([]models.Lead, 0, size+size/5)
	for i := 0; i < size; i++ {
		first := firstNames[rng.Intn(len(firstNames))]
		last := lastNames[rng.Intn(len(lastNames))]
		company := companies[rng.Intn(len(companies))]
		domain := strings.ReplaceAll(strings.ToLower(company), " ", "") + ".example.com"

		lead := models.Lead{
			Name:          first + " " + last,
			Title:         titles[rng.Intn(len(titles))],
			Company:       company,
			Domain:        "https://www." + domain + "/",
			Email:         fmt.Sprintf("%s.%s%d@%s", strings.ToLower(first), strings.ToLower(last), i, domain),
			Country:       countries[rng.Intn(len(countries))],
			Industry:      industries[rng.Intn(len(industries))],
			EmployeeCount: 20 + rng.Intn(5000),
			Source:        "mock",
		}
		if country != "" {
			lead.Country = country
		}
		if industry != "" {
			lead.Industry = industry
		}
		if rng.Intn(3) > 0 {
			lead.Phone = fmt.Sprintf("+1-555-%04d", rng.Intn(10000))
		}
		if rng.Intn(2) == 0 {
			lead.LinkedInURL = fmt.Sprintf("https://www.linkedin.com/in/%s-%s-%d", strings.ToLower(first), strings.ToLower(last), i)
		}
		leads = append(leads, lead)
	}

	// Providers return overlapping records; upper-cased emails exercise normalization.
	for i := 0; i < size/5; i++ {
		dup := leads[rng.Intn(size)]
		dup.Email = strings.ToUpper(dup.Email)
		leads = append(leads, dup)
	}
	return leads
}
