package provider

import (
	"sort"
	"strings"

	"github.com/crm-prospector/internal/models"
)

var freeMailDomains = map[string]bool{
	"gmail.com":   true,
	"yahoo.com":   true,
	"outlook.com": true,
	"hotmail.com": true,
	"icloud.com":  true,
	"proton.me":   true,
}

var seniorTitles = []string{"chief", "ceo", "cto", "coo", "cfo", "founder", "owner", "president", "vp", "vice president", "head", "director"}

// Enrich normalizes raw provider output into the stored result set: it
// cleans emails and domains, drops duplicates (by email, falling back to
// name+company), scores each lead against the prompt, orders by score and
// keeps at most size leads. Equal scores keep provider order.
func Enrich(raw []models.Lead, prompt string, size int) []models.Lead {
	keywords := promptKeywords(prompt)
	seen := make(map[string]bool, len(raw))
	out := make([]models.Lead, 0, len(raw))

	for _, lead := range raw {
		lead = normalizeLead(lead)
		if lead.Name == "" && lead.Email == "" {
			continue
		}
		key := dedupeKey(lead)
		if seen[key] {
			continue
		}
		seen[key] = true
		lead.Score = scoreLead(lead, keywords)
		out = append(out, lead)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if size > 0 && len(out) > size {
		out = out[:size]
	}
	return out
}

func normalizeLead(l models.Lead) models.Lead {
	l.Name = strings.Join(strings.Fields(l.Name), " ")
	l.Title = strings.TrimSpace(l.Title)
	l.Company = strings.TrimSpace(l.Company)
	l.Email = strings.ToLower(strings.TrimSpace(l.Email))
	l.Domain = normalizeDomain(l.Domain)
	if l.Domain == "" {
		if at := strings.LastIndexByte(l.Email, '@'); at >= 0 {
			if d := l.Email[at+1:]; !freeMailDomains[d] {
				l.Domain = d
			}
		}
	}
	return l
}

// normalizeDomain strips scheme, www., path and port
func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.IndexByte(d, ':'); i >= 0 {
		d = d[:i]
	}
	return d
}

func dedupeKey(l models.Lead) string {
	if l.Email != "" {
		return "email:" + l.Email
	}
	return "name:" + strings.ToLower(l.Name) + "|" + strings.ToLower(l.Company)
}

func promptKeywords(prompt string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) >= 3 {
			out = append(out, w)
		}
	}
	return out
}

// scoreLead returns a 0-100 fit score: contact completeness, seniority and
// prompt keyword matches
func scoreLead(l models.Lead, keywords []string) int {
	score := 0
	if l.Email != "" {
		score += 25
	}
	if l.Phone != "" {
		score += 10
	}
	if l.LinkedInURL != "" {
		score += 10
	}

	title := strings.ToLower(l.Title)
	for _, s := range seniorTitles {
		if strings.Contains(title, s) {
			score += 20
			break
		}
	}

	haystack := strings.ToLower(strings.Join([]string{l.Title, l.Company, l.Industry, l.Country}, " "))
	matches := 0
	for _, k := range keywords {
		if strings.Contains(haystack, k) {
			matches++
		}
	}
	score += 10 * matches
	if score > 100 {
		score = 100
	}
	return score
}
