// Package normalize turns parsed upstream rows into records safe to persist:
// it validates addresses, drops private and expired entries, maps confidence
// tokens, derives activation, and de-duplicates within a run.
package normalize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
)

// DedupCap bounds the in-run dedup index. Runs beyond it are truncated with
// a warning rather than exhausting memory.
const DedupCap = 1_000_000

// Stats tallies what the pipeline dropped and why.
type Stats struct {
	Total                    int  `json:"total"`
	Accepted                 int  `json:"accepted"`
	ExcludedPrivateOrInvalid int  `json:"excluded_private_or_invalid"`
	Expired                  int  `json:"expired"`
	Duplicates               int  `json:"duplicates"`
	Truncated                bool `json:"truncated"`
}

// Result carries the records ready for UPSERT plus exclusion tallies.
type Result struct {
	Records []core.NormalizedRecord
	Stats   Stats
}

// Records runs the full pipeline over one collection's parsed rows.
func Records(records []core.ParsedRecord, now time.Time) Result {
	return withCap(records, now, DedupCap)
}

func withCap(records []core.ParsedRecord, now time.Time, limit int) Result {
	res := Result{Records: make([]core.NormalizedRecord, 0, len(records))}
	res.Stats.Total = len(records)

	today := dateOnly(now)
	index := make(map[string]int) // ip -> position in res.Records

	for _, rec := range records {
		ip := strings.TrimSpace(rec.IPAddress)
		if !IsPublicIP(ip) {
			res.Stats.ExcludedPrivateOrInvalid++
			continue
		}

		if rec.RemovalDate != nil && dateOnly(*rec.RemovalDate).Before(today) {
			res.Stats.Expired++
			continue
		}

		if pos, seen := index[ip]; seen {
			res.Stats.Duplicates++
			// Same IP in one run: first wins, but a more specific reason
			// upgrades the kept record.
			if r := ChooseReason(res.Records[pos].Reason, rec.Reason); r != res.Records[pos].Reason {
				res.Records[pos].Reason = r
			}
			continue
		}
		if len(index) >= limit {
			if !res.Stats.Truncated {
				slog.Warn("dedup index full, truncating run", "cap", limit)
				res.Stats.Truncated = true
			}
			continue
		}

		nr := core.NormalizedRecord{
			IPAddress:     ip,
			Source:        rec.Source,
			Country:       Country(rec.Country),
			Reason:        rec.Reason,
			Confidence:    Confidence(rec.Confidence),
			DetectionDate: rec.DetectionDate,
			RemovalDate:   rec.RemovalDate,
			IsActive:      ActiveFor(rec.RemovalDate, now),
			RawPayload:    rawPayload(rec, now),
		}
		index[ip] = len(res.Records)
		res.Records = append(res.Records, nr)
	}

	res.Stats.Accepted = len(res.Records)
	return res
}

// IsPublicIP reports whether s is an IPv4/IPv6 literal that is routable on
// the public internet: not private, loopback, link-local, multicast,
// unspecified, or reserved.
func IsPublicIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return false
	}
	// 240.0.0.0/4 is reserved, including the 255.255.255.255 broadcast.
	if v4 := ip.To4(); v4 != nil && v4[0] >= 240 {
		return false
	}
	return true
}

// Confidence maps an upstream confidence token to 0-100. Integer text
// passes through clamped; known tokens map to fixed scores; anything else
// is treated as unknown.
func Confidence(raw string) int {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return 0
		}
		if n > 100 {
			return 100
		}
		return n
	}
	switch strings.ToLower(raw) {
	case "critical":
		return 95
	case "high":
		return 90
	case "medium":
		return 50
	case "low":
		return 10
	default: // "unknown" and anything unrecognized
		return 5
	}
}

// ActiveFor derives the activation flag from a removal date: active while
// the date is absent or not yet past.
func ActiveFor(removal *time.Time, now time.Time) bool {
	if removal == nil {
		return true
	}
	return !dateOnly(*removal).Before(dateOnly(now))
}

var countryAliases = map[string]string{
	"korea":             "KR",
	"south korea":       "KR",
	"republic of korea": "KR",
	"한국":                "KR",
	"대한민국":              "KR",
	"united states":     "US",
	"usa":               "US",
	"미국":                "US",
	"china":             "CN",
	"중국":                "CN",
	"japan":             "JP",
	"일본":                "JP",
	"russia":            "RU",
	"러시아":               "RU",
}

// Country normalizes an upstream country label to ISO-2. Unknown labels
// fall back to their first two letters uppercased when alphabetic, else
// empty (rendered as NULL at the storage layer).
func Country(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if iso, ok := countryAliases[strings.ToLower(raw)]; ok {
		return iso
	}
	runes := []rune(raw)
	if len(runes) >= 2 && isASCIILetter(runes[0]) && isASCIILetter(runes[1]) {
		return strings.ToUpper(string(runes[:2]))
	}
	return ""
}

// ChooseReason prefers the longer, more specific reason text.
func ChooseReason(existing, candidate string) string {
	existing = strings.TrimSpace(existing)
	candidate = strings.TrimSpace(candidate)
	if len(candidate) > len(existing) {
		return candidate
	}
	return existing
}

// rawPayload preserves the upstream row verbatim; when the parser had no
// structured row, a synthetic snapshot of the parsed fields is built.
func rawPayload(rec core.ParsedRecord, now time.Time) json.RawMessage {
	if len(rec.Raw) > 0 {
		if b, err := json.Marshal(rec.Raw); err == nil {
			return b
		}
	}
	synthetic := map[string]interface{}{
		"ip_address":           rec.IPAddress,
		"source":               rec.Source,
		"collection_timestamp": now.UTC().Format(time.RFC3339),
	}
	if rec.Country != "" {
		synthetic["country"] = rec.Country
	}
	if rec.Reason != "" {
		synthetic["reason"] = rec.Reason
	}
	if rec.DetectionDate != nil {
		synthetic["detection_date"] = rec.DetectionDate.Format("2006-01-02")
	}
	if rec.RemovalDate != nil {
		synthetic["removal_date"] = rec.RemovalDate.Format("2006-01-02")
	}
	b, err := json.Marshal(synthetic)
	if err != nil {
		// Marshal of string-keyed primitives cannot realistically fail.
		return json.RawMessage(fmt.Sprintf(`{"ip_address":%q}`, rec.IPAddress))
	}
	return b
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func isASCIILetter(r rune) bool {
	return r <= unicode.MaxASCII && unicode.IsLetter(r)
}
