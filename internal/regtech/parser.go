package regtech

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/normalize"
)

// Multilingual header keywords. The portal alternates between Korean and
// English column names across releases.
var (
	detectionKeywords = []string{"탐지", "등록", "reg", "detect"}
	removalKeywords   = []string{"해제", "삭제", "del", "remove"}
	reasonKeywords    = []string{"사유", "reason", "내용", "content"}
	countryKeywords   = []string{"국가", "country"}
	headerKeywords    = []string{"ip", "아이피", "국가", "country", "사유", "reason", "등록", "탐지", "해제", "내용", "일자", "date"}
)

// ParseRecords extracts blacklist rows from an advisory-list response body.
// JSON is attempted first ({data:[...]} envelope or a bare array); anything
// that fails JSON decoding falls back to HTML table extraction. Malformed
// rows are skipped, never fatal.
func ParseRecords(body []byte) []core.ParsedRecord {
	if recs, ok := parseJSON(body); ok {
		return recs
	}
	return parseHTMLTables(body)
}

func parseJSON(body []byte) ([]core.ParsedRecord, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}

	var rows []map[string]interface{}
	switch trimmed[0] {
	case '{':
		var envelope struct {
			Data []map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, false
		}
		rows = envelope.Data
	case '[':
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}

	out := make([]core.ParsedRecord, 0, len(rows))
	for _, row := range rows {
		if rec, ok := recordFromJSON(row); ok {
			out = append(out, rec)
		} else {
			slog.Debug("skipping unparseable row", "logger", "regtech.parser")
		}
	}
	return out, true
}

var (
	jsonIPKeys        = []string{"ip", "ipAddress", "ip_address", "ipAddr", "blacklistIp"}
	jsonDetectionKeys = []string{"detection_date", "regDate", "registDate", "createDate", "detectDate", "firstSeen"}
	jsonRemovalKeys   = []string{"removal_date", "delDate", "deleteDate", "expireDate", "endDate", "removeDate"}
	jsonReasonKeys    = []string{"reason", "content", "description", "attackType", "threatType"}
	jsonCountryKeys   = []string{"country", "countryCode", "nation"}
	jsonConfKeys      = []string{"confidence", "confidenceLevel", "severity"}
)

func recordFromJSON(row map[string]interface{}) (core.ParsedRecord, bool) {
	ip := stringField(row, jsonIPKeys...)
	if !normalize.IsPublicIP(ip) {
		// Key-based lookup failed; scan every string value for an address.
		ip = ""
		for _, v := range row {
			if s, isStr := v.(string); isStr && normalize.IsPublicIP(strings.TrimSpace(s)) {
				ip = strings.TrimSpace(s)
				break
			}
		}
		if ip == "" {
			return core.ParsedRecord{}, false
		}
	}

	rec := core.ParsedRecord{
		IPAddress:  ip,
		Country:    stringField(row, jsonCountryKeys...),
		Reason:     stringField(row, jsonReasonKeys...),
		Confidence: stringField(row, jsonConfKeys...),
		Raw:        row,
	}
	if t, ok := ParseDate(stringField(row, jsonDetectionKeys...)); ok {
		rec.DetectionDate = &t
	}
	if t, ok := ParseDate(stringField(row, jsonRemovalKeys...)); ok {
		rec.RemovalDate = &t
	}
	return rec, true
}

func stringField(row map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		case float64:
			return fmt.Sprintf("%v", s)
		default:
			return fmt.Sprintf("%v", s)
		}
	}
	return ""
}

func parseHTMLTables(body []byte) []core.ParsedRecord {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		slog.Debug("html parse failed", "logger", "regtech.parser", "error", err)
		return nil
	}

	var out []core.ParsedRecord
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		rows := table.Find("tr")
		if rows.Length() == 0 {
			return
		}

		var headers []string
		start := 0
		firstCells := cellTexts(rows.First())
		if looksLikeHeader(firstCells) {
			headers = firstCells
			start = 1
		}

		rows.Each(func(i int, row *goquery.Selection) {
			if i < start {
				return
			}
			cells := cellTexts(row)
			if rec, ok := recordFromCells(cells, headers); ok {
				out = append(out, rec)
			} else if len(cells) > 0 {
				slog.Debug("skipping unparseable row", "logger", "regtech.parser", "cells", len(cells))
			}
		})
	})
	return out
}

func cellTexts(row *goquery.Selection) []string {
	var cells []string
	row.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
		cells = append(cells, strings.TrimSpace(cell.Text()))
	})
	return cells
}

// looksLikeHeader treats a row as a header when it carries no IP and at
// least one cell matches a known column keyword.
func looksLikeHeader(cells []string) bool {
	if len(cells) == 0 {
		return false
	}
	keyword := false
	for _, c := range cells {
		if normalize.IsPublicIP(c) {
			return false
		}
		lower := strings.ToLower(c)
		for _, k := range headerKeywords {
			if strings.Contains(lower, k) {
				keyword = true
				break
			}
		}
	}
	return keyword
}

// recordFromCells extracts one record from a table row. Field mapping is
// heuristic: positional for the canonical five-column layout, then header
// keywords, then a positional date scan.
func recordFromCells(cells []string, headers []string) (core.ParsedRecord, bool) {
	ipIdx := -1
	for i, c := range cells {
		if normalize.IsPublicIP(c) {
			ipIdx = i
			break
		}
	}
	if ipIdx < 0 {
		return core.ParsedRecord{}, false
	}

	rec := core.ParsedRecord{
		IPAddress: cells[ipIdx],
		Raw: map[string]interface{}{
			"ip_address": cells[ipIdx],
			"cells":      toInterfaceSlice(cells),
		},
	}

	// Canonical layout: ip, country, reason, detection date, removal date.
	if ipIdx == 0 && len(cells) >= 5 {
		rec.Country = cells[1]
		rec.Reason = cells[2]
		if t, ok := ParseDate(cells[3]); ok {
			rec.DetectionDate = &t
		}
		if t, ok := ParseDate(cells[4]); ok {
			rec.RemovalDate = &t
		}
	}

	// Header keywords fill anything the positional pass left empty.
	for i, h := range headers {
		if i >= len(cells) || cells[i] == "" {
			continue
		}
		lower := strings.ToLower(h)
		switch {
		case rec.DetectionDate == nil && containsAny(lower, detectionKeywords):
			if t, ok := ParseDate(cells[i]); ok {
				rec.DetectionDate = &t
			}
		case rec.RemovalDate == nil && containsAny(lower, removalKeywords):
			if t, ok := ParseDate(cells[i]); ok {
				rec.RemovalDate = &t
			}
		case rec.Reason == "" && containsAny(lower, reasonKeywords):
			rec.Reason = cells[i]
		case rec.Country == "" && containsAny(lower, countryKeywords):
			rec.Country = cells[i]
		}
	}

	// Last resort: scan cells 1-5 for dates in order of appearance.
	if rec.DetectionDate == nil || rec.RemovalDate == nil {
		var found []time.Time
		for i := 1; i < len(cells) && i <= 5; i++ {
			if i == ipIdx {
				continue
			}
			if t, ok := ParseDate(cells[i]); ok {
				found = append(found, t)
			}
		}
		if rec.DetectionDate == nil && len(found) > 0 {
			rec.DetectionDate = &found[0]
		}
		if rec.RemovalDate == nil && len(found) > 1 {
			rec.RemovalDate = &found[1]
		}
	}

	return rec, true
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
