// Package mapper turns raw sheet rows into exam results.
//
// Only the national identifier, the French full name and the decision are required. Every other
// column is parsed leniently: a value that cannot be parsed or resolved leaves the field empty
// instead of rejecting the row, since partial records are still searchable.
package mapper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"exam-results/internal/models"
	"exam-results/internal/reference"
	"exam-results/internal/sheet"
)

// Column names of the fixed row schema.
const (
	ColNNI             = "NNI"
	ColFileNumber      = "NODOSS"
	ColFullNameFr      = "NOMPL"
	ColFullNameAr      = "NOMPA"
	ColBirthPlace      = "LIEUN"
	ColBirthDate       = "DATN"
	ColSex             = "SEXE"
	ColDecision        = "Decision"
	ColMention         = "Mention"
	ColAverage         = "MOYBAC"
	ColAverageAlt      = "MOYG"
	ColTotal           = "Total"
	ColTrack           = "SERIE"
	ColRegion          = "WILAYA_FR"
	ColInstitution     = "Etablissement"
	ColRankInstitution = "RANG_ETAB"
	ColRankRegion      = "RANG_WILAYA"
	ColRankNational    = "RANG_NATIONAL"
)

// MinNNILength is the shortest accepted national identifier.
const MinNNILength = 10

// Average bounds, inclusive.
const (
	MinAverage = 0.0
	MaxAverage = 20.0
)

// ReasonMissingField is the reason of every rejection: a required value is absent or unusable.
const ReasonMissingField = "missing required field"

// Rejection explains why a row did not produce a result.
type Rejection struct {
	Row    int
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("row %d: %s (%s)", r.Row, r.Reason, r.Field)
}

// regionCodes maps wilaya names as written by exam centers to ref_wilayas codes.
var regionCodes = map[string]string{
	"hodh ech chargui":   "01",
	"hodh el gharbi":     "02",
	"assaba":             "03",
	"gorgol":             "04",
	"brakna":             "05",
	"trarza":             "06",
	"adrar":              "07",
	"dakhlet nouadhibou": "08",
	"tagant":             "09",
	"guidimakha":         "10",
	"tiris zemmour":      "11",
	"inchiri":            "12",
	"nouakchott":         "13",
	"nouakchott ouest":   "13",
	"nouakchott nord":    "14",
	"nouakchott sud":     "15",
}

// RegionCode resolves a wilaya name to its code.
func RegionCode(name string) (string, bool) {
	code, ok := regionCodes[strings.ToLower(strings.Join(strings.Fields(name), " "))]
	return code, ok
}

// Map validates row and builds the result it describes for sessionID.
// The returned error is always a *Rejection.
func Map(row sheet.Row, sessionID int64, refs *reference.Cache) (models.ExamResult, error) {
	r := models.ExamResult{
		SessionID:   sessionID,
		NNI:         row.Get(ColNNI),
		FullNameFr:  row.Get(ColFullNameFr),
		Decision:    row.Get(ColDecision),
		FileNumber:  optional(row.Get(ColFileNumber)),
		FullNameAr:  optional(row.Get(ColFullNameAr)),
		BirthPlace:  optional(row.Get(ColBirthPlace)),
		Mention:     optional(row.Get(ColMention)),
		IsPublished: true,
		IsVerified:  true,
	}

	switch {
	case r.NNI == "":
		return models.ExamResult{}, &Rejection{Row: row.Number, Field: ColNNI, Reason: ReasonMissingField}
	case utf8.RuneCountInString(r.NNI) < MinNNILength:
		field := fmt.Sprintf("%s shorter than %d characters", ColNNI, MinNNILength)
		return models.ExamResult{}, &Rejection{Row: row.Number, Field: field, Reason: ReasonMissingField}
	case r.FullNameFr == "":
		return models.ExamResult{}, &Rejection{Row: row.Number, Field: ColFullNameFr, Reason: ReasonMissingField}
	case r.Decision == "":
		return models.ExamResult{}, &Rejection{Row: row.Number, Field: ColDecision, Reason: ReasonMissingField}
	}

	if d, ok := ParseDate(row.Get(ColBirthDate)); ok {
		r.BirthDate = &d
	}
	if avg, ok := ParseAverage(firstNonEmpty(row.Get(ColAverage), row.Get(ColAverageAlt), row.Get(ColTotal))); ok {
		r.Average = &avg
	}
	r.Sex = parseSex(row.Get(ColSex))
	r.RankInstitution = parseRank(row.Get(ColRankInstitution))
	r.RankRegion = parseRank(row.Get(ColRankRegion))
	r.RankNational = parseRank(row.Get(ColRankNational))

	if refs != nil {
		if id, ok := refs.Track(row.Get(ColTrack)); ok {
			r.TrackID = &id
		}
		if code, ok := RegionCode(row.Get(ColRegion)); ok {
			if id, ok := refs.Region(code); ok {
				r.RegionID = &id
			}
		}
		if id, ok := refs.InstitutionByName(row.Get(ColInstitution)); ok {
			r.InstitutionID = &id
		}
	}
	return r, nil
}

var dateLayouts = []string{
	"2/1/06",
	"2/1/2006",
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// excelEpoch is day zero of spreadsheet serial dates.
var excelEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// ParseDate accepts dd/mm/yy, dd/mm/yyyy, ISO dates and spreadsheet serial day numbers.
func ParseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil && serial >= 1000 && serial < 2958466 {
		return excelEpoch.AddDate(0, 0, int(serial)), true
	}
	return time.Time{}, false
}

// ParseAverage accepts comma or dot decimals within [MinAverage, MaxAverage].
// Out-of-range values are treated as unparsable, not clamped.
func ParseAverage(v string) (float64, bool) {
	v = strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f < MinAverage || f > MaxAverage {
		return 0, false
	}
	return f, true
}

func parseSex(v string) *string {
	switch strings.ToUpper(v) {
	case "M", "H":
		s := "M"
		return &s
	case "F":
		s := "F"
		return &s
	}
	return nil
}

func parseRank(v string) *int {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSuffix(v, ".0"))
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
