package models

import "time"

// Session is an exam session results are published under.
type Session struct {
	ID          int64
	Year        int
	ExamType    string
	Name        string
	IsPublished bool
}

// Institution is a school or exam center from ref_etablissements.
type Institution struct {
	ID     int64
	Code   string
	NameFr string
}

// Region is a wilaya from ref_wilayas.
type Region struct {
	ID     int64
	Code   string
	NameFr string
}

// Track is an exam series from ref_series.
type Track struct {
	ID       int64
	Code     string
	ExamType string
}

// ExamResult is one candidate's result. (NNI, SessionID) is unique.
// Pointer fields are nullable columns.
type ExamResult struct {
	ID              string
	SessionID       int64
	NNI             string
	FileNumber      *string
	FullNameFr      string
	FullNameAr      *string
	BirthPlace      *string
	BirthDate       *time.Time
	Sex             *string
	Average         *float64
	Decision        string
	Mention         *string
	RankInstitution *int
	RankRegion      *int
	RankNational    *int
	TrackID         *int64
	RegionID        *int64
	InstitutionID   *int64
	IsPublished     bool
	IsVerified      bool
}
