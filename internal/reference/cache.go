// Package reference loads the lookup tables rows are resolved against.
package reference

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"exam-results/internal/models"
)

// Reader reads reference tables.
type Reader interface {
	ListInstitutions(ctx context.Context) ([]models.Institution, error)
	ListRegions(ctx context.Context) ([]models.Region, error)
	ListTracks(ctx context.Context, examType string) ([]models.Track, error)
}

// LoadError reports that a reference table could not be read.
type LoadError struct {
	Table string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load reference table %s: %v", e.Table, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type institution struct {
	id    int64
	code  string
	lower string
}

// Cache is an immutable snapshot of reference data for one exam type.
type Cache struct {
	examType     string
	institutions []institution
	regions      map[string]int64
	tracks       map[string]int64
}

// Load reads each reference table once. Any failure discards the whole snapshot.
func Load(ctx context.Context, r Reader, examType string) (*Cache, error) {
	insts, err := r.ListInstitutions(ctx)
	if err != nil {
		return nil, &LoadError{Table: "ref_etablissements", Err: err}
	}
	regions, err := r.ListRegions(ctx)
	if err != nil {
		return nil, &LoadError{Table: "ref_wilayas", Err: err}
	}
	tracks, err := r.ListTracks(ctx, examType)
	if err != nil {
		return nil, &LoadError{Table: "ref_series", Err: err}
	}
	return New(examType, insts, regions, tracks), nil
}

// New builds a cache from already loaded rows.
func New(examType string, insts []models.Institution, regions []models.Region, tracks []models.Track) *Cache {
	c := &Cache{
		examType:     examType,
		institutions: make([]institution, 0, len(insts)),
		regions:      make(map[string]int64, len(regions)),
		tracks:       make(map[string]int64, len(tracks)),
	}
	for _, i := range insts {
		c.institutions = append(c.institutions, institution{id: i.ID, code: i.Code, lower: strings.ToLower(i.NameFr)})
	}
	// Name matching takes the first hit, so iteration order must not depend on the reader.
	sort.SliceStable(c.institutions, func(a, b int) bool { return c.institutions[a].code < c.institutions[b].code })
	for _, r := range regions {
		c.regions[r.Code] = r.ID
	}
	for _, t := range tracks {
		if examType != "" && t.ExamType != "" && t.ExamType != examType {
			continue
		}
		c.tracks[t.Code] = t.ID
	}
	return c
}

// ExamType returns the exam type the snapshot was loaded for.
func (c *Cache) ExamType() string {
	return c.examType
}

// Track resolves a series code.
func (c *Cache) Track(code string) (int64, bool) {
	id, ok := c.tracks[code]
	return id, ok
}

// Region resolves a wilaya code.
func (c *Cache) Region(code string) (int64, bool) {
	id, ok := c.regions[code]
	return id, ok
}

// InstitutionByName returns the first institution, in code order, whose French name contains
// name case-insensitively.
func (c *Cache) InstitutionByName(name string) (int64, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return 0, false
	}
	for _, i := range c.institutions {
		if strings.Contains(i.lower, needle) {
			return i.id, true
		}
	}
	return 0, false
}

// Sizes reports how many entries each table contributed.
func (c *Cache) Sizes() (institutions, regions, tracks int) {
	return len(c.institutions), len(c.regions), len(c.tracks)
}
