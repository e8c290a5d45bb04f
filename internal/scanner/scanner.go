// Package scanner finds candidate duplicate users, properties and KYC
// documents and scores each group for operator triage.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/dupehub/internal/db"
	"horse.fit/dupehub/internal/duplicates"
	"horse.fit/dupehub/internal/globaltime"
	"horse.fit/dupehub/internal/logging"
)

// Source reads the collections the scanner groups.
type Source interface {
	ListUsersForScan(ctx context.Context) ([]db.User, error)
	ListPropertiesForScan(ctx context.Context) ([]db.Property, error)
	ListDocumentsForScan(ctx context.Context) ([]db.KYCDocument, error)
}

type Options struct {
	// EntityType limits the scan to one kind. Empty scans all kinds.
	EntityType    duplicates.EntityType
	MinConfidence int
}

// Suggestion is one candidate duplicate group.
type Suggestion struct {
	EntityType duplicates.EntityType       `json:"entity_type"`
	Key        string                      `json:"key"`
	Reason     string                      `json:"reason"`
	Confidence int                         `json:"confidence"`
	Primary    duplicates.RecordSnapshot   `json:"primary"`
	Duplicates []duplicates.RecordSnapshot `json:"duplicates"`
	Signals    duplicates.Signals          `json:"signals"`
	Smart      Smart                       `json:"smart"`
}

// Smart orders suggestions for triage. It is derived on every scan and never
// stored.
type Smart struct {
	Severity          string `json:"severity"`
	PriorityScore     int    `json:"priority_score"`
	StaleDays         int    `json:"stale_days"`
	RecommendedAction string `json:"recommended_action"`
}

// Result holds the groups of every kind that scanned cleanly. A kind that
// failed appears in Errors and is absent from Totals.
type Result struct {
	Groups    []Suggestion                     `json:"groups"`
	Totals    map[duplicates.EntityType]int    `json:"totals"`
	Errors    map[duplicates.EntityType]string `json:"errors,omitempty"`
	ScannedAt time.Time                        `json:"scanned_at"`
}

type Scanner struct {
	source Source
	logger zerolog.Logger
}

func New(source Source, logger zerolog.Logger) *Scanner {
	return &Scanner{
		source: source,
		logger: logging.Component(logger, "scanner"),
	}
}

func (s *Scanner) Scan(ctx context.Context, opts Options) (*Result, error) {
	if s == nil || s.source == nil {
		return nil, fmt.Errorf("scanner is not initialized")
	}
	if opts.MinConfidence < 0 || opts.MinConfidence > 100 {
		return nil, duplicates.NewValidationError("min_confidence", "must be between 0 and 100")
	}

	kinds := duplicates.AllEntityTypes
	if opts.EntityType != "" {
		kinds = []duplicates.EntityType{opts.EntityType}
	}

	now := globaltime.UTC()
	result := &Result{
		Groups:    make([]Suggestion, 0),
		Totals:    make(map[duplicates.EntityType]int, len(kinds)),
		Errors:    make(map[duplicates.EntityType]string),
		ScannedAt: now,
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		g.Go(func() error {
			started := time.Now()
			groups, err := s.scanKind(gctx, kind)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.logger.Warn().Err(err).Str("entity_type", string(kind)).Msg("Scan failed for entity type")
				mu.Lock()
				result.Errors[kind] = err.Error()
				mu.Unlock()
				return nil
			}

			kept := make([]Suggestion, 0, len(groups))
			for _, group := range groups {
				if group.Confidence < opts.MinConfidence {
					continue
				}
				group.Smart = smartBlock(group, now)
				kept = append(kept, group)
			}

			s.logger.Debug().
				Str("entity_type", string(kind)).
				Int("groups", len(kept)).
				Dur("elapsed", time.Since(started)).
				Msg("Scanned entity type")

			mu.Lock()
			result.Groups = append(result.Groups, kept...)
			result.Totals[kind] = len(kept)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan duplicates: %w", err)
	}

	sortSuggestions(result.Groups)
	return result, nil
}

func (s *Scanner) scanKind(ctx context.Context, kind duplicates.EntityType) ([]Suggestion, error) {
	switch kind {
	case duplicates.EntityUser:
		users, err := s.source.ListUsersForScan(ctx)
		if err != nil {
			return nil, err
		}
		return groupUsers(users), nil
	case duplicates.EntityProperty:
		properties, err := s.source.ListPropertiesForScan(ctx)
		if err != nil {
			return nil, err
		}
		return groupProperties(properties), nil
	case duplicates.EntityKYCDocument:
		documents, err := s.source.ListDocumentsForScan(ctx)
		if err != nil {
			return nil, err
		}
		return groupDocuments(documents), nil
	}
	return nil, fmt.Errorf("unsupported entity type %q", kind)
}

func sortSuggestions(groups []Suggestion) {
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Smart.PriorityScore != groups[j].Smart.PriorityScore {
			return groups[i].Smart.PriorityScore > groups[j].Smart.PriorityScore
		}
		if groups[i].EntityType != groups[j].EntityType {
			return groups[i].EntityType < groups[j].EntityType
		}
		return groups[i].Key < groups[j].Key
	})
}

// newSuggestion orders the records oldest first and makes the oldest the
// primary.
func newSuggestion(kind duplicates.EntityType, key string, matches []duplicates.Match, records []duplicates.RecordSnapshot, signals duplicates.Signals) Suggestion {
	sort.SliceStable(records, func(i, j int) bool {
		ci, cj := records[i].CreatedAt(), records[j].CreatedAt()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return records[i].ID() < records[j].ID()
	})
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].Rule != matches[j].Rule {
			return matches[i].Rule < matches[j].Rule
		}
		return matches[i].Value < matches[j].Value
	})

	confidence := 0
	reasons := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		confidence = max(confidence, m.Confidence)
		if _, ok := seen[m.Rule]; ok {
			continue
		}
		seen[m.Rule] = struct{}{}
		reasons = append(reasons, ruleReasons[m.Rule])
	}

	signals.Kind = kind
	signals.Matches = matches

	return Suggestion{
		EntityType: kind,
		Key:        key,
		Reason:     strings.Join(reasons, "; "),
		Confidence: min(confidence, 100),
		Primary:    records[0],
		Duplicates: records[1:],
		Signals:    signals,
	}
}

var ruleReasons = map[string]string{
	ruleCitizenship:    "same citizenship number",
	ruleEmail:          "same email address",
	rulePhoneName:      "same phone number with a similar name",
	ruleTitleLocation:  "same title and location under one owner",
	ruleSimilarTitle:   "similar title at the same location under one owner",
	ruleDocumentHash:   "identical document across users",
	ruleDocCitizenship: "citizenship number shared across users",
}

// bucketize maps a normalized value to the record indexes sharing it.
// Empty values are skipped.
func bucketize(n int, valueOf func(i int) string) map[string][]int {
	buckets := make(map[string][]int)
	for i := 0; i < n; i++ {
		value := valueOf(i)
		if value == "" {
			continue
		}
		buckets[value] = append(buckets[value], i)
	}
	return buckets
}

func sortedKeys(buckets map[string][]int) []string {
	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
