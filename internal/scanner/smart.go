package scanner

import (
	"time"

	"horse.fit/dupehub/internal/duplicates"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"

	ActionMerge   = "merge"
	ActionReview  = "review"
	ActionMonitor = "monitor"
)

const (
	extraDuplicateBonus    = 5
	maxExtraDuplicateBonus = 20
	staleDaysPerPoint      = 3
	maxStalenessBonus      = 10
)

func smartBlock(s Suggestion, now time.Time) Smart {
	newest := s.Primary.CreatedAt()
	for _, d := range s.Duplicates {
		if created := d.CreatedAt(); created.After(newest) {
			newest = created
		}
	}
	staleDays := 0
	if !newest.IsZero() && now.After(newest) {
		staleDays = int(now.Sub(newest).Hours() / 24)
	}

	extra := max(len(s.Duplicates)-1, 0)
	priority := s.Confidence +
		min(extra*extraDuplicateBonus, maxExtraDuplicateBonus) +
		min(staleDays/staleDaysPerPoint, maxStalenessBonus)

	return Smart{
		Severity:          severityFor(s.Confidence),
		PriorityScore:     priority,
		StaleDays:         staleDays,
		RecommendedAction: recommendedAction(s.EntityType, s.Confidence),
	}
}

func severityFor(confidence int) string {
	switch {
	case confidence >= 90:
		return SeverityCritical
	case confidence >= 75:
		return SeverityHigh
	case confidence >= 50:
		return SeverityMedium
	}
	return SeverityLow
}

// recommendedAction only proposes a merge for users; properties and
// documents have no merge path.
func recommendedAction(kind duplicates.EntityType, confidence int) string {
	switch {
	case kind == duplicates.EntityUser && confidence >= 90:
		return ActionMerge
	case confidence >= 60:
		return ActionReview
	}
	return ActionMonitor
}
