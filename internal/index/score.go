package index

import (
	"math"

	"github.com/starford/ansuz/internal/models"
)

// Score weights.
const (
	titleMatchScore    = 100
	titlePrefixScore   = 50
	tagMatchScore      = 30
	contentMatchScore  = 20
	emptyQueryBase     = 10
	statusWeight       = 5
	confidenceWeight   = 3
	maxPopularityBonus = 25
)

// StatusPriority ranks active above draft above deprecated.
func StatusPriority(s models.AtomStatus) int {
	switch s {
	case models.AtomStatusActive:
		return 3
	case models.AtomStatusDraft:
		return 2
	case models.AtomStatusDeprecated:
		return 1
	}
	return 0
}

// ConfidencePriority ranks high above medium above low.
func ConfidencePriority(c models.Confidence) int {
	switch c {
	case models.ConfidenceHigh:
		return 3
	case models.ConfidenceMedium:
		return 2
	case models.ConfidenceLow:
		return 1
	}
	return 0
}

// PriorityScore is the status and confidence component of every score.
func PriorityScore(e models.IndexEntry) int {
	return statusWeight*StatusPriority(e.Status) + confidenceWeight*ConfidencePriority(e.Confidence)
}

// BaseScore is the score of an entry when the query is empty.
func BaseScore(e models.IndexEntry) int {
	return emptyQueryBase + PriorityScore(e)
}

// PopularityBonus grows logarithmically with popularity and caps at 25:
// 1 gives 5, 3 gives 10, 7 gives 15, 15 gives 20, 31 and above give 25.
func PopularityBonus(popularity int) int {
	if popularity <= 0 {
		return 0
	}
	bonus := int(math.Floor(5 * math.Log2(float64(popularity+1))))
	return min(maxPopularityBonus, bonus)
}
