package importer

import (
	"strings"

	"backer-import/internal/models"
)

// Source statuses that mean the payment was collected. Kickstarter reports
// collected/paid, Indiegogo completed/shipped.
var collectedStatuses = map[string]bool{
	"collected": true,
	"paid":      true,
	"completed": true,
	"shipped":   true,
}

// ParseSurveyStatus collapses a free-text source status into collected or errored
func ParseSurveyStatus(status string) models.SurveyStatus {
	if collectedStatuses[strings.ToLower(strings.TrimSpace(status))] {
		return models.SurveyStatusCollected
	}
	return models.SurveyStatusErrored
}
