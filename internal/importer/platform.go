package importer

import "backer-import/internal/models"

// DetectPlatform infers the export format from the header row using the built-in table
func DetectPlatform(headers []string) models.Platform {
	return DefaultAliases().DetectPlatform(headers)
}

// DetectPlatform returns Indiegogo only when perk markers are present and reward markers are not.
// Every other combination resolves to Kickstarter.
func (t *AliasTable) DetectPlatform(headers []string) models.Platform {
	hasReward := anyHeader(headers, t.Platforms.Kickstarter)
	hasPerk := anyHeader(headers, t.Platforms.Indiegogo)

	if hasPerk && !hasReward {
		return models.PlatformIndiegogo
	}
	return models.PlatformKickstarter
}

func anyHeader(headers, markers []string) bool {
	for _, h := range headers {
		if contains(markers, h) {
			return true
		}
	}
	return false
}
