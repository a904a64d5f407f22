// Package validation checks generated artifacts for structural consistency
// before they are cached or delivered. The one defect class covered here is
// multi-part content whose part labels are not mirrored by its mark scheme.
package validation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/Affilience/genpipe/pkg/storage"
)

// Severity classifies how strongly an issue should influence delivery.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue codes.
const (
	CodePartMissingFromScheme = "PART_MISSING_FROM_SCHEME"
	CodeMultiPartNoLabels     = "MULTI_PART_NO_LABELS"
)

// Issue is one finding from a validation run. Issues are ephemeral; they
// inform the caching decision and may be attached to a delivered artifact,
// but are never persisted on their own.
type Issue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// PartConsistency is the outcome of one CheckPartConsistency run.
type PartConsistency struct {
	IsMultiPart  bool     `json:"is_multi_part"`
	ContentParts []string `json:"content_parts"`
	SchemeParts  []string `json:"scheme_parts"`
	Issues       []Issue  `json:"issues"`
}

// HasErrors reports whether any issue carries error severity.
func (r PartConsistency) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Part labels come in two shapes: parenthesized "(a)" and suffixed "a)" at
// the start of a line or after whitespace.
var partLabelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\(([a-j])\)`),
	regexp.MustCompile(`(?m)(?:^|\s)([a-j])\)`),
}

// extractPartLabels returns the distinct part labels found in text, sorted.
func extractPartLabels(text string) []string {
	var labels []string
	for _, pattern := range partLabelPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			if !slices.Contains(labels, match[1]) {
				labels = append(labels, match[1])
			}
		}
	}
	slices.Sort(labels)
	return labels
}

// CheckPartConsistency extracts part labels from the content and from the
// mark scheme lines and reports mismatches. Content with fewer than two
// distinct labels is single-part and trivially passes regardless of the
// scheme.
func CheckPartConsistency(content string, schemeLines []string) PartConsistency {
	result := PartConsistency{
		ContentParts: extractPartLabels(content),
	}

	if len(result.ContentParts) < 2 {
		result.ContentParts = nil
		return result
	}

	result.IsMultiPart = true
	result.SchemeParts = extractPartLabels(strings.Join(schemeLines, "\n"))

	if len(result.SchemeParts) == 0 {
		result.Issues = append(result.Issues, Issue{
			Code:     CodeMultiPartNoLabels,
			Message:  fmt.Sprintf("content has %d labeled parts but the mark scheme has no part labels at all", len(result.ContentParts)),
			Severity: SeverityError,
		})
		return result
	}

	for _, part := range result.ContentParts {
		if !slices.Contains(result.SchemeParts, part) {
			result.Issues = append(result.Issues, Issue{
				Code:     CodePartMissingFromScheme,
				Message:  fmt.Sprintf("content part (%s) has no matching mark scheme label", part),
				Severity: SeverityError,
			})
		}
	}

	return result
}

// CheckArtifact runs CheckPartConsistency over a generated artifact.
func CheckArtifact(artifact *storage.Artifact) PartConsistency {
	return CheckPartConsistency(artifact.Content, artifact.MarkScheme)
}
