package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSinglePartContentPasses(t *testing.T) {
	result := CheckPartConsistency(
		"Solve 3x + 4 = 19.",
		[]string{"M1 for rearranging", "A1 for x = 5"},
	)

	require.False(t, result.IsMultiPart)
	require.Empty(t, result.Issues)
	require.False(t, result.HasErrors())
}

func TestMultiPartWithMatchingSchemePasses(t *testing.T) {
	result := CheckPartConsistency(
		"(a) Factorise x^2 - 9. (b) Hence solve x^2 - 9 = 0.",
		[]string{"a) M1 for difference of two squares", "b) A1 for x = ±3"},
	)

	require.True(t, result.IsMultiPart)
	require.Equal(t, []string{"a", "b"}, result.ContentParts)
	require.Equal(t, []string{"a", "b"}, result.SchemeParts)
	require.Empty(t, result.Issues)
}

func TestMissingPartReported(t *testing.T) {
	result := CheckPartConsistency(
		"(a) State the gradient. (b) Find the intercept. (c) Sketch the line.",
		[]string{"a) B1 gradient is 2", "b) B1 intercept is -1"},
	)

	require.True(t, result.HasErrors())
	require.Len(t, result.Issues, 1)
	require.Equal(t, CodePartMissingFromScheme, result.Issues[0].Code)
	require.Contains(t, result.Issues[0].Message, "(c)")
}

func TestSchemeWithoutAnyLabels(t *testing.T) {
	result := CheckPartConsistency(
		"(a) Differentiate y = x^3. (b) Evaluate dy/dx at x = 2.",
		[]string{"M1 for power rule", "A1 for 12"},
	)

	require.True(t, result.HasErrors())
	require.Len(t, result.Issues, 1)
	require.Equal(t, CodeMultiPartNoLabels, result.Issues[0].Code)
}

func TestSuffixedLabelsRecognized(t *testing.T) {
	result := CheckPartConsistency(
		"a) Compute the mean. b) Compute the median.",
		[]string{"(a) B1", "(b) B1"},
	)

	require.True(t, result.IsMultiPart)
	require.Empty(t, result.Issues)
}

func TestRepeatedLabelsCountedOnce(t *testing.T) {
	result := CheckPartConsistency(
		"(a) First ask. Later, part (a) continues. (b) Second ask.",
		[]string{"a) M1", "b) A1"},
	)

	require.Equal(t, []string{"a", "b"}, result.ContentParts)
	require.Empty(t, result.Issues)
}

func TestOneLabelIsNotMultiPart(t *testing.T) {
	result := CheckPartConsistency(
		"(a) Only one labeled part here.",
		nil,
	)

	require.False(t, result.IsMultiPart)
	require.Empty(t, result.Issues)
}
