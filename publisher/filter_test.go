package publisher

import (
	"testing"

	"github.com/maxpert/quorumkeeper/coordinator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcomeFor(namespace, deployment string, result coordinator.Result) coordinator.Outcome {
	return coordinator.Outcome{Namespace: namespace, Deployment: deployment, Result: result}
}

func TestNewGlobFilter(t *testing.T) {
	filter, err := NewGlobFilter([]string{"prod", "staging"}, []string{"mongo"}, false)
	require.NoError(t, err)

	assert.Len(t, filter.namespaceGlobs, 2)
	assert.Len(t, filter.deploymentGlobs, 1)
}

func TestGlobFilterEmptyPatterns(t *testing.T) {
	filter, err := NewGlobFilter(nil, nil, false)
	require.NoError(t, err)

	assert.True(t, filter.Match(outcomeFor("any", "thing", coordinator.ResultSuccess)))
	assert.True(t, filter.Match(outcomeFor("", "", coordinator.ResultFailed)))
}

func TestGlobFilterPatterns(t *testing.T) {
	filter, err := NewGlobFilter([]string{"prod-*", "staging"}, []string{"mongo*"}, false)
	require.NoError(t, err)

	tests := []struct {
		namespace  string
		deployment string
		want       bool
	}{
		{"prod-eu", "mongo", true},
		{"staging", "mongo-analytics", true},
		{"prod", "mongo", false},
		{"dev", "mongo", false},
		{"prod-us", "postgres", false},
	}

	for _, tt := range tests {
		got := filter.Match(outcomeFor(tt.namespace, tt.deployment, coordinator.ResultSuccess))
		assert.Equal(t, tt.want, got, "%s/%s", tt.namespace, tt.deployment)
	}
}

func TestGlobFilterOnlyFailures(t *testing.T) {
	filter, err := NewGlobFilter(nil, nil, true)
	require.NoError(t, err)

	assert.True(t, filter.Match(outcomeFor("default", "mongo", coordinator.ResultFailed)))
	assert.False(t, filter.Match(outcomeFor("default", "mongo", coordinator.ResultSuccess)))
	assert.False(t, filter.Match(outcomeFor("default", "mongo", coordinator.ResultDeferred)))
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[invalid"}, nil, false)
	assert.Error(t, err)

	_, err = NewGlobFilter(nil, []string{"[invalid"}, false)
	assert.Error(t, err)
}
