package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAuthoredRangeMonthPrecision(t *testing.T) {
	clause, err := buildAuthoredRange("2025-03", "2025-06")
	require.NoError(t, err)
	require.NotNil(t, clause)

	bounds := clause["range"].(map[string]interface{})["authored_at"].(map[string]interface{})
	// 月精度：起点取当月第一天，终点覆盖整月（开区间）
	assert.Equal(t, "2025-03-01", bounds["gte"])
	assert.Equal(t, "2025-07-01", bounds["lt"])
}

func TestBuildAuthoredRangeDayPrecision(t *testing.T) {
	clause, err := buildAuthoredRange("2025-03-15", "2025-03-20")
	require.NoError(t, err)

	bounds := clause["range"].(map[string]interface{})["authored_at"].(map[string]interface{})
	assert.Equal(t, "2025-03-15", bounds["gte"])
	assert.Equal(t, "2025-03-21", bounds["lt"])
}

func TestBuildAuthoredRangeEqualBoundsIsExactMatch(t *testing.T) {
	// 起止相同的月份覆盖整月
	clause, err := buildAuthoredRange("2025-03", "2025-03")
	require.NoError(t, err)
	bounds := clause["range"].(map[string]interface{})["authored_at"].(map[string]interface{})
	assert.Equal(t, "2025-03-01", bounds["gte"])
	assert.Equal(t, "2025-04-01", bounds["lt"])

	// 起止相同的日期覆盖当天
	clause, err = buildAuthoredRange("2025-03-15", "2025-03-15")
	require.NoError(t, err)
	bounds = clause["range"].(map[string]interface{})["authored_at"].(map[string]interface{})
	assert.Equal(t, "2025-03-15", bounds["gte"])
	assert.Equal(t, "2025-03-16", bounds["lt"])
}

func TestBuildAuthoredRangeOpenEnded(t *testing.T) {
	clause, err := buildAuthoredRange("2025-01", "")
	require.NoError(t, err)
	bounds := clause["range"].(map[string]interface{})["authored_at"].(map[string]interface{})
	assert.Equal(t, "2025-01-01", bounds["gte"])
	_, hasUpper := bounds["lt"]
	assert.False(t, hasUpper)

	clause, err = buildAuthoredRange("", "2025-01-31")
	require.NoError(t, err)
	bounds = clause["range"].(map[string]interface{})["authored_at"].(map[string]interface{})
	_, hasLower := bounds["gte"]
	assert.False(t, hasLower)
	assert.Equal(t, "2025-02-01", bounds["lt"])
}

func TestBuildAuthoredRangeEmptyAndInvalid(t *testing.T) {
	clause, err := buildAuthoredRange("", "")
	require.NoError(t, err)
	assert.Nil(t, clause)

	_, err = buildAuthoredRange("March 2025", "")
	assert.Error(t, err)

	_, err = buildAuthoredRange("2025-13", "")
	assert.Error(t, err)

	_, err = buildAuthoredRange("", "2025-02-30")
	assert.Error(t, err)
}
