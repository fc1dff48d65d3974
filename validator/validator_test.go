package validator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeValidator(t *testing.T) {
	battery := Range(0, 100)

	assert.NoError(t, battery.Validate("LEVEL", 0))
	assert.NoError(t, battery.Validate("LEVEL", 87))
	assert.NoError(t, battery.Validate("LEVEL", 100))
	assert.Error(t, battery.Validate("LEVEL", -1))
	assert.Error(t, battery.Validate("LEVEL", 101))
	assert.Error(t, battery.Validate("LEVEL", math.NaN()))
	assert.Error(t, battery.Validate("LEVEL", math.Inf(1)))
}

func TestPositive(t *testing.T) {
	weight := Positive(500)

	assert.Error(t, weight.Validate("WEIGHT_KG", 0))
	assert.NoError(t, weight.Validate("WEIGHT_KG", 72.4))
	assert.Error(t, weight.Validate("WEIGHT_KG", 501))
}

func TestAll(t *testing.T) {
	err := All("HEART_RATE", 255, Range(0, 300), Range(1, 254))
	assert.ErrorContains(t, err, "HEART_RATE")
	assert.NoError(t, All("HEART_RATE", 72, Range(0, 300), Range(1, 254)))
	assert.NoError(t, All("HEART_RATE", 72))
}
