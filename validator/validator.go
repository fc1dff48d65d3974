package validator

import (
	"fmt"
	"math"
)

// Validator 表示数据验证器接口
type Validator interface {
	// Validate 验证数据
	Validate(field string, value float64) error
}

// RangeValidator 表示范围验证器
type RangeValidator struct {
	Min float64
	Max float64
	// ExclusiveMin rejects values equal to Min.
	ExclusiveMin bool
}

// Validate 验证数据字段是否在指定范围内
func (rv RangeValidator) Validate(field string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("field %s is not a finite number", field)
	}

	if value < rv.Min || value > rv.Max || (rv.ExclusiveMin && value == rv.Min) {
		return fmt.Errorf("field %s value %g is outside range [%g, %g]", field, value, rv.Min, rv.Max)
	}

	return nil
}

// Range returns an inclusive range validator.
func Range(min, max float64) Validator {
	return RangeValidator{Min: min, Max: max}
}

// Positive returns a validator accepting (0, max].
func Positive(max float64) Validator {
	return RangeValidator{Min: 0, Max: max, ExclusiveMin: true}
}

// All runs validators in order and returns the first failure.
func All(field string, value float64, validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(field, value); err != nil {
			return err
		}
	}
	return nil
}
