package models

import (
	"fmt"
	"math"
	"strings"
)

const (
	RubricTargetWeight    = 100.0
	RubricWeightTolerance = 1.0
)

// TotalWeight sums criterion weights.
func TotalWeight(criteria []RubricCriterion) float64 {
	total := 0.0
	for _, c := range criteria {
		total += c.Weight
	}
	return total
}

// ValidateCriteria enforces the rubric invariants: at least one criterion, unique
// non-empty names, positive weights, total within 100 ± 1.
func ValidateCriteria(criteria []RubricCriterion) error {
	if len(criteria) == 0 {
		return &ErrorResponse{
			Code:    "missing_criteria",
			Message: "Rubric requires at least one criterion",
		}
	}

	seen := make(map[string]bool, len(criteria))
	var details []ValidationErrorDetail
	for i, c := range criteria {
		name := strings.TrimSpace(c.Name)
		field := fmt.Sprintf("criteria[%d]", i)
		switch {
		case name == "":
			details = append(details, ValidationErrorDetail{Field: field + ".name", Reason: "name is required"})
		case seen[strings.ToLower(name)]:
			details = append(details, ValidationErrorDetail{Field: field + ".name", Reason: "duplicate criterion " + name})
		}
		seen[strings.ToLower(name)] = true
		if c.Weight <= 0 {
			details = append(details, ValidationErrorDetail{Field: field + ".weight", Reason: "weight must be positive"})
		}
	}
	if len(details) > 0 {
		return &ErrorResponse{
			Code:    "invalid_criteria",
			Message: "Rubric criteria are invalid",
			Details: details,
		}
	}

	total := TotalWeight(criteria)
	if math.Abs(total-RubricTargetWeight) > RubricWeightTolerance {
		return &ErrorResponse{
			Code:    "invalid_rubric_weights",
			Message: fmt.Sprintf("Weights must sum to 100, got %g", total),
		}
	}
	return nil
}
