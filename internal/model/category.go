package model

import (
	"fmt"
	"strings"
)

// Category identifies which kind of generation worker owns a task.
type Category string

const (
	CategoryDesign         Category = "design"
	CategoryFrontend       Category = "frontend"
	CategoryBackend        Category = "backend"
	CategoryInfrastructure Category = "infrastructure"
	CategoryTest           Category = "test"
	CategorySecurity       Category = "security"
)

var allCategories = []Category{
	CategoryDesign,
	CategoryFrontend,
	CategoryBackend,
	CategoryInfrastructure,
	CategoryTest,
	CategorySecurity,
}

// Categories returns every known category in a stable order.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

func (c Category) Valid() bool {
	for _, k := range allCategories {
		if c == k {
			return true
		}
	}
	return false
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// DefaultConcurrency is the per-category in-flight limit used when the
// configuration leaves a category unset.
func DefaultConcurrency(c Category) int {
	switch c {
	case CategoryFrontend, CategoryBackend, CategoryTest:
		return 3
	case CategoryInfrastructure, CategorySecurity:
		return 2
	default:
		return 1
	}
}
