// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	n := utils.AtoiDefault("42", 0) // returns 42
//	n = utils.AtoiDefault("", 10)   // returns 10
//	n = utils.AtoiDefault("x", 5)   // returns 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page turns raw page/page_size query values into a 1-based page, a page
// size in [1, maxSize] and the matching row offset.
func Page(pageStr, sizeStr string, defSize, maxSize int) (page, size, offset int) {
	page = AtoiDefault(pageStr, 1)
	if page < 1 {
		page = 1
	}
	size = AtoiDefault(sizeStr, defSize)
	if size <= 0 {
		size = defSize
	}
	if maxSize > 0 && size > maxSize {
		size = maxSize
	}
	return page, size, (page - 1) * size
}
