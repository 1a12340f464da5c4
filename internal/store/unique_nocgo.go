//go:build !cgo

package store

func isCgoUniqueViolation(error) bool { return false }
