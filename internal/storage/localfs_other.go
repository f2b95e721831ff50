//go:build !darwin && !linux

package storage

func fsTypeOf(string) (string, error) { return "", errDetectUnsupported }
