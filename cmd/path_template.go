package cmd

import (
	"strconv"
	"strings"
)

// PathTemplate provides functionality to generate remote object paths from templates
type PathTemplate struct {
	template string
}

// NewPathTemplate creates a new PathTemplate instance
func NewPathTemplate(template string) *PathTemplate {
	return &PathTemplate{template: template}
}

// Generate replaces placeholders in the template with actual values.
// Supports: {period}, {shard}, {fingerprint}
//
// The path is deterministic per identity: uploading the same item twice
// targets the same remote object, which keeps retries idempotent.
func (pt *PathTemplate) Generate(period int, fingerprint string) string {
	result := pt.template

	result = strings.ReplaceAll(result, "{period}", strconv.Itoa(period))
	result = strings.ReplaceAll(result, "{shard}", shard(fingerprint))
	result = strings.ReplaceAll(result, "{fingerprint}", fingerprint)

	return result
}

// shard returns the two-character fan-out directory for a fingerprint,
// keeping remote folders from growing unbounded.
func shard(fingerprint string) string {
	if len(fingerprint) < 2 {
		return "00"
	}
	return fingerprint[:2]
}
