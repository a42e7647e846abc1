// Package fleet is the target registry: hosts, their tags and groups, and
// the inventory that holds them in declaration order.
package fleet

import (
	"fmt"
	"regexp"
	"strings"
)

// Tag is a label attached to hosts for selection.
type Tag string

// tagPattern validates tag names: lowercase alphanumeric with hyphens or
// underscores, max 64 chars.
var tagPattern = regexp.MustCompile(`^[a-z]([a-z0-9_-]{0,62}[a-z0-9])?$`)

// NewTag creates a new tag, validating the format.
func NewTag(name string) (Tag, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("tag name cannot be empty")
	}
	if !tagPattern.MatchString(name) {
		return "", fmt.Errorf("invalid tag name %q: must be lowercase alphanumeric with hyphens, 1-64 chars", name)
	}
	return Tag(name), nil
}

// String returns the tag name.
func (t Tag) String() string {
	return string(t)
}

// Tags is an ordered set of tags. Order is the order of first declaration.
type Tags []Tag

// NewTags creates a Tags set from names, dropping duplicates.
func NewTags(names ...string) (Tags, error) {
	tags := make(Tags, 0, len(names))
	for _, name := range names {
		tag, err := NewTag(name)
		if err != nil {
			return nil, err
		}
		if !tags.Contains(tag) {
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

// Contains checks if a tag is in the set.
func (t Tags) Contains(tag Tag) bool {
	for _, existing := range t {
		if existing == tag {
			return true
		}
	}
	return false
}

// ContainsAny checks if any of the given tags are in the set.
func (t Tags) ContainsAny(tags Tags) bool {
	for _, tag := range tags {
		if t.Contains(tag) {
			return true
		}
	}
	return false
}

// ContainsAll checks if all given tags are in the set.
func (t Tags) ContainsAll(tags Tags) bool {
	for _, tag := range tags {
		if !t.Contains(tag) {
			return false
		}
	}
	return true
}

// Strings returns the tags as a slice of strings.
func (t Tags) Strings() []string {
	result := make([]string, len(t))
	for i, tag := range t {
		result[i] = tag.String()
	}
	return result
}

// Union returns a new set with the tags of t followed by the new tags of other.
func (t Tags) Union(other Tags) Tags {
	result := make(Tags, len(t), len(t)+len(other))
	copy(result, t)
	for _, tag := range other {
		if !result.Contains(tag) {
			result = append(result, tag)
		}
	}
	return result
}
