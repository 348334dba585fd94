// Package partition defines how collection names and group scoping compose across catalog operations.
package partition

import (
	"fmt"
	"strings"

	"github.com/hyperjump/mirip/internal/models"
)

// DefaultCollection is used when neither the caller nor the config names a collection.
const DefaultCollection = "default"

const maxNameLength = 255

// Scope is the (collection, group) pair an operation runs against. An empty Group means unscoped:
// the operation sees every record in the collection.
type Scope struct {
	Collection string
	Group      string
}

// Scoped reports whether the scope carries a group predicate.
func (s Scope) Scoped() bool {
	return s.Group != ""
}

// Matches reports whether a record carrying recordGroup is visible in s.
func (s Scope) Matches(recordGroup string) bool {
	return s.Group == "" || s.Group == recordGroup
}

// Policy resolves caller-supplied collection names.
type Policy struct {
	defaultCollection string
}

// NewPolicy returns a policy whose fallback collection is defaultCollection
// (DefaultCollection when empty).
func NewPolicy(defaultCollection string) *Policy {
	if strings.TrimSpace(defaultCollection) == "" {
		defaultCollection = DefaultCollection
	}
	return &Policy{defaultCollection: defaultCollection}
}

// Default returns the fallback collection name.
func (p *Policy) Default() string {
	return p.defaultCollection
}

// Collection returns name, or the default collection when name is blank. The result is validated.
func (p *Policy) Collection(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = p.defaultCollection
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// Scope resolves the collection name and pairs it with group. Group is taken verbatim apart from
// surrounding whitespace; it never changes which collection is targeted.
func (p *Policy) Scope(collection, group string) (Scope, error) {
	name, err := p.Collection(collection)
	if err != nil {
		return Scope{}, err
	}
	return Scope{Collection: name, Group: strings.TrimSpace(group)}, nil
}

// ValidateName checks a collection name: 1-255 characters, letters, digits and underscores,
// not starting with a digit.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name is empty", models.ErrInvalidInput)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: collection name longer than %d characters", models.ErrInvalidInput, maxNameLength)
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("%w: collection name %q must use letters, digits and underscores and not start with a digit", models.ErrInvalidInput, name)
		}
	}
	return nil
}
