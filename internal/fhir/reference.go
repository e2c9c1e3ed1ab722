package fhir

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedReference is returned by ParseReference for input that is not
// of the form "[<base>/]<ResourceType>/<id>[/_history/<version>]".
var ErrMalformedReference = errors.New("malformed reference")

// Reference identifies a resource by type and id.
type Reference struct {
	ResourceType string
	ID           string
}

// NewReference builds a Reference from its parts.
func NewReference(resourceType, id string) Reference {
	return Reference{ResourceType: resourceType, ID: id}
}

// ParseReference parses a literal reference such as "Slot/S1" or an
// absolute one such as "https://api.medplum.com/fhir/R4/Slot/S1", which
// keeps only its type and id. A trailing "/_history/<version>" is accepted
// and dropped.
func ParseReference(s string) (Reference, error) {
	trimmed := strings.TrimSpace(s)
	parts := strings.Split(trimmed, "/")

	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil || u.Host == "" {
			return Reference{}, fmt.Errorf("%w: %q", ErrMalformedReference, s)
		}
		parts = tail(strings.Split(strings.Trim(u.Path, "/"), "/"))
	}

	switch {
	case len(parts) == 2:
	case len(parts) == 4 && parts[2] == "_history" && parts[3] != "":
	default:
		return Reference{}, fmt.Errorf("%w: %q", ErrMalformedReference, s)
	}

	ref := Reference{ResourceType: parts[0], ID: parts[1]}
	if ref.ResourceType == "" || ref.ID == "" {
		return Reference{}, fmt.Errorf("%w: %q", ErrMalformedReference, s)
	}
	return ref, nil
}

// tail returns the "<type>/<id>" or "<type>/<id>/_history/<version>"
// segments at the end of an absolute reference path.
func tail(parts []string) []string {
	n := len(parts)
	if n >= 4 && parts[n-2] == "_history" {
		return parts[n-4:]
	}
	if n >= 2 {
		return parts[n-2:]
	}
	return parts
}

// String formats the reference as "<ResourceType>/<id>".
func (r Reference) String() string {
	return r.ResourceType + "/" + r.ID
}

// IsZero reports whether the reference is empty.
func (r Reference) IsZero() bool {
	return r.ResourceType == "" && r.ID == ""
}

// Is reports whether the reference points at the given resource type.
func (r Reference) Is(resourceType string) bool {
	return r.ResourceType == resourceType
}
