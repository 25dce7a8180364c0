/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"errors"
	"fmt"

	"github.com/flowlanding/ipfix/iana/version"
)

var (
	ErrTemplateNotFound error = errors.New("template not found")
	ErrUnknownVersion   error = errors.New("unknown version")
	ErrUnknownFlowId    error = errors.New("unknown flow id")
	ErrRecursionLimit   error = errors.New("exceeded maximum nesting depth for structured data types")
	ErrEmptyMessage     error = errors.New("message length must not be zero")
	ErrMalformedSet     error = errors.New("malformed set")

	// ErrTemplateIdCollision is returned when a template id is installed into an
	// observation domain's regular template table while it is already bound in
	// that direction's options template table, or vice versa.
	ErrTemplateIdCollision error = errors.New("template id collision between template and options template tables")

	// ErrConstraintViolation is returned when a field value falls outside the
	// range or choose-set constraints declared on its information element.
	ErrConstraintViolation error = errors.New("value violates information element constraint")

	// ErrConfig is returned for validation failures at configure time for an
	// Exporter or Collector.
	ErrConfig error = errors.New("invalid configuration")

	// ErrTransport wraps errors surfaced by the underlying datagram socket.
	ErrTransport error = errors.New("transport error")

	ErrInvalidTemplateId error = errors.New("template id must be in [256, 65535]")
	ErrInvalidFieldCount error = errors.New("field count must not be zero")
	ErrInvalidScopeCount error = errors.New("scope field count must be in [1, field count]")
	ErrInvalidSetId      error = errors.New("set id is reserved")

	// ErrInvalidSemantic is returned when a basicList or subTemplateList
	// header carries a structured data type semantic outside the set defined
	// by RFC 6313 section 4.1.
	ErrInvalidSemantic error = errors.New("invalid structured data type semantic")

	// ErrShortRead is returned when fewer octets than a header or payload
	// declares are available from the underlying reader.
	ErrShortRead error = errors.New("short read")

	// ErrUnknownIE is returned when a field specifier's (enterprise, id) pair
	// has no corresponding entry in the information element dictionary.
	ErrUnknownIE error = errors.New("unknown information element")

	// ErrLengthMismatch is returned by the type codec when an encoded length
	// is incompatible with the natural width of the requested type.
	ErrLengthMismatch error = errors.New("length mismatch")

	// ErrValueOutOfRange is returned by the type codec when a value cannot be
	// represented in the requested encoded length.
	ErrValueOutOfRange error = errors.New("value out of range")
)

// InvalidSemantic reports a basicList or subTemplateList header carrying a
// reserved structured data type semantic, per RFC 6313 section 4.1.
func InvalidSemantic(semantic uint8) error {
	return fmt.Errorf("%w: %d", ErrInvalidSemantic, semantic)
}

// ShortRead reports that n octets were read where want were required while
// decoding what.
func ShortRead(what string, want, n int) error {
	return fmt.Errorf("%w: %s wants %d octets, got %d", ErrShortRead, what, want, n)
}

// UnknownIE reports that no information element is registered for
// (enterprise, id). The decoder does not return it: EphemeralFieldCache resolves
// an unknown (enterprise, id) pair to an unassigned placeholder field, and
// decoding of the enclosing set continues.
func UnknownIE(enterprise uint32, id uint16) error {
	return fmt.Errorf("%w: enterprise %d, id %d", ErrUnknownIE, enterprise, id)
}

// UnknownTemplate reports that templateId has no installed binding in
// observationDomainId's table. Distinct from TemplateNotFound only in name;
// both wrap ErrTemplateNotFound so callers can match on either.
func UnknownTemplate(observationDomainId uint32, templateId uint16) error {
	return TemplateNotFound(observationDomainId, templateId)
}

// LengthMismatch reports that the type codec was asked to decode or encode
// typeName at a length incompatible with its natural width.
func LengthMismatch(typeName string, length uint16) error {
	return fmt.Errorf("%w: %s at length %d", ErrLengthMismatch, typeName, length)
}

// ValueOutOfRange reports that value cannot be represented in length octets
// of typeName.
func ValueOutOfRange(typeName string, length uint16, value any) error {
	return fmt.Errorf("%w: %v does not fit in %d octets of %s", ErrValueOutOfRange, value, length, typeName)
}

func RecursionLimit(templateId uint16, depth int) error {
	return fmt.Errorf("%w: template %d at depth %d", ErrRecursionLimit, templateId, depth)
}

func TemplateNotFound(observationDomainId uint32, templateId uint16) error {
	return fmt.Errorf("%w for %d in observation domain %d", ErrTemplateNotFound, templateId, observationDomainId)
}

func UnknownVersion(version version.ProtocolVersion) error {
	return fmt.Errorf("%w %d, only 10 is supported", ErrUnknownVersion, version)
}

func UnknownFlowId(id uint16) error {
	return fmt.Errorf("%w %d", ErrUnknownFlowId, id)
}

// TemplateIdCollision reports that templateId is already bound in the other
// template table of the same direction within an observation domain.
func TemplateIdCollision(observationDomainId uint32, templateId uint16) error {
	return fmt.Errorf("%w: template %d in observation domain %d", ErrTemplateIdCollision, templateId, observationDomainId)
}

// ConstraintViolation reports that value failed the named constraint ("min",
// "max", or "choose") declared on the information element identified by name.
func ConstraintViolation(name string, constraint string, value any) error {
	return fmt.Errorf("%w: %s fails %s constraint (value %v)", ErrConstraintViolation, name, constraint, value)
}

// Config reports a configuration validation failure for field on an Exporter
// or Collector, wrapping the underlying reason.
func Config(field string, reason error) error {
	return fmt.Errorf("%w: %s, %w", ErrConfig, field, reason)
}

// Transport wraps an underlying socket error encountered by an Exporter or Collector.
func Transport(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// InvalidTemplateId reports a template or options template record whose id is
// outside [256, 65535], per RFC 7011 section 3.4.1.
func InvalidTemplateId(templateId uint16) error {
	return fmt.Errorf("%w, got %d", ErrInvalidTemplateId, templateId)
}

// InvalidFieldCount reports a template or options template record declaring
// zero fields.
func InvalidFieldCount(templateId uint16) error {
	return fmt.Errorf("%w for template %d", ErrInvalidFieldCount, templateId)
}

// InvalidScopeCount reports an options template record whose scope field
// count is zero or exceeds its total field count, per RFC 7011 section 3.4.2.2.
func InvalidScopeCount(templateId uint16, scopeCount uint16, fieldCount uint16) error {
	return fmt.Errorf("%w for template %d, got %d of %d", ErrInvalidScopeCount, templateId, scopeCount, fieldCount)
}

// InvalidSetId reports a set header carrying a reserved id (0, 1, or 4-255).
func InvalidSetId(id uint16) error {
	return fmt.Errorf("%w, got %d", ErrInvalidSetId, id)
}
