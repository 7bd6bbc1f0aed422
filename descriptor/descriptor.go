// Package descriptor defines the identity of a service instance on the bus.
//
// A descriptor is encoded as "svc:<ServiceType>:<ServiceId>". The id part may be
// empty, which is how the orchestrator (a single, instance-less party) is named:
//
//	svc:calc:worker-7   → {ServiceType: "calc", ServiceId: "worker-7"}
//	svc:orc:            → {ServiceType: "orc",  ServiceId: ""}
//
// Neither field may contain ':'. This is not checked at runtime; callers own it.
package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

// Prefix is the first part of every encoded descriptor.
const Prefix = "svc"

// ErrFormat is returned when a string is not a valid encoded descriptor.
var ErrFormat = errors.New("descriptor: invalid format")

// ServiceDescriptor names a service type and, optionally, one instance of it.
type ServiceDescriptor struct {
	ServiceType string
	ServiceId   string
}

// New returns the descriptor for the given type and id.
func New(serviceType, serviceId string) ServiceDescriptor {
	return ServiceDescriptor{ServiceType: serviceType, ServiceId: serviceId}
}

// Encode returns the canonical "svc:<type>:<id>" form.
func (d ServiceDescriptor) Encode() string {
	return Prefix + ":" + d.ServiceType + ":" + d.ServiceId
}

// String implements fmt.Stringer.
func (d ServiceDescriptor) String() string {
	return d.Encode()
}

// IsAnyInstance reports whether the descriptor has no fixed instance id.
func (d ServiceDescriptor) IsAnyInstance() bool {
	return d.ServiceId == ""
}

// ParseServiceFullId is the inverse of Encode.
func ParseServiceFullId(s string) (ServiceDescriptor, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ServiceDescriptor{}, fmt.Errorf("%w: %q has %d parts, want 3", ErrFormat, s, len(parts))
	}
	if parts[0] != Prefix {
		return ServiceDescriptor{}, fmt.Errorf("%w: %q must start with %q", ErrFormat, s, Prefix+":")
	}
	return ServiceDescriptor{ServiceType: parts[1], ServiceId: parts[2]}, nil
}

// MustParse is like ParseServiceFullId but panics on error. Intended for constants.
func MustParse(s string) ServiceDescriptor {
	d, err := ParseServiceFullId(s)
	if err != nil {
		panic(err)
	}
	return d
}
