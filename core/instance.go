package core

import (
	"errors"
	"fmt"
	"strings"
)

// FlowID identifies a flow instance. The same (Type, Args) pair always refers to the same instance.
type FlowID struct {
	// Type is the registered name of the flow type.
	Type string `json:"type,omitempty"`

	// Args is a caller chosen business or shard key, e.g. "f0:3".
	Args string `json:"args,omitempty"`
}

func NewFlowID(flowType, args string) FlowID {
	return FlowID{
		Type: flowType,
		Args: args,
	}
}

// String returns the canonical key of the flow instance, used by stores and caches.
func (id FlowID) String() string {
	return id.Type + "/" + id.Args
}

func (id FlowID) IsZero() bool {
	return id.Type == "" && id.Args == ""
}

var ErrInvalidFlowID = errors.New("invalid flow id")

// ParseFlowID parses a key produced by FlowID.String. Flow type names cannot contain a slash,
// arguments can.
func ParseFlowID(key string) (FlowID, error) {
	flowType, args, ok := strings.Cut(key, "/")
	if !ok || flowType == "" {
		return FlowID{}, fmt.Errorf("%w: %q", ErrInvalidFlowID, key)
	}

	return NewFlowID(flowType, args), nil
}
