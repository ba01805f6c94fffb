package engine

import (
	"strings"
)

// ErrorCategory classifies graph errors for logs and metrics
type ErrorCategory int

const (
	// ErrCategoryNetwork covers socket, bind and connection failures
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec covers negotiation, payload and decoder failures
	ErrCategoryCodec
	// ErrCategoryResource covers missing elements, files and devices
	ErrCategoryResource
	// ErrCategoryUnknown is everything else
	ErrCategoryUnknown
)

// String returns the category label used in metrics
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	resourceKeywords = []string{
		"no element",
		"missing plugin",
		"could not open",
		"no such file",
		"permission denied",
		"resource",
		"no space left",
	}
	codecKeywords = []string{
		"not negotiated",
		"not-negotiated",
		"negotiation",
		"caps",
		"gdp",
		"decode",
		"encode",
		"format",
		"codec",
	}
	networkKeywords = []string{
		"address already in use",
		"bind",
		"socket",
		"connection",
		"timeout",
		"tcp",
		"network",
		"unreachable",
	}
)

// Classify inspects an error message and its debug string.
//
// Resource keywords are checked first because element creation failures often
// mention sockets too. The engine does not expose GError domains, so the
// classification relies on string matching.
func Classify(err error, debug string) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	combined := strings.ToLower(err.Error() + " " + debug)

	switch {
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	}
	return ErrCategoryUnknown
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
