package escrow

import (
	"fmt"
	"sort"
	"strings"
)

const (
	maxMetadataKeys     = 16
	maxMetadataValueLen = 512
)

// Metadata is a validated key/value annotation on a hold.
type Metadata map[string]string

// Clone returns a copy, or nil for an empty bag.
func (m Metadata) Clone() Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns m overlaid with other. Neither input is modified.
func (m Metadata) Merge(other Metadata) Metadata {
	if len(other) == 0 {
		return m.Clone()
	}
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Recognized metadata keys per operation.
var (
	holdMetadataKeys    = keySet("invoiceNumber", "purchaseOrder", "notes", "deliveryTerms")
	releaseMetadataKeys = keySet("releasedBy", "deliveryConfirmation", "notes")
	refundMetadataKeys  = keySet("refundedBy", "disputeId", "notes")
)

func keySet(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// validateMetadata rejects unknown keys and oversized bags for an operation.
func validateMetadata(m Metadata, allowed map[string]struct{}) error {
	if len(m) > maxMetadataKeys {
		return &ValidationError{Field: "metadata", Message: fmt.Sprintf("at most %d keys allowed", maxMetadataKeys)}
	}
	var unknown []string
	for k, v := range m {
		if _, ok := allowed[k]; !ok {
			unknown = append(unknown, k)
			continue
		}
		if len(v) > maxMetadataValueLen {
			return &ValidationError{Field: "metadata." + k, Message: fmt.Sprintf("value exceeds %d bytes", maxMetadataValueLen)}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ValidationError{Field: "metadata", Message: "unrecognized keys: " + strings.Join(unknown, ", ")}
	}
	return nil
}
