package identity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/common/model"

	"alertbridge/internal/domain"
)

// Resolver derives stable alert identities from label sets.
// Params: labels that must be present besides alertname.
// Returns: pure resolver safe for concurrent use.
type Resolver struct {
	required []string
}

// NewResolver builds one resolver with sorted, de-duplicated required labels.
// Params: configured grouping labels; alertname is always required.
// Returns: resolver instance.
func NewResolver(requiredLabels []string) *Resolver {
	seen := map[string]struct{}{model.AlertNameLabel: {}}
	required := []string{model.AlertNameLabel}
	for _, label := range requiredLabels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		required = append(required, label)
	}
	return &Resolver{required: sortedLabels(required)}
}

// Resolve returns the identity of one label set.
// Params: alert labels; map ordering is irrelevant.
// Returns: "<alertname>/<fingerprint>" or MalformedAlertError.
func (r *Resolver) Resolve(index int, labels map[string]string) (string, error) {
	for _, name := range r.required {
		value, ok := labels[name]
		if !ok || strings.TrimSpace(value) == "" {
			return "", &domain.MalformedAlertError{Index: index, Reason: fmt.Sprintf("required label %q is missing", name)}
		}
	}

	set := make(model.LabelSet, len(labels))
	for name, value := range labels {
		set[model.LabelName(name)] = model.LabelValue(value)
	}
	if err := set.Validate(); err != nil {
		return "", &domain.MalformedAlertError{Index: index, Reason: "invalid label set", Err: err}
	}

	alertName := sanitize(labels[model.AlertNameLabel])
	fingerprint := set.Fingerprint().String()
	var builder strings.Builder
	builder.Grow(len(alertName) + 1 + len(fingerprint))
	builder.WriteString(alertName)
	builder.WriteByte('/')
	builder.WriteString(fingerprint)
	return builder.String(), nil
}

// RecordKey builds the storage key of one identity in one room.
// Params: target room id and resolved identity.
// Returns: key using only characters accepted by every state backend.
func RecordKey(room string, identity string) string {
	digest := sha1.Sum([]byte(room))
	var roomHash [sha1.Size * 2]byte
	hex.Encode(roomHash[:], digest[:])

	var builder strings.Builder
	builder.Grow(len("room_") + 16 + 1 + len(identity))
	builder.WriteString("room_")
	builder.Write(roomHash[:16])
	builder.WriteByte('/')
	builder.WriteString(identity)
	return builder.String()
}

// sortedLabels returns stable label order, copying only when reordering is needed.
// Params: label names.
// Returns: sorted label-name slice.
func sortedLabels(labels []string) []string {
	if len(labels) <= 1 || sort.StringsAreSorted(labels) {
		return labels
	}
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	return sorted
}

// sanitize converts key path fragments into stable bucket-safe tokens.
// Params: raw value with possible separators.
// Returns: sanitized string with unsupported chars replaced by underscore.
func sanitize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
