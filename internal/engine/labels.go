package engine

import (
	"regexp"
	"strings"
	"unicode"

	"formflow/internal/model"
)

// ResponseLabel is used for keys that look like generated field ids with no definition.
const ResponseLabel = "Response"

var uuidLikeKey = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ResolveFieldLabels rewrites submission data from field identifiers to human labels.
// It does not mutate its inputs and the result does not depend on map iteration order.
// When two keys resolve to the same label the lexically smaller key wins.
func ResolveFieldLabels(data map[string]any, fields []model.Field) map[string]any {
	labels := fieldLabelIndex(fields)
	out := make(map[string]any, len(data))
	owner := make(map[string]string, len(data))
	for key, value := range data {
		label := labelFor(key, labels)
		if prev, taken := owner[label]; taken && prev < key {
			continue
		}
		owner[label] = key
		out[label] = value
	}
	return out
}

// LabelForKey returns the label a single submission key resolves to.
func LabelForKey(key string, fields []model.Field) string {
	return labelFor(key, fieldLabelIndex(fields))
}

func fieldLabelIndex(fields []model.Field) map[string]string {
	idx := make(map[string]string, len(fields))
	for _, f := range fields {
		label := f.Label
		if label == "" {
			label = HumanizeKey(f.Identifier)
		}
		idx[f.Identifier] = label
	}
	return idx
}

func labelFor(key string, labels map[string]string) string {
	if label, ok := labels[key]; ok {
		return label
	}
	if uuidLikeKey.MatchString(key) {
		return ResponseLabel
	}
	return HumanizeKey(key)
}

// HumanizeKey turns an identifier such as "customField1" or "first_name" into
// "Custom Field1" / "First Name".
func HumanizeKey(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case r == '-' || r == '_':
			b.WriteRune(' ')
		case i > 0 && unicode.IsUpper(r):
			b.WriteRune(' ')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}

	words := strings.Fields(b.String())
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// KeyLabels maps every field identifier and every key of data to the label it
// resolves to, so filter lists can name keys that have no field definition.
func KeyLabels(data map[string]any, fields []model.Field) map[string]string {
	labels := fieldLabelIndex(fields)
	out := make(map[string]string, len(labels)+len(data))
	for id, label := range labels {
		out[id] = label
	}
	for key := range data {
		out[key] = labelFor(key, labels)
	}
	return out
}

// FilterFields applies include then exclude lists to labeled data. Entries may name
// an original key or its label; keys found in keyLabels are translated first.
func FilterFields(labeled map[string]any, include, exclude []string, keyLabels map[string]string) map[string]any {
	translate := func(names []string) map[string]bool {
		set := make(map[string]bool, len(names))
		for _, n := range names {
			if label, ok := keyLabels[n]; ok {
				set[label] = true
				continue
			}
			set[n] = true
		}
		return set
	}

	out := make(map[string]any, len(labeled))
	if len(include) > 0 {
		keep := translate(include)
		for k, v := range labeled {
			if keep[k] {
				out[k] = v
			}
		}
	} else {
		for k, v := range labeled {
			out[k] = v
		}
	}

	for k := range translate(exclude) {
		delete(out, k)
	}
	return out
}
