package zset

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/json"
)

// Document represents an unstructured document as map[string]any. Can contain embedded maps,
// slices, and primitives (int64, float64, string, bool).
type Document = map[string]any

// JSONKey creates a deterministic JSON representation of a value for identity. Two values with
// the same JSON representation are the same element of a Z-set.
func JSONKey[T any](v T) (string, error) {
	canonical, err := toCanonicalForm(v)
	if err != nil {
		return "", newZSetError("failed to convert value to canonical form", err)
	}

	bytes, err := json.Marshal(canonical)
	if err != nil {
		return "", newZSetError("failed to marshal value to JSON", err)
	}

	return string(bytes), nil
}

// FmtKey uses the Go-syntax representation of a value as its key. Suitable for scalars and
// plain structs.
func FmtKey[T any](v T) (string, error) {
	return fmt.Sprintf("%#v", v), nil
}

// toCanonicalForm ensures deterministic JSON representation. Recursively processes nested
// structures while preserving semantics.
func toCanonicalForm(val any) (any, error) {
	switch v := val.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, subVal := range v {
			canonical, err := toCanonicalForm(subVal)
			if err != nil {
				return nil, newZSetError(fmt.Sprintf("failed to canonicalize map field '%s'", k), err)
			}
			result[k] = canonical
		}
		return result, nil

	case []any:
		// arrays keep their order
		result := make([]any, len(v))
		for i, subVal := range v {
			canonical, err := toCanonicalForm(subVal)
			if err != nil {
				return nil, newZSetError(fmt.Sprintf("failed to canonicalize array element at index %d", i), err)
			}
			result[i] = canonical
		}
		return result, nil

	case int:
		return int64(v), nil

	case int32:
		return int64(v), nil

	case float32:
		return float64(v), nil

	default:
		return v, nil
	}
}

// DeepCopyDocument creates a deep copy of a document.
func DeepCopyDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	return deepCopy(doc).(Document)
}

func deepCopy(val any) any {
	switch v := val.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, subVal := range v {
			result[k] = deepCopy(subVal)
		}
		return result

	case []any:
		result := make([]any, len(v))
		for i, subVal := range v {
			result[i] = deepCopy(subVal)
		}
		return result

	default:
		return v
	}
}

// NewDocumentFromPairs creates a new document from key-value pairs.
func NewDocumentFromPairs(pairs ...any) (Document, error) {
	if len(pairs)%2 != 0 {
		return nil, newZSetError("NewDocumentFromPairs requires even number of arguments (key-value pairs)", nil)
	}

	doc := make(Document, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, newZSetError(fmt.Sprintf("key at position %d must be a string", i), nil)
		}
		doc[key] = pairs[i+1]
	}

	return doc, nil
}
