// utils.go - Document normalization helpers

package odmongo

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// toM normalizes a structured mapping argument into a fresh bson.M. Nested
// values are shared, top-level keys are copied.
func toM(op string, input interface{}) (bson.M, error) {
	switch v := input.(type) {
	case bson.M:
		return cloneM(v), nil
	case map[string]interface{}:
		return cloneM(v), nil
	case bson.D:
		result := make(bson.M, len(v))
		for _, elem := range v {
			result[elem.Key] = elem.Value
		}
		return result, nil
	case *Query:
		if v == nil {
			return nil, validationErrorf(op, "must be a query object, got a nil query")
		}
		if err := v.Err(); err != nil {
			return nil, err
		}
		return cloneM(v.ToJSON()), nil
	case nil:
		return nil, validationErrorf(op, "must be a query object, got nil")
	default:
		return nil, validationErrorf(op, "must be a query object, got %T", input)
	}
}

// toD normalizes an ordered mapping argument. bson.D keeps its order; plain
// maps are ordered by key so the output is deterministic.
func toD(op string, input interface{}) (bson.D, error) {
	switch v := input.(type) {
	case bson.D:
		result := make(bson.D, len(v))
		copy(result, v)
		return result, nil
	case bson.M:
		return sortedD(v), nil
	case map[string]interface{}:
		return sortedD(v), nil
	case nil:
		return nil, validationErrorf(op, "must be an object, got nil")
	default:
		return nil, validationErrorf(op, "must be an object, got %T", input)
	}
}

func sortedD(m map[string]interface{}) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make(bson.D, 0, len(keys))
	for _, k := range keys {
		result = append(result, bson.E{Key: k, Value: m[k]})
	}
	return result
}

func cloneM(m map[string]interface{}) bson.M {
	result := make(bson.M, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

// setD replaces the value of key in place, or appends it when absent.
func setD(d bson.D, key string, value interface{}) bson.D {
	for i := range d {
		if d[i].Key == key {
			d[i].Value = value
			return d
		}
	}
	return append(d, bson.E{Key: key, Value: value})
}

func hasKey(d bson.D, key string) bool {
	for _, elem := range d {
		if elem.Key == key {
			return true
		}
	}
	return false
}

// decodeInto copies src into dst through a bson round trip so bson struct
// tags on dst are honoured.
func decodeInto(src, dst interface{}) error {
	data, err := bson.Marshal(src)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, dst)
}
