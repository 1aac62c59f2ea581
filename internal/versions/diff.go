package versions

import (
	"encoding/json"
	"fmt"
	"reflect"
)

type Diff struct {
	Added   map[string]interface{} `json:"added"`
	Removed map[string]interface{} `json:"removed"`
	Changed map[string]FieldChange `json:"changed"`
}

type FieldChange struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}

// ComputeDiff reports the structural difference between two content
// documents. Unparsable content is treated as an empty document, so the
// comparison never fails for any pair of stored versions.
func ComputeDiff(from, to json.RawMessage) *Diff {
	fromFlat := flatten("", parseLenient(from))
	toFlat := flatten("", parseLenient(to))

	diff := &Diff{
		Added:   make(map[string]interface{}),
		Removed: make(map[string]interface{}),
		Changed: make(map[string]FieldChange),
	}

	for key, toValue := range toFlat {
		fromValue, exists := fromFlat[key]
		if !exists {
			diff.Added[key] = toValue
			continue
		}
		if !reflect.DeepEqual(fromValue, toValue) {
			diff.Changed[key] = FieldChange{From: fromValue, To: toValue}
		}
	}

	for key, fromValue := range fromFlat {
		if _, exists := toFlat[key]; !exists {
			diff.Removed[key] = fromValue
		}
	}

	return diff
}

func parseLenient(content json.RawMessage) map[string]interface{} {
	var doc map[string]interface{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return map[string]interface{}{}
	}
	return doc
}

func flatten(prefix string, doc map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{})
	for key, value := range doc {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch typed := value.(type) {
		case map[string]interface{}:
			for k, v := range flatten(path, typed) {
				flat[k] = v
			}
		case []interface{}:
			for i, item := range typed {
				itemPath := fmt.Sprintf("%s[%d]", path, i)
				if nested, ok := item.(map[string]interface{}); ok {
					for k, v := range flatten(itemPath, nested) {
						flat[k] = v
					}
				} else {
					flat[itemPath] = item
				}
			}
		default:
			flat[path] = value
		}
	}
	return flat
}
