package mcp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ValidateEnvelope checks the JSON-RPC shape rules: the
// "jsonrpc" field must be "2.0", requests/notifications must carry
// "method", requests/responses must carry "id" (a notification must not),
// and a response must carry exactly one of "result"/"error".
func ValidateEnvelope(data []byte) error {
	kind, err := classifyEnvelope(data)
	if err != nil {
		return err
	}
	if kind == envelopeResponse {
		var r Response
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.Result != nil && r.Error != nil {
			return fmt.Errorf("response must not carry both result and error")
		}
		if r.Result == nil && r.Error == nil {
			return fmt.Errorf("response must carry exactly one of result or error")
		}
	}
	return nil
}

// Schema is a parsed JSON-Schema subset document: type, required,
// properties (recursive), items, minItems/maxItems, minLength/maxLength/
// pattern, enum, minimum/maximum, integer-vs-number, additionalProperties.
type Schema struct {
	raw      json.RawMessage
	resolved *jsonschema.Resolved
}

// CompileSchema parses and resolves a raw JSON-Schema document for reuse
// across many Validate calls (used to cache tools' outputSchema).
func CompileSchema(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return &Schema{raw: raw}, nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("malformed schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("schema does not resolve: %w", err)
	}
	return &Schema{raw: raw, resolved: resolved}, nil
}

// Validate checks instance against the schema, returning a list of
// path-qualified error strings (e.g. `"b" is required` at the root, or
// `a: "b" is required` for a nested object under "a"). An empty
// slice means the instance is valid. Validation failures become
// InvalidParams errors.
func (s *Schema) Validate(instance any) []string {
	if s == nil || len(s.raw) == 0 {
		return nil
	}
	var doc map[string]any
	if err := remarshal(s.raw, &doc); err != nil {
		return []string{"schema: " + err.Error()}
	}
	var problems []string
	walkValidate("", doc, instance, &problems)
	return problems
}

// remarshal decodes a raw schema document into plain map[string]any /
// []any / float64 / string / bool / nil, the shape walkValidate expects.
// toPlain gives an instance of any concrete Go type the same shape by
// round-tripping it through JSON.
func remarshal(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}

func toPlain(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// walkValidate recursively checks instance against the subset schema
// described above, appending a path-qualified message per failure.
func walkValidate(path string, schema map[string]any, instanceIn any, problems *[]string) {
	instance, err := toPlain(instanceIn)
	if err != nil {
		*problems = append(*problems, joinPath(path, "unmarshalable value"))
		return
	}

	if want, ok := schema["type"].(string); ok {
		if !matchesType(want, instance) {
			*problems = append(*problems, joinPath(path, fmt.Sprintf("expected type %q", want)))
			return
		}
	}

	if enumRaw, ok := schema["enum"].([]any); ok {
		if !inEnum(instance, enumRaw) {
			*problems = append(*problems, joinPath(path, "value not in enum"))
		}
	}

	switch v := instance.(type) {
	case map[string]any:
		validateObject(path, schema, v, problems)
	case []any:
		validateArray(path, schema, v, problems)
	case string:
		validateString(path, schema, v, problems)
	case float64:
		validateNumber(path, schema, v, problems)
	}
}

func validateObject(path string, schema map[string]any, obj map[string]any, problems *[]string) {
	if reqRaw, ok := schema["required"].([]any); ok {
		for _, r := range reqRaw {
			name, _ := r.(string)
			if _, present := obj[name]; !present {
				*problems = append(*problems, joinPath(path, fmt.Sprintf("%q is required", name)))
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for key, val := range obj {
		propSchema, ok := props[key].(map[string]any)
		if !ok {
			if additionalProps, set := schema["additionalProperties"]; set {
				if allowed, isBool := additionalProps.(bool); isBool && !allowed {
					*problems = append(*problems, joinPath(path, fmt.Sprintf("additional property %q is not allowed", key)))
				}
			}
			continue
		}
		walkValidate(joinPath(path, key), propSchema, val, problems)
	}
}

func validateArray(path string, schema map[string]any, arr []any, problems *[]string) {
	if min, ok := numberField(schema, "minItems"); ok && float64(len(arr)) < min {
		*problems = append(*problems, joinPath(path, fmt.Sprintf("minItems %v not satisfied", min)))
	}
	if max, ok := numberField(schema, "maxItems"); ok && float64(len(arr)) > max {
		*problems = append(*problems, joinPath(path, fmt.Sprintf("maxItems %v exceeded", max)))
	}
	itemSchema, ok := schema["items"].(map[string]any)
	if !ok {
		return
	}
	for i, el := range arr {
		walkValidate(path+"["+strconv.Itoa(i)+"]", itemSchema, el, problems)
	}
}

func validateString(path string, schema map[string]any, s string, problems *[]string) {
	if min, ok := numberField(schema, "minLength"); ok && float64(len([]rune(s))) < min {
		*problems = append(*problems, joinPath(path, fmt.Sprintf("minLength %v not satisfied", min)))
	}
	if max, ok := numberField(schema, "maxLength"); ok && float64(len([]rune(s))) > max {
		*problems = append(*problems, joinPath(path, fmt.Sprintf("maxLength %v exceeded", max)))
	}
	if pattern, ok := schema["pattern"].(string); ok {
		if ok, err := matchPattern(pattern, s); err == nil && !ok {
			*problems = append(*problems, joinPath(path, fmt.Sprintf("does not match pattern %q", pattern)))
		}
	}
}

func validateNumber(path string, schema map[string]any, n float64, problems *[]string) {
	if min, ok := numberField(schema, "minimum"); ok && n < min {
		*problems = append(*problems, joinPath(path, fmt.Sprintf("minimum %v not satisfied", min)))
	}
	if max, ok := numberField(schema, "maximum"); ok && n > max {
		*problems = append(*problems, joinPath(path, fmt.Sprintf("maximum %v exceeded", max)))
	}
	if t, _ := schema["type"].(string); t == "integer" && n != float64(int64(n)) {
		*problems = append(*problems, joinPath(path, "expected an integer"))
	}
}

func numberField(schema map[string]any, key string) (float64, bool) {
	v, ok := schema[key].(float64)
	return v, ok
}

func matchesType(want string, v any) bool {
	switch want {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	default:
		return true
	}
}

func inEnum(v any, options []any) bool {
	for _, o := range options {
		if fmt.Sprint(o) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

var patternCache sync.Map // string -> *regexp.Regexp

func matchPattern(pattern, s string) (bool, error) {
	var re *regexp.Regexp
	if cached, ok := patternCache.Load(pattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		re = compiled
		patternCache.Store(pattern, re)
	}
	return re.MatchString(s), nil
}

func joinPath(path, suffix string) string {
	if path == "" {
		return suffix
	}
	return path + ": " + suffix
}
