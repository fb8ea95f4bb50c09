package llm

import (
	"bytes"
	"encoding/json"
)

var emptyToolArgs = json.RawMessage(`{}`)

// NormalizeToolArguments decodes the arguments a model attached to a tool
// call and re-encodes them as a canonical JSON object. Models send either an
// object, an object encoded as a JSON string, or an object wrapped in a
// markdown code fence. Anything that is not an object becomes {}.
func NormalizeToolArguments(raw json.RawMessage) (map[string]interface{}, json.RawMessage) {
	body, ok := unwrapArguments(raw)
	if !ok {
		return map[string]interface{}{}, emptyToolArgs
	}

	var args map[string]interface{}
	if err := json.Unmarshal(body, &args); err != nil || args == nil {
		return map[string]interface{}{}, emptyToolArgs
	}
	canonical, err := json.Marshal(args)
	if err != nil {
		return map[string]interface{}{}, emptyToolArgs
	}
	return args, canonical
}

// unwrapArguments strips one level of string quoting and any code fence.
func unwrapArguments(raw json.RawMessage) ([]byte, bool) {
	body := bytes.TrimSpace(raw)
	if len(body) > 0 && body[0] == '"' {
		var inner string
		if err := json.Unmarshal(body, &inner); err != nil {
			return nil, false
		}
		body = bytes.TrimSpace([]byte(inner))
	}
	body = stripFence(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, false
	}
	return body, true
}

func stripFence(b []byte) []byte {
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = b[3:]
	if nl := bytes.IndexByte(b, '\n'); nl >= 0 {
		b = b[nl+1:]
	}
	b = bytes.TrimSuffix(bytes.TrimSpace(b), []byte("```"))
	return bytes.TrimSpace(b)
}
