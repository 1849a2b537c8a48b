package redact

import (
	"encoding/json"
	"strings"
)

var sensitiveKeys = []string{"patientcode", "patient_code", "authorization", "cookie", "access_token", "token"}

// Code masks a patient code for logs, keeping only the last two characters.
func Code(code string) string {
	if len(code) <= 2 {
		return "***"
	}
	return strings.Repeat("*", len(code)-2) + code[len(code)-2:]
}

// JSON masks sensitive fields in a JSON string best-effort. Used before wire
// payloads are written to debug logs.
func JSON(s string) string {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	redactNode(&v)
	b, err := json.Marshal(v)
	if err != nil {
		return s
	}
	return string(b)
}

func redactNode(n *any) {
	switch t := (*n).(type) {
	case map[string]any:
		for k, v := range t {
			if isSensitiveKey(k) {
				t[k] = "***"
				continue
			}
			vv := any(v)
			redactNode(&vv)
			t[k] = vv
		}
	case []any:
		for i := range t {
			vv := any(t[i])
			redactNode(&vv)
			t[i] = vv
		}
	}
}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if k == s {
			return true
		}
	}
	return false
}
