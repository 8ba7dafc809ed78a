package utils

import "encoding/json"

// MarshalToJSON returns "" for nil and for values that cannot be encoded; callers store it as text.
func MarshalToJSON(input any) string {
	if input == nil {
		return ""
	}
	jsonData, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(jsonData)
}
