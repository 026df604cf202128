package mapping

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/casefill/api/schemas"
)

// \x60 is a backtick; raw strings cannot hold one.
var fencedJSON = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(.*?)\\s*\x60\x60\x60")

// parseModelMappings extracts the mappings from model output. It accepts a bare object,
// a bare array, either wrapped in a markdown fence, or an object embedded in prose.
func parseModelMappings(text string) ([]schemas.FieldMapping, error) {
	text = strings.TrimSpace(text)
	if m := fencedJSON.FindStringSubmatch(text); len(m) > 1 {
		text = m[1]
	} else if !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[") {
		if first, last := strings.Index(text, "{"), strings.LastIndex(text, "}"); first >= 0 && last > first {
			text = text[first : last+1]
		}
	}

	if strings.HasPrefix(text, "[") {
		var list []schemas.FieldMapping
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return nil, fmt.Errorf("%w: %v: %s", ErrMappingMalformed, err, truncate(text, bodyExcerpt))
		}
		return list, nil
	}

	var resp struct {
		Mappings *[]schemas.FieldMapping `json:"mappings"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrMappingMalformed, err, truncate(text, bodyExcerpt))
	}
	if resp.Mappings == nil {
		return nil, fmt.Errorf("%w: missing mappings array: %s", ErrMappingMalformed, truncate(text, bodyExcerpt))
	}
	return *resp.Mappings, nil
}
