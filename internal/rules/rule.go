package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// maxRuleFileSize guards against accidentally pointing the loader at a
// large unrelated file.
const maxRuleFileSize = 1 * 1024 * 1024

// Rule is one named transformation from tracking variables to an avatar
// parameter.
type Rule struct {
	Name         string  `json:"name"`
	Expression   string  `json:"func"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	DefaultValue float64 `json:"defaultValue"`
}

// ParameterDefinition describes the output range of a rule independent of
// any frame. It is used to register parameters with the avatar app.
type ParameterDefinition struct {
	Name         string  `json:"name"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	DefaultValue float64 `json:"defaultValue"`
}

// Parameter is a rule's evaluated and clamped output for one frame.
type Parameter struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// Definition returns the frame-independent part of the rule.
func (r Rule) Definition() ParameterDefinition {
	return ParameterDefinition{Name: r.Name, Min: r.Min, Max: r.Max, DefaultValue: r.DefaultValue}
}

// ReadRuleFile reads and decodes a rule file without compiling anything.
// It fails with ErrNotFound when path does not exist and ErrParse when the
// document is not an array. Array elements that are not valid rule objects
// are reported in skipped rather than failing the whole file.
func ReadRuleFile(path string) (rules []Rule, skipped []error, err error) {
	cleanPath := filepath.Clean(path)

	info, err := os.Stat(cleanPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, cleanPath)
		}
		return nil, nil, fmt.Errorf("failed to stat rule file: %w", err)
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s is a directory", ErrParse, cleanPath)
	}
	if info.Size() > maxRuleFileSize {
		return nil, nil, fmt.Errorf("%w: file too large: %d bytes (max %d)", ErrParse, info.Size(), maxRuleFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, cleanPath)
		}
		return nil, nil, fmt.Errorf("failed to read rule file: %w", err)
	}

	return DecodeRules(data)
}

// utf8BOM is written at the start of the file by some Windows editors.
var utf8BOM = []byte("\xef\xbb\xbf")

// DecodeRules decodes a JSON array of rule objects. A leading UTF-8 byte
// order mark is ignored.
func DecodeRules(data []byte) (rules []Rule, skipped []error, err error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, nil, fmt.Errorf("%w: expected a JSON array of rules", ErrParse)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	rules = make([]Rule, 0, len(records))
	for i, raw := range records {
		var r Rule
		if err := json.Unmarshal(raw, &r); err != nil {
			skipped = append(skipped, fmt.Errorf("rule #%d: %w", i+1, err))
			continue
		}
		rules = append(rules, r)
	}
	return rules, skipped, nil
}
