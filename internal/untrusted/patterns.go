package untrusted

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed injection.yaml
var injectionYAML []byte

// RecognizerFile is the YAML layout of injection recognizer definitions.
type RecognizerFile struct {
	Recognizers []Recognizer `yaml:"recognizers"`
}

// Recognizer groups patterns under one reported name and severity.
type Recognizer struct {
	Name     string          `yaml:"name"`
	Severity int             `yaml:"severity"`
	Enabled  *bool           `yaml:"enabled,omitempty"`
	Patterns []PatternConfig `yaml:"patterns"`
}

// PatternConfig is a single regular expression within a recognizer.
type PatternConfig struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// InjectionPattern detects prompt injection attempts in fetched content.
type InjectionPattern struct {
	Name        string
	Description string
	Pattern     *regexp.Regexp
	Severity    int // 1-3
}

// ParseRecognizerFile parses recognizer YAML.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer file: %w", err)
	}
	return &rf, nil
}

// DefaultRecognizers returns the built-in recognizers parsed from the
// embedded injection.yaml file.
func DefaultRecognizers() ([]Recognizer, error) {
	rf, err := ParseRecognizerFile(injectionYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing embedded injection patterns: %w", err)
	}
	return rf.Recognizers, nil
}

// CompileInjectionPatterns converts recognizers into compiled patterns.
// Disabled recognizers are skipped.
func CompileInjectionPatterns(recognizers []Recognizer) ([]InjectionPattern, error) {
	var result []InjectionPattern

	for i := range recognizers {
		rec := &recognizers[i]
		if rec.Enabled != nil && !*rec.Enabled {
			continue
		}
		for _, p := range rec.Patterns {
			compiled, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("compiling injection pattern %q in %q: %w", p.Name, rec.Name, err)
			}
			result = append(result, InjectionPattern{
				Name:        rec.Name,
				Description: p.Name,
				Pattern:     compiled,
				Severity:    rec.Severity,
			})
		}
	}

	return result, nil
}

// LoadScanner returns a scanner over the built-in patterns plus the
// recognizers in the YAML file at path.
func LoadScanner(path string) (*Scanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading injection patterns: %w", err)
	}
	rf, err := ParseRecognizerFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	extra, err := CompileInjectionPatterns(rf.Recognizers)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	patterns := make([]InjectionPattern, 0, len(defaultPatterns)+len(extra))
	patterns = append(patterns, defaultPatterns...)
	return NewScannerWithPatterns(append(patterns, extra...)), nil
}

// defaultPatterns is the compiled built-in pattern set.
var defaultPatterns []InjectionPattern

func init() {
	recs, err := DefaultRecognizers()
	if err != nil {
		panic(fmt.Sprintf("loading embedded injection patterns: %v", err))
	}
	compiled, err := CompileInjectionPatterns(recs)
	if err != nil {
		panic(fmt.Sprintf("compiling embedded injection patterns: %v", err))
	}
	defaultPatterns = compiled
}
