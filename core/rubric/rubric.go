package rubric

import (
	_ "embed"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

type (
	// Level is one grade band shared by every concept, e.g. "Proficient" worth 100%.
	Level struct {
		Label string  `yaml:"label" json:"label"`
		Score float64 `yaml:"score" json:"score"`
	}

	Concept struct {
		Name        string            `yaml:"name" json:"name"`
		Description string            `yaml:"description" json:"description"`
		Grades      map[string]string `yaml:"grades" json:"grades"` // {level label: descriptor}
	}

	Rubric struct {
		CourseName             string    `yaml:"course_name" json:"course_name"`
		CourseGoals            string    `yaml:"course_goals" json:"course_goals"`
		ProblemStatement       string    `yaml:"problem_statement" json:"problem_statement"`
		ReflectionInstructions string    `yaml:"reflection_instructions" json:"reflection_instructions"`
		Levels                 []Level   `yaml:"levels" json:"levels"`
		Concepts               []Concept `yaml:"concepts" json:"concepts"`
	}
)

// Parse decodes and validates a YAML rubric.
func Parse(data []byte) (Rubric, error) {
	var rb Rubric
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return Rubric{}, errors.Wrap(err, "decoding rubric")
	}
	if err := rb.Validate(); err != nil {
		return Rubric{}, err
	}
	return rb, nil
}

// Load reads the rubric at path, or the built-in rubric when path is empty.
func Load(path string) (Rubric, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rubric{}, errors.Wrapf(err, "reading rubric %s", path)
	}
	return Parse(data)
}

// Default returns the built-in rubric. It panics if the embedded file is invalid.
func Default() Rubric {
	rb, err := Parse(defaultYAML)
	if err != nil {
		panic(err)
	}
	return rb
}

func (rb Rubric) Validate() error {
	if strings.TrimSpace(rb.CourseName) == "" {
		return errors.New("rubric: course_name is required")
	}
	if len(rb.Levels) == 0 {
		return errors.New("rubric: at least one level is required")
	}
	if len(rb.Concepts) == 0 {
		return errors.New("rubric: at least one concept is required")
	}
	for _, c := range rb.Concepts {
		if strings.TrimSpace(c.Name) == "" {
			return errors.New("rubric: concept name is required")
		}
		for label := range c.Grades {
			if _, ok := rb.Level(label); !ok {
				return errors.Errorf("rubric: concept %q uses unknown level %q", c.Name, label)
			}
		}
	}
	return nil
}

// Level finds a level by its label, case-insensitively.
func (rb Rubric) Level(label string) (Level, bool) {
	label = strings.TrimSpace(label)
	for _, lvl := range rb.Levels {
		if strings.EqualFold(lvl.Label, label) {
			return lvl, true
		}
	}
	return Level{}, false
}

func (rb Rubric) ConceptNames() []string {
	names := make([]string, 0, len(rb.Concepts))
	for _, c := range rb.Concepts {
		names = append(names, c.Name)
	}
	return names
}
