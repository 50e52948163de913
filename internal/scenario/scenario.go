// Package scenario loads scripted event sequences from YAML files. A
// scenario drives the demo mode and the emit tool without a live runtime.
package scenario

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/scopevis/scopevis/internal/domain"
	"github.com/scopevis/scopevis/internal/feed"
)

// StepEnd marks the final step of a scenario; the stream ends cleanly
const StepEnd = "end"

// Step is one scripted event. After delays the step relative to the one
// before it.
type Step struct {
	Event  string        `mapstructure:"event"`
	ID     string        `mapstructure:"id"`
	Parent string        `mapstructure:"parent"`
	Name   string        `mapstructure:"name"`
	After  time.Duration `mapstructure:"after"`
}

// Scenario is a named sequence of steps
type Scenario struct {
	Name  string
	Steps []Step
}

// document is the raw YAML shape; steps stay generic so mapstructure can
// decode them with a duration hook
type document struct {
	Name  string           `yaml:"name"`
	Steps []map[string]any `yaml:"steps"`
}

// Load reads and parses a scenario file
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes scenario YAML
func Parse(data []byte) (*Scenario, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("scenario has no steps")
	}

	sc := &Scenario{Name: doc.Name, Steps: make([]Step, 0, len(doc.Steps))}
	for i, raw := range doc.Steps {
		step, err := decodeStep(raw)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if err := validateStep(step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		sc.Steps = append(sc.Steps, step)
	}
	return sc, nil
}

func decodeStep(raw map[string]any) (Step, error) {
	var step Step
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &step,
	})
	if err != nil {
		return Step{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Step{}, err
	}
	return step, nil
}

// validateStep catches authoring mistakes. Event kinds are not checked
// against the known set; a scenario may script unknown kinds on purpose to
// exercise the malformed path.
func validateStep(step Step) error {
	if step.Event == "" {
		return fmt.Errorf("missing event")
	}
	if step.Event != StepEnd && step.ID == "" {
		return fmt.Errorf("%s step missing id", step.Event)
	}
	if step.After < 0 {
		return fmt.Errorf("negative delay %s", step.After)
	}
	return nil
}

// Events converts the steps into wire records. Delays accumulate into the
// timestamps so replay pacing reproduces them; the end step produces no
// record, the stream just closes.
func (s *Scenario) Events() []domain.RawEvent {
	ts := time.Now().UnixMicro()
	out := make([]domain.RawEvent, 0, len(s.Steps))
	for _, step := range s.Steps {
		ts += step.After.Microseconds()
		if step.Event == StepEnd {
			break
		}
		out = append(out, domain.RawEvent{
			Kind:   step.Event,
			ID:     step.ID,
			Parent: step.Parent,
			Name:   step.Name,
			TS:     ts,
		})
	}
	return out
}

// Play returns a source that emits the scenario with its scripted delays
// scaled by speed. Zero or negative speed plays instantly.
func (s *Scenario) Play(speed float64) feed.Source {
	return feed.Replay(s.Events(), speed)
}
