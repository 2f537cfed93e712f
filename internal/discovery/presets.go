// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package discovery

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"grimm.is/slipwire/internal/config"
	"grimm.is/slipwire/internal/errors"
)

// Preset is a named strategy saved for reuse. Presets are YAML so
// they travel well through issue trackers and chat: a working
// strategy found on one network is usually worth trying on another.
type Preset struct {
	Name      string      `yaml:"name" json:"name"`
	Domain    string      `yaml:"domain,omitempty" json:"domain,omitempty"`
	RunID     string      `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	CreatedAt time.Time   `yaml:"created_at" json:"created_at"`
	Rule      config.Rule `yaml:"rule" json:"rule"`
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// Preset converts the winning strategy into a shareable preset. Nil
// when no candidate beat the baseline.
func (r *Report) Preset() *Preset {
	rule := r.BestRule()
	if rule == nil {
		return nil
	}
	return &Preset{
		Name:      r.Best.Name,
		Domain:    r.Domain,
		RunID:     r.ID,
		CreatedAt: time.Now(),
		Rule:      *rule,
	}
}

// SavePresets writes presets to path, replacing the file.
func SavePresets(path string, presets []Preset) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "creating preset file")
	}
	defer file.Close()

	encoder := yaml.NewEncoder(file)
	encoder.SetIndent(2)
	if err := encoder.Encode(presetFile{Presets: presets}); err != nil {
		return errors.Wrap(err, errors.KindInternal, "encoding presets")
	}
	return encoder.Close()
}

// LoadPresets reads a preset file.
func LoadPresets(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.KindNotFound, "preset file %s", path)
		}
		return nil, errors.Wrap(err, errors.KindInternal, "reading preset file")
	}
	var pf presetFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parsing preset file %s", path)
	}
	return pf.Presets, nil
}

// AppendPreset adds one preset to path, creating the file if needed.
func AppendPreset(path string, p Preset) error {
	existing, err := LoadPresets(path)
	if err != nil && errors.GetKind(err) != errors.KindNotFound {
		return err
	}
	return SavePresets(path, append(existing, p))
}
