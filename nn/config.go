package nn

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// FillerConfig selects and parameterises an initializer.
type FillerConfig struct {
	Type  string  `json:"init_type"`
	Value float64 `json:"value,omitempty"` // constant
	Range float64 `json:"range,omitempty"` // uniform: U(-range, range)
	Mean  float64 `json:"mean,omitempty"`  // gaussian
	Std   float64 `json:"std,omitempty"`   // gaussian
}

// UpdaterConfig selects and parameterises an optimizer for one parameter.
type UpdaterConfig struct {
	Type         string  `json:"updater_type"`
	LearningRate float64 `json:"lr"`
	Momentum     float64 `json:"momentum,omitempty"`
	Dampening    float64 `json:"dampening,omitempty"`
	Nesterov     bool    `json:"nesterov,omitempty"`
	Beta1        float64 `json:"beta1,omitempty"`
	Beta2        float64 `json:"beta2,omitempty"`
	Epsilon      float64 `json:"eps,omitempty"`
	Alpha        float64 `json:"alpha,omitempty"` // rmsprop decay
	WeightDecay  float64 `json:"decay,omitempty"`
	GradCutOff   float64 `json:"grad_cut_off,omitempty"`
}

// GRUConfig is the configuration surface of a GRU layer. Pointer fields are
// required and Validate reports the first one that is absent.
type GRUConfig struct {
	HiddenSize *int `json:"d_mem"`

	WGateFiller  *FillerConfig  `json:"w_g_filler"`
	UGateFiller  *FillerConfig  `json:"u_g_filler"`
	BGateFiller  *FillerConfig  `json:"b_g_filler"`
	WCandFiller  *FillerConfig  `json:"w_c_filler"`
	UCandFiller  *FillerConfig  `json:"u_c_filler"`
	BCandFiller  *FillerConfig  `json:"b_c_filler"`
	WGateUpdater *UpdaterConfig `json:"w_g_updater"`
	UGateUpdater *UpdaterConfig `json:"u_g_updater"`
	BGateUpdater *UpdaterConfig `json:"b_g_updater"`
	WCandUpdater *UpdaterConfig `json:"w_c_updater"`
	UCandUpdater *UpdaterConfig `json:"u_c_updater"`
	BCandUpdater *UpdaterConfig `json:"b_c_updater"`

	// Reverse selects right-to-left as the forward traversal.
	Reverse *bool `json:"reverse"`

	UseBias       bool  `json:"use_bias,omitempty"`
	CheckNumerics bool  `json:"check_numerics,omitempty"`
	Workers       int   `json:"workers,omitempty"`
	Seed          int64 `json:"seed,omitempty"`
}

// ParseGRUConfig decodes a JSON configuration and validates it.
// Unknown keys are rejected.
func ParseGRUConfig(data []byte) (GRUConfig, error) {
	var cfg GRUConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return GRUConfig{}, errors.Wrap(ErrInvalidSetting, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return GRUConfig{}, err
	}
	return cfg, nil
}

// Validate checks that every required setting is present and sane.
func (c *GRUConfig) Validate() error {
	if c.HiddenSize == nil {
		return errors.Wrap(ErrMissingSetting, "gru: d_mem")
	}
	if *c.HiddenSize <= 0 {
		return errors.Wrapf(ErrInvalidSetting, "gru: d_mem must be > 0, got %d", *c.HiddenSize)
	}
	for _, f := range c.fillerSlots() {
		if f.cfg == nil {
			return errors.Wrapf(ErrMissingSetting, "gru: %s", f.key)
		}
		if f.cfg.Type == "" {
			return errors.Wrapf(ErrMissingSetting, "gru: %s.init_type", f.key)
		}
		if !isFillerType(f.cfg.Type) {
			return errors.Wrapf(ErrInvalidSetting, "gru: %s: unknown init_type %q", f.key, f.cfg.Type)
		}
	}
	for _, u := range c.updaterSlots() {
		if u.cfg == nil {
			return errors.Wrapf(ErrMissingSetting, "gru: %s", u.key)
		}
		if u.cfg.Type == "" {
			return errors.Wrapf(ErrMissingSetting, "gru: %s.updater_type", u.key)
		}
		if !isUpdaterType(u.cfg.Type) {
			return errors.Wrapf(ErrInvalidSetting, "gru: %s: unknown updater_type %q", u.key, u.cfg.Type)
		}
		if u.cfg.LearningRate < 0 || u.cfg.GradCutOff < 0 || u.cfg.Momentum < 0 {
			return errors.Wrapf(ErrInvalidSetting, "gru: %s: lr, grad_cut_off and momentum must be >= 0", u.key)
		}
	}
	if c.Reverse == nil {
		return errors.Wrap(ErrMissingSetting, "gru: reverse")
	}
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalidSetting, "gru: workers must be >= 0, got %d", c.Workers)
	}
	return nil
}

// Hidden returns d_mem. Only valid after Validate.
func (c *GRUConfig) Hidden() int { return *c.HiddenSize }

// Direction returns the configured forward traversal.
func (c *GRUConfig) Direction() Direction {
	if c.Reverse != nil && *c.Reverse {
		return RightToLeft
	}
	return LeftToRight
}

func (c *GRUConfig) workers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

type fillerSlot struct {
	key string
	cfg *FillerConfig
}

type updaterSlot struct {
	key string
	cfg *UpdaterConfig
}

// fillerSlots lists the filler settings in parameter order.
func (c *GRUConfig) fillerSlots() []fillerSlot {
	return []fillerSlot{
		{"w_g_filler", c.WGateFiller},
		{"u_g_filler", c.UGateFiller},
		{"b_g_filler", c.BGateFiller},
		{"w_c_filler", c.WCandFiller},
		{"u_c_filler", c.UCandFiller},
		{"b_c_filler", c.BCandFiller},
	}
}

// updaterSlots lists the updater settings in parameter order.
func (c *GRUConfig) updaterSlots() []updaterSlot {
	return []updaterSlot{
		{"w_g_updater", c.WGateUpdater},
		{"u_g_updater", c.UGateUpdater},
		{"b_g_updater", c.BGateUpdater},
		{"w_c_updater", c.WCandUpdater},
		{"u_c_updater", c.UCandUpdater},
		{"b_c_updater", c.BCandUpdater},
	}
}

// DefaultGRUConfig returns a complete configuration: xavier weights, zero
// biases and plain SGD with learning rate 0.01 on every parameter.
func DefaultGRUConfig(hidden int, reverse bool) GRUConfig {
	weight := func() *FillerConfig { return &FillerConfig{Type: FillerXavier} }
	bias := func() *FillerConfig { return &FillerConfig{Type: FillerZero} }
	sgd := func() *UpdaterConfig { return &UpdaterConfig{Type: UpdaterSGD, LearningRate: 0.01} }
	return GRUConfig{
		HiddenSize:   &hidden,
		WGateFiller:  weight(),
		UGateFiller:  weight(),
		BGateFiller:  bias(),
		WCandFiller:  weight(),
		UCandFiller:  weight(),
		BCandFiller:  bias(),
		WGateUpdater: sgd(),
		UGateUpdater: sgd(),
		BGateUpdater: sgd(),
		WCandUpdater: sgd(),
		UCandUpdater: sgd(),
		BCandUpdater: sgd(),
		Reverse:      &reverse,
	}
}

// SetFillers replaces all six filler settings with cfg.
func (c *GRUConfig) SetFillers(cfg FillerConfig) {
	c.WGateFiller, c.UGateFiller, c.BGateFiller = &cfg, &cfg, &cfg
	c.WCandFiller, c.UCandFiller, c.BCandFiller = &cfg, &cfg, &cfg
}

// SetUpdaters replaces all six updater settings with cfg.
func (c *GRUConfig) SetUpdaters(cfg UpdaterConfig) {
	c.WGateUpdater, c.UGateUpdater, c.BGateUpdater = &cfg, &cfg, &cfg
	c.WCandUpdater, c.UCandUpdater, c.BCandUpdater = &cfg, &cfg, &cfg
}
