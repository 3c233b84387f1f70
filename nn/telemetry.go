package nn

// LayerTelemetry contains metadata about a GRU layer
type LayerTelemetry struct {
	Type       string `json:"type"`
	Backend    string `json:"backend"`
	Direction  string `json:"direction"`
	UseBias    bool   `json:"use_bias"`
	Workers    int    `json:"workers"`
	Parameters int    `json:"parameters"`

	// Dimensions (per time step)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	Params []ParamTelemetry `json:"params"`
}

// ParamTelemetry describes one trainable tensor.
type ParamTelemetry struct {
	Name      string `json:"name"`
	Shape     []int  `json:"shape"`
	Updater   string `json:"updater"`
	Trainable bool   `json:"trainable"`
}

func extractLayerTelemetry[T Numeric](ps *ParameterSet[T], dir Direction, backend string, workers int) LayerTelemetry {
	tel := LayerTelemetry{
		Type:        "gru",
		Backend:     backend,
		Direction:   dir.String(),
		UseBias:     ps.UseBias,
		Workers:     workers,
		Parameters:  ps.Count(),
		InputShape:  []int{ps.Input},
		OutputShape: []int{ps.Hidden},
	}
	trainable := make(map[string]bool)
	for _, p := range ps.Trainable() {
		trainable[p.Name] = true
	}
	for _, p := range ps.All() {
		tel.Params = append(tel.Params, ParamTelemetry{
			Name:      p.Name,
			Shape:     append([]int(nil), p.Data.Shape...),
			Updater:   p.Updater.Name(),
			Trainable: trainable[p.Name],
		})
	}
	return tel
}
