package nn

import (
	"math"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestCheckFinite(t *testing.T) {
	clean := NewTensorFromSlice([]float32{1, -2, 3}, 1, 3)
	if err := CheckFinite("clean", clean); err != nil {
		t.Errorf("Expected nil for finite tensor, got %v", err)
	}

	bad := NewTensorFromSlice([]float64{1, math.NaN(), math.Inf(-1), 4}, 2, 2)
	err := CheckFinite("w_g", bad)
	ne, ok := err.(*NumericError)
	if !ok {
		t.Fatalf("Expected *NumericError, got %T", err)
	}
	if ne.NaNCount != 1 || ne.InfCount != 1 {
		t.Errorf("Expected 1 NaN and 1 Inf, got %d and %d", ne.NaNCount, ne.InfCount)
	}
	if ne.MinValue != 1 || ne.MaxValue != 4 {
		t.Errorf("Expected finite range [1, 4], got [%v, %v]", ne.MinValue, ne.MaxValue)
	}
	if len(ne.BadIndices) != 2 || ne.BadIndices[0] != 1 || ne.BadIndices[1] != 2 {
		t.Errorf("Expected bad indices [1 2], got %v", ne.BadIndices)
	}
	if !strings.Contains(ne.Error(), "w_g") {
		t.Errorf("Expected error to name w_g, got %q", ne.Error())
	}
}

func TestCheckNumericsStopsForward(t *testing.T) {
	rng := newRand(30)
	bottom := newTestBatch[float64](rng, 1, 1, 2, 2, 2)
	cfg := testConfig(2, false, true)
	cfg.CheckNumerics = true
	layer, top := setupLayer[float64](t, cfg, nil, bottom)
	forward(t, layer, bottom, top)

	layer.ParameterSet().UCand.Data.Data[3] = math.Inf(1)
	err := layer.Forward([]*SequenceBatch[float64]{bottom}, []*SequenceBatch[float64]{top})
	ne, ok := err.(*NumericError)
	if !ok {
		t.Fatalf("Expected *NumericError, got %v", err)
	}
	if ne.Name != ParamUCand || ne.Phase != "forward" {
		t.Errorf("Expected u_c in forward, got %s in %s", ne.Name, ne.Phase)
	}
}

func TestChannelObserverEvents(t *testing.T) {
	rng := newRand(31)
	bottom := newTestBatch[float64](rng, 2, 1, 4, 2, 4, 1)
	obs := NewChannelObserver(4)
	layer := NewGRULayer[float64](testConfig(3, false, true), nil, WithLogger(quietLogger()), WithObserver(obs))
	top := &SequenceBatch[float64]{}
	if err := layer.Setup([]*SequenceBatch[float64]{bottom}, []*SequenceBatch[float64]{top}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	forward(t, layer, bottom, top)
	backward(t, layer, bottom, top, maskedWeights(rng, top))

	fwd, bwd := <-obs.Events, <-obs.Events
	if fwd.Type != "forward" || bwd.Type != "backward" {
		t.Fatalf("Expected forward then backward, got %s then %s", fwd.Type, bwd.Type)
	}
	if fwd.Steps != 5 || fwd.Timelines != 2 {
		t.Errorf("Expected 5 steps over 2 timelines, got %d over %d", fwd.Steps, fwd.Timelines)
	}
	if fwd.Stats.Elements != 5*3 {
		t.Errorf("Expected stats over 15 valid elements, got %d", fwd.Stats.Elements)
	}
	if fwd.Stats.Max > 1 || fwd.Stats.Min < -1 {
		t.Errorf("Hidden states outside (-1, 1): [%v, %v]", fwd.Stats.Min, fwd.Stats.Max)
	}
	if fwd.StepCount != 1 || fwd.Backend != "cpu" {
		t.Errorf("Expected step 1 on cpu, got %d on %s", fwd.StepCount, fwd.Backend)
	}

	// a full channel drops instead of blocking
	layer.SetObserver(NewChannelObserver(0))
	forward(t, layer, bottom, top)
}

func TestLogObserver(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	obs := NewLogObserver(logrus.NewEntry(logger))
	obs.OnForward(LayerEvent{Type: "forward", Layer: "gru", Steps: 7})

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("Expected a log entry")
	}
	if entry.Level != logrus.DebugLevel || entry.Data["steps"] != 7 {
		t.Errorf("Expected debug entry with steps=7, got %v %v", entry.Level, entry.Data)
	}
}

func TestLayerTelemetry(t *testing.T) {
	bottom := NewSequenceBatch[float32](1, 1, 2, 3)
	cfg := testConfig(4, true, false)
	cfg.Workers = 2
	cfg.WGateUpdater = &UpdaterConfig{Type: UpdaterAdamW, LearningRate: 0.001}
	layer, _ := setupLayer[float32](t, cfg, NewBLAS32Backend(), bottom)

	tel := layer.Telemetry()
	if tel.Type != "gru" || tel.Backend != "blas32" || tel.Direction != RightToLeft.String() {
		t.Errorf("Unexpected telemetry header: %+v", tel)
	}
	if tel.Workers != 2 || tel.UseBias {
		t.Errorf("Expected 2 workers and no bias, got %d %v", tel.Workers, tel.UseBias)
	}
	if tel.Parameters != layer.ParameterSet().Count() || len(tel.Params) != 6 {
		t.Errorf("Expected %d parameters in 6 tensors, got %d in %d", layer.ParameterSet().Count(), tel.Parameters, len(tel.Params))
	}
	for _, p := range tel.Params {
		isBias := p.Name == ParamBGate || p.Name == ParamBCand
		if p.Trainable == isBias {
			t.Errorf("%s: expected trainable=%v", p.Name, !isBias)
		}
		if p.Name == ParamWGate && p.Updater != "AdamW" {
			t.Errorf("Expected w_g updater AdamW, got %s", p.Updater)
		}
	}
}
