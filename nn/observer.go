package nn

import (
	"math"

	"github.com/sirupsen/logrus"
)

// LayerStats summarises the valid rows of one buffer.
type LayerStats struct {
	Avg      float64 `json:"avg"`
	Max      float64 `json:"max"`
	Min      float64 `json:"min"`
	AbsMean  float64 `json:"abs_mean"`
	Active   int     `json:"active"` // elements > threshold
	Elements int     `json:"elements"`
}

// LayerEvent is delivered to a LayerObserver after every forward and
// backward pass.
type LayerEvent struct {
	Type      string     `json:"type"` // "forward" or "backward"
	Layer     string     `json:"layer"`
	Backend   string     `json:"backend"`
	Stats     LayerStats `json:"stats"`
	Timelines int        `json:"timelines"`
	Steps     int        `json:"steps"` // valid time steps processed
	StepCount uint64     `json:"step_count"`
}

// LayerObserver receives layer events. Implementations must not block.
type LayerObserver interface {
	OnForward(event LayerEvent)
	OnBackward(event LayerEvent)
}

// computeLayerStats calculates summary statistics over the valid prefix of
// every timeline of a [batch, seq, time, width] tensor.
func computeLayerStats[T Numeric](t *Tensor[T], lengths []int, threshold float64) LayerStats {
	var stats LayerStats
	if len(t.Shape) != 4 {
		return stats
	}
	seqs, width := t.Shape[1], t.Shape[3]
	stats.Min, stats.Max = math.Inf(1), math.Inf(-1)
	var sum, abs float64
	for i, l := range lengths {
		block := timelineOf(t, i/seqs, i%seqs)[:l*width]
		for _, v := range block {
			f := float64(v)
			sum += f
			abs += math.Abs(f)
			stats.Max = math.Max(stats.Max, f)
			stats.Min = math.Min(stats.Min, f)
			if f > threshold {
				stats.Active++
			}
		}
		stats.Elements += len(block)
	}
	if stats.Elements == 0 {
		return LayerStats{}
	}
	stats.Avg = sum / float64(stats.Elements)
	stats.AbsMean = abs / float64(stats.Elements)
	return stats
}

func sumLengths(lengths []int) int {
	n := 0
	for _, l := range lengths {
		n += l
	}
	return n
}

// =============================================================================
// Observer Implementations
// =============================================================================

// LogObserver writes layer events to a logrus logger at debug level.
type LogObserver struct {
	Log *logrus.Entry
}

// NewLogObserver creates an observer logging through log. A nil log uses
// the standard logger.
func NewLogObserver(log *logrus.Entry) *LogObserver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogObserver{Log: log}
}

func (o *LogObserver) OnForward(event LayerEvent) { o.log(event) }

func (o *LogObserver) OnBackward(event LayerEvent) { o.log(event) }

func (o *LogObserver) log(event LayerEvent) {
	o.Log.WithFields(logrus.Fields{
		"event":     event.Type,
		"layer":     event.Layer,
		"backend":   event.Backend,
		"avg":       event.Stats.Avg,
		"max":       event.Stats.Max,
		"min":       event.Stats.Min,
		"active":    event.Stats.Active,
		"elements":  event.Stats.Elements,
		"steps":     event.Steps,
		"iteration": event.StepCount,
	}).Debug("layer event")
}

// ChannelObserver sends events to a Go channel (for internal processing)
type ChannelObserver struct {
	Events chan LayerEvent
}

func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{
		Events: make(chan LayerEvent, bufferSize),
	}
}

func (o *ChannelObserver) OnForward(event LayerEvent) {
	select {
	case o.Events <- event:
	default:
		// Channel full, drop event to avoid blocking
	}
}

func (o *ChannelObserver) OnBackward(event LayerEvent) {
	select {
	case o.Events <- event:
	default:
		// Channel full, drop event to avoid blocking
	}
}
