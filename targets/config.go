// Package targets - assigns ground-truth regions and labels to sampled region proposals.
package targets

import (
	"github.com/pkg/errors"
)

// LabelMode selects how a sampled region's label is derived from its ground truth.
type LabelMode string

const (
	// LabelModeMulti copies the full multi-label vector of the assigned ground truth.
	LabelModeMulti LabelMode = "multi"
	// LabelModeSingle shifts the ground-truth class index by one so that 0 is background.
	LabelModeSingle LabelMode = "single"
)

// Config holds the sampling parameters of the Assigner.
type Config struct {
	// NSample is the number of regions sampled per batch item.
	NSample int `json:"n_sample" yaml:"n_sample"`
	// PosRatio is the fraction of NSample that may be foreground.
	PosRatio float32 `json:"pos_ratio" yaml:"pos_ratio"`
	// PosIoUThresh is the minimum IoU for a region to be foreground.
	PosIoUThresh float32 `json:"pos_iou_thresh" yaml:"pos_iou_thresh"`
	// NegIoUThreshHi and NegIoUThreshLo bound background regions to [lo, hi).
	NegIoUThreshHi float32 `json:"neg_iou_thresh_hi" yaml:"neg_iou_thresh_hi"`
	NegIoUThreshLo float32 `json:"neg_iou_thresh_lo" yaml:"neg_iou_thresh_lo"`
	// LabelMode selects single- or multi-label targets.
	LabelMode LabelMode `json:"label_mode" yaml:"label_mode"`
}

// DefaultConfig returns the Faster R-CNN sampling defaults.
func DefaultConfig() Config {
	return Config{
		NSample:        128,
		PosRatio:       0.25,
		PosIoUThresh:   0.5,
		NegIoUThreshHi: 0.5,
		NegIoUThreshLo: 0.0,
		LabelMode:      LabelModeMulti,
	}
}

// Validate checks the configuration for values the sampler cannot honour.
func (c Config) Validate() error {
	if c.NSample <= 0 {
		return errors.Errorf("n_sample must be positive, got %d", c.NSample)
	}
	if c.PosRatio < 0 || c.PosRatio > 1 {
		return errors.Errorf("pos_ratio must be in [0, 1], got %v", c.PosRatio)
	}
	if c.NegIoUThreshLo > c.NegIoUThreshHi {
		return errors.Errorf("neg_iou_thresh_lo (%v) exceeds neg_iou_thresh_hi (%v)", c.NegIoUThreshLo, c.NegIoUThreshHi)
	}
	switch c.LabelMode {
	case LabelModeMulti, LabelModeSingle:
	default:
		return errors.Errorf("unsupported label mode %q", c.LabelMode)
	}
	return nil
}
