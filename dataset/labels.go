// Package dataset - Action Unit label assignment, box-count fitting, batch collation and id-file indexing.
package dataset

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/au-rcnn/common"
)

// ErrUnknownAU is returned when an AU token does not belong to any configured group.
var ErrUnknownAU = errors.New("unknown action unit")

// AUGroup is one facial region and the Action Units that are visible inside it.
type AUGroup struct {
	// Name identifies the group, and keys the boxes passed to Assign.
	Name string `json:"name" yaml:"name"`
	// AUs are the Action Units located in this region.
	AUs []string `json:"aus" yaml:"aus"`
	// Children are groups whose region lies inside this one. Their present
	// AUs are also set on this group's label.
	Children []string `json:"children,omitempty" yaml:"children,omitempty"`
}

// AUConfig describes the label space and how AUs map onto facial regions.
type AUConfig struct {
	// Classes are the AU names in label column order.
	Classes []string `json:"classes" yaml:"classes"`
	// Groups are emitted in this order by Assign.
	Groups []AUGroup `json:"groups" yaml:"groups"`
	// Symmetric AUs appear on both sides of the face; a group holding one that
	// arrives with a single box gets the box duplicated.
	Symmetric []string `json:"symmetric" yaml:"symmetric"`
	// BoxNum is the number of ground-truth boxes every example is fitted to.
	BoxNum int `json:"box_num" yaml:"box_num"`
	// ImageWidth and ImageHeight are the cropped face size in pixels.
	ImageWidth  int `json:"image_width" yaml:"image_width"`
	ImageHeight int `json:"image_height" yaml:"image_height"`
}

// DefaultAUConfig returns the 12 BP4D Action Units on a 512x512 face crop.
func DefaultAUConfig() AUConfig {
	return AUConfig{
		Classes: []string{"1", "2", "4", "6", "7", "10", "12", "14", "15", "17", "23", "24"},
		Groups: []AUGroup{
			{Name: "inner_brow", AUs: []string{"1"}},
			{Name: "brow", AUs: []string{"2", "5"}, Children: []string{"inner_brow"}},
			{Name: "brow_lowerer", AUs: []string{"4"}},
			{Name: "cheek", AUs: []string{"6"}},
			{Name: "lid", AUs: []string{"7"}},
			{Name: "nose", AUs: []string{"9"}},
			{Name: "upper_lip", AUs: []string{"10", "11"}},
			{Name: "lip_corner", AUs: []string{"12", "13", "14", "15"}},
			{Name: "chin", AUs: []string{"17"}},
			{Name: "lips", AUs: []string{"16", "20", "23", "24", "25", "26"}, Children: []string{"upper_lip"}},
		},
		Symmetric:   []string{"1", "2", "4", "6", "7", "12", "14", "15"},
		BoxNum:      10,
		ImageWidth:  512,
		ImageHeight: 512,
	}
}

// Validate checks that class, group and child references resolve.
func (c AUConfig) Validate() error {
	if len(c.Classes) == 0 {
		return errors.New("au: no classes")
	}
	if c.BoxNum <= 0 {
		return errors.Errorf("au: box_num must be positive, got %d", c.BoxNum)
	}
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return errors.Errorf("au: image size must be positive, got %dx%d", c.ImageWidth, c.ImageHeight)
	}
	_, err := NewLabelMapper(c)
	return err
}

// ImageArea is the face crop area in pixels.
func (c AUConfig) ImageArea() float32 {
	return float32(c.ImageWidth * c.ImageHeight)
}

// LabelMapper turns per-group boxes and a frame's AU set into ground-truth
// boxes and label rows.
type LabelMapper struct {
	config    AUConfig
	column    map[string]int
	groupOf   map[string]int
	byName    map[string]int
	children  [][]int
	symmetric []bool
}

// NewLabelMapper resolves the AU table once.
//
// Arguments:
//   - config: The AU table.
//
// Returns:
//   - The mapper, or an error when a class is duplicated, an AU sits in two
//     groups, or a child names an unknown group.
func NewLabelMapper(config AUConfig) (*LabelMapper, error) {
	m := &LabelMapper{
		config:    config,
		column:    make(map[string]int, len(config.Classes)),
		groupOf:   make(map[string]int),
		byName:    make(map[string]int, len(config.Groups)),
		children:  make([][]int, len(config.Groups)),
		symmetric: make([]bool, len(config.Groups)),
	}
	for i, c := range config.Classes {
		if _, dup := m.column[c]; dup {
			return nil, errors.Errorf("au: class %q listed twice", c)
		}
		m.column[c] = i
	}

	byName := m.byName
	for g, group := range config.Groups {
		if _, dup := byName[group.Name]; dup {
			return nil, errors.Errorf("au: group %q listed twice", group.Name)
		}
		byName[group.Name] = g
		for _, au := range group.AUs {
			if other, dup := m.groupOf[au]; dup {
				return nil, errors.Errorf("au: AU %s in groups %q and %q", au, config.Groups[other].Name, group.Name)
			}
			m.groupOf[au] = g
		}
	}

	sym := make(map[string]bool, len(config.Symmetric))
	for _, au := range config.Symmetric {
		sym[au] = true
	}
	for g, group := range config.Groups {
		for _, child := range group.Children {
			c, ok := byName[child]
			if !ok {
				return nil, errors.Errorf("au: group %q has unknown child %q", group.Name, child)
			}
			if c == g {
				return nil, errors.Errorf("au: group %q is its own child", group.Name)
			}
			m.children[g] = append(m.children[g], c)
		}
		for _, au := range group.AUs {
			if sym[au] {
				m.symmetric[g] = true
			}
		}
	}
	return m, nil
}

// Config returns the AU table.
func (m *LabelMapper) Config() AUConfig {
	return m.config
}

// NumClasses is the label width.
func (m *LabelMapper) NumClasses() int {
	return len(m.config.Classes)
}

// parseToken splits an AU token into its base AU and whether it is a confirmed
// occurrence. Tokens prefixed with "?" (uncertain) or "-" (absent) are not.
func parseToken(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "?") || strings.HasPrefix(token, "-") {
		return token[1:], false
	}
	return token, true
}

// Labels returns the label row of a whole frame: one bit per present AU.
func (m *LabelMapper) Labels(auSet []string) []int32 {
	row := make([]int32, len(m.config.Classes))
	for _, token := range auSet {
		au, present := parseToken(token)
		if col, ok := m.column[au]; ok && present {
			row[col] = 1
		}
	}
	return row
}

// Assign builds the ground truth of one frame.
//
// Every group with at least one box contributes all of its boxes. Each box is
// labelled with the AUs present in its group OR-ed with those present in the
// group's children, so a group with boxes but no present AU yields all-zero
// rows.
//
// Arguments:
//   - groupBoxes: Boxes per group name, typically from a landmark based cropper.
//   - auSet: AU tokens of the frame, such as "4", "?6" or "-12".
//
// Returns:
//   - Boxes and label rows in group order.
//   - ErrUnknownAU when a token's AU is in no group, ErrInvalidGroundTruth when
//     no group has a box.
func (m *LabelMapper) Assign(groupBoxes map[string][]common.Region, auSet []string) ([]common.Region, [][]int32, error) {
	for name := range groupBoxes {
		if _, ok := m.byName[name]; !ok {
			return nil, nil, errors.Errorf("au: boxes for unknown group %q", name)
		}
	}
	own := make([][]int32, len(m.config.Groups))
	for g := range own {
		own[g] = make([]int32, len(m.config.Classes))
	}
	for _, token := range auSet {
		au, present := parseToken(token)
		g, ok := m.groupOf[au]
		if !ok {
			return nil, nil, errors.Wrapf(ErrUnknownAU, "token %q", token)
		}
		if col, ok := m.column[au]; ok && present {
			own[g][col] = 1
		}
	}

	var (
		boxes  []common.Region
		labels [][]int32
	)
	for g, group := range m.config.Groups {
		list := groupBoxes[group.Name]
		if len(list) == 0 {
			continue
		}
		if m.symmetric[g] && len(list) == 1 {
			list = []common.Region{list[0], list[0]}
		}
		row := append([]int32(nil), own[g]...)
		for _, c := range m.children[g] {
			for col, v := range own[c] {
				row[col] |= v
			}
		}
		for _, box := range list {
			boxes = append(boxes, append(common.Region(nil), box...))
			labels = append(labels, append([]int32(nil), row...))
		}
	}
	if len(boxes) == 0 {
		return nil, nil, errors.Wrap(common.ErrInvalidGroundTruth, "no group has a box")
	}
	return boxes, labels, nil
}

// WholeFaceFallback is the ground truth of a frame whose face landmarks could
// not be found: n copies of a box covering the crop, each carrying the frame
// label.
func (m *LabelMapper) WholeFaceFallback(n int, auSet []string) ([]common.Region, [][]int32) {
	row := m.Labels(auSet)
	box := common.Region{1, 1, float32(m.config.ImageHeight - 1), float32(m.config.ImageWidth - 1)}
	boxes := make([]common.Region, n)
	labels := make([][]int32, n)
	for i := range boxes {
		boxes[i] = append(common.Region(nil), box...)
		labels[i] = append([]int32(nil), row...)
	}
	return boxes, labels
}

// SelectColumns keeps the given label columns, in the given order.
func SelectColumns(labels [][]int32, columns []int) ([][]int32, error) {
	out := make([][]int32, len(labels))
	for r, row := range labels {
		out[r] = make([]int32, len(columns))
		for i, c := range columns {
			if c < 0 || c >= len(row) {
				return nil, errors.Wrapf(common.ErrInvalidInputShape, "column %d of a %d wide label", c, len(row))
			}
			out[r][i] = row[c]
		}
	}
	return out, nil
}
