package common

// PaddingValue marks filler rows added when batch items carry different numbers of ground-truth regions.
const PaddingValue = -99

// IsPaddingRegion reports whether every coordinate equals PaddingValue.
func IsPaddingRegion(r Region) bool {
	if len(r) == 0 {
		return false
	}
	for _, v := range r {
		if v != PaddingValue {
			return false
		}
	}
	return true
}

// IsPaddingLabel reports whether every entry equals PaddingValue.
func IsPaddingLabel(l []int32) bool {
	if len(l) == 0 {
		return false
	}
	for _, v := range l {
		if v != PaddingValue {
			return false
		}
	}
	return true
}

// ValidCount returns the number of leading rows before the first padding row.
func ValidCount(regions []Region) int {
	for i, r := range regions {
		if IsPaddingRegion(r) {
			return i
		}
	}
	return len(regions)
}

// PadRegion returns a filler region of the given length.
func PadRegion(dim int) Region {
	r := make(Region, dim)
	for i := range r {
		r[i] = PaddingValue
	}
	return r
}

// PadLabel returns a filler label row of the given length.
func PadLabel(n int) []int32 {
	l := make([]int32, n)
	for i := range l {
		l[i] = PaddingValue
	}
	return l
}
