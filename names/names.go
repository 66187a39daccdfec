// Package names implements the flat naming scheme used for kernel
// device-mapper nodes.
//
// A node name is built from a volume group name, a logical volume name and
// an optional layer suffix, joined with single hyphens. Any literal hyphen
// inside a component is quoted by doubling it, so the encoding stays
// bijective:
//
//	Encode("vg0", "lvol0", "")       -> "vg0-lvol0"
//	Encode("my-vg", "lv-0", "real")  -> "my--vg-lv--0-real"
//
// The engine treats names as opaque once built; only the first component is
// ever inspected again, by BelongsToVG.
package names

import "strings"

// Reserved layer suffixes for hidden devices. Top-level (visible) devices
// carry no suffix.
const (
	LayerReal = "real"
	LayerCow  = "cow"
)

// quoteInto appends s to b with every literal '-' doubled.
func quoteInto(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			b.WriteByte('-')
		}
		b.WriteByte(s[i])
	}
}

// Encode builds the device-mapper node name for the given vg/lv pair and
// optional layer suffix. An empty layer means the visible top-level node.
// Encode is total: it never fails for any byte content.
func Encode(vg, lv, layer string) string {
	var b strings.Builder
	b.Grow(len(vg) + len(lv) + len(layer) + 2)

	quoteInto(&b, vg)
	b.WriteByte('-')
	quoteInto(&b, lv)

	if layer != "" {
		b.WriteByte('-')
		quoteInto(&b, layer)
	}

	return b.String()
}

// BelongsToVG reports whether the encoded node name was produced for the
// given volume group. The name must start with the quoted form of vg,
// followed by a hyphen run of odd length: one separator plus zero or more
// quoted hyphen pairs belonging to the lv component. A plain prefix match
// would wrongly let "vg" claim names of "vg1", and an even run means the
// hyphens are all quoted content of a longer first component.
func BelongsToVG(vg, name string) bool {
	var b strings.Builder
	quoteInto(&b, vg)
	quoted := b.String()

	if !strings.HasPrefix(name, quoted) {
		return false
	}

	rest := name[len(quoted):]
	run := 0
	for run < len(rest) && rest[run] == '-' {
		run++
	}
	return run%2 == 1
}
