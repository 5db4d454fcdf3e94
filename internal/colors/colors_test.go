package colors

import (
	"testing"

	"github.com/fatih/color"
	"github.com/vtfind/vtfind/pkg/scan"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	on, off := true, false
	tests := []struct {
		name  string
		start bool
		force *bool
		want  bool
	}{
		{"force on", true, &on, true},
		{"force off", false, &off, false},
		{"nil keeps enabled", false, nil, true},
		{"nil keeps disabled", true, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			color.NoColor = tt.start
			Init(tt.force)
			if got := Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestType(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()
	color.NoColor = false

	seen := make(map[string]scan.PTType)
	for _, typ := range scan.PTAll.Types() {
		got := Type(typ).Sprint("x")
		if got == "x" {
			t.Errorf("Type(%s) is not colored", typ)
		}
		if prev, ok := seen[got]; ok {
			t.Errorf("Type(%s) shares its color with %s", typ, prev)
		}
		seen[got] = typ
	}
}
