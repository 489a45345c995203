package wasmdebug

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDWARFLines(t *testing.T) {
	tests := []struct {
		name     string
		sections map[string][]byte
	}{
		{name: "none"},
		{name: "info only", sections: map[string][]byte{".debug_info": {1}}},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Nil(t, NewDWARFLines(tc.sections, 10))
		})
	}
}

func TestDWARFLines_Line_Nil(t *testing.T) {
	var d *DWARFLines
	require.Nil(t, d.Line(100))
}
