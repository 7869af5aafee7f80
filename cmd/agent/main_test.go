package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salagent/internal/checkin"
)

func TestRunMode(t *testing.T) {
	tests := []struct {
		name    string
		want    checkin.Mode
		scripts bool
		pre     bool
		post    bool
		wantErr bool
	}{
		{name: "full", want: checkin.ModeFull},
		{name: "pre", scripts: true, pre: true, want: checkin.ModePreScripts},
		{name: "post", scripts: true, post: true, want: checkin.ModePostScripts},
		{name: "scripts alone", scripts: true, wantErr: true},
		{name: "both", scripts: true, pre: true, post: true, wantErr: true},
		{name: "pre without scripts", pre: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := runMode(tt.scripts, tt.pre, tt.post)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
