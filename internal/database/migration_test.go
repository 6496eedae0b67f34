// internal/database/migration_test.go
package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMigrateCommand(t *testing.T) {
	tests := []struct {
		raw     string
		want    MigrateCommand
		wantErr bool
	}{
		{raw: "up", want: MigrateCommand{Action: MigrateUp}},
		{raw: " down ", want: MigrateCommand{Action: MigrateDown}},
		{raw: "version", want: MigrateCommand{Action: MigrateVersion}},
		{raw: "force:1", want: MigrateCommand{Action: MigrateForce, Version: 1}},
		{raw: "force:-1", want: MigrateCommand{Action: MigrateForce, Version: -1}},
		{raw: "force", wantErr: true},
		{raw: "force:abc", wantErr: true},
		{raw: "force:-2", wantErr: true},
		{raw: "up:3", wantErr: true},
		{raw: "sideways", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseMigrateCommand(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
