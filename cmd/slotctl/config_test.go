package main

import "testing"

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config
		wantErr bool
	}{
		{"status op", config{auth: "3,4", op: opStatus}, false},
		{"drain op", config{auth: "fifo:/tmp/p", op: opDrain}, false},
		{"release op", config{auth: "3,4", op: opRelease}, false},
		{"empty auth", config{op: opStatus}, true},
		{"unknown op", config{auth: "3,4", op: "steal"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()

			if tt.wantErr && err == nil {
				t.Error("expected to receive error: got 'nil'")
			}

			if !tt.wantErr && err != nil {
				t.Errorf("expected not to receive error: got '%v'", err)
			}
		})
	}
}
