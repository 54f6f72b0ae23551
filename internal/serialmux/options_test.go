package serialmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptionsNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr string
	}{
		{"defaults", PortOptions{}, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, ""},
		{"named parity", PortOptions{BaudRate: 115200, Parity: " even "}, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "E"}, ""},
		{"seven data bits", PortOptions{DataBits: 7, StopBits: 2, Parity: "o"}, PortOptions{BaudRate: DefaultBaudRate, DataBits: 7, StopBits: 2, Parity: "O"}, ""},
		{"data bits too low", PortOptions{DataBits: 4}, PortOptions{}, "data bits"},
		{"data bits too high", PortOptions{DataBits: 9}, PortOptions{}, "data bits"},
		{"stop bits", PortOptions{StopBits: 3}, PortOptions{}, "stop bits"},
		{"negative stop bits", PortOptions{StopBits: -1}, PortOptions{}, "stop bits"},
		{"parity", PortOptions{Parity: "mark"}, PortOptions{}, "parity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.in.Normalize()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	t.Parallel()
	mode, err := PortOptions{StopBits: 2, Parity: "odd"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.OddParity}, mode)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)

	_, err = PortOptions{DataBits: 2}.SerialMode()
	assert.Error(t, err)
}
