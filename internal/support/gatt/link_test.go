package gatt

import (
	"errors"
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAdapterID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "empty selects default", input: "", want: -1},
		{name: "default keyword", input: "default", want: -1},
		{name: "hci name", input: "hci1", want: 1},
		{name: "bare index", input: "0", want: 0},
		{name: "surrounding spaces", input: " hci2 ", want: 2},
		{name: "unknown name", input: "usb0", wantErr: true},
		{name: "negative index", input: "hci-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAdapterID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostDevicePassesAdapterID(t *testing.T) {
	// GOAL: Verify the configured adapter name reaches the host device factory as its controller index

	orig := DeviceFactory
	defer func() { DeviceFactory = orig }()

	var got []int
	DeviceFactory = func(id int) (ble.Device, error) {
		got = append(got, id)
		return nil, errors.New("no controller")
	}

	_, err := hostDevice("hci3")
	require.Error(t, err, "factory failure MUST surface")
	_, err = hostDevice("default")
	require.Error(t, err)
	assert.Equal(t, []int{3, -1}, got)

	_, err = hostDevice("bogus")
	require.Error(t, err)
	assert.Len(t, got, 2, "an invalid adapter name MUST NOT reach the factory")
}
