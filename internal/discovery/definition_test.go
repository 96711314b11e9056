package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	def, err := Load("testdata/machine.yaml")
	require.NoError(t, err)
	assert.Equal(t, "demo-ring", def.Machine)
	require.Len(t, def.Servers, 3)

	rf := def.Servers[1]
	assert.Equal(t, 5*time.Second, rf.Timeout)
	cav := rf.Devices[0]
	assert.Equal(t, uint8(1), cav.SlaveID)
	tuner := cav.Points[2]
	assert.Equal(t, "holding", tuner.RegisterType)
	assert.Equal(t, "uint16", tuner.DataType)
	assert.Equal(t, "ABCD", tuner.ByteOrder)
	assert.Equal(t, 1.0, tuner.Scale)

	coil := def.Servers[0].Devices[0].Points[2]
	assert.Equal(t, "bool", coil.DataType)
	assert.True(t, coil.IsBit())
	assert.Equal(t, uint16(2), def.Servers[0].Devices[0].Points[0].RegisterCount())
}

func TestParse_Validation(t *testing.T) {
	cases := map[string]string{
		"no servers": `machine: x`,
		"duplicate server": `
servers:
  - server_id: a
  - server_id: a`,
		"writable input register": `
servers:
  - server_id: a
    devices:
      - device_id: D
        points:
          - name: p
            register_type: input
            writable: true`,
		"rtu without port": `
servers:
  - server_id: a
    protocol: modbus-rtu`,
		"duplicate sequence": `
servers:
  - server_id: a
sequences:
  - id: s
  - id: s`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestControlPointID(t *testing.T) {
	d := Device{DeviceID: "QH01"}
	assert.Equal(t, "QH01:I_SET", ControlPointID(d, Point{Name: "current_setpoint", PV: "QH01:I_SET"}))
	assert.Equal(t, "QH01:current_setpoint", ControlPointID(d, Point{Name: "current_setpoint"}))
}

func TestConnectionAddress(t *testing.T) {
	c := Connection{Host: "10.0.0.5", Port: 502, SerialPort: "/dev/ttyUSB0"}
	assert.Equal(t, "10.0.0.5:502", c.Address("modbus-tcp"))
	assert.Equal(t, "/dev/ttyUSB0", c.Address("RTU"))
}
