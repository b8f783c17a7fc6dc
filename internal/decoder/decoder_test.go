package decoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVIN(t *testing.T) {
	cases := []struct {
		vin     string
		factory string
		year    int
	}{
		{"LRW3E7FA1SC000001", "Shanghai", 2025},
		{"5YJ3E7EA1PF000001", "Fremont", 2023},
		{"XP7YGCEK9RB000001", "Berlin", 2024},
		{"7SAYGDEE2NA000001", "Austin", 2022},
	}

	for _, tc := range cases {
		intel, ok := DecodeVIN(tc.vin)
		require.True(t, ok, tc.vin)
		assert.Equal(t, tc.factory, intel.Factory)
		assert.Equal(t, tc.year, intel.Year)
	}
}

func TestDecodeVINInvalidLength(t *testing.T) {
	_, ok := DecodeVIN("SHORT")
	assert.False(t, ok)
	_, ok = DecodeVIN("")
	assert.False(t, ok)
}

func TestDecodeVINUnknownCodes(t *testing.T) {
	intel, ok := DecodeVIN("LRW3E7FA1ZZ000001")
	require.True(t, ok)
	assert.Equal(t, "Unknown Factory", intel.String())
}

func TestVINIntelString(t *testing.T) {
	assert.Equal(t, "Shanghai (2025)", VINIntel{Factory: "Shanghai", Year: 2025}.String())
	assert.Equal(t, "Fremont", VINIntel{Factory: "Fremont"}.String())
}

func TestDecodeOptions(t *testing.T) {
	decoded := DecodeOptions([]string{"$PPSW", "APF0", "$UNKNOWN1", "W40B"})
	require.Len(t, decoded, 3)
	assert.Equal(t, "$PPSW: White Paint", decoded[0])
	assert.Equal(t, "APF0: FSD Capability", decoded[1])
	assert.Equal(t, "W40B: 19'' Gemini Wheels", decoded[2])
}

func TestDecodeOptionsEmpty(t *testing.T) {
	assert.Empty(t, DecodeOptions(nil))
	assert.Empty(t, DecodeOptions([]string{"$ZZZZ"}))
}

func TestImageURL(t *testing.T) {
	url := ImageURL([]string{"$MTY41", "$PPSW", ""}, "my2025")
	assert.True(t, strings.HasPrefix(url, "https://static-assets.tesla.com/configurator/compositor?model=my&"))
	assert.Contains(t, url, "options=$MTY41,$PPSW&")

	url = ImageURL([]string{"$MT351"}, "mdl3")
	assert.Contains(t, url, "model=m3&")
}
