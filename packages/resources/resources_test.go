package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPU(t *testing.T) {
	v, err := ParseCPU("1000m")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v)

	v, err = ParseCPU("2")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), v)
}

func TestParseBytes(t *testing.T) {
	v, err := ParseBytes("1Gi")
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024*1024), v)

	v, err = ParseBytes("512Mi")
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), v)
}

func TestParseEnforcesMinimum(t *testing.T) {
	_, err := Parse("100m", "1Gi", "1Gi", 0, 0, nil, true)
	assert.Error(t, err)

	_, err = Parse("250m", "500Mi", "1Gi", 0, 0, nil, true)
	assert.NoError(t, err)
}

func TestBurstMustBeAtLeastBase(t *testing.T) {
	_, err := Parse("1000m", "1Gi", "1Gi", 0, 0, &Burst{CPU: 500}, false)
	assert.Error(t, err)

	r, err := Parse("1000m", "1Gi", "1Gi", 0, 0, &Burst{CPU: 2000, Memory: 2 * 1024 * 1024 * 1024}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), r.CPUEffective())
}

func TestSubSaturatingFloorsAtZero(t *testing.T) {
	a := Resources{CPU: 500}
	b := Resources{CPU: 1000}
	assert.Equal(t, int64(0), a.SubSaturating(b).CPU)
}

func TestFitsInBurstAware(t *testing.T) {
	req := Resources{CPU: 1000, Memory: 1 << 20, Burstable: &Burst{CPU: 2000, Memory: 2 << 20}}
	base := Resources{CPU: 1500, Memory: 2 << 20}
	burstCap := Resources{CPU: 2500, Memory: 4 << 20}
	assert.True(t, req.FitsInBurstAware(base, burstCap))

	tooLittleBurst := Resources{CPU: 1900, Memory: 2 << 20}
	assert.False(t, req.FitsInBurstAware(base, tooLittleBurst))
}
