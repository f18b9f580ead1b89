package inbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	opts := Options{Mode: ModeFIFO, ReadBatchSize: 25}.WithDefaults()

	assert.Equal(t, ModeFIFO, opts.Mode)
	assert.Equal(t, 25, opts.ReadBatchSize, "explicit values are preserved")
	assert.Equal(t, 100, opts.WriteBatchSize)
	assert.Equal(t, 5*time.Minute, opts.MaxProcessingTime)
	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, 0.5, opts.LockExtensionThreshold)
	assert.Equal(t, 500, opts.Cleanup.BatchSize)

	require.NoError(t, opts.Validate())
	require.NoError(t, DefaultOptions().Validate())
}

func TestValidateRejectsBadOptions(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"unknown mode", func(o *Options) { o.Mode = "SIDEWAYS" }},
		{"zero read batch", func(o *Options) { o.ReadBatchSize = 0 }},
		{"negative read delay", func(o *Options) { o.ReadDelay = -time.Second }},
		{"zero max attempts", func(o *Options) { o.MaxAttempts = 0 }},
		{"dedup without interval", func(o *Options) {
			o.EnableDeduplication = true
			o.DeduplicationInterval = -time.Minute
		}},
		{"threshold out of range", func(o *Options) { o.LockExtensionThreshold = 0.95 }},
		{"threads outside default mode", func(o *Options) {
			o.Mode = ModeFIFO
			o.MaxProcessingThreads = 4
		}},
		{"negative dispatch rate", func(o *Options) { o.DispatchRatePerSecond = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestModeClassification(t *testing.T) {
	assert.True(t, ModeFIFO.IsFIFO())
	assert.True(t, ModeFIFOBatched.IsFIFO())
	assert.False(t, ModeDefault.IsFIFO())
	assert.False(t, ModeBatched.IsFIFO())

	assert.True(t, ModeBatched.IsBatched())
	assert.True(t, ModeFIFOBatched.IsBatched())
	assert.False(t, ModeDefault.IsBatched())
	assert.False(t, ModeFIFO.IsBatched())
}
