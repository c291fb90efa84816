package types

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseExtendedDuration(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		durStr string
		expErr bool
		expDur time.Duration
	}{
		{"", true, 0},
		{"d", true, 0},
		{"2.1d", true, 0},
		{"2d-2h", true, 0},
		{"2da", true, 0},
		{"1.12s", false, 1120 * time.Millisecond},
		{"0d1.12s", false, 1120 * time.Millisecond},
		{"10d1.12s", false, 240*time.Hour + 1120*time.Millisecond},
		{"1s", false, 1 * time.Second},
		{"1d", false, 24 * time.Hour},
		{"1d23h", false, 47 * time.Hour},
		{"1d24h15m", false, 48*time.Hour + 15*time.Minute},
		{"-1d2h", false, -26 * time.Hour},
		{"2d1ns", false, 48*time.Hour + 1},
		{"30000", false, 30 * time.Second},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(fmt.Sprintf("tc_%s_exp", tc.durStr), func(t *testing.T) {
			t.Parallel()
			result, err := ParseExtendedDuration(tc.durStr)
			if tc.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expDur, result)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()
	t.Run("String", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "1m15s", Duration(75*time.Second).String())
	})
	t.Run("UnmarshalNumberAsMillis", func(t *testing.T) {
		t.Parallel()
		var d Duration
		assert.NoError(t, json.Unmarshal([]byte(`75000`), &d))
		assert.Equal(t, Duration(75*time.Second), d)
	})
	t.Run("UnmarshalString", func(t *testing.T) {
		t.Parallel()
		var d Duration
		assert.NoError(t, json.Unmarshal([]byte(`"1m15s"`), &d))
		assert.Equal(t, Duration(75*time.Second), d)
	})
	t.Run("UnmarshalExtended", func(t *testing.T) {
		t.Parallel()
		var d Duration
		assert.NoError(t, json.Unmarshal([]byte(`"1d2h1m15s"`), &d))
		assert.Equal(t, Duration(26*time.Hour+75*time.Second), d)
	})
	t.Run("Marshal", func(t *testing.T) {
		t.Parallel()
		data, err := json.Marshal(Duration(75 * time.Second))
		assert.NoError(t, err)
		assert.Equal(t, `"1m15s"`, string(data))
	})
	t.Run("Text", func(t *testing.T) {
		t.Parallel()
		var d Duration
		assert.NoError(t, d.UnmarshalText([]byte(`10s`)))
		assert.Equal(t, Duration(10*time.Second), d)
	})
}

func TestNullDuration(t *testing.T) {
	t.Parallel()
	t.Run("UnmarshalNull", func(t *testing.T) {
		t.Parallel()
		var d NullDuration
		assert.NoError(t, json.Unmarshal([]byte(`null`), &d))
		assert.Equal(t, NullDuration{Duration(0), false}, d)
	})
	t.Run("UnmarshalValue", func(t *testing.T) {
		t.Parallel()
		var d NullDuration
		assert.NoError(t, json.Unmarshal([]byte(`"75s"`), &d))
		assert.Equal(t, NullDuration{Duration(75 * time.Second), true}, d)
	})
	t.Run("MarshalValid", func(t *testing.T) {
		t.Parallel()
		data, err := json.Marshal(NullDuration{Duration(75 * time.Second), true})
		assert.NoError(t, err)
		assert.Equal(t, `"1m15s"`, string(data))
	})
	t.Run("MarshalNull", func(t *testing.T) {
		t.Parallel()
		var d NullDuration
		data, err := json.Marshal(d)
		assert.NoError(t, err)
		assert.Equal(t, `null`, string(data))
	})
	t.Run("TextEmpty", func(t *testing.T) {
		t.Parallel()
		var d NullDuration
		assert.NoError(t, d.UnmarshalText([]byte(``)))
		assert.Equal(t, NullDuration{}, d)
	})
	t.Run("ValueOrZero", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, Duration(0), NullDuration{}.ValueOrZero())
		assert.Equal(t, Duration(time.Second), NullDurationFrom(time.Second).ValueOrZero())
	})
	t.Run("TimeDuration", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, time.Second, NullDurationFrom(time.Second).TimeDuration())
	})
}
