package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowSuccessRate(t *testing.T) {
	w := NewWindow(10)

	assert.Equal(t, 1.0, w.SuccessRate(), "无样本时视为健康")

	w.Record(OutcomeSuccess, 10*time.Millisecond)
	w.Record(OutcomeSuccess, 20*time.Millisecond)
	w.Record(OutcomeTimeout, 0)
	w.Record(OutcomeError, 0)

	assert.Equal(t, 0.5, w.SuccessRate())
	assert.Equal(t, 4, w.SampleCount())
	assert.Equal(t, uint64(4), w.TotalQueries())
}

func TestWindowMeanLatency(t *testing.T) {
	w := NewWindow(10)

	assert.Equal(t, time.Duration(0), w.MeanLatency(), "无成功样本时为零")

	w.Record(OutcomeSuccess, 10*time.Millisecond)
	w.Record(OutcomeSuccess, 30*time.Millisecond)
	// 失败样本不计入延迟
	w.Record(OutcomeTimeout, 5*time.Second)

	assert.Equal(t, 20*time.Millisecond, w.MeanLatency())
}

func TestWindowConsecutiveCounters(t *testing.T) {
	w := NewWindow(10)

	w.Record(OutcomeTimeout, 0)
	w.Record(OutcomeServfail, 0)
	w.Record(OutcomeRefused, 0)
	assert.Equal(t, 3, w.ConsecutiveFailures())
	assert.Equal(t, 0, w.ConsecutiveSuccesses())

	// 一次成功清零失败计数
	w.Record(OutcomeSuccess, time.Millisecond)
	assert.Equal(t, 0, w.ConsecutiveFailures())
	assert.Equal(t, 1, w.ConsecutiveSuccesses())

	w.Record(OutcomeSuccess, time.Millisecond)
	assert.Equal(t, 2, w.ConsecutiveSuccesses())
}

func TestWindowRingWraps(t *testing.T) {
	w := NewWindow(4)

	for i := 0; i < 4; i++ {
		w.Record(OutcomeTimeout, 0)
	}
	assert.Equal(t, 0.0, w.SuccessRate())

	// 新样本覆盖最旧的样本，窗口大小不变
	for i := 0; i < 4; i++ {
		w.Record(OutcomeSuccess, time.Millisecond)
	}
	assert.Equal(t, 4, w.SampleCount())
	assert.Equal(t, 1.0, w.SuccessRate())
	assert.Equal(t, uint64(8), w.TotalQueries())
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		outcome  Outcome
		expected string
	}{
		{OutcomeSuccess, "success"},
		{OutcomeTimeout, "timeout"},
		{OutcomeRefused, "refused"},
		{OutcomeServfail, "servfail"},
		{OutcomeError, "error"},
	}
	for _, tt := range tests {
		if tt.outcome.String() != tt.expected {
			t.Errorf("结果: %d, 期望: %s, 实际: %s", tt.outcome, tt.expected, tt.outcome.String())
		}
	}
}
