package message

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"typed", &Error{Kind: KindNotRecording, Op: "capture"}, KindNotRecording},
		{"wrapped typed", fmt.Errorf("bg: %w", ErrQuotaExceeded), KindQuotaExceeded},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), KindTimeout},
		{"host quota", errors.New("This request exceeds the MAX_CAPTURE_VISIBLE_TAB_CALLS_PER_SECOND quota."), KindQuotaExceeded},
		{"quota text", errors.New("capture: quota exceeded"), KindQuotaExceeded},
		{"invalidated", errors.New("Extension context invalidated."), KindContextInvalidated},
		{"no receiver", errors.New("Could not establish connection. Receiving end does not exist."), KindContextInvalidated},
		{"timeout text", errors.New("ping timeout"), KindTimeout},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := Errorf(KindTimeout, "send", "waited %dms", 3000)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, "send: timeout: waited 3000ms", err.Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap("op", nil))

	cause := errors.New("quota exceeded")
	err := Wrap("capture", cause)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.ErrorIs(t, err, cause)

	typed := &Error{Kind: KindNotRecording}
	assert.Same(t, typed, Wrap("capture", typed))
}

func TestRequestKinds(t *testing.T) {
	reqs := map[Kind]Request{
		KindPing:              Ping{},
		KindStartRecording:    StartRecording{},
		KindStopRecording:     StopRecording{},
		KindCaptureScreenshot: CaptureScreenshot{},
		KindGetRecordingState: GetRecordingState{},
		KindClearRecords:      ClearRecords{},
		KindGetStats:          GetStats{},
	}
	for k, r := range reqs {
		assert.Equal(t, k, r.Kind())
	}
}
