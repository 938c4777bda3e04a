package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name       string
		location   string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{name: "full uri", location: "s3://lessons/course-1/intro.mp4", wantBucket: "lessons", wantKey: "course-1/intro.mp4"},
		{name: "bare key", location: "course-1/intro.mp4", wantBucket: "media", wantKey: "course-1/intro.mp4"},
		{name: "leading slash", location: "/intro.mp4", wantBucket: "media", wantKey: "intro.mp4"},
		{name: "missing key", location: "s3://lessons", wantErr: true},
		{name: "empty", location: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := ParseLocation(tt.location, "media")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestChatArchiveKey(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "chat-archive/42/1700000000.json", ChatArchiveKey("42", at))
}
