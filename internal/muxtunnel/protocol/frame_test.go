package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFrames(t *testing.T) {
	id := NewConnectionID()
	tests := []struct {
		name      string
		length    int
		wantSizes []int
	}{
		{name: "empty is one close frame", length: 0, wantSizes: []int{0}},
		{name: "small", length: 5, wantSizes: []int{5}},
		{name: "exactly max", length: MaxFrameBodyLength, wantSizes: []int{MaxFrameBodyLength}},
		{name: "max plus one", length: MaxFrameBodyLength + 1, wantSizes: []int{MaxFrameBodyLength, 1}},
		{
			name:      "three full and remainder",
			length:    3*MaxFrameBodyLength + 100,
			wantSizes: []int{MaxFrameBodyLength, MaxFrameBodyLength, MaxFrameBodyLength, 100},
		},
		{name: "two full", length: 2 * MaxFrameBodyLength, wantSizes: []int{MaxFrameBodyLength, MaxFrameBodyLength}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := randomBytes(tt.length)
			frames := SplitFrames(id, data)
			require.Len(t, frames, len(tt.wantSizes))
			var joined []byte
			for i, f := range frames {
				assert.Equal(t, id, f.Header.ID)
				assert.Equal(t, uint32(tt.wantSizes[i]), f.Header.BodyLength)
				assert.Len(t, f.Body, tt.wantSizes[i])
				joined = append(joined, f.Body...)
			}
			assert.True(t, bytes.Equal(data, joined))
		})
	}
}

func TestFrame_Serialize(t *testing.T) {
	id := ConnectionID{9, 9, 9, 9, 9, 9, 9, 9}
	f := NewFrame(id, []byte("hi"))
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9, 2, 0, 0, 0, 'h', 'i'}, f.Serialize())
	assert.False(t, f.IsClose())

	c := NewCloseFrame(id)
	assert.True(t, c.IsClose())
	assert.Len(t, c.Serialize(), HeaderLength)
}
